package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/models"
)

func TestRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/certificates" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string][]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body["domains"]) != 2 {
			t.Errorf("unexpected domains %v", body["domains"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.CertificateRequest{
			ID:     "req-1",
			Domain: "api.example.com",
			Status: models.StatusPending,
			Challenges: []models.ValidationChallenge{
				{Domain: "api.example.com", Record: "_validate.api.example.com", Type: "CNAME", Value: "abc.ca.example.net"},
				{Domain: "www.example.com", Record: "_validate.www.example.com", Type: "CNAME", Value: "def.ca.example.net"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(config.Authority{URL: srv.URL, Token: "token"})
	req, err := client.Request(context.Background(), []string{"api.example.com", "www.example.com"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if req.ID != "req-1" {
		t.Errorf("Request() id = %s, want req-1", req.ID)
	}
	if len(req.Challenges) != 2 {
		t.Errorf("Request() challenges = %d, want 2", len(req.Challenges))
	}
}

func TestRequestRejectedSurfacesAuthorityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid domain name 'bad domain'"})
	}))
	defer srv.Close()

	client := NewClient(config.Authority{URL: srv.URL})
	_, err := client.Request(context.Background(), []string{"bad domain"})
	if err == nil {
		t.Fatal("Request() expected error")
	}
	want := "certificate request for [bad domain] rejected: invalid domain name 'bad domain'"
	if err.Error() != want {
		t.Errorf("Request() error = %q, want authority message verbatim %q", err, want)
	}
}

func TestDescribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/certificates/req-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Description{
			ID:     "req-1",
			Status: models.StatusFailed,
			Validations: []DomainValidation{
				{Domain: "api.example.com", Status: models.StatusFailed, Detail: "DNS record mismatch"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(config.Authority{URL: srv.URL})
	desc, err := client.Describe(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if desc.Status != models.StatusFailed {
		t.Errorf("Describe() status = %s, want failed", desc.Status)
	}
	if desc.Validations[0].Detail != "DNS record mismatch" {
		t.Errorf("Describe() detail = %s", desc.Validations[0].Detail)
	}
}

func TestReleaseMissingIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(config.Authority{URL: srv.URL})
	if err := client.Release(context.Background(), "req-1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}
