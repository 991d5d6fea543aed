package dnszone

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/models"
)

func newTestClient(url string) *Client {
	return NewClient(config.Zone{
		Name:      "example.com",
		URL:       url,
		Token:     "token",
		RecordTTL: 30,
	})
}

func TestGetZone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/zones/example.com" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("missing auth header")
		}
		_ = json.NewEncoder(w).Encode(Zone{
			ID:          "z-1",
			Name:        "example.com",
			NameServers: []string{"ns1.example.net", "ns2.example.net"},
		})
	}))
	defer srv.Close()

	zone, err := newTestClient(srv.URL).GetZone(context.Background())
	if err != nil {
		t.Fatalf("GetZone() error = %v", err)
	}
	if zone.ID != "z-1" {
		t.Errorf("GetZone() id = %s, want z-1", zone.ID)
	}
	if !reflect.DeepEqual(zone.NameServers, []string{"ns1.example.net", "ns2.example.net"}) {
		t.Errorf("GetZone() name servers = %v", zone.NameServers)
	}
}

func TestGetZoneNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such zone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetZone(context.Background())
	if err == nil {
		t.Fatal("GetZone() expected error for missing zone")
	}
}

func TestUpsertRecordOverwrites(t *testing.T) {
	var methods []string
	var body models.ValidationRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	record := models.ValidationRecord{Name: "_validate.example.com", Type: "TXT", Value: "abc"}

	// publishing the same record twice must not fail
	for i := 0; i < 2; i++ {
		if err := client.UpsertRecord(context.Background(), "z-1", record); err != nil {
			t.Fatalf("UpsertRecord() run %d error = %v", i, err)
		}
	}

	if !reflect.DeepEqual(methods, []string{"PUT", "PUT"}) {
		t.Errorf("UpsertRecord() methods = %v, want overwrite semantics", methods)
	}
	if body.TTL != 30 {
		t.Errorf("UpsertRecord() ttl = %d, want default short ttl 30", body.TTL)
	}
}

func TestDeleteRecordMissingIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	record := models.ValidationRecord{Name: "_validate.example.com", Type: "TXT", Value: "abc"}
	if err := newTestClient(srv.URL).DeleteRecord(context.Background(), "z-1", record); err != nil {
		t.Fatalf("DeleteRecord() error = %v", err)
	}
}

func publishedRecordCount(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "siteforge_validation_record_published_total" {
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}

func TestUpsertRecordCountsEachPublishOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	before := publishedRecordCount(t)

	record := models.ValidationRecord{Name: "_validate.example.com", Type: "TXT", Value: "abc"}
	if err := client.UpsertRecord(context.Background(), "z-1", record); err != nil {
		t.Fatalf("UpsertRecord() error = %v", err)
	}

	if got := publishedRecordCount(t) - before; got != 1 {
		t.Errorf("published record counter advanced by %v, want exactly 1", got)
	}
}

func TestUpsertRecordFailureNotCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "zone is locked", http.StatusConflict)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	before := publishedRecordCount(t)

	record := models.ValidationRecord{Name: "_validate.example.com", Type: "TXT", Value: "abc"}
	if err := client.UpsertRecord(context.Background(), "z-1", record); err == nil {
		t.Fatal("UpsertRecord() expected error")
	}

	if got := publishedRecordCount(t) - before; got != 0 {
		t.Errorf("published record counter advanced by %v on failure, want 0", got)
	}
}
