package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/models"
	"github.com/beto-mn/siteforge/utils"
)

func checkAPIKey(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("Authorization Header is missing or empty")
	}
	splitToken := strings.Split(authHeader, "Bearer ")
	if len(splitToken) != 2 {
		return fmt.Errorf("Invalid token format")
	}

	if utils.SHA256Hash(splitToken[1]) != config.GlobalConfig.Common.APIKeyHash {
		return fmt.Errorf("Invalid token")
	}
	return nil
}

// certificateMetadataHandler serves the workflow state of managed sites,
// without certificate material.
func certificateMetadataHandler() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := checkAPIKey(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		data, err := sfStore.GetKVRing()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		site := r.URL.Query().Get("site")
		if site != "" {
			idx := slices.IndexFunc(data, func(c models.CertificateRequest) bool {
				return c.Site == site
			})
			if idx == -1 {
				http.Error(w, "Certificate not found", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			tmp, _ := json.Marshal(data[idx])
			_, _ = io.WriteString(w, string(tmp))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		tmp, _ := json.Marshal(data)
		_, _ = io.WriteString(w, string(tmp))
	})
}

// certificateReadHandler serves one site's workflow state together with its
// issued material from vault. Material exists only for issued requests.
func certificateReadHandler() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := checkAPIKey(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		site := strings.TrimPrefix(r.URL.Path, "/api/v1/certificate/")
		if site == "" || strings.Contains(site, "/") {
			http.Error(w, "missing or invalid 'site' path parameter", http.StatusBadRequest)
			return
		}

		data, err := sfStore.GetKVRing()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		idx := slices.IndexFunc(data, func(c models.CertificateRequest) bool {
			return c.Site == site
		})
		if idx == -1 {
			http.Error(w, "Certificate not found", http.StatusNotFound)
			return
		}
		if data[idx].Status != models.StatusIssued {
			http.Error(w, fmt.Sprintf("Certificate request for site '%s' is not issued (status '%s')", site, data[idx].Status), http.StatusConflict)
			return
		}

		certBytes, keyBytes, err := getMaterial(site)
		if err != nil {
			http.Error(w, fmt.Sprintf("%v", err), http.StatusInternalServerError)
			return
		}

		certificate := models.CertMap{
			CertificateRequest: data[idx],
			Cert:               string(certBytes),
			Key:                string(keyBytes),
		}

		w.Header().Set("Content-Type", "application/json")
		certificateBytes, _ := json.Marshal(certificate)
		_, _ = io.WriteString(w, string(certificateBytes))
	})
}
