package dnszone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/metrics"
	"github.com/beto-mn/siteforge/models"
)

// Zone is the authoritative record collection for a domain. NameServers must
// be delegated at the registrar, which is outside this system's control.
type Zone struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	NameServers []string `json:"name_servers"`
}

// Manager exposes the zone-lookup and create/overwrite-record operations of
// the DNS zone service.
type Manager interface {
	GetZone(ctx context.Context) (Zone, error)
	UpsertRecord(ctx context.Context, zoneID string, record models.ValidationRecord) error
	DeleteRecord(ctx context.Context, zoneID string, record models.ValidationRecord) error
}

// Client is the HTTP implementation of Manager.
type Client struct {
	baseURL    string
	token      string
	zoneName   string
	recordTTL  int
	httpclient *http.Client
}

func NewClient(cfg config.Zone) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	return &Client{
		baseURL:    cfg.URL,
		token:      cfg.Token,
		zoneName:   cfg.Name,
		recordTTL:  cfg.RecordTTL,
		httpclient: retryClient.StandardClient(),
	}
}

// RecordTTL returns the cache lifetime applied to validation records.
func (c *Client) RecordTTL() int {
	return c.recordTTL
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpclient.Do(req)
}

// GetZone looks up the managed zone and returns its identifier and
// authoritative name servers.
func (c *Client) GetZone(ctx context.Context) (Zone, error) {
	var zone Zone

	resp, err := c.doRequest(ctx, "GET", "/zones/"+url.PathEscape(dns01.UnFqdn(c.zoneName)), nil)
	if err != nil {
		return zone, fmt.Errorf("error getting zone '%s': %w", c.zoneName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return zone, fmt.Errorf("zone '%s' not found", c.zoneName)
	}
	if resp.StatusCode != http.StatusOK {
		return zone, fmt.Errorf("error getting zone '%s': %s", c.zoneName, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(&zone); err != nil {
		return zone, fmt.Errorf("error getting zone '%s': %w", c.zoneName, err)
	}

	return zone, nil
}

// UpsertRecord creates or overwrites a record in the zone. Overwrite
// semantics matter here: repeated runs with an already-validated certificate
// must not fail on a record left over from a prior run.
func (c *Client) UpsertRecord(ctx context.Context, zoneID string, record models.ValidationRecord) error {
	if record.TTL == 0 {
		record.TTL = c.recordTTL
	}

	reqBody, err := json.Marshal(record)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/zones/%s/records/%s", url.PathEscape(zoneID), url.PathEscape(dns01.ToFqdn(record.Name)))
	resp, err := c.doRequest(ctx, "PUT", path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("error publishing record '%s' in zone '%s': %w", record.Name, zoneID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("error publishing record '%s' in zone '%s': %s", record.Name, zoneID, resp.Status)
	}

	metrics.IncPublishedValidationRecord()
	return nil
}

// DeleteRecord removes a record from the zone.
func (c *Client) DeleteRecord(ctx context.Context, zoneID string, record models.ValidationRecord) error {
	path := fmt.Sprintf("/zones/%s/records/%s", url.PathEscape(zoneID), url.PathEscape(dns01.ToFqdn(record.Name)))
	resp, err := c.doRequest(ctx, "DELETE", path, nil)
	if err != nil {
		return fmt.Errorf("error deleting record '%s' in zone '%s': %w", record.Name, zoneID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("error deleting record '%s' in zone '%s': %s", record.Name, zoneID, resp.Status)
	}
	return nil
}
