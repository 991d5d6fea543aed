package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/models"
)

// DomainValidation is the authority's view of one covered domain.
type DomainValidation struct {
	Domain string `json:"domain"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Description is the authority's status report for a certificate request.
// CertificateID is the opaque identifier consumed by downstream bindings, it
// is only set once the request is issued.
type Description struct {
	ID            string             `json:"id"`
	Status        string             `json:"status"`
	CertificateID string             `json:"certificate_id,omitempty"`
	Expires       string             `json:"expires,omitempty"`
	Validations   []DomainValidation `json:"validations,omitempty"`
}

// Material carries the issued certificate PEM blocks.
type Material struct {
	Cert     []byte `json:"cert"`
	Key      []byte `json:"key"`
	CAIssuer []byte `json:"ca_issuer"`
}

// CertificateAuthority exposes the request-certificate and poll-status
// operations of the authority service. Requesting is idempotent for an
// unchanged domain set and returns the full validation challenge set
// synchronously.
type CertificateAuthority interface {
	Request(ctx context.Context, domains []string) (*models.CertificateRequest, error)
	Describe(ctx context.Context, id string) (*Description, error)
	Download(ctx context.Context, id string) (*Material, error)
	Release(ctx context.Context, id string) error
}

// Client is the HTTP implementation of CertificateAuthority.
type Client struct {
	baseURL    string
	token      string
	httpclient *http.Client
}

func NewClient(cfg config.Authority) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	return &Client{
		baseURL:    cfg.URL,
		token:      cfg.Token,
		httpclient: retryClient.StandardClient(),
	}
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

// errorBody surfaces the authority's own message verbatim, invalid domain and
// quota errors must reach the operator unchanged.
func errorBody(resp *http.Response) string {
	var payload struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return resp.Status
}

// Request asks the authority for a certificate covering the given domain set
// and returns the accepted request together with its validation challenges.
func (c *Client) Request(ctx context.Context, domains []string) (*models.CertificateRequest, error) {
	reqBody, err := json.Marshal(map[string][]string{"domains": domains})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, "POST", "/certificates", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("error requesting certificate for %v: %w", domains, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("certificate request for %v rejected: %s", domains, errorBody(resp))
	}

	var request models.CertificateRequest
	if err := json.NewDecoder(resp.Body).Decode(&request); err != nil {
		return nil, fmt.Errorf("error decoding certificate request for %v: %w", domains, err)
	}

	if request.ID == "" {
		return nil, fmt.Errorf("certificate request for %v returned no identifier", domains)
	}

	return &request, nil
}

// Describe polls the authority for the current status of a request. It
// performs no writes.
func (c *Client) Describe(ctx context.Context, id string) (*Description, error) {
	resp, err := c.doRequest(ctx, "GET", "/certificates/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("error describing certificate request '%s': %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error describing certificate request '%s': %s", id, errorBody(resp))
	}

	var desc Description
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("error decoding status of certificate request '%s': %w", id, err)
	}

	return &desc, nil
}

// Download fetches the issued certificate material.
func (c *Client) Download(ctx context.Context, id string) (*Material, error) {
	resp, err := c.doRequest(ctx, "GET", "/certificates/"+url.PathEscape(id)+"/material", nil)
	if err != nil {
		return nil, fmt.Errorf("error downloading certificate '%s': %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error downloading certificate '%s': %s", id, errorBody(resp))
	}

	var material Material
	if err := json.NewDecoder(resp.Body).Decode(&material); err != nil {
		return nil, fmt.Errorf("error decoding material of certificate '%s': %w", id, err)
	}

	return &material, nil
}

// Release tears down a certificate request, only called for a superseded
// request after its replacement is bound.
func (c *Client) Release(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, "DELETE", "/certificates/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("error releasing certificate request '%s': %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("error releasing certificate request '%s': %s", id, errorBody(resp))
	}
	return nil
}
