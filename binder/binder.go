package binder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/metrics"
	"github.com/beto-mn/siteforge/models"
)

// Binder points a downstream consumer (cdn distribution, gateway custom
// domain) at a certificate identifier. Callers must only pass identifiers of
// issued certificates.
type Binder interface {
	Bind(ctx context.Context, domain, certificateID string) error
}

// Client is the HTTP implementation of Binder for one consumer service.
type Client struct {
	consumer   string
	baseURL    string
	token      string
	httpclient *http.Client
}

func NewClient(consumer string, cfg config.Binder) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	return &Client{
		consumer:   consumer,
		baseURL:    cfg.URL,
		token:      cfg.Token,
		httpclient: retryClient.StandardClient(),
	}
}

// NewClients builds one client per configured consumer.
func NewClients(cfgs map[string]config.Binder) map[string]Binder {
	clients := make(map[string]Binder, len(cfgs))
	for consumer, cfg := range cfgs {
		clients[consumer] = NewClient(consumer, cfg)
	}
	return clients
}

// Bind repoints the consumer's custom-domain configuration at the given
// certificate identifier. The consumer keeps serving with its previous
// certificate until this call succeeds, which is what makes
// create-before-destroy replacement downtime free.
func (c *Client) Bind(ctx context.Context, domain, certificateID string) error {
	reqBody, err := json.Marshal(models.Binding{
		Consumer:      c.consumer,
		Domain:        domain,
		CertificateID: certificateID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", c.baseURL+"/domains/"+url.PathEscape(domain)+"/certificate", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return fmt.Errorf("error binding certificate '%s' to %s domain '%s': %w", certificateID, c.consumer, domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("error binding certificate '%s' to %s domain '%s': %s", certificateID, c.consumer, domain, resp.Status)
	}

	metrics.IncBoundCertificate(c.consumer)
	return nil
}
