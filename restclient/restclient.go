package restclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/beto-mn/siteforge/models"
	"github.com/beto-mn/siteforge/utils"
)

type Client struct {
	BaseURL    string
	Logger     *logrus.Logger
	Token      string
	httpclient *http.Client
}

func setTLSConfig(cert string, key string, ca string, insecure bool) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}

	if insecure {
		tlsConfig.InsecureSkipVerify = insecure
		return tlsConfig, nil
	}

	if cert != "" && key != "" {
		// Load client cert
		certificate, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return tlsConfig, err
		}

		tlsConfig.Certificates = []tls.Certificate{certificate}
	}

	if ca != "" {
		// Load CA cert
		caCert, err := os.ReadFile(filepath.Clean(ca))
		if err != nil {
			return tlsConfig, err
		}

		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caCertPool
	}
	return tlsConfig, nil
}

func NewClient(baseURL, token, certFile, keyFile, caFile string, insecure bool, logger *logrus.Logger) (*Client, error) {
	var client Client
	retryClient := retryablehttp.NewClient()

	// Set the custom logger
	if logger != nil {
		retryClient.Logger = logger
		// Set the response log hook
		retryClient.ResponseLogHook = utils.ResponseLogHook(logger, true)
	} else {
		retryClient.Logger = nil
	}

	tlsConfig, err := setTLSConfig(certFile, keyFile, caFile, insecure)
	if err != nil {
		return &client, err
	}

	retryClient.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: tlsConfig,
	}

	client.BaseURL = baseURL
	client.Logger = logger
	client.Token = token
	client.httpclient = retryClient.StandardClient()

	return &client, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, headers map[string]string, body io.Reader, timeout int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			if _, ok := ctx.Deadline(); ok {
				err = fmt.Errorf("%w: Timeout duration was %d seconds", err, timeout)
			}
		}
		return nil, err
	}

	return resp, nil
}

func (c *Client) decodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

// GetAllCertificateMetadata returns the workflow state of every managed site.
func (c *Client) GetAllCertificateMetadata(timeout int) ([]models.CertificateRequest, error) {
	var requests []models.CertificateRequest
	headers := make(map[string]string, 1)
	headers["Authorization"] = "Bearer " + c.Token

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	baseErrMsg := "error getting all certificate metadata"

	resp, err := c.doRequest(ctx, "GET", "/certificate/metadata", headers, nil, timeout)
	if err != nil {
		return requests, fmt.Errorf("%s - %w", baseErrMsg, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return requests, fmt.Errorf("%s: %s", baseErrMsg, resp.Status)
	}

	if err := c.decodeJSON(resp, &requests); err != nil {
		return requests, fmt.Errorf("%s - %w", baseErrMsg, err)
	}

	return requests, nil
}

// GetCertificateMetadata returns the workflow state of one site.
func (c *Client) GetCertificateMetadata(site string, timeout int) (models.CertificateRequest, error) {
	var request models.CertificateRequest
	headers := make(map[string]string, 1)
	headers["Authorization"] = "Bearer " + c.Token

	if site == "" {
		return request, fmt.Errorf("missing or empty 'site' query parameter")
	}

	path := fmt.Sprintf("/certificate/metadata?site=%s", site)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	baseErrMsg := fmt.Sprintf("error getting certificate metadata for site '%s'", site)

	resp, err := c.doRequest(ctx, "GET", path, headers, nil, timeout)
	if err != nil {
		return request, fmt.Errorf("%s - %w", baseErrMsg, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return request, fmt.Errorf("%s: %s", baseErrMsg, resp.Status)
	}

	if err := c.decodeJSON(resp, &request); err != nil {
		return request, fmt.Errorf("%s - %w", baseErrMsg, err)
	}

	return request, nil
}

// ReadCertificate returns the workflow state of one site together with its
// issued material.
func (c *Client) ReadCertificate(site string, timeout int) (models.CertMap, error) {
	var certificate models.CertMap
	headers := make(map[string]string, 1)
	headers["Authorization"] = "Bearer " + c.Token

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	baseErrMsg := fmt.Sprintf("error reading certificate for site '%s'", site)

	resp, err := c.doRequest(ctx, "GET", fmt.Sprintf("/certificate/%s", site), headers, nil, timeout)
	if err != nil {
		return certificate, fmt.Errorf("%s - %w", baseErrMsg, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return certificate, fmt.Errorf("%s: %s - %w", baseErrMsg, resp.Status, err)
		}
		return certificate, fmt.Errorf("%s: %s - %s", baseErrMsg, resp.Status, string(respBody))
	}

	if err := c.decodeJSON(resp, &certificate); err != nil {
		return certificate, fmt.Errorf("%s - %w", baseErrMsg, err)
	}

	return certificate, nil
}
