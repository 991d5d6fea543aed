package contact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/metrics"
	"github.com/beto-mn/siteforge/utils"
)

// Message is a contact-form submission.
type Message struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// Relay forwards contact-form submissions to the email service. There are no
// retries and no queueing, an email failure is reported straight back to the
// caller. Submissions are bounded twice: a token bucket for the
// sustained/burst request ceiling and a fixed per-day quota.
type Relay struct {
	cfg     config.Contact
	limiter *rate.Limiter
	client  *retryablehttp.Client
	clock   clock.Clock
	logger  log.Logger

	mu   sync.Mutex
	day  string
	sent int
}

func NewRelay(cfg config.Contact, logger log.Logger) *Relay {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil

	return &Relay{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestLimit), cfg.Burst),
		client:  client,
		clock:   clock.New(),
		logger:  logger,
	}
}

func (re *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if re.cfg.TokenHash != "" && !re.checkAuth(r) {
		metrics.IncRejectedContactMessage("auth")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !re.limiter.Allow() {
		metrics.IncRejectedContactMessage("rate")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	if !re.takeQuota() {
		metrics.IncRejectedContactMessage("quota")
		http.Error(w, "Daily quota exhausted", http.StatusTooManyRequests)
		return
	}

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		metrics.IncRejectedContactMessage("payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if msg.Email == "" || msg.Message == "" {
		metrics.IncRejectedContactMessage("payload")
		http.Error(w, "Fields 'email' and 'message' must be set", http.StatusBadRequest)
		return
	}

	if err := re.forward(msg); err != nil {
		metrics.IncRejectedContactMessage("email")
		level.Error(re.logger).Log("msg", "Failed to forward contact message", "err", err) // #nosec G104
		http.Error(w, "Failed to forward message", http.StatusBadGateway)
		return
	}

	metrics.IncForwardedContactMessage()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"msg":"Message accepted"}`))
}

func (re *Relay) checkAuth(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token != "" && utils.SHA256Hash(token) == re.cfg.TokenHash
}

// takeQuota consumes one unit of the daily quota, resetting the counter when
// the UTC day rolls over.
func (re *Relay) takeQuota() bool {
	re.mu.Lock()
	defer re.mu.Unlock()

	day := re.clock.Now().UTC().Format("2006-01-02")
	if day != re.day {
		re.day = day
		re.sent = 0
	}
	if re.sent >= re.cfg.DailyQuota {
		return false
	}
	re.sent++
	return true
}

func (re *Relay) forward(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, re.cfg.EmailURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if re.cfg.EmailToken != "" {
		req.Header.Set("Authorization", "Bearer "+re.cfg.EmailToken)
	}

	resp, err := re.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}
	return nil
}
