package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/beto-mn/siteforge/authority"
	"github.com/beto-mn/siteforge/models"
)

// ValidationError is the authority's explicit rejection of a request, e.g. a
// DNS record mismatch. Terminal for the attempt, retrying requires
// republishing corrected records.
type ValidationError struct {
	ID          string
	Validations []authority.DomainValidation
}

func (e *ValidationError) Error() string {
	var details []string
	for _, v := range e.Validations {
		if v.Status == models.StatusFailed {
			details = append(details, fmt.Sprintf("%s: %s", v.Domain, v.Detail))
		}
	}
	if len(details) == 0 {
		return fmt.Sprintf("validation of certificate request '%s' failed", e.ID)
	}
	return fmt.Sprintf("validation of certificate request '%s' failed: %s", e.ID, strings.Join(details, ", "))
}

// TimeoutError means the authority stayed silent past the configured ceiling.
// It names the incomplete validations so the operator knows which records to
// check.
type TimeoutError struct {
	ID      string
	Timeout time.Duration
	Pending []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("validation of certificate request '%s' not completed after %s, incomplete validations: %s",
		e.ID, e.Timeout, strings.Join(e.Pending, ", "))
}

// Waiter polls the authority until a certificate request reaches a terminal
// state. It is the only blocking step of the provisioning chain and performs
// no writes. The clock is injectable so timeout and failure paths are
// testable without wall-clock waits.
type Waiter struct {
	Authority authority.CertificateAuthority
	Interval  time.Duration
	Timeout   time.Duration
	Clock     clock.Clock
	Logger    log.Logger
}

func NewWaiter(auth authority.CertificateAuthority, interval, timeout time.Duration, logger log.Logger) *Waiter {
	return &Waiter{
		Authority: auth,
		Interval:  interval,
		Timeout:   timeout,
		Clock:     clock.New(),
		Logger:    logger,
	}
}

// Wait blocks until the request is issued, explicitly rejected, timed out or
// the context is canceled. An explicit rejection surfaces as
// *ValidationError, ceiling expiry with the authority still pending as
// *TimeoutError: the two are distinct outcomes.
func (w *Waiter) Wait(ctx context.Context, id string) (*authority.Description, error) {
	deadline := w.Clock.Now().Add(w.Timeout)

	ticker := w.Clock.Ticker(w.Interval)
	defer ticker.Stop()

	for {
		desc, err := w.Authority.Describe(ctx, id)
		if err != nil {
			return nil, err
		}

		switch desc.Status {
		case models.StatusIssued:
			return desc, nil
		case models.StatusFailed:
			return desc, &ValidationError{ID: id, Validations: desc.Validations}
		}

		level.Debug(w.Logger).Log("msg", fmt.Sprintf("Certificate request '%s' still pending", id)) // #nosec G104

		if !w.Clock.Now().Before(deadline) {
			return desc, &TimeoutError{ID: id, Timeout: w.Timeout, Pending: pendingValidations(desc)}
		}

		select {
		case <-ctx.Done():
			return desc, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pendingValidations lists the domains the authority has not confirmed yet.
func pendingValidations(desc *authority.Description) []string {
	var pending []string
	for _, v := range desc.Validations {
		if v.Status != models.StatusIssued {
			pending = append(pending, v.Domain)
		}
	}
	if len(pending) == 0 {
		pending = append(pending, "all")
	}
	return pending
}
