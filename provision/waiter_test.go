package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"

	"github.com/beto-mn/siteforge/authority"
	"github.com/beto-mn/siteforge/models"
)

// scriptedAuthority replays a fixed sequence of status reports, repeating the
// last one forever.
type scriptedAuthority struct {
	mu         sync.Mutex
	script     []authority.Description
	polls      int
	request    *models.CertificateRequest
	materia    *authority.Material
	release    []string
	releaseErr error
	rec        *recorder
}

func (a *scriptedAuthority) Request(_ context.Context, domains []string) (*models.CertificateRequest, error) {
	if a.request == nil {
		return nil, errors.New("no scripted request")
	}
	req := *a.request
	return &req, nil
}

func (a *scriptedAuthority) Describe(_ context.Context, id string) (*authority.Description, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.polls
	if idx >= len(a.script) {
		idx = len(a.script) - 1
	}
	a.polls++
	desc := a.script[idx]
	desc.ID = id
	return &desc, nil
}

func (a *scriptedAuthority) Download(_ context.Context, _ string) (*authority.Material, error) {
	if a.materia == nil {
		return &authority.Material{Cert: []byte("cert"), Key: []byte("key")}, nil
	}
	return a.materia, nil
}

func (a *scriptedAuthority) Release(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.releaseErr != nil {
		return a.releaseErr
	}
	a.release = append(a.release, id)
	if a.rec != nil {
		a.rec.add("release " + id)
	}
	return nil
}

// recorder keeps a cross-fake event log so call ordering is checkable.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func newTestWaiter(auth authority.CertificateAuthority, mock *clock.Mock) *Waiter {
	return &Waiter{
		Authority: auth,
		Interval:  15 * time.Second,
		Timeout:   30 * time.Minute,
		Clock:     mock,
		Logger:    log.NewNopLogger(),
	}
}

func TestWaiterIssuedOnFirstPoll(t *testing.T) {
	auth := &scriptedAuthority{
		script: []authority.Description{
			{Status: models.StatusIssued, CertificateID: "cert-1"},
		},
	}
	w := newTestWaiter(auth, clock.NewMock())

	desc, err := w.Wait(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if desc.CertificateID != "cert-1" {
		t.Errorf("Wait() certificate id = %s, want cert-1", desc.CertificateID)
	}
}

func TestWaiterIssuedAfterPending(t *testing.T) {
	auth := &scriptedAuthority{
		script: []authority.Description{
			{Status: models.StatusPending},
			{Status: models.StatusPending},
			{Status: models.StatusIssued, CertificateID: "cert-1"},
		},
	}
	mock := clock.NewMock()
	w := newTestWaiter(auth, mock)

	done := make(chan error, 1)
	go func() {
		_, err := w.Wait(context.Background(), "req-1")
		done <- err
	}()

	for i := 0; i < 2; i++ {
		waitForPoll(t, auth, i+1)
		mock.Add(w.Interval)
	}

	if err := <-done; err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestWaiterExplicitRejectionIsNotATimeout(t *testing.T) {
	auth := &scriptedAuthority{
		script: []authority.Description{
			{Status: models.StatusFailed, Validations: []authority.DomainValidation{
				{Domain: "api.example.com", Status: models.StatusFailed, Detail: "DNS record mismatch"},
			}},
		},
	}
	w := newTestWaiter(auth, clock.NewMock())

	_, err := w.Wait(context.Background(), "req-1")

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Wait() error = %v, want *ValidationError", err)
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Fatal("Wait() explicit rejection must not surface as timeout")
	}
	if !strings.Contains(err.Error(), "DNS record mismatch") {
		t.Errorf("Wait() error %q should carry the authority detail", err)
	}
}

func TestWaiterTimeoutNamesIncompleteValidations(t *testing.T) {
	auth := &scriptedAuthority{
		script: []authority.Description{
			{Status: models.StatusPending, Validations: []authority.DomainValidation{
				{Domain: "api.example.com", Status: models.StatusIssued},
				{Domain: "www.example.com", Status: models.StatusPending},
			}},
		},
	}
	mock := clock.NewMock()
	w := newTestWaiter(auth, mock)
	w.Timeout = 30 * time.Second
	w.Interval = 10 * time.Second

	done := make(chan error, 1)
	go func() {
		_, err := w.Wait(context.Background(), "req-1")
		done <- err
	}()

	// Three interval advances put the mock clock exactly at the ceiling.
	for i := 0; i < 3; i++ {
		waitForPoll(t, auth, i+1)
		mock.Add(w.Interval)
	}

	err := <-done
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Wait() error = %v, want *TimeoutError", err)
	}
	if len(timeoutErr.Pending) != 1 || timeoutErr.Pending[0] != "www.example.com" {
		t.Errorf("Wait() pending = %v, want the single incomplete validation", timeoutErr.Pending)
	}
}

func TestWaiterAbort(t *testing.T) {
	auth := &scriptedAuthority{
		script: []authority.Description{{Status: models.StatusPending}},
	}
	mock := clock.NewMock()
	w := newTestWaiter(auth, mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.Wait(ctx, "req-1")
		done <- err
	}()

	waitForPoll(t, auth, 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
}

// waitForPoll blocks until the authority has been polled n times, so mock
// clock advances cannot race with the waiter's select.
func waitForPoll(t *testing.T, auth *scriptedAuthority, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		auth.mu.Lock()
		polls := auth.polls
		auth.mu.Unlock()
		if polls >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("authority not polled %d times", n)
}
