package provision

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/beto-mn/siteforge/authority"
	"github.com/beto-mn/siteforge/binder"
	"github.com/beto-mn/siteforge/dnszone"
	"github.com/beto-mn/siteforge/manifest"
	"github.com/beto-mn/siteforge/metrics"
	"github.com/beto-mn/siteforge/models"
	"github.com/beto-mn/siteforge/queue"
	"github.com/beto-mn/siteforge/utils"
)

// MaterialStore persists issued certificate material, keyed by site name.
type MaterialStore interface {
	PutMaterial(site string, material *authority.Material) error
	DeleteMaterial(site string) error
}

// Provisioner runs the certificate provisioning chain for one site:
// zone lookup, certificate request, validation record publishing, waiting
// for issuance, then binding the issued certificate into its consumers.
// Each chain is strictly serial, independent sites run concurrently.
type Provisioner struct {
	Zone      dnszone.Manager
	Authority authority.CertificateAuthority
	Binders   map[string]binder.Binder
	Materials MaterialStore
	Waiter    *Waiter
	RecordTTL int
	Logger    log.Logger
}

// RecordsForChallenges maps validation challenges to the DNS records that
// satisfy them, one record per unique domain name. Some authorities return
// overlapping challenges for alternate names, publishing those twice would
// just rewrite the same value.
func RecordsForChallenges(challenges []models.ValidationChallenge, ttl int) []models.ValidationRecord {
	var records []models.ValidationRecord
	var seen []string
	for _, challenge := range challenges {
		if slices.Contains(seen, challenge.Domain) {
			continue
		}
		seen = append(seen, challenge.Domain)
		records = append(records, models.ValidationRecord{
			Name:  challenge.Record,
			Type:  challenge.Type,
			Value: challenge.Value,
			TTL:   ttl,
		})
	}
	return records
}

// NeedsReplacement reports whether the site's domain set differs from the
// recorded request's, which forces a new request through the
// create-before-destroy path.
func NeedsReplacement(prev *models.CertificateRequest, site manifest.Site) bool {
	if prev == nil {
		return true
	}
	a := manifest.Site{Domain: prev.Domain, SAN: prev.SAN}.Domains()
	b := site.Domains()
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

// Apply runs the full chain for one site. prev is the recorded request from
// a previous run, nil for a first-time site. On success the returned request
// is issued and bound, on failure the previous request remains untouched so
// bound resources never lose their certificate.
func (p *Provisioner) Apply(ctx context.Context, site manifest.Site, prev *models.CertificateRequest) (*models.CertificateRequest, error) {
	run := uuid.New().String()[:8]
	logger := log.With(p.Logger, "site", site.Name, "run", run)

	domains := site.Domains()
	for _, domain := range domains {
		if err := utils.ValidateDomain(domain); err != nil {
			return nil, err
		}
	}

	zone, err := p.Zone.GetZone(ctx)
	if err != nil {
		return nil, err
	}

	request, err := p.Authority.Request(ctx, domains)
	if err != nil {
		return nil, err
	}
	request.Site = site.Name
	request.Domain = site.Domain
	request.SAN = site.SAN
	request.Bindings = site.Bindings
	request.RenewalDays = site.RenewalDays
	if request.Status == "" {
		request.Status = models.StatusPending
	}

	level.Info(logger).Log("msg", fmt.Sprintf("Certificate request '%s' accepted with %d challenges", request.ID, len(request.Challenges))) // #nosec G104

	for _, record := range RecordsForChallenges(request.Challenges, p.RecordTTL) {
		if err := p.Zone.UpsertRecord(ctx, zone.ID, record); err != nil {
			request.Status = models.StatusFailed
			return request, errors.Wrapf(err, "failed to publish validation record for request '%s'", request.ID)
		}
		level.Debug(logger).Log("msg", fmt.Sprintf("Published validation record '%s'", record.Name)) // #nosec G104
	}

	desc, err := p.Waiter.Wait(ctx, request.ID)
	if err != nil {
		switch err.(type) {
		case *ValidationError:
			request.Status = models.StatusFailed
			metrics.IncFailedValidation(site.Name)
		case *TimeoutError:
			request.Status = models.StatusTimedOut
			metrics.IncTimedOutValidation(site.Name)
		}
		return request, err
	}

	request.Status = models.StatusIssued
	request.CertificateID = desc.CertificateID
	request.Expires = desc.Expires

	material, err := p.Authority.Download(ctx, request.ID)
	if err != nil {
		return request, err
	}
	if request.Expires == "" && len(material.Cert) > 0 {
		x509Cert, err := certcrypto.ParsePEMCertificate(material.Cert)
		if err != nil {
			return request, err
		}
		request.Expires = x509Cert.NotAfter.String()
	}
	request.Fingerprint = utils.GenerateFingerprint(material.Cert)
	request.KeyFingerprint = utils.GenerateFingerprint(material.Key)

	if err := p.Materials.PutMaterial(site.Name, material); err != nil {
		return request, err
	}

	// repoint consumers before the old request is released, a consumer must
	// never be left referencing neither the old nor a valid new certificate
	for _, consumer := range site.Bindings {
		b, found := p.Binders[consumer]
		if !found {
			return request, fmt.Errorf("no binder configured for consumer '%s'", consumer)
		}
		if err := b.Bind(ctx, site.Domain, request.CertificateID); err != nil {
			return request, err
		}
		level.Info(logger).Log("msg", fmt.Sprintf("Bound certificate '%s' to %s domain '%s'", request.CertificateID, consumer, site.Domain)) // #nosec G104
	}

	metrics.IncIssuedCertificate(site.Name)

	if prev != nil && prev.ID != "" && prev.ID != request.ID {
		if err := p.Authority.Release(ctx, prev.ID); err != nil {
			// the superseded certificate staying alive is the safe direction
			level.Warn(logger).Log("msg", fmt.Sprintf("Failed to release superseded certificate request '%s'", prev.ID), "err", err) // #nosec G104
		} else {
			metrics.IncReleasedCertificate(site.Name)
			level.Info(logger).Log("msg", fmt.Sprintf("Released superseded certificate request '%s'", prev.ID)) // #nosec G104
		}
	}

	return request, nil
}

// Result holds the outcome of one site's workflow in a multi-site apply.
type Result struct {
	Site    string
	Request *models.CertificateRequest
	Err     error
}

// ApplyAll runs independent site workflows concurrently through the job
// queue. One site's failure never blocks the completion of another, each
// failure stays attached to its own result.
func (p *Provisioner) ApplyAll(ctx context.Context, sites []manifest.Site, prev map[string]*models.CertificateRequest, workers int) []Result {
	var mu sync.Mutex
	results := make([]Result, 0, len(sites))

	jobs := make([]queue.Job, 0, len(sites))
	for _, site := range sites {
		site := site
		jobs = append(jobs, queue.Job{
			Name: site.Name,
			Action: func() error {
				request, err := p.Apply(ctx, site, prev[site.Name])
				mu.Lock()
				results = append(results, Result{Site: site.Name, Request: request, Err: err})
				mu.Unlock()
				return err
			},
		})
	}

	q := queue.NewQueue("provision")
	q.AddJobs(jobs, p.Logger)

	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := queue.NewWorker(q, p.Logger)
			worker.DoWork()
		}()
	}
	wg.Wait()

	return results
}
