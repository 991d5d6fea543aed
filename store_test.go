package main

import (
	"testing"

	"github.com/go-kit/log"

	"github.com/beto-mn/siteforge/manifest"
	"github.com/beto-mn/siteforge/models"
)

func TestCheckSiteDiffRetriesNonIssued(t *testing.T) {
	logger := log.NewNopLogger()

	// a failed or timed out workflow with an unchanged domain set must be
	// re-applied, not parked as unchanged
	for _, status := range []string{models.StatusFailed, models.StatusTimedOut} {
		recorded := []models.CertificateRequest{
			{Site: "blog", Domain: "blog.example.com", Status: status},
		}
		sites := []manifest.Site{{Name: "blog", Domain: "blog.example.com"}}

		diff, hasChange := checkSiteDiff(recorded, sites, logger)
		if !hasChange {
			t.Fatalf("checkSiteDiff() hasChange = false for recorded status %s", status)
		}
		if len(diff.Update) != 1 || diff.Update[0].Name != "blog" {
			t.Fatalf("checkSiteDiff() update = %+v, want site 'blog' for recorded status %s", diff.Update, status)
		}
		if len(diff.Unchange) != 0 {
			t.Errorf("checkSiteDiff() unchange = %+v, want empty for recorded status %s", diff.Unchange, status)
		}
	}
}

func TestCheckSiteDiffIssuedUnchanged(t *testing.T) {
	logger := log.NewNopLogger()

	recorded := []models.CertificateRequest{
		{Site: "blog", Domain: "blog.example.com", Status: models.StatusIssued},
	}
	sites := []manifest.Site{{Name: "blog", Domain: "blog.example.com"}}

	diff, hasChange := checkSiteDiff(recorded, sites, logger)
	if hasChange {
		t.Fatal("checkSiteDiff() hasChange = true for an issued request with unchanged domains")
	}
	if len(diff.Unchange) != 1 || diff.Unchange[0].Site != "blog" {
		t.Errorf("checkSiteDiff() unchange = %+v", diff.Unchange)
	}
}

func TestCheckSiteDiffCreateUpdateDelete(t *testing.T) {
	logger := log.NewNopLogger()

	recorded := []models.CertificateRequest{
		{Site: "blog", Domain: "blog.example.com", Status: models.StatusIssued},
		{Site: "shop", Domain: "shop.example.com", Status: models.StatusIssued},
	}
	sites := []manifest.Site{
		{Name: "blog", Domain: "blog.example.com", SAN: "www.blog.example.com"},
		{Name: "docs", Domain: "docs.example.com"},
	}

	diff, hasChange := checkSiteDiff(recorded, sites, logger)
	if !hasChange {
		t.Fatal("checkSiteDiff() hasChange = false")
	}
	if len(diff.Create) != 1 || diff.Create[0].Name != "docs" {
		t.Errorf("checkSiteDiff() create = %+v", diff.Create)
	}
	if len(diff.Update) != 1 || diff.Update[0].Name != "blog" {
		t.Errorf("checkSiteDiff() update = %+v", diff.Update)
	}
	if len(diff.Delete) != 1 || diff.Delete[0].Site != "shop" {
		t.Errorf("checkSiteDiff() delete = %+v", diff.Delete)
	}
}
