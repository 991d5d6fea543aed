package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/dskit/kv/memberlist"

	"github.com/beto-mn/siteforge/authority"
	"github.com/beto-mn/siteforge/binder"
	"github.com/beto-mn/siteforge/cmd"
	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/dnszone"
	"github.com/beto-mn/siteforge/manifest"
	"github.com/beto-mn/siteforge/memcache"
	"github.com/beto-mn/siteforge/metrics"
	"github.com/beto-mn/siteforge/models"
	"github.com/beto-mn/siteforge/provision"
	"github.com/beto-mn/siteforge/ring"
	"github.com/beto-mn/siteforge/storage/vault"
	"github.com/beto-mn/siteforge/utils"
)

var (
	sfRingKey      = "collectors/certificate"
	localCache     = memcache.NewLocalCache()
	globalConfig   config.Config
	manifestConfig manifest.Config
	sfStore        *CertStore
)

// CertStore replicates certificate workflow state across the cluster through
// the memberlist kv ring. The leader writes, every member reads.
type CertStore struct {
	RingConfig ring.ProvisionerRing
	Logger     log.Logger
	lock       sync.Mutex
}

func (c *CertStore) GetKVRing() ([]models.CertificateRequest, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	var data []models.CertificateRequest

	ctx := context.Background()
	cached, err := c.RingConfig.JSONClient.Get(ctx, sfRingKey)
	if err != nil {
		level.Error(c.Logger).Log("msg", fmt.Sprintf("Failed to get kv store key '%s'", sfRingKey), "err", err) // #nosec G104
		return data, err
	}

	if cached != nil {
		content := cached.(*ring.Data).Content
		err = json.Unmarshal([]byte(content), &data)
		if err != nil {
			level.Error(c.Logger).Log("msg", fmt.Sprintf("Failed to decode kv store key '%s' value", sfRingKey), "err", err) // #nosec G104
			return data, err
		}
	}
	return data, nil
}

func (c *CertStore) PutKVRing(data []models.CertificateRequest) {
	c.lock.Lock()
	defer c.lock.Unlock()

	level.Info(c.Logger).Log("msg", fmt.Sprintf("Updating kv store key '%s'", sfRingKey)) // #nosec G104

	byStatus := make(map[string]float64)
	for _, certData := range data {
		byStatus[certData.Status]++
	}
	for _, status := range []string{models.StatusPending, models.StatusIssued, models.StatusFailed, models.StatusTimedOut} {
		metrics.SetManagedCertificate(status, byStatus[status])
	}

	content, _ := json.Marshal(data)
	c.updateKV(string(content))
}

func (c *CertStore) updateKV(content string) {
	data := &ring.Data{
		Content:   content,
		CreatedAt: time.Now(),
	}

	val, err := ring.JSONCodec.Encode(data)
	if err != nil {
		level.Error(c.Logger).Log("msg", fmt.Sprintf("Failed to encode data with '%s'", ring.JSONCodec.CodecID()), "err", err) // #nosec G104
		return
	}

	msg := memberlist.KeyValuePair{
		Key:   sfRingKey,
		Value: val,
		Codec: ring.JSONCodec.CodecID(),
	}

	msgBytes, _ := msg.Marshal()
	c.RingConfig.KvStore.NotifyMsg(msgBytes)
}

// vaultMaterialStore keeps issued certificate material in the vault KVv2
// engine, one secret per site.
type vaultMaterialStore struct{}

func materialSecretPath(site string) string {
	return globalConfig.Storage.Vault.CertPrefix + "/" + site
}

func (vaultMaterialStore) PutMaterial(site string, material *authority.Material) error {
	data := map[string]interface{}{
		"cert": material.Cert,
		"key":  material.Key,
	}
	if len(material.CAIssuer) > 0 {
		data["ca_issuer"] = material.CAIssuer
	}
	return vault.GlobalClient.PutSecretWithAppRole(materialSecretPath(site), data)
}

func (vaultMaterialStore) DeleteMaterial(site string) error {
	return vault.GlobalClient.DeleteSecretWithAppRole(materialSecretPath(site))
}

// getMaterial reads one site's material back from vault. Values come back
// base64 encoded as vault stores the secret as JSON.
func getMaterial(site string) (certBytes, keyBytes []byte, err error) {
	secret, err := vault.GlobalClient.GetSecretWithAppRole(materialSecretPath(site))
	if err != nil {
		return nil, nil, err
	}
	if secret == nil {
		return nil, nil, fmt.Errorf("no data found in vault secret key %s", materialSecretPath(site))
	}

	cert64, ok := secret["cert"]
	if !ok {
		return nil, nil, fmt.Errorf("no certificate found in vault secret key %s", materialSecretPath(site))
	}
	certBytes, _ = base64.StdEncoding.DecodeString(cert64.(string))

	key64, ok := secret["key"]
	if !ok {
		return nil, nil, fmt.Errorf("no private key found in vault secret key %s", materialSecretPath(site))
	}
	keyBytes, _ = base64.StdEncoding.DecodeString(key64.(string))

	return certBytes, keyBytes, nil
}

func newProvisioner(logger log.Logger) *provision.Provisioner {
	auth := authority.NewClient(globalConfig.Authority)
	return &provision.Provisioner{
		Zone:      dnszone.NewClient(globalConfig.Zone),
		Authority: auth,
		Binders:   binder.NewClients(globalConfig.Binder),
		Materials: vaultMaterialStore{},
		Waiter: provision.NewWaiter(
			auth,
			time.Duration(globalConfig.Authority.PollInterval)*time.Second,
			time.Duration(globalConfig.Authority.ValidationTimeout)*time.Minute,
			logger,
		),
		RecordTTL: globalConfig.Zone.RecordTTL,
		Logger:    logger,
	}
}

type mapDiff struct {
	Create   []manifest.Site             `json:"create"`
	Update   []manifest.Site             `json:"update"`
	Delete   []models.CertificateRequest `json:"delete"`
	Unchange []models.CertificateRequest `json:"unchange"`
}

// checkSiteDiff compares the recorded workflow state against the manifest.
// A changed domain set forces a replacement through create-before-destroy,
// and a recorded request that never reached issued is retried in place.
func checkSiteDiff(recorded []models.CertificateRequest, sites []manifest.Site, logger log.Logger) (mapDiff, bool) {
	var hasChange bool
	var diff mapDiff

	byName := make(map[string]*models.CertificateRequest, len(recorded))
	for i := range recorded {
		byName[recorded[i].Site] = &recorded[i]
	}

	siteNames := make(map[string]struct{}, len(sites))
	for _, site := range sites {
		siteNames[site.Name] = struct{}{}

		prev, found := byName[site.Name]
		if !found {
			hasChange = true
			diff.Create = append(diff.Create, site)
			continue
		}
		if provision.NeedsReplacement(prev, site) {
			hasChange = true
			diff.Update = append(diff.Update, site)
		} else if prev.Status != models.StatusIssued {
			// a recorded failed or timed_out workflow is re-run on the next
			// pass, never parked as unchanged
			hasChange = true
			diff.Update = append(diff.Update, site)
		} else {
			diff.Unchange = append(diff.Unchange, *prev)
		}
	}

	for _, prev := range recorded {
		if _, found := siteNames[prev.Site]; !found {
			hasChange = true
			diff.Delete = append(diff.Delete, prev)
		}
	}

	diffStr, _ := json.Marshal(diff)
	level.Debug(logger).Log("msg", diffStr) // #nosec G104

	return diff, hasChange
}

// applyManifestChanges runs the provisioning chain for every created or
// replaced site and releases removed ones. Independent sites run through the
// worker queue, a failed site keeps its previous state.
func applyManifestChanges(certStore *CertStore, provisioner *provision.Provisioner, diff mapDiff, logger log.Logger) []models.CertificateRequest {
	certInfo := append([]models.CertificateRequest(nil), diff.Unchange...)

	prev := make(map[string]*models.CertificateRequest)
	recorded, _ := certStore.GetKVRing()
	for i := range recorded {
		prev[recorded[i].Site] = &recorded[i]
	}

	var hasChange bool
	ctx := context.Background()

	sites := append(append([]manifest.Site(nil), diff.Create...), diff.Update...)
	if len(sites) > 0 {
		results := provisioner.ApplyAll(ctx, sites, prev, 3)
		for _, result := range results {
			if result.Err != nil {
				level.Error(logger).Log("msg", fmt.Sprintf("Provisioning site '%s' failed", result.Site), "err", result.Err) // #nosec G104
				// keep the previous issued state so bound resources are untouched
				if old, found := prev[result.Site]; found && old.Status == models.StatusIssued {
					certInfo = append(certInfo, *old)
				} else if result.Request != nil {
					certInfo = append(certInfo, *result.Request)
				}
				continue
			}
			hasChange = true
			certInfo = append(certInfo, *result.Request)
			if globalConfig.Common.CertDeploy {
				createLocalCertificateResource(result.Site, logger)
			}
		}
	}

	for _, old := range diff.Delete {
		hasChange = true
		releaseCertificateResource(provisioner, old, logger)
		if globalConfig.Common.CertDeploy {
			deleteLocalCertificateResource(old.Site, logger)
		}
	}

	if hasChange && globalConfig.Common.CmdEnabled {
		cmd.Execute(logger, globalConfig.Common)
	}

	return certInfo
}

// releaseCertificateResource releases a site's certificate request at the
// authority and drops its material from vault.
func releaseCertificateResource(provisioner *provision.Provisioner, request models.CertificateRequest, logger log.Logger) {
	if request.ID != "" {
		if err := provisioner.Authority.Release(context.Background(), request.ID); err != nil {
			level.Error(logger).Log("msg", fmt.Sprintf("Failed to release certificate request '%s'", request.ID), "err", err) // #nosec G104
		} else {
			metrics.IncReleasedCertificate(request.Site)
			level.Info(logger).Log("msg", fmt.Sprintf("Released certificate request '%s' for site '%s'", request.ID, request.Site)) // #nosec G104
		}
	}

	if err := provisioner.Materials.DeleteMaterial(request.Site); err != nil {
		level.Error(logger).Log("msg", fmt.Sprintf("Failed to delete material for site '%s'", request.Site), "err", err) // #nosec G104
	}
}

// localCertificatePaths maps a site name to its deployed file pair. Site
// names mirror domains, so wildcards and other unsafe chars are sanitized.
func localCertificatePaths(site string, logger log.Logger) (string, string) {
	name := utils.SanitizedDomain(logger, site)
	return globalConfig.Common.CertDir + name + ".crt", globalConfig.Common.CertDir + name + ".key"
}

func createLocalCertificateResource(site string, logger log.Logger) {
	err := utils.CreateNonExistingFolder(globalConfig.Common.CertDir)
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		return
	}
	certFilePath, keyFilePath := localCertificatePaths(site, logger)

	certBytes, keyBytes, err := getMaterial(site)
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		return
	}

	err = os.WriteFile(certFilePath, certBytes, 0600)
	if err != nil {
		level.Error(logger).Log("msg", fmt.Sprintf("Unable to save certificate file %s", certFilePath), "err", err) // #nosec G104
	} else {
		level.Info(logger).Log("msg", fmt.Sprintf("Deployed certificate %s", certFilePath)) // #nosec G104
	}

	err = os.WriteFile(keyFilePath, keyBytes, 0600)
	if err != nil {
		level.Error(logger).Log("msg", fmt.Sprintf("Unable to save private key file %s", keyFilePath), "err", err) // #nosec G104
	} else {
		level.Info(logger).Log("msg", fmt.Sprintf("Deployed private key %s", keyFilePath)) // #nosec G104
	}

	metrics.IncCreatedLocalCertificate(site)
}

func deleteLocalCertificateResource(site string, logger log.Logger) {
	certFilePath, keyFilePath := localCertificatePaths(site, logger)

	err := os.Remove(certFilePath)
	if err != nil {
		level.Error(logger).Log("msg", fmt.Sprintf("Unable to delete certificate file %s", certFilePath), "err", err) // #nosec G104
	} else {
		level.Info(logger).Log("msg", fmt.Sprintf("Removed certificate %s", certFilePath)) // #nosec G104
	}

	err = os.Remove(keyFilePath)
	if err != nil {
		level.Error(logger).Log("msg", fmt.Sprintf("Unable to delete private key file %s", keyFilePath), "err", err) // #nosec G104
	} else {
		level.Info(logger).Log("msg", fmt.Sprintf("Removed private key %s", keyFilePath)) // #nosec G104
	}

	metrics.IncDeletedLocalCertificate(site)
}

// WatchRingKvStoreChanges keeps non-leader members in sync: when the leader
// publishes new workflow state, every other member deploys the matching
// material locally.
func WatchRingKvStoreChanges(ringConfig ring.ProvisionerRing, logger log.Logger) {
	ringConfig.KvStore.WatchKey(context.Background(), sfRingKey, ring.JSONCodec, func(in interface{}) bool {
		isLeaderNow, _ := ring.IsLeader(ringConfig)
		if !isLeaderNow {
			val := in.(*ring.Data)
			var newCertList []models.CertificateRequest
			_ = json.Unmarshal([]byte(val.Content), &newCertList)

			old, found := localCache.Get(sfRingKey)
			if !found {
				level.Error(logger).Log("msg", "Empty local cache store") // #nosec G104
			} else {
				diff, hasChanged := checkStateDiff(old.Value.([]models.CertificateRequest), newCertList, logger)

				if hasChanged {
					level.Info(logger).Log("msg", "kv store key changes") // #nosec G104

					if globalConfig.Common.CertDeploy {
						applyRingKvStoreChanges(diff, logger)
					}
					localCache.Set(sfRingKey, newCertList)

					if globalConfig.Common.CmdEnabled {
						cmd.Execute(logger, globalConfig.Common)
					}
				} else {
					level.Info(logger).Log("msg", "kv store key no changes") // #nosec G104
				}
			}
		}

		return true // yes, keep watching
	})
}

type stateDiff struct {
	Create   []models.CertificateRequest `json:"create"`
	Update   []models.CertificateRequest `json:"update"`
	Delete   []models.CertificateRequest `json:"delete"`
	Unchange []models.CertificateRequest `json:"unchange"`
}

func checkStateDiff(old, newCertList []models.CertificateRequest, logger log.Logger) (stateDiff, bool) {
	var hasChange bool
	var diff stateDiff

	newByName := make(map[string]models.CertificateRequest, len(newCertList))
	for _, c := range newCertList {
		newByName[c.Site] = c
	}

	oldNames := make(map[string]struct{}, len(old))
	for _, oldCert := range old {
		oldNames[oldCert.Site] = struct{}{}

		newCert, found := newByName[oldCert.Site]
		if !found {
			hasChange = true
			diff.Delete = append(diff.Delete, oldCert)
		} else if !reflect.DeepEqual(oldCert, newCert) {
			hasChange = true
			diff.Update = append(diff.Update, newCert)
		} else {
			diff.Unchange = append(diff.Unchange, oldCert)
		}
	}

	for _, newCert := range newCertList {
		if _, found := oldNames[newCert.Site]; !found {
			hasChange = true
			diff.Create = append(diff.Create, newCert)
		}
	}

	diffStr, _ := json.Marshal(diff)
	level.Debug(logger).Log("msg", diffStr) // #nosec G104

	return diff, hasChange
}

func applyRingKvStoreChanges(diff stateDiff, logger log.Logger) {
	for _, certData := range diff.Create {
		if certData.Status == models.StatusIssued {
			createLocalCertificateResource(certData.Site, logger)
		}
	}

	for _, certData := range diff.Update {
		if certData.Status == models.StatusIssued {
			createLocalCertificateResource(certData.Site, logger)
		}
	}

	for _, certData := range diff.Delete {
		deleteLocalCertificateResource(certData.Site, logger)
	}
}

// CheckAndDeployLocalCertificate redeploys any local certificate file that
// drifted from the recorded fingerprints.
func CheckAndDeployLocalCertificate(certStore *CertStore, logger log.Logger) error {
	// not deploy certs
	if !globalConfig.Common.CertDeploy {
		return nil
	}

	data, err := certStore.GetKVRing()
	if err != nil {
		return err
	}

	var hasChange bool
	for _, certData := range data {
		if certData.Status != models.StatusIssued {
			continue
		}

		certFilePath, keyFilePath := localCertificatePaths(certData.Site, logger)

		var certBytes, keyBytes []byte
		if utils.FileExists(certFilePath) {
			certBytes, err = os.ReadFile(certFilePath)
			if err != nil {
				level.Error(logger).Log("err", err) // #nosec G104
			}
		}
		if utils.FileExists(keyFilePath) {
			keyBytes, err = os.ReadFile(keyFilePath)
			if err != nil {
				level.Error(logger).Log("err", err) // #nosec G104
			}
		}

		if utils.GenerateFingerprint(certBytes) != certData.Fingerprint ||
			utils.GenerateFingerprint(keyBytes) != certData.KeyFingerprint {
			hasChange = true
			createLocalCertificateResource(certData.Site, logger)
		}
	}
	if hasChange && globalConfig.Common.CmdEnabled {
		cmd.Execute(logger, globalConfig.Common)
	}
	return nil
}

func WatchLocalCertificate(certStore *CertStore, logger log.Logger, interval time.Duration) {
	// create a new Ticker
	tk := time.NewTicker(interval)

	// start the ticker
	for range tk.C {
		err := CheckAndDeployLocalCertificate(certStore, logger)
		if err != nil {
			level.Error(logger).Log("msg", "Check local certificate failed", "err", err) // #nosec G104
		}
	}
}

func parseExpires(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05 -0700 MST", value)
}

// CheckCertExpiration re-runs the provisioning chain for every issued
// certificate inside its renewal window, and for every recorded workflow
// that never reached issued. The replacement follows the same
// create-before-destroy path as a domain set change.
func CheckCertExpiration(certStore *CertStore, provisioner *provision.Provisioner, logger log.Logger) error {
	data, err := certStore.GetKVRing()
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		return err
	}

	dataCopy := make([]models.CertificateRequest, len(data))
	_ = copy(dataCopy, data)

	var hasChange bool
	for i, certData := range data {
		if certData.Status != models.StatusIssued {
			// failed and timed_out workflows get another cycle here, a
			// transient validation problem must heal without a manifest edit
			site := manifest.Site{
				Name:        certData.Site,
				Domain:      certData.Domain,
				SAN:         certData.SAN,
				Bindings:    certData.Bindings,
				RenewalDays: certData.RenewalDays,
			}
			certData := certData
			retried, err := provisioner.Apply(context.Background(), site, &certData)
			if err != nil {
				level.Error(logger).Log("msg", fmt.Sprintf("Retry of site '%s' failed", certData.Site), "err", err) // #nosec G104
				if retried != nil {
					hasChange = true
					dataCopy[i] = *retried
				}
				continue
			}
			hasChange = true
			dataCopy[i] = *retried

			if globalConfig.Common.CertDeploy {
				createLocalCertificateResource(certData.Site, logger)
			}
			continue
		}

		t, err := parseExpires(certData.Expires)
		if err != nil {
			level.Error(logger).Log("msg", fmt.Sprintf("Cannot parse expiry '%s' of site '%s'", certData.Expires, certData.Site), "err", err) // #nosec G104
			continue
		}

		renewalDays := certData.RenewalDays
		if renewalDays == 0 {
			renewalDays = globalConfig.Common.CertDaysRenewal
		}

		timeLeft := t.Sub(time.Now().UTC())
		daysLeft := int(timeLeft.Hours()) / 24
		level.Info(logger).Log("msg", fmt.Sprintf("[%s] %d days remaining", certData.Site, daysLeft)) // #nosec G104

		if daysLeft < renewalDays {
			level.Info(logger).Log("msg", fmt.Sprintf("[%s] Trying renewal with %d days remaining", certData.Site, daysLeft)) // #nosec G104

			site := manifest.Site{
				Name:        certData.Site,
				Domain:      certData.Domain,
				SAN:         certData.SAN,
				Bindings:    certData.Bindings,
				RenewalDays: certData.RenewalDays,
			}
			certData := certData
			renewed, err := provisioner.Apply(context.Background(), site, &certData)
			if err != nil {
				level.Error(logger).Log("msg", fmt.Sprintf("Renewal of site '%s' failed", certData.Site), "err", err) // #nosec G104
				continue
			}
			hasChange = true
			metrics.IncRenewedCertificate(certData.Site)
			dataCopy[i] = *renewed

			if globalConfig.Common.CertDeploy {
				createLocalCertificateResource(certData.Site, logger)
			}
		}
	}
	if hasChange {
		localCache.Set(sfRingKey, dataCopy)
		certStore.PutKVRing(dataCopy)

		if globalConfig.Common.CmdEnabled {
			cmd.Execute(logger, globalConfig.Common)
		}
	}
	return nil
}

func WatchCertExpiration(certStore *CertStore, provisioner *provision.Provisioner, logger log.Logger, interval time.Duration) {
	// create a new Ticker
	tk := time.NewTicker(interval)

	// start the ticker
	for range tk.C {
		isLeaderNow, _ := ring.IsLeader(certStore.RingConfig)
		if isLeaderNow {
			err := CheckCertExpiration(certStore, provisioner, logger)
			if err != nil {
				level.Error(logger).Log("msg", "Certificate check renewal failed", "err", err) // #nosec G104
			}
		}
	}
}
