package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/beto-mn/siteforge/manifest"
	"github.com/beto-mn/siteforge/models"
	"github.com/beto-mn/siteforge/provision"
	"github.com/beto-mn/siteforge/ring"
	"github.com/beto-mn/siteforge/storage/vault"

	"gopkg.in/yaml.v3"
)

// onStartup primes the kv ring. On a fresh cluster the leader provisions
// every manifest site and seeds the store, simple peers only prime their
// local cache from the replicated state.
func onStartup(certStore *CertStore, provisioner *provision.Provisioner, logger log.Logger, manifestPath string) error {
	isLeaderNow, err := ring.IsLeader(certStore.RingConfig)
	if err != nil {
		level.Warn(logger).Log("msg", "Failed to determine the ring leader", "err", err) // #nosec G104
		return err
	}

	data, err := certStore.GetKVRing()
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		return err
	}

	manifestBytes, err := os.ReadFile(filepath.Clean(manifestPath))
	if err != nil {
		return err
	}

	var cfg manifest.Config
	err = yaml.Unmarshal(manifestBytes, &cfg)
	if err != nil {
		return err
	}

	manifestConfig = cfg

	if len(data) == 0 {
		if !isLeaderNow {
			level.Debug(logger).Log("msg", "Skipping because this node is not the ring leader") // #nosec G104
			return nil
		}

		level.Info(logger).Log("msg", "Checking certificate material in vault") // #nosec G104

		vaultSecrets, err := vault.GlobalClient.ListSecretWithAppRole(globalConfig.Storage.Vault.CertPrefix + "/")
		if err != nil {
			level.Error(logger).Log("err", err) // #nosec G104
			os.Exit(1)
		}
		level.Info(logger).Log("msg", fmt.Sprintf("Found material for %d sites in vault", len(vaultSecrets))) // #nosec G104

		// material without a manifest site is left over from a removed site
		managed := make(map[string]struct{}, len(cfg.Site))
		for _, site := range cfg.Site {
			managed[site.Name] = struct{}{}
		}
		for _, secretKey := range vaultSecrets {
			if _, found := managed[secretKey]; !found {
				level.Info(logger).Log("msg", fmt.Sprintf("Removing material of site '%s' present in vault but not in the manifest", secretKey)) // #nosec G104
				if err := vault.GlobalClient.DeleteSecretWithAppRole(materialSecretPath(secretKey)); err != nil {
					level.Error(logger).Log("err", err) // #nosec G104
				}
			}
		}

		level.Info(logger).Log("msg", fmt.Sprintf("Provisioning %d sites from the manifest", len(cfg.Site))) // #nosec G104

		diff, _ := checkSiteDiff(nil, cfg.Site, logger)
		content := applyManifestChanges(certStore, provisioner, diff, logger)

		// update kv store
		certStore.PutKVRing(content)

		// update local cache with kv store value
		localCache.Set(sfRingKey, content)

		return nil
	}

	level.Info(logger).Log("msg", "Processing certificates as simple peer") // #nosec G104

	// update local cache with kv store value
	localCache.Set(sfRingKey, data)

	if isLeaderNow {
		// the manifest may have changed while the cluster was down
		diff, hasChanged := checkSiteDiff(data, cfg.Site, logger)
		if hasChanged {
			content := applyManifestChanges(certStore, provisioner, diff, logger)
			certStore.PutKVRing(content)
			localCache.Set(sfRingKey, content)
		}
		return nil
	}

	var issued []models.CertificateRequest
	for _, certData := range data {
		if certData.Status == models.StatusIssued {
			issued = append(issued, certData)
		}
	}
	if len(issued) > 0 {
		return CheckAndDeployLocalCertificate(certStore, logger)
	}
	return nil
}
