package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/manifest"
	"github.com/beto-mn/siteforge/ring"

	"gopkg.in/yaml.v3"
)

func WatchConfigFileChanges(logger log.Logger, interval time.Duration, configPath string) {
	// create a new Ticker
	tk := time.NewTicker(interval)

	// start the ticker
	for range tk.C {
		newConfigBytes, err := os.ReadFile(filepath.Clean(configPath))
		if err != nil {
			level.Error(logger).Log("msg", fmt.Sprintf("Unable to read file %s", configPath), "err", err) // #nosec G104
			continue
		}
		var cfg config.Config
		err = yaml.Unmarshal(newConfigBytes, &cfg)
		if err != nil {
			level.Error(logger).Log("msg", fmt.Sprintf("Ignoring file changes %s because of error", configPath), "err", err) // #nosec G104
			continue
		}

		oldConfigBytes, err := yaml.Marshal(globalConfig)
		if err != nil {
			level.Error(logger).Log("msg", "Unable to yaml marshal the globalconfig", "err", err) // #nosec G104
			continue
		}

		// no need to check err as unmarshalled before
		newConfigBytes, _ = yaml.Marshal(cfg)

		if string(oldConfigBytes) != string(newConfigBytes) {
			level.Info(logger).Log("msg", "modified file", "name", configPath) // #nosec G104

			globalConfig = cfg
			config.GlobalConfig = cfg
		}
	}
}

// WatchManifestFileChanges reacts to manifest edits through fsnotify. Only
// the ring leader applies the resulting workflow changes, the other members
// pick them up from the kv store.
func WatchManifestFileChanges(certStore *CertStore, logger log.Logger, manifestPath string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		level.Error(logger).Log("msg", "Unable to create the manifest watcher", "err", err) // #nosec G104
		return
	}
	defer watcher.Close()

	// watch the directory, editors replace the file on save
	if err := watcher.Add(filepath.Dir(manifestPath)); err != nil {
		level.Error(logger).Log("msg", fmt.Sprintf("Unable to watch %s", manifestPath), "err", err) // #nosec G104
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(manifestPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			applyManifestFileChanges(certStore, logger, manifestPath)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			level.Error(logger).Log("msg", "Manifest watcher error", "err", err) // #nosec G104
		}
	}
}

func applyManifestFileChanges(certStore *CertStore, logger log.Logger, manifestPath string) {
	isLeaderNow, _ := ring.IsLeader(certStore.RingConfig)
	if !isLeaderNow {
		return
	}

	newManifestBytes, err := os.ReadFile(filepath.Clean(manifestPath))
	if err != nil {
		level.Error(logger).Log("msg", fmt.Sprintf("Unable to read file %s", manifestPath), "err", err) // #nosec G104
		return
	}
	var cfg manifest.Config
	err = yaml.Unmarshal(newManifestBytes, &cfg)
	if err != nil {
		level.Error(logger).Log("msg", fmt.Sprintf("Ignoring file changes %s because of error", manifestPath), "err", err) // #nosec G104
		return
	}

	oldManifestBytes, err := yaml.Marshal(manifestConfig)
	if err != nil {
		level.Error(logger).Log("msg", "Unable to yaml marshal the manifest", "err", err) // #nosec G104
		return
	}

	// no need to check err as unmarshalled before
	newManifestBytes, _ = yaml.Marshal(cfg)

	if string(oldManifestBytes) == string(newManifestBytes) {
		return
	}

	level.Info(logger).Log("msg", "modified file", "name", manifestPath) // #nosec G104

	old, _ := certStore.GetKVRing()

	diff, hasChanged := checkSiteDiff(old, cfg.Site, logger)
	if hasChanged {
		certInfo := applyManifestChanges(certStore, newProvisioner(logger), diff, logger)
		localCache.Set(sfRingKey, certInfo)
		certStore.PutKVRing(certInfo)
	}
	manifestConfig = cfg
}
