package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promlog"
	"github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/exporter-toolkit/web"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/contact"
	"github.com/beto-mn/siteforge/ring"
	"github.com/beto-mn/siteforge/storage/vault"
	"github.com/beto-mn/siteforge/utils"

	"gopkg.in/yaml.v3"
)

var (
	metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
	webConfig     = webflag.AddFlags(kingpin.CommandLine, ":8989")
	configPath    = kingpin.Flag("config-path", "Config path").Default("config.yml").String()
	manifestPath  = kingpin.Flag("manifest-path", "Site manifest path").Default("sites.yml").String()
	envConfigPath = kingpin.Flag("env-config-path", "Environment vars config path").Default(".env").String()

	ringInstanceID             = kingpin.Flag("ring.instance-id", "Instance ID to register in the ring.").String()
	ringInstanceAddr           = kingpin.Flag("ring.instance-addr", "IP address to advertise in the ring. Default is auto-detected.").String()
	ringInstancePort           = kingpin.Flag("ring.instance-port", "Port to advertise in the ring.").Default("7946").Int()
	ringInstanceInterfaceNames = kingpin.Flag("ring.instance-interface-names", "List of network interface names to look up when finding the instance IP address.").String()
	ringJoinMembers            = kingpin.Flag("ring.join-members", "Other cluster members to join.").String()

	checkRenewalInterval          = kingpin.Flag("check-renewal-interval", "Time interval to check if renewal needed").Default("1h").Duration()
	checkConfigInterval           = kingpin.Flag("check-config-interval", "Time interval to check if config file changes").Default("30s").Duration()
	checkLocalCertificateInterval = kingpin.Flag("check-local-certificate-interval", "Time interval to check if local certificate changes").Default("5m").Duration()
)

func main() {
	log := logrus.New()
	log.SetReportCaller(true)
	log.SetFormatter(utils.UTCFormatter{Formatter: &logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyFile: "caller",
		},
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", utils.FormatFilePath(f.File), f.Line)
		},
	}})

	promlogConfig := &promlog.Config{}
	flag.AddFlags(kingpin.CommandLine, promlogConfig)
	kingpin.Version(version.Print("siteforge"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	lvl, _ := logrus.ParseLevel(promlogConfig.Level.String())
	log.SetLevel(lvl)

	logger := promlog.New(promlogConfig)

	err := godotenv.Load(*envConfigPath)
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		os.Exit(1)
	}

	configBytes, err := os.ReadFile(*configPath)
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		os.Exit(1)
	}

	var cfg config.Config
	err = yaml.Unmarshal(configBytes, &cfg)
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		os.Exit(1)
	}

	globalConfig = cfg
	config.GlobalConfig = cfg

	err = prometheus.Register(version.NewCollector("siteforge"))
	if err != nil {
		level.Error(logger).Log("msg", "Error registering version collector", "err", err) // #nosec G104
	}

	level.Info(logger).Log("msg", "Starting siteforge", "version", version.Info())        // #nosec G104
	level.Info(logger).Log("msg", "Build context", "build_context", version.BuildContext()) // #nosec G104

	http.Handle(*metricsPath, promhttp.Handler())

	indexPage := newLandingPage()
	indexPage.AddLinks(certificateWeight, "Certificates", []pageLink{
		{Desc: "Managed certificates", Path: "/certificates"},
	})
	indexPage.AddLinks(metricsWeight, "Metrics", []pageLink{
		{Desc: "Exported metrics", Path: "/metrics"},
	})

	ctx := context.Background()
	ringConfig, err := ring.New(*ringInstanceID, *ringInstanceAddr, *ringJoinMembers, *ringInstanceInterfaceNames, *ringInstancePort, logger)
	defer services.StopAndAwaitTerminated(ctx, ringConfig.Memberlistsvc) //nolint:errcheck
	defer services.StopAndAwaitTerminated(ctx, ringConfig.Lifecycler)    //nolint:errcheck
	defer services.StopAndAwaitTerminated(ctx, ringConfig.Client)        //nolint:errcheck

	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		os.Exit(1)
	}

	indexPage.AddLinks(ringWeight, "Ring", []pageLink{
		{Desc: "Ring status", Path: "/ring"},
	})
	indexPage.AddLinks(memberlistWeight, "Memberlist", []pageLink{
		{Desc: "Status", Path: "/memberlist"},
	})

	http.Handle("/ring", ringConfig.Lifecycler)
	http.Handle("/memberlist", memberlistStatusHandler("", ringConfig.Memberlistsvc))

	sfStore = &CertStore{
		RingConfig: ringConfig,
		Logger:     logger,
	}

	vault.GlobalClient, err = vault.InitClient(cfg.Storage.Vault)
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		os.Exit(1)
	}

	provisioner := newProvisioner(logger)

	// build the kv store ring or join it then run the site workflows
	err = onStartup(sfStore, provisioner, logger, *manifestPath)
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		os.Exit(1)
	}

	// check config file changes
	go WatchConfigFileChanges(logger, *checkConfigInterval, *configPath)

	// check manifest file changes
	go WatchManifestFileChanges(sfStore, logger, *manifestPath)

	// check kv store changes
	go WatchRingKvStoreChanges(ringConfig, logger)

	// renewal certificate
	go WatchCertExpiration(sfStore, provisioner, logger, *checkRenewalInterval)

	// check local certificate
	go WatchLocalCertificate(sfStore, logger, *checkLocalCertificateInterval)

	http.Handle("/", indexHandler("", indexPage))
	http.HandleFunc("/ring/leader", leaderHandler)
	http.HandleFunc("/certificates", certificateHandler)

	http.Handle("/api/v1/certificate/metadata", certificateMetadataHandler())
	http.Handle("/api/v1/certificate/", certificateReadHandler())

	if cfg.Contact.Enabled {
		indexPage.AddLinks(defaultWeight, "Contact", []pageLink{
			{Desc: "Contact form relay", Path: "/contact"},
		})
		http.Handle("/contact", contact.NewRelay(cfg.Contact, logger))
	}

	server := &http.Server{
		ReadTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := web.ListenAndServe(server, webConfig, logger); err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		os.Exit(1)
	}
}
