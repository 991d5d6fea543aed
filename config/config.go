package config

import (
	"fmt"

	"github.com/beto-mn/siteforge/utils"

	"golang.org/x/exp/maps"
)

var (
	SupportedBinders []string
	GlobalConfig     Config
)

// Config represents config.
type Config struct {
	Common    Common            `yaml:"common"`
	Zone      Zone              `yaml:"zone"`
	Authority Authority         `yaml:"authority"`
	Binder    map[string]Binder `yaml:"binder"`
	Contact   Contact           `yaml:"contact"`
	Storage   Storage           `yaml:"storage"`
}

// Common represents common config.
type Common struct {
	APIKeyHash          string `yaml:"api_key_hash"`
	CertDaysRenewal     int    `yaml:"cert_days_renewal"`
	CertDeploy          bool   `yaml:"cert_deploy"`
	CertDir             string `yaml:"cert_dir"`
	RootPathCertificate string `yaml:"rootpath_certificate"`
	CmdEnabled          bool   `yaml:"cmd_enabled"`
	CmdRun              string `yaml:"cmd_run"`
	CmdTimeout          int    `yaml:"cmd_timeout"`
}

// Zone represents the DNS zone service config.
type Zone struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	RecordTTL int    `yaml:"record_ttl"`
}

// Authority represents the certificate authority service config.
type Authority struct {
	URL               string `yaml:"url"`
	Token             string `yaml:"token"`
	PollInterval      int    `yaml:"poll_interval"`
	ValidationTimeout int    `yaml:"validation_timeout"`
}

// Binder represents a downstream certificate consumer (cdn, gateway).
type Binder struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Contact represents the contact-form relay config.
type Contact struct {
	Enabled      bool    `yaml:"enabled"`
	TokenHash    string  `yaml:"token_hash"`
	EmailURL     string  `yaml:"email_url"`
	EmailToken   string  `yaml:"email_token"`
	DailyQuota   int     `yaml:"daily_quota"`
	RequestLimit float64 `yaml:"request_limit"`
	Burst        int     `yaml:"burst"`
}

// Storage represents storage config.
type Storage struct {
	Vault Vault `yaml:"vault"`
}

// Vault represents vault storage config.
type Vault struct {
	RoleID       string `yaml:"role_id"`
	SecretID     string `yaml:"secret_id"`
	URL          string `yaml:"url"`
	SecretEngine string `yaml:"secret_engine"`
	CertPrefix   string `yaml:"certificate_prefix"`
	MountPath    string `yaml:"mount_path"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (s *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Config
	if err := unmarshal((*plain)(s)); err != nil {
		return err
	}

	if s.Zone.Name == "" {
		return fmt.Errorf("Invalid config, 'zone.name' must be set")
	}
	if err := utils.ValidateDomain(s.Zone.Name); err != nil {
		return fmt.Errorf("Invalid config, %w", err)
	}
	if s.Zone.URL == "" {
		return fmt.Errorf("Invalid config, 'zone.url' must be set")
	}

	// validation records carry a short TTL so corrections propagate quickly
	if s.Zone.RecordTTL == 0 {
		s.Zone.RecordTTL = 30
	}

	if s.Authority.URL == "" {
		return fmt.Errorf("Invalid config, 'authority.url' must be set")
	}
	if s.Authority.PollInterval == 0 {
		s.Authority.PollInterval = 15
	}
	if s.Authority.ValidationTimeout == 0 {
		s.Authority.ValidationTimeout = 30
	}

	if s.Common.CertDaysRenewal == 0 {
		s.Common.CertDaysRenewal = 30
	}
	if s.Common.CmdTimeout == 0 {
		s.Common.CmdTimeout = 60
	}

	if s.Contact.Enabled {
		if s.Contact.EmailURL == "" {
			return fmt.Errorf("Invalid config, 'contact.email_url' must be set when contact is enabled")
		}
		if s.Contact.DailyQuota == 0 {
			s.Contact.DailyQuota = 500
		}
		if s.Contact.RequestLimit == 0 {
			s.Contact.RequestLimit = 1
		}
		if s.Contact.Burst == 0 {
			s.Contact.Burst = 5
		}
	}

	SupportedBinders = maps.Keys(s.Binder)

	return nil
}
