package manifest

import (
	"fmt"
	"slices"
	"strings"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/utils"
)

// Config represents the declarative site manifest.
type Config struct {
	Site []Site `yaml:"site"`
}

// Site describes one hosted site: the certificate domain set and the
// downstream consumers its certificate is bound to.
type Site struct {
	Name        string   `json:"name" yaml:"name"`
	Domain      string   `json:"domain" yaml:"domain"`
	SAN         string   `json:"san,omitempty" yaml:"san,omitempty"`
	Bindings    []string `json:"bindings" yaml:"bindings"`
	RenewalDays int      `json:"renewal_days,omitempty" yaml:"renewal_days,omitempty"`
}

// Domains returns the full domain set covered by the site certificate,
// primary domain first.
func (s Site) Domains() []string {
	domains := []string{s.Domain}
	if s.SAN != "" {
		san := strings.Split(strings.TrimSuffix(s.SAN, ","), ",")
		for _, d := range san {
			domains = append(domains, strings.TrimSpace(d))
		}
	}
	return domains
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (s *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Config
	if err := unmarshal((*plain)(s)); err != nil {
		return err
	}

	var foundNames []string
	var unsupportedBinders []string
	for _, site := range s.Site {
		if site.Name == "" {
			return fmt.Errorf("Invalid manifest, site with domain '%s' has no name", site.Domain)
		}

		if slices.Contains(foundNames, site.Name) {
			return fmt.Errorf("Invalid manifest, duplicated site name '%s'", site.Name)
		}
		foundNames = append(foundNames, site.Name)

		for _, domain := range site.Domains() {
			if err := utils.ValidateDomain(domain); err != nil {
				return fmt.Errorf("Invalid manifest in site '%s': %w", site.Name, err)
			}
		}

		for _, consumer := range site.Bindings {
			if !slices.Contains(config.SupportedBinders, consumer) && !slices.Contains(unsupportedBinders, consumer) {
				unsupportedBinders = append(unsupportedBinders, consumer)
			}
		}
	}

	if len(unsupportedBinders) > 0 {
		return fmt.Errorf("Unsupported binders found: %v", unsupportedBinders)
	}

	return nil
}
