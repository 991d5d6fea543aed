package config

import (
	"reflect"
	"testing"

	"gopkg.in/yaml.v2"
)

func TestUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    Config
		wantErr bool
	}{
		{
			name: "valid config",
			yaml: `
common:
  api_key_hash: "hash123"
  cert_days_renewal: 25
  cert_deploy: true
  cert_dir: "/etc/siteforge/certs/"
zone:
  name: "example.com"
  url: "https://dns.example.net"
  token: "zonetoken"
  record_ttl: 60
authority:
  url: "https://ca.example.net"
  token: "catoken"
  poll_interval: 10
  validation_timeout: 45
binder:
  cdn:
    url: "https://cdn.example.net"
    token: "cdntoken"
  gateway:
    url: "https://gw.example.net"
    token: "gwtoken"
contact:
  enabled: true
  email_url: "https://mail.example.net/send"
  daily_quota: 200
  request_limit: 2
  burst: 10
storage:
  vault:
    role_id: "role123"
    secret_id: "secret123"
    url: "https://vault.example.com"
    secret_engine: "engine"
    certificate_prefix: "cert"
    mount_path: "/mount"
`,
			want: Config{
				Common: Common{
					APIKeyHash:      "hash123",
					CertDaysRenewal: 25,
					CertDeploy:      true,
					CertDir:         "/etc/siteforge/certs/",
					CmdTimeout:      60,
				},
				Zone: Zone{
					Name:      "example.com",
					URL:       "https://dns.example.net",
					Token:     "zonetoken",
					RecordTTL: 60,
				},
				Authority: Authority{
					URL:               "https://ca.example.net",
					Token:             "catoken",
					PollInterval:      10,
					ValidationTimeout: 45,
				},
				Binder: map[string]Binder{
					"cdn":     {URL: "https://cdn.example.net", Token: "cdntoken"},
					"gateway": {URL: "https://gw.example.net", Token: "gwtoken"},
				},
				Contact: Contact{
					Enabled:      true,
					EmailURL:     "https://mail.example.net/send",
					DailyQuota:   200,
					RequestLimit: 2,
					Burst:        10,
				},
				Storage: Storage{
					Vault: Vault{
						RoleID:       "role123",
						SecretID:     "secret123",
						URL:          "https://vault.example.com",
						SecretEngine: "engine",
						CertPrefix:   "cert",
						MountPath:    "/mount",
					},
				},
			},
			wantErr: false,
		},
		{
			name: "defaults applied",
			yaml: `
zone:
  name: "example.com"
  url: "https://dns.example.net"
authority:
  url: "https://ca.example.net"
`,
			want: Config{
				Common: Common{
					CertDaysRenewal: 30,
					CmdTimeout:      60,
				},
				Zone: Zone{
					Name:      "example.com",
					URL:       "https://dns.example.net",
					RecordTTL: 30,
				},
				Authority: Authority{
					URL:               "https://ca.example.net",
					PollInterval:      15,
					ValidationTimeout: 30,
				},
			},
			wantErr: false,
		},
		{
			name: "missing zone name",
			yaml: `
zone:
  url: "https://dns.example.net"
authority:
  url: "https://ca.example.net"
`,
			wantErr: true,
		},
		{
			name: "invalid zone name",
			yaml: `
zone:
  name: "not a domain"
  url: "https://dns.example.net"
authority:
  url: "https://ca.example.net"
`,
			wantErr: true,
		},
		{
			name: "missing authority url",
			yaml: `
zone:
  name: "example.com"
  url: "https://dns.example.net"
`,
			wantErr: true,
		},
		{
			name: "contact enabled without email url",
			yaml: `
zone:
  name: "example.com"
  url: "https://dns.example.net"
authority:
  url: "https://ca.example.net"
contact:
  enabled: true
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalYAML() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(cfg, tt.want) {
				t.Errorf("UnmarshalYAML() got = %v, want %v", cfg, tt.want)
			}
		})
	}
}
