package models

// CertificateRequest lifecycle states as reported by the authority.
const (
	StatusPending  = "pending"
	StatusIssued   = "issued"
	StatusFailed   = "failed"
	StatusTimedOut = "timed_out"
)

// CertificateRequest tracks one certificate through the provisioning chain.
// A request is never mutated after the authority accepted it, a domain set
// change creates a new request that supersedes the old one.
type CertificateRequest struct {
	ID             string                `json:"id"`
	Site           string                `json:"site"`
	Domain         string                `json:"domain"`
	SAN            string                `json:"san,omitempty"`
	Status         string                `json:"status"`
	Challenges     []ValidationChallenge `json:"challenges,omitempty"`
	CertificateID  string                `json:"certificate_id,omitempty"`
	Expires        string                `json:"expires,omitempty"`
	Fingerprint    string                `json:"fingerprint,omitempty"`
	KeyFingerprint string                `json:"key_fingerprint,omitempty"`
	RenewalDays    int                   `json:"renewal_days,omitempty"`
	Bindings       []string              `json:"bindings,omitempty"`
}

// ValidationChallenge is the authority's proof-of-ownership requirement for
// one covered domain. Read-only, produced entirely by the authority.
type ValidationChallenge struct {
	Domain string `json:"domain"`
	Record string `json:"record"`
	Type   string `json:"type"`
	Value  string `json:"value"`
}

// ValidationRecord is the DNS record published to satisfy one challenge.
type ValidationRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	TTL   int    `json:"ttl"`
}

// IssuedCertificate is the terminal projection of a request, it exists only
// while its backing request is issued and valid.
type IssuedCertificate struct {
	ID      string `json:"id"`
	Domain  string `json:"domain"`
	Expires string `json:"expires"`
}

// CertMap carries certificate material on the API wire.
type CertMap struct {
	CertificateRequest
	Cert     string `json:"cert"`
	Key      string `json:"key,omitempty"`
	CAIssuer string `json:"ca_issuer,omitempty"`
}

// Binding points a downstream consumer (cdn, gateway) at an issued
// certificate identifier.
type Binding struct {
	Consumer      string `json:"consumer"`
	Domain        string `json:"domain"`
	CertificateID string `json:"certificate_id"`
}
