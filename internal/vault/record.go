package vault

import (
	"time"
)

// KnownServices is the fixed set of market-data providers the vault reports
// on, whether or not a credential has been stored for them.
var KnownServices = []string{
	"finnhub",
	"fmp",
	"tiingo",
	"twelvedata",
	"databento",
	"newsapi",
}

// envOverrides maps a service id to the environment variable that, when set,
// takes precedence over any stored credential.
var envOverrides = map[string]string{
	"finnhub":    "FINNHUB_API_KEY",
	"fmp":        "FMP_API_KEY",
	"tiingo":     "TIINGO_API_KEY",
	"twelvedata": "TWELVEDATA_API_KEY",
	"databento":  "DATABENTO_API_KEY",
	"newsapi":    "NEWSAPI_API_KEY",
}

// EnvOverrideVar returns the environment variable that overrides the stored
// credential for a service, if one is defined.
func EnvOverrideVar(service string) (string, bool) {
	name, ok := envOverrides[service]
	return name, ok
}

// Record is one stored credential with its accounting metadata. The APIKey
// field holds the plaintext value in memory; it is encrypted before it ever
// reaches disk.
type Record struct {
	Service       string
	APIKey        string
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastUsed      time.Time
	UsageCount    int64
	RotationCount int

	// retainedCiphertext holds the stored ciphertext when it could not be
	// decrypted at load. It is written back to disk unchanged so an
	// unrelated persist cannot destroy a credential that becomes readable
	// again once the right master secret is restored.
	retainedCiphertext string
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// MaskKey returns the masked preview of a key: "***" plus the last four
// characters. Keys shorter than eight characters produce no preview.
func MaskKey(key string) string {
	if len(key) < 8 {
		return ""
	}
	return "***" + key[len(key)-4:]
}

// ServiceStatus is the per-service view returned to trusted admin callers.
// It carries a masked key preview but never the plaintext.
type ServiceStatus struct {
	Configured    bool      `json:"configured"`
	Enabled       bool      `json:"enabled"`
	Source        string    `json:"source,omitempty"` // "env" or "vault"
	APIKeyMasked  string    `json:"api_key_masked,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
	LastUsed      time.Time `json:"last_used,omitempty"`
	UsageCount    int64     `json:"usage_count"`
	RotationCount int       `json:"rotation_count"`
	RotationDue   bool      `json:"rotation_due"`
	SecurityScore int       `json:"security_score"`
	// EncryptionEnabled is vault-wide: false means the store degraded to
	// cleartext persistence.
	EncryptionEnabled bool `json:"encryption_enabled"`
}

// ExportEntry is the per-service view safe to hand to less-trusted
// consumers: booleans, timestamps and counters only, no key material in any
// form.
type ExportEntry struct {
	Configured        bool      `json:"configured"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
	LastUsed          time.Time `json:"last_used,omitempty"`
	UsageCount        int64     `json:"usage_count"`
	RotationCount     int       `json:"rotation_count"`
	RotationDue       bool      `json:"rotation_due"`
	SecurityScore     int       `json:"security_score"`
	EncryptionEnabled bool      `json:"encryption_enabled"`
}

// AuditReport aggregates stored credentials into risk buckets by security
// score: high <50, medium 50-74, low >=75.
type AuditReport struct {
	GeneratedAt       time.Time `json:"generated_at"`
	TotalServices     int       `json:"total_services"`
	EncryptionEnabled bool      `json:"encryption_enabled"`
	HighRiskCount     int       `json:"high_risk_count"`
	MediumRiskCount   int       `json:"medium_risk_count"`
	LowRiskCount      int       `json:"low_risk_count"`
	HighRisk          []string  `json:"high_risk,omitempty"`
	MediumRisk        []string  `json:"medium_risk,omitempty"`
	LowRisk           []string  `json:"low_risk,omitempty"`
}

// TestResult is the structured outcome of a connection test. Failures from
// the provider client are reported here, never raised.
type TestResult struct {
	Service   string    `json:"service"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	LatencyMS int64     `json:"latency_ms"`
	TestedAt  time.Time `json:"tested_at"`
}
