package marketdata

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProviderConfig is one provider's already-parsed configuration record,
// consumed from an external loader (config-file parsing is explicitly out
// of scope for the core).
type ProviderConfig struct {
	ProviderID ProviderId
	Enabled    bool
	Priority   int

	KeyID     string
	SecretKey string
	ApiKey    string
	Token     string

	Feed             string
	UseSandbox       bool
	SubscribeQuotes  bool
	RateLimitPerMinute int

	ExtraOptions map[string]string
}

// DataSources enumerates the active providers and top-level failover
// defaults.
type DataSources struct {
	Providers              []ProviderConfig
	EnableFailover         bool
	FailoverTimeoutSeconds int
}

// Validate checks that the configuration is internally consistent.
func (d *DataSources) Validate() error {
	if len(d.Providers) == 0 {
		return fmt.Errorf("datasources: at least one provider must be configured")
	}
	seen := make(map[ProviderId]bool, len(d.Providers))
	for i, p := range d.Providers {
		if p.ProviderID == "" {
			return fmt.Errorf("datasources: provider[%d] has empty ProviderID", i)
		}
		if seen[p.ProviderID] {
			return fmt.Errorf("datasources: duplicate provider id %q", p.ProviderID)
		}
		seen[p.ProviderID] = true
		if d.Providers[i].Priority == 0 {
			d.Providers[i].Priority = i + 1
		}
	}
	if d.EnableFailover && d.FailoverTimeoutSeconds <= 0 {
		d.FailoverTimeoutSeconds = 10
	}
	return nil
}

// CredentialField describes one credential value a provider's streaming
// client needs resolved: its key in ProviderConfig.ExtraOptions, the two-tier env var
// names, and whether it is required. Each C4 implementation publishes its
// own descriptor set (the teacher's ProviderConfig carried fields ad hoc;
// this makes the resolver's inputs explicit and extensible to any
// HTTP-header-auth vendor).
type CredentialField struct {
	FieldName    string
	PreferredEnv string // VENDOR__FIELD
	LegacyEnv    string // VENDOR_FIELD
	Required     bool
}

// ProviderCredentialFields returns the two-tier env-var descriptor set for
// a vendor's credential fields, given the vendor's uppercase prefix (e.g.
// "ALPACA").
func ProviderCredentialFields(vendorPrefix string, fields ...string) []CredentialField {
	out := make([]CredentialField, 0, len(fields))
	for _, f := range fields {
		upper := strings.ToUpper(f)
		out = append(out, CredentialField{
			FieldName:    f,
			PreferredEnv: vendorPrefix + "__" + upper,
			LegacyEnv:    vendorPrefix + "_" + upper,
			Required:     true,
		})
	}
	return out
}

// ResolveCredential applies the two-tier lookup: configValue wins if
// non-empty, else VENDOR__FIELD, else VENDOR_FIELD.
func ResolveCredential(configValue string, field CredentialField) string {
	if configValue != "" {
		return configValue
	}
	if v := os.Getenv(field.PreferredEnv); v != "" {
		return v
	}
	return os.Getenv(field.LegacyEnv)
}

// ResolveCredentials resolves every field in fields against cfg's
// ExtraOptions (keyed by FieldName) and the process environment, in that
// order of precedence.
func ResolveCredentials(cfg ProviderConfig, fields []CredentialField) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	var missing []string
	for _, f := range fields {
		value := ResolveCredential(cfg.ExtraOptions[f.FieldName], f)
		if value == "" && f.Required {
			missing = append(missing, f.FieldName)
		}
		out[f.FieldName] = value
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("marketdata: missing required credential field(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// RateLimitPerMinuteOrDefault returns cfg's configured per-minute limit,
// or def if unset.
func RateLimitPerMinuteOrDefault(cfg ProviderConfig, def int) int {
	if cfg.RateLimitPerMinute > 0 {
		return cfg.RateLimitPerMinute
	}
	return def
}

// ParseExtraInt parses an ExtraOptions value as an int, returning def on
// absence or parse failure.
func ParseExtraInt(cfg ProviderConfig, key string, def int) int {
	raw, ok := cfg.ExtraOptions[key]
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
