// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config decodes the daemon's own bootstrap settings: guardrail
// limits, quotas, timers, escalation defaults, and the connection
// parameters for the store and BGP speaker. It does not own the inventory
// or playbook snapshots — those are hot-reloadable and live in
// internal/inventory and internal/policy respectively.
package config

// CurrentSchemaVersion is the schema version this build understands.
const CurrentSchemaVersion = "1.0"

// Mode selects whether the daemon actually announces FlowSpec rules or
// only logs what it would do.
type Mode string

const (
	ModeEnforced Mode = "enforced"
	ModeDryRun   Mode = "dry-run"
)

// GuardrailConfig holds the safety-invariant limits enforced by
// internal/guardrail. Zero values are replaced by DefaultConfig's defaults,
// never silently treated as "unlimited".
type GuardrailConfig struct {
	MaxPrefixLenIPv4 int  `hcl:"max_prefix_len_ipv4,optional" json:"max_prefix_len_ipv4,omitempty"`
	MaxPrefixLenIPv6 int  `hcl:"max_prefix_len_ipv6,optional" json:"max_prefix_len_ipv6,omitempty"`
	MinTTLSeconds    int  `hcl:"min_ttl_seconds,optional" json:"min_ttl_seconds,omitempty"`
	MaxTTLSeconds    int  `hcl:"max_ttl_seconds,optional" json:"max_ttl_seconds,omitempty"`
	MaxPorts         int  `hcl:"max_ports,optional" json:"max_ports,omitempty"`
	RequireTTL       bool `hcl:"require_ttl,optional" json:"require_ttl,omitempty"`
	// AllowSourceMatch, when false (the default), rejects any event that
	// attempts to set a source-prefix match (src_match_disabled).
	AllowSourceMatch bool `hcl:"allow_source_match,optional" json:"allow_source_match,omitempty"`
}

// QuotaConfig holds the active-mitigation ceilings enforced per ingest.
type QuotaConfig struct {
	MaxActivePerCustomer int `hcl:"max_active_per_customer,optional" json:"max_active_per_customer,omitempty"`
	MaxActivePerPOP      int `hcl:"max_active_per_pop,optional" json:"max_active_per_pop,omitempty"`
	MaxActiveGlobal      int `hcl:"max_active_global,optional" json:"max_active_global,omitempty"`
}

// TimerConfig holds the daemon's time-based knobs.
type TimerConfig struct {
	DefaultTTLSeconds               int `hcl:"default_ttl_seconds,optional" json:"default_ttl_seconds,omitempty"`
	ReconciliationIntervalSeconds   int `hcl:"reconciliation_interval_seconds,optional" json:"reconciliation_interval_seconds,omitempty"`
	CorrelationWindowSeconds        int `hcl:"correlation_window_seconds,optional" json:"correlation_window_seconds,omitempty"`
	QuietPeriodAfterWithdrawSeconds int `hcl:"quiet_period_after_withdraw_seconds,optional" json:"quiet_period_after_withdraw_seconds,omitempty"`
	DrainTimeoutSeconds             int `hcl:"drain_timeout_seconds,optional" json:"drain_timeout_seconds,omitempty"`
}

// EscalationConfig holds the defaults governing automated escalation.
type EscalationConfig struct {
	// Enabled gates automated escalation globally; policy_profile=strict
	// always blocks it regardless of this setting.
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`
}

// StoreConfig configures the durable mitigation store.
type StoreConfig struct {
	// DSN is the sqlite data source name, e.g. "/var/lib/prefixd/state.db"
	// or ":memory:" for tests.
	DSN                 SecureString `hcl:"dsn,optional" json:"dsn,omitempty"`
	MaxOpenConns         int          `hcl:"max_open_conns,optional" json:"max_open_conns,omitempty"`
	BusyTimeoutMillis    int          `hcl:"busy_timeout_millis,optional" json:"busy_timeout_millis,omitempty"`
}

// SpeakerConfig configures the gRPC connection to the local BGP speaker.
type SpeakerConfig struct {
	Address               string       `hcl:"address,optional" json:"address,omitempty"`
	ConnectTimeoutSeconds int          `hcl:"connect_timeout_seconds,optional" json:"connect_timeout_seconds,omitempty"`
	RequestTimeoutSeconds int          `hcl:"request_timeout_seconds,optional" json:"request_timeout_seconds,omitempty"`
	Insecure              bool         `hcl:"insecure,optional" json:"insecure,omitempty"`
	TLSCertFile           string       `hcl:"tls_cert_file,optional" json:"tls_cert_file,omitempty"`
	TLSKeyFile            string       `hcl:"tls_key_file,optional" json:"tls_key_file,omitempty"`
	TLSCAFile             string       `hcl:"tls_ca_file,optional" json:"tls_ca_file,omitempty"`
	AuthToken             SecureString `hcl:"auth_token,optional" json:"auth_token,omitempty"`
	// MaxRPS caps the rate of RPCs the announcer issues against the
	// speaker, so a reconciliation drift-repair burst or an ingest storm
	// can't overrun it.
	MaxRPS int `hcl:"max_rps,optional" json:"max_rps,omitempty"`
}

// Config is the top-level daemon bootstrap configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// POP identifies the point-of-presence this daemon instance announces
	// mitigations from.
	POP  string `hcl:"pop" json:"pop"`
	Mode Mode   `hcl:"mode,optional" json:"mode,omitempty"`

	Guardrails GuardrailConfig  `hcl:"guardrails,block" json:"guardrails,omitempty"`
	Quotas     QuotaConfig      `hcl:"quotas,block" json:"quotas,omitempty"`
	Timers     TimerConfig      `hcl:"timers,block" json:"timers,omitempty"`
	Escalation EscalationConfig `hcl:"escalation,block" json:"escalation,omitempty"`
	Store      StoreConfig      `hcl:"store,block" json:"store,omitempty"`
	Speaker    SpeakerConfig    `hcl:"speaker,block" json:"speaker,omitempty"`

	// InventoryFile and PlaybookFile point at the hot-reloadable snapshot
	// sources owned by internal/inventory and internal/policy.
	InventoryFile string `hcl:"inventory_file,optional" json:"inventory_file,omitempty"`
	PlaybookFile  string `hcl:"playbook_file,optional" json:"playbook_file,omitempty"`
	SafelistFile  string `hcl:"safelist_file,optional" json:"safelist_file,omitempty"`

	// MetricsAddr is the listen address for the Prometheus scrape
	// endpoint (spec §6). Empty disables the HTTP server.
	MetricsAddr string `hcl:"metrics_addr,optional" json:"metrics_addr,omitempty"`
}

// DefaultConfig returns the daemon's built-in defaults. LoadFile and Parse
// decode a file on top of this rather than leaving zero values in place.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Mode:          ModeEnforced,
		Guardrails: GuardrailConfig{
			MaxPrefixLenIPv4: 32,
			MaxPrefixLenIPv6: 128,
			MinTTLSeconds:    30,
			MaxTTLSeconds:    86400,
			MaxPorts:         8,
			RequireTTL:       false,
			AllowSourceMatch: false,
		},
		Quotas: QuotaConfig{
			MaxActivePerCustomer: 20,
			MaxActivePerPOP:      500,
			MaxActiveGlobal:      2000,
		},
		Timers: TimerConfig{
			DefaultTTLSeconds:               120,
			ReconciliationIntervalSeconds:   30,
			CorrelationWindowSeconds:        300,
			QuietPeriodAfterWithdrawSeconds: 60,
			DrainTimeoutSeconds:             30,
		},
		Escalation: EscalationConfig{Enabled: true},
		Store: StoreConfig{
			DSN:               "state.db",
			MaxOpenConns:      1,
			BusyTimeoutMillis: 5000,
		},
		Speaker: SpeakerConfig{
			Address:               "127.0.0.1:50051",
			ConnectTimeoutSeconds: 10,
			RequestTimeoutSeconds: 30,
			MaxRPS:                50,
		},
		MetricsAddr: "127.0.0.1:9090",
	}
}
