// Package config provides configuration types, defaults, and persistence
// for the passport consumer.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfigMissing is returned when a required configuration key is unset.
var ErrConfigMissing = errors.New("missing required configuration")

// EDCConfig holds the counterparty management-plane settings.
// Request URLs are composed as {endpoint}{management}{catalog|negotiation|transfer}.
type EDCConfig struct {
	// Endpoint is the base URL of the consumer connector.
	Endpoint string `mapstructure:"endpoint"`

	// Management is the management API sub-path, e.g. "/management/v2".
	Management string `mapstructure:"management"`

	// Catalog, Negotiation and Transfer are the management sub-paths for
	// the three protocol surfaces.
	Catalog     string `mapstructure:"catalog"`
	Negotiation string `mapstructure:"negotiation"`
	Transfer    string `mapstructure:"transfer"`

	// ReceiverEndpoint is the callback base URL handed to the provider in
	// transfer requests. The process id (and registry endpoint id) are
	// appended as path segments.
	ReceiverEndpoint string `mapstructure:"receiver_endpoint"`

	// DelayMS is the poll interval in milliseconds for negotiation and
	// transfer status checks. Default: 200.
	DelayMS int `mapstructure:"delay_ms"`

	// RegistryAssetType is the catalog type filter used when searching for
	// digital twin registry assets.
	RegistryAssetType string `mapstructure:"registry_asset_type"`

	// RequestTimeoutS is the per-call HTTP timeout in seconds. Default: 30.
	RequestTimeoutS int `mapstructure:"request_timeout_s"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for the passport consumer.
type Config struct {
	// DataDir is the root directory for persisted process state.
	// One sub-directory is created per process id.
	DataDir string `mapstructure:"data_dir"`

	// LogFile is the structured log destination. Empty disables file logging.
	LogFile string `mapstructure:"log_file"`

	// VaultFile is the YAML secret store holding edc.apiKey and
	// edc.participantId.
	VaultFile string `mapstructure:"vault_file"`

	// CacheCatalog toggles the read-through catalog cache.
	CacheCatalog bool `mapstructure:"cache_catalog"`

	EDC     EDCConfig     `mapstructure:"edc"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DataDir:      "data/processes",
		LogFile:      "",
		VaultFile:    "vault.yaml",
		CacheCatalog: true,
		EDC: EDCConfig{
			Management:      "/management/v2",
			Catalog:         "/catalog/request",
			Negotiation:     "/contractnegotiations",
			Transfer:        "/transferprocesses",
			DelayMS:         200,
			RequestTimeoutS: 30,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// MissingVariables returns the names of required EDC keys that are unset.
// The list is empty when the configuration is complete.
func (c Config) MissingVariables() []string {
	var missing []string
	if c.EDC.Endpoint == "" {
		missing = append(missing, "edc.endpoint")
	}
	if c.EDC.Management == "" {
		missing = append(missing, "edc.management")
	}
	if c.EDC.Catalog == "" {
		missing = append(missing, "edc.catalog")
	}
	if c.EDC.Negotiation == "" {
		missing = append(missing, "edc.negotiation")
	}
	if c.EDC.Transfer == "" {
		missing = append(missing, "edc.transfer")
	}
	if c.EDC.ReceiverEndpoint == "" {
		missing = append(missing, "edc.receiver_endpoint")
	}
	return missing
}

// Validate checks that every key the engine needs is present.
// Returns ErrConfigMissing wrapped with the missing key names.
func (c Config) Validate() error {
	missing := c.MissingVariables()
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfigMissing, strings.Join(missing, ", "))
}

// PollInterval returns the configured poll delay, falling back to the
// 200ms default when unset or negative.
func (c Config) PollInterval() int {
	if c.EDC.DelayMS <= 0 {
		return 200
	}
	return c.EDC.DelayMS
}
