package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultConfigTemplate is written when no config file exists. Comments are
// kept so users can discover the available options.
const defaultConfigTemplate = `# passport-consumer configuration
#
# data_dir is the root for persisted process state (one directory per process).
data_dir: data/processes

# log_file enables structured file logging when set.
# log_file: passport-consumer.log

# vault_file holds secrets: edc.apiKey and edc.participantId.
vault_file: vault.yaml

# cache_catalog toggles the read-through catalog cache.
cache_catalog: true

edc:
  # endpoint is the base URL of the consumer connector.
  endpoint: ""
  management: /management/v2
  catalog: /catalog/request
  negotiation: /contractnegotiations
  transfer: /transferprocesses
  # receiver_endpoint is the callback base handed to providers in
  # transfer requests.
  receiver_endpoint: ""
  # delay_ms is the poll interval for negotiation/transfer status checks.
  delay_ms: 200
  # registry_asset_type filters the catalog when searching for digital twin
  # registries.
  registry_asset_type: data.core.digitalTwinRegistry
  request_timeout_s: 30

tracing:
  enabled: false
  # exporter: none | file | stdout | otlp
  exporter: file
  otlp_endpoint: localhost:4317
  sample_rate: 1.0
`

// WriteDefaultConfig writes the commented default config to path, creating
// parent directories as needed. Fails if the file already exists.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}
