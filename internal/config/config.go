// Package config loads the indexer's YAML configuration file over the
// built-in defaults. It reads no environment variables or flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkID selects the address HRP and codec network byte used across the
// indexer, per §6 of the specification.
type NetworkID string

const (
	NetworkUndeployed NetworkID = "undeployed"
	NetworkDevNet     NetworkID = "dev"
	NetworkTestNet    NetworkID = "test"
	NetworkMainNet    NetworkID = "main"
)

// Valid reports whether n is one of the four recognized network ids.
func (n NetworkID) Valid() bool {
	switch n {
	case NetworkUndeployed, NetworkDevNet, NetworkTestNet, NetworkMainNet:
		return true
	default:
		return false
	}
}

// NodeConfig configures the Node Adapter's connection to the upstream
// Substrate node.
type NodeConfig struct {
	URL                 string        `yaml:"url"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int          `yaml:"reconnect_max_attempts"`
}

// WalletIndexerConfig configures the Wallet Indexer's fan-out pace.
type WalletIndexerConfig struct {
	ActiveWalletsQueryDelay time.Duration `yaml:"active_wallets_query_delay"`
	ActiveWalletsTTL        time.Duration `yaml:"active_wallets_ttl"`
	TransactionBatchSize    int           `yaml:"transaction_batch_size"`
	ConcurrencyLimit        int           `yaml:"concurrency_limit"`
}

// StorageConfig configures both the relational index store (C5) and the
// LedgerState object store (C3).
type StorageConfig struct {
	DataDir            string `yaml:"data_dir"`
	IndexDSN           string `yaml:"index_dsn"`
	ObjectStoreDSN     string `yaml:"object_store_dsn"`
	ObjectStoreCacheMB int    `yaml:"object_store_cache_mb"`
	// CloudMode backs the LedgerState object store with the relational
	// store's own database instead of a dedicated local file, per §4.3.
	CloudMode bool `yaml:"cloud_mode"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level indexer configuration.
type Config struct {
	NetworkID     NetworkID           `yaml:"network_id"`
	Node          NodeConfig          `yaml:"node"`
	WalletIndexer WalletIndexerConfig `yaml:"wallet_indexer"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// Default returns the configuration defaults used when a file is absent or
// silent on a field.
func Default() *Config {
	return &Config{
		NetworkID: NetworkUndeployed,
		Node: NodeConfig{
			URL:                  "ws://127.0.0.1:9944",
			ReconnectMaxDelay:    30 * time.Second,
			ReconnectMaxAttempts: 10,
		},
		WalletIndexer: WalletIndexerConfig{
			ActiveWalletsQueryDelay: 500 * time.Millisecond,
			ActiveWalletsTTL:        5 * time.Minute,
			TransactionBatchSize:    500,
			ConcurrencyLimit:        8,
		},
		Storage: StorageConfig{
			DataDir:            "~/.midnight-indexer",
			ObjectStoreCacheMB: 256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the expected config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), "config.yaml")
}

// Load reads <dataDir>/config.yaml, merging it over Default(). A missing
// file is not an error: the defaults are returned as-is.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	cfg.Storage.DataDir = dataDir

	path := ConfigPath(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if !cfg.NetworkID.Valid() {
		return nil, fmt.Errorf("invalid network_id %q", cfg.NetworkID)
	}

	return cfg, nil
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
