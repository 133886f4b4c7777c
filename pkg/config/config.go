// Copyright 2025 Certen Protocol
//
// Package config loads the committee member's configuration: a YAML file
// (the original committee's /config.yml equivalent) with environment
// variable overrides for the handful of values operators rotate without a
// redeploy (spec §2.1/§6).

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the committee member needs to run.
type Config struct {
	// VaultsMerkleHeight and OrdersMerkleHeight size the two sparse Merkle
	// trees; they must match the availability gateway's configuration
	// exactly or every batch will fail root verification.
	VaultsMerkleHeight int `yaml:"vaults_merkle_height"`
	OrdersMerkleHeight int `yaml:"orders_merkle_height"`

	// PollingInterval is how long the committee waits between attempts,
	// both on success and on a retryable failure.
	PollingInterval time.Duration `yaml:"polling_interval"`

	// ValidateOrders is passed to the committee loop: when true the order
	// tree is replayed and its root checked against the gateway's, and a
	// gateway trades height other than OrdersMerkleHeight is fatal; when
	// false the gateway's order root and trades height are trusted.
	ValidateOrders bool `yaml:"validate_orders"`

	// PrivateKeyPath points at a file containing the committee member's
	// hex-encoded StarkEx private key.
	PrivateKeyPath string `yaml:"private_key_path"`

	// AvailabilityGatewayEndpoint is the base URL of the availability
	// gateway this member validates against.
	AvailabilityGatewayEndpoint string `yaml:"availability_gw_endpoint"`

	// CertificatesPath optionally points at TLS client certificates for
	// the gateway connection.
	CertificatesPath string `yaml:"certificates_path"`

	// HashWorkers is loaded from hash_workers / HASH_WORKERS but nothing
	// reads it: the Merkle update's goroutine-per-split recursion runs with
	// no configured concurrency bound.
	HashWorkers int `yaml:"hash_workers"`

	// StorageBackend selects the fact store's KV implementation: "memory"
	// for an ephemeral dbm.NewMemDB, or "leveldb" for a persistent
	// goleveldb-backed store rooted at StorageDir.
	StorageBackend string `yaml:"storage_backend"`
	StorageDir     string `yaml:"storage_dir"`

	// DatabaseURL is the Postgres connection string for the progress
	// store (next_batch_id / last signed batch info).
	DatabaseURL string `yaml:"database_url"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// defaults returns a Config with the same safe defaults the original
// committee's config.yml ships with.
func defaults() Config {
	return Config{
		VaultsMerkleHeight: 31,
		OrdersMerkleHeight: 251,
		PollingInterval:    10 * time.Second,
		ValidateOrders:     true,
		StorageBackend:     "memory",
		StorageDir:         "./data/committee",
	}
}

// Load reads path as YAML, then applies environment variable overrides for
// the values the original committee's deployment scripts set
// per-environment (PRIVATE_KEY_PATH, AVAILABILITY_GW_ENDPOINT,
// CERTIFICATES_PATH), plus DATABASE_URL, METRICS_ADDR, STORAGE_BACKEND and
// HASH_WORKERS.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	cfg.PrivateKeyPath = getEnv("PRIVATE_KEY_PATH", cfg.PrivateKeyPath)
	cfg.AvailabilityGatewayEndpoint = getEnv("AVAILABILITY_GW_ENDPOINT", cfg.AvailabilityGatewayEndpoint)
	cfg.CertificatesPath = getEnv("CERTIFICATES_PATH", cfg.CertificatesPath)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.StorageBackend = getEnv("STORAGE_BACKEND", cfg.StorageBackend)
	cfg.HashWorkers = getEnvInt("HASH_WORKERS", cfg.HashWorkers)

	return &cfg, nil
}

// Validate refuses to start the committee on missing or out-of-range
// configuration, per spec §7's Configuration error category: these are
// operator mistakes, never conditions the run loop should retry through.
func (c *Config) Validate() error {
	var problems []string

	if c.VaultsMerkleHeight <= 0 || c.VaultsMerkleHeight > 251 {
		problems = append(problems, "vaults_merkle_height must be in (0, 251]")
	}
	if c.OrdersMerkleHeight <= 0 || c.OrdersMerkleHeight > 251 {
		problems = append(problems, "orders_merkle_height must be in (0, 251]")
	}
	if c.PrivateKeyPath == "" {
		problems = append(problems, "PRIVATE_KEY_PATH / private_key_path is required")
	}
	if c.AvailabilityGatewayEndpoint == "" {
		problems = append(problems, "AVAILABILITY_GW_ENDPOINT / availability_gw_endpoint is required")
	}
	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL / database_url is required")
	}
	switch c.StorageBackend {
	case "memory", "leveldb":
	default:
		problems = append(problems, fmt.Sprintf("storage_backend must be \"memory\" or \"leveldb\", got %q", c.StorageBackend))
	}
	if c.StorageBackend == "leveldb" && c.StorageDir == "" {
		problems = append(problems, "storage_dir is required when storage_backend is \"leveldb\"")
	}
	if c.PollingInterval <= 0 {
		problems = append(problems, "polling_interval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
