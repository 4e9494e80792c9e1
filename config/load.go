package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// FromEnvironment overlays THUNDERLB_* environment variables onto the
// defaults. Nested fields flatten with underscores, e.g.
// THUNDERLB_DATABASE_DSN, THUNDERLB_BROKER_ADDRS (comma separated),
// THUNDERLB_HEALTH_HEARTBEATTIMEOUT ("90s").
func FromEnvironment() (*Config, error) {
	cfg := Default()
	if err := envconfig.Process("thunderlb", cfg); err != nil {
		return nil, fmt.Errorf("config: reading environment: %w", err)
	}
	return cfg, nil
}

// LoadTenants reads the per-tenant settings from a JSON file mapping
// tenant id to TenantConfig. Tenants cannot be expressed as flat
// environment variables, so they come from a file.
func LoadTenants(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading tenants file: %w", err)
	}
	tenants := map[string]TenantConfig{}
	if err := json.Unmarshal(raw, &tenants); err != nil {
		return fmt.Errorf("config: parsing tenants file %s: %w", path, err)
	}
	cfg.Tenants = tenants
	return nil
}
