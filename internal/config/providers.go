package config

import (
	"encoding/json"
	"fmt"
	"os"

	"toolgate/pkg/models"
)

// providerList is the on-disk shape of the provider configuration file.
type providerList struct {
	Providers []models.ProviderConfig `json:"providers"`
}

// LoadProviders reads the provider list file, expanding ${VAR} placeholders
// against the process environment before parsing. Unset variables expand to
// the empty string.
func LoadProviders(path string) ([]models.ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider config %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(raw))

	var list providerList
	if err := json.Unmarshal([]byte(expanded), &list); err != nil {
		return nil, fmt.Errorf("failed to parse provider config %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i, p := range list.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d in %s has no name", i, path)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate provider name %q in %s", p.Name, path)
		}
		seen[p.Name] = true
	}

	return list.Providers, nil
}

// RetryOverrides extracts the per-provider max-attempts overrides from the
// provider list.
func RetryOverrides(providers []models.ProviderConfig) map[string]int {
	overrides := make(map[string]int)
	for _, p := range providers {
		if p.MaxAttempts > 0 {
			overrides[p.Name] = p.MaxAttempts
		}
	}
	return overrides
}
