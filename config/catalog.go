package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/samber/lo"
	"github.com/upb/llm-execution-core/services/providers"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ProviderEntry holds one family's catalog settings
type ProviderEntry struct {
	DefaultModel string                       `yaml:"default_model,omitempty"`
	Pricing      map[string]providers.Pricing `yaml:"pricing,omitempty"` // model -> USD per token
}

// AliasEntry maps a logical name to a family and model
type AliasEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model,omitempty"`
}

// Catalog is the declarative provider setup: defaults, aliases and the
// hybrid fallback order.
type Catalog struct {
	DefaultProvider string                       `yaml:"default_provider,omitempty"`
	FallbackChain   []string                     `yaml:"fallback_chain,omitempty"`
	Providers       map[string]ProviderEntry     `yaml:"providers,omitempty"`
	TenantDefaults  map[string]map[string]string `yaml:"tenant_defaults,omitempty"` // tenant -> family -> model
	Aliases         map[string]AliasEntry        `yaml:"aliases,omitempty"`
}

// LoadCatalog reads the catalog at path, or the embedded default when path is empty
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read provider catalog: %w", err)
		}
		data = raw
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects aliases without a family and blank chain entries
func (c *Catalog) Validate() error {
	for name, alias := range c.Aliases {
		if alias.Provider == "" {
			return fmt.Errorf("alias %q has no provider", name)
		}
	}
	if lo.Contains(c.FallbackChain, "") {
		return fmt.Errorf("fallback chain contains an empty provider")
	}
	for tenant, defaults := range c.TenantDefaults {
		if tenant == "" {
			return fmt.Errorf("tenant defaults contain an empty tenant ID")
		}
		for family, model := range defaults {
			if model == "" {
				return fmt.Errorf("tenant %q has an empty default model for %s", tenant, family)
			}
		}
	}
	return nil
}

// Pricing returns the price overrides for a family
func (c *Catalog) Pricing(family string) map[string]providers.Pricing {
	return c.Providers[family].Pricing
}

// Chain returns the fallback chain restricted to registered families
func (c *Catalog) Chain(registered []string) []string {
	return lo.Filter(lo.Uniq(c.FallbackChain), func(family string, _ int) bool {
		return lo.Contains(registered, family)
	})
}

// Apply installs defaults and aliases into a registry. Entries naming
// families that are not registered are skipped and returned.
func (c *Catalog) Apply(r *providers.Registry) []string {
	registered := r.ListProviders()
	known := func(family string) bool { return lo.Contains(registered, family) }
	var skipped []string

	switch {
	case c.DefaultProvider != "" && known(c.DefaultProvider):
		r.SetDefaultProvider(c.DefaultProvider)
	case len(registered) > 0:
		// Fall back to the first configured family in chain order
		chain := c.Chain(registered)
		if len(chain) > 0 {
			r.SetDefaultProvider(chain[0])
		} else {
			r.SetDefaultProvider(registered[0])
		}
		if c.DefaultProvider != "" {
			skipped = append(skipped, "default_provider:"+c.DefaultProvider)
		}
	}

	for _, family := range sortedKeys(c.Providers) {
		if !known(family) {
			continue
		}
		if model := c.Providers[family].DefaultModel; model != "" {
			r.SetGlobalDefault(family, model)
		}
	}

	for _, tenant := range sortedKeys(c.TenantDefaults) {
		for family, model := range c.TenantDefaults[tenant] {
			if !known(family) {
				skipped = append(skipped, "tenant_default:"+tenant+"/"+family)
				continue
			}
			r.SetTenantDefault(tenant, family, model)
		}
	}

	for _, name := range sortedKeys(c.Aliases) {
		alias := c.Aliases[name]
		if !known(alias.Provider) {
			skipped = append(skipped, "alias:"+name)
			continue
		}
		r.RegisterAlias(name, alias.Provider, alias.Model)
	}

	sort.Strings(skipped)
	return skipped
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
