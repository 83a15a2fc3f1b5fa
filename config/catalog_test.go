package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-execution-core/services/providers"
	"github.com/upb/llm-execution-core/services/providers/fake"
	"go.uber.org/zap"
)

const testCatalog = `
default_provider: alpha
fallback_chain: [alpha, beta, alpha, gamma]
providers:
  alpha:
    default_model: alpha-2
    pricing:
      alpha-2: {prompt: 0.00001, completion: 0.00003}
  beta:
    default_model: beta-1
tenant_defaults:
  acme:
    alpha: alpha-1
aliases:
  smart:
    provider: alpha
    model: alpha-2
  remote:
    provider: gamma
    model: g-1
`

func TestLoadCatalog_Default(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	assert.Equal(t, "openai", c.DefaultProvider)
	assert.Equal(t, []string{"openai", "anthropic", "bedrock", "ollama"}, c.FallbackChain)
	assert.Equal(t, "anthropic", c.Aliases["claude-sonnet"].Provider)
	assert.Equal(t, "claude-3-5-sonnet-latest", c.Aliases["claude-sonnet"].Model)
}

func TestLoadCatalog_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, providers.Pricing{Prompt: 0.00001, Completion: 0.00003}, c.Pricing("alpha")["alpha-2"])
	assert.Nil(t, c.Pricing("beta"))

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "aliases: [unterminated"},
		{"alias without provider", "aliases:\n  x:\n    model: m\n"},
		{"blank chain entry", "fallback_chain: [a, '']\n"},
		{"empty tenant model", "tenant_defaults:\n  acme:\n    alpha: ''\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestCatalog_Apply(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	r := providers.NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(fake.New("alpha", "alpha-1", "alpha-2")))
	require.NoError(t, r.Register(fake.New("beta", "beta-1")))

	skipped := c.Apply(r)
	assert.Equal(t, []string{"alias:remote"}, skipped)
	assert.Equal(t, []string{"alpha", "beta"}, c.Chain(r.ListProviders()))

	res, err := r.Resolve("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.Family)
	assert.Equal(t, "alpha-2", res.Model)

	res, err = r.Resolve("acme", "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, "alpha-1", res.Model, "tenant default wins over the global one")

	res, err = r.Resolve("", "smart", "")
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.Family)
	assert.Equal(t, "alpha-2", res.Model)
}

func TestCatalog_ApplyUnknownDefault(t *testing.T) {
	c := &Catalog{DefaultProvider: "openai", FallbackChain: []string{"openai", "beta"}}

	r := providers.NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(fake.New("alpha", "alpha-1")))
	require.NoError(t, r.Register(fake.New("beta", "beta-1")))

	skipped := c.Apply(r)
	assert.Equal(t, []string{"default_provider:openai"}, skipped)

	res, err := r.Resolve("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Family, "first configured family in chain order")
}
