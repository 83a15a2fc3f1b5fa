package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/upb/llm-execution-core/services"
	"go.uber.org/zap"
)

var (
	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Alias maps a logical name such as "claude-sonnet" to a family and model
type Alias struct {
	Provider string
	Model    string
}

// Resolution is the outcome of resolving a logical provider name
type Resolution struct {
	Provider Provider
	Family   string
	Model    string
	Info     *ModelInfo
}

// SupportsStreaming reports whether the resolved adapter can stream the resolved model
func (r *Resolution) SupportsStreaming() bool {
	return r != nil && SupportsStreaming(r.Provider, r.Model)
}

// Registry resolves logical provider names to live adapters. It is built once
// at startup; RegisterCustom is the only mutation expected afterwards.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	tenantProviders map[string]map[string]Provider // tenant -> family -> provider
	globalDefaults  map[string]string              // family -> model
	tenantDefaults  map[string]map[string]string   // tenant -> family -> model
	aliases         map[string]Alias
	defaultProvider string
	logger          *zap.Logger
}

// NewRegistry creates a new provider registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers:       make(map[string]Provider),
		tenantProviders: make(map[string]map[string]Provider),
		globalDefaults:  make(map[string]string),
		tenantDefaults:  make(map[string]map[string]string),
		aliases:         make(map[string]Alias),
		logger:          logger,
	}
}

// Register registers a provider instance
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}
	if _, exists := r.providers[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.providers[name] = provider
	r.logger.Info("provider registered",
		zap.String("provider", name),
		zap.Int("models", len(provider.ListModels())))
	return nil
}

// RegisterCustom installs or replaces a provider. This is the administrative
// path for extensions and tests.
func (r *Registry) RegisterCustom(provider Provider) error {
	if provider == nil || provider.Name() == "" {
		return errors.New("custom provider must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.providers[provider.Name()]
	r.providers[provider.Name()] = provider
	r.logger.Info("custom provider registered",
		zap.String("provider", provider.Name()),
		zap.Bool("replaced", replaced))
	return nil
}

// RegisterTenantProvider scopes a provider instance (and its credentials) to one tenant
func (r *Registry) RegisterTenantProvider(tenantID string, provider Provider) error {
	if tenantID == "" {
		return errors.New("tenant ID cannot be empty")
	}
	if provider == nil || provider.Name() == "" {
		return errors.New("tenant provider must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tenantProviders[tenantID] == nil {
		r.tenantProviders[tenantID] = make(map[string]Provider)
	}
	r.tenantProviders[tenantID][provider.Name()] = provider
	return nil
}

// Unregister removes a provider from the registry
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		return unknownProvider(name)
	}
	delete(r.providers, name)
	return nil
}

// SetDefaultProvider sets the family used when a request names neither provider nor model
func (r *Registry) SetDefaultProvider(family string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultProvider = family
}

// SetGlobalDefault sets the default model of a provider family
func (r *Registry) SetGlobalDefault(family, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalDefaults[family] = model
}

// SetTenantDefault sets a tenant's default model for a provider family
func (r *Registry) SetTenantDefault(tenantID, family, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tenantDefaults[tenantID] == nil {
		r.tenantDefaults[tenantID] = make(map[string]string)
	}
	r.tenantDefaults[tenantID][family] = model
}

// RegisterAlias maps a logical name to a family and model
func (r *Registry) RegisterAlias(name, family, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[name] = Alias{Provider: family, Model: model}
}

// Resolve maps a logical provider name and optional model to an adapter.
// Model resolution order: explicit model, tenant default, global default.
func (r *Registry) Resolve(tenantID, name, model string) (*Resolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	family := name
	if alias, ok := r.aliases[name]; ok {
		family = alias.Provider
		if model == "" {
			model = alias.Model
		}
	}

	if family == "" {
		switch {
		case model != "":
			family = r.familyForModel(tenantID, model)
			if family == "" {
				return nil, unknownModel("", model)
			}
		case r.defaultProvider != "":
			family = r.defaultProvider
		default:
			return nil, services.NewDomainError(services.ErrorTypeUnknownProvider,
				"no provider specified and no default configured", nil)
		}
	}

	provider, ok := r.providerFor(tenantID, family)
	if !ok {
		return nil, unknownProvider(family)
	}

	if model == "" {
		model = r.defaultModel(tenantID, family, provider)
	}

	info, err := provider.GetModelInfo(model)
	if err != nil {
		return nil, unknownModel(family, model)
	}

	return &Resolution{
		Provider: provider,
		Family:   family,
		Model:    model,
		Info:     info,
	}, nil
}

// ListProviders returns all registered provider names, sorted
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Keys(r.providers)
	sort.Strings(names)
	return names
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// ProviderSummary describes one registered family for health reporting
type ProviderSummary struct {
	Name         string   `json:"name"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
	Streaming    bool     `json:"streaming"`
	TenantScoped int      `json:"tenant_scoped"`
}

// Snapshot summarizes the registered families
func (r *Registry) Snapshot() []ProviderSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]ProviderSummary, 0, len(r.providers))
	for name, p := range r.providers {
		models := p.ListModels()
		sort.Strings(models)
		def := r.defaultModel("", name, p)
		scoped := lo.CountBy(lo.Values(r.tenantProviders), func(m map[string]Provider) bool {
			_, ok := m[name]
			return ok
		})
		summaries = append(summaries, ProviderSummary{
			Name:         name,
			Models:       models,
			DefaultModel: def,
			Streaming:    SupportsStreaming(p, def),
			TenantScoped: scoped,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// providerFor prefers a tenant-scoped instance (must be called with lock held)
func (r *Registry) providerFor(tenantID, family string) (Provider, bool) {
	if scoped, ok := r.tenantProviders[tenantID]; ok {
		if p, ok := scoped[family]; ok {
			return p, true
		}
	}
	p, ok := r.providers[family]
	return p, ok
}

// defaultModel applies tenant then global defaults (must be called with lock held)
func (r *Registry) defaultModel(tenantID, family string, p Provider) string {
	if defaults, ok := r.tenantDefaults[tenantID]; ok {
		if model, ok := defaults[family]; ok && model != "" {
			return model
		}
	}
	if model, ok := r.globalDefaults[family]; ok && model != "" {
		return model
	}
	models := p.ListModels()
	if len(models) == 0 {
		return ""
	}
	sort.Strings(models)
	return models[0]
}

// familyForModel finds the family serving a model, checking families in
// name order so the answer is stable (must be called with lock held)
func (r *Registry) familyForModel(tenantID, model string) string {
	names := lo.Keys(r.providers)
	sort.Strings(names)
	for _, name := range names {
		p, _ := r.providerFor(tenantID, name)
		if _, err := p.GetModelInfo(model); err == nil {
			return name
		}
	}
	return ""
}

func unknownProvider(name string) error {
	return services.NewDomainError(services.ErrorTypeUnknownProvider,
		fmt.Sprintf("provider %q is not registered", name), nil).
		WithDetail("provider", name)
}

func unknownModel(family, model string) error {
	msg := fmt.Sprintf("model %q is not offered by any provider", model)
	if family != "" {
		msg = fmt.Sprintf("model %q is not offered by %s", model, family)
	}
	return services.NewDomainError(services.ErrorTypeUnknownModel, msg, nil).
		WithDetail("provider", family).
		WithDetail("model", model)
}
