package llms

import (
	"fmt"
	"log/slog"

	"github.com/kadirpekel/stackchat/pkg/config"
)

// Registry holds the configured providers in fallback priority order.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewRegistryFromConfig instantiates every configured provider in the
// configured fallback order. Providers without an API key are skipped
// so a partially configured environment still works; at least one must
// come up.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	for _, name := range cfg.Fallback {
		providerCfg, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("fallback references unknown provider %q", name)
		}
		if providerCfg.APIKey == "" {
			slog.Debug("Skipping provider with no API key", "provider", name)
			continue
		}

		var provider Provider
		var err error
		switch providerCfg.Type {
		case config.ProviderOpenAI:
			provider, err = NewOpenAIProvider(name, providerCfg)
		case config.ProviderAnthropic:
			provider, err = NewAnthropicProvider(name, providerCfg)
		case config.ProviderGemini:
			provider, err = NewGeminiProvider(name, providerCfg)
		default:
			err = fmt.Errorf("unknown provider type %q", providerCfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %q: %w", name, err)
		}
		if err := r.Register(provider); err != nil {
			return nil, err
		}
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("no provider has an API key configured")
	}
	return r, nil
}

// Register adds a provider at the end of the fallback order.
func (r *Registry) Register(provider Provider) error {
	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	r.order = append(r.order, name)
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not found", name)
	}
	return provider, nil
}

// Names returns provider names in fallback priority order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// FallbackOrder returns all providers with preferred moved to the
// front. An unknown preferred name leaves the configured order as is.
func (r *Registry) FallbackOrder(preferred string) []Provider {
	ordered := make([]Provider, 0, len(r.order))
	if p, ok := r.providers[preferred]; ok {
		ordered = append(ordered, p)
	}
	for _, name := range r.order {
		if name == preferred {
			continue
		}
		ordered = append(ordered, r.providers[name])
	}
	return ordered
}

// ResolveModel returns requested when the provider can serve it, and
// the provider's default model otherwise.
func ResolveModel(provider Provider, requested string) string {
	if requested != "" && provider.AcceptsModel(requested) {
		return requested
	}
	return provider.DefaultModel()
}

// Close shuts down every provider.
func (r *Registry) Close() {
	for _, provider := range r.providers {
		_ = provider.Close()
	}
}
