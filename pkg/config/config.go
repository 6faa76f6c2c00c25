// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines stackchat's configuration model.
//
// Configuration is YAML with ${ENV_VAR} expansion. Every section has
// working defaults so a config file is optional: with no file at all
// stackchat runs against the bundled content-tool server command and
// whichever providers have API keys in the environment.
package config

import (
	"fmt"
	"time"
)

// ProviderType identifies an LLM provider implementation.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGemini    ProviderType = "gemini"
)

// Config is the root configuration.
type Config struct {
	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" jsonschema:"title=Logging"`

	// Providers configures the generation providers, keyed by name.
	Providers map[string]ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty" jsonschema:"title=LLM Providers"`

	// Fallback is the provider priority order used when the preferred
	// provider fails. Names must exist in Providers.
	Fallback []string `yaml:"fallback,omitempty" json:"fallback,omitempty" jsonschema:"title=Fallback Order"`

	// Selector configures tool/content-type selection.
	Selector SelectorConfig `yaml:"selector,omitempty" json:"selector,omitempty" jsonschema:"title=Selector"`

	// Transport configures the content-tool subprocess.
	Transport TransportConfig `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"title=Tool Transport"`

	// Cache configures result caching TTLs.
	Cache CacheConfig `yaml:"cache,omitempty" json:"cache,omitempty" jsonschema:"title=Result Cache"`

	// Memory configures short-term conversation memory.
	Memory MemoryConfig `yaml:"memory,omitempty" json:"memory,omitempty" jsonschema:"title=Conversation Memory"`
}

// LoggingConfig configures logging output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// Format is "simple" or "verbose".
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=simple,enum=verbose,default=simple"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	// Type selects the provider implementation.
	Type ProviderType `yaml:"type" json:"type" jsonschema:"enum=openai,enum=anthropic,enum=gemini"`

	// Model is the default model identifier for this provider.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey authenticates requests. Supports ${VAR} expansion; falls
	// back to the provider's conventional environment variable.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Host overrides the default API endpoint.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"minimum=0,maximum=2"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// ContextBudget is the token budget for summarized tool context
	// sent to this provider. Providers on tight throughput tiers get
	// small budgets.
	ContextBudget int `yaml:"context_budget,omitempty" json:"context_budget,omitempty"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries for failed HTTP requests.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// RetryDelay is the base retry delay in seconds.
	RetryDelay int `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
}

// SelectorConfig configures tool selection.
type SelectorConfig struct {
	// Provider names the provider used for tool selection. It is fixed
	// per deployment, independent of the caller's generation provider.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// MaxTools caps how many tools one query may select.
	MaxTools int `yaml:"max_tools,omitempty" json:"max_tools,omitempty" jsonschema:"default=3"`
}

// TransportConfig configures the content-tool subprocess.
type TransportConfig struct {
	// Command launches the content-tool server.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are passed to Command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// RequestTimeout bounds each protocol request.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`

	// RestartGrace is the pause between stopping a corrupted process
	// and respawning it.
	RestartGrace time.Duration `yaml:"restart_grace,omitempty" json:"restart_grace,omitempty"`

	// Region scopes the content source (passed to the subprocess env).
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// Branch selects the content branch queried and cached against.
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`
}

// CacheConfig configures result cache TTLs.
type CacheConfig struct {
	// CatalogTTL applies to the tool catalog.
	CatalogTTL time.Duration `yaml:"catalog_ttl,omitempty" json:"catalog_ttl,omitempty"`

	// SchemaTTL applies to the content-type catalog.
	SchemaTTL time.Duration `yaml:"schema_ttl,omitempty" json:"schema_ttl,omitempty"`

	// ListingTTL applies to entry/asset listings.
	ListingTTL time.Duration `yaml:"listing_ttl,omitempty" json:"listing_ttl,omitempty"`
}

// MemoryConfig configures conversation memory.
type MemoryConfig struct {
	// MaxMessages caps messages retained per session.
	MaxMessages int `yaml:"max_messages,omitempty" json:"max_messages,omitempty" jsonschema:"default=50"`

	// HistoryWindow is how many trailing messages enter the prompt.
	HistoryWindow int `yaml:"history_window,omitempty" json:"history_window,omitempty" jsonschema:"default=12"`

	// IdleTimeout evicts sessions inactive longer than this.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`

	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}

	if len(c.Providers) == 0 {
		c.Providers = map[string]ProviderConfig{
			"openai":    {Type: ProviderOpenAI},
			"anthropic": {Type: ProviderAnthropic},
			"gemini":    {Type: ProviderGemini},
		}
	}
	for name, p := range c.Providers {
		p.setDefaults()
		c.Providers[name] = p
	}

	if len(c.Fallback) == 0 {
		for _, name := range []string{"openai", "anthropic", "gemini"} {
			if _, ok := c.Providers[name]; ok {
				c.Fallback = append(c.Fallback, name)
			}
		}
		if len(c.Fallback) == 0 {
			for name := range c.Providers {
				c.Fallback = append(c.Fallback, name)
			}
		}
	}

	if c.Selector.Provider == "" {
		c.Selector.Provider = c.Fallback[0]
	}
	if c.Selector.MaxTools <= 0 {
		c.Selector.MaxTools = 3
	}

	if c.Transport.Command == "" {
		c.Transport.Command = "npx"
		c.Transport.Args = []string{"-y", "@contentstack/mcp"}
	}
	if c.Transport.RequestTimeout <= 0 {
		c.Transport.RequestTimeout = 30 * time.Second
	}
	if c.Transport.RestartGrace <= 0 {
		c.Transport.RestartGrace = time.Second
	}
	if c.Transport.Branch == "" {
		c.Transport.Branch = "main"
	}

	if c.Cache.CatalogTTL <= 0 {
		c.Cache.CatalogTTL = 30 * time.Minute
	}
	if c.Cache.SchemaTTL <= 0 {
		c.Cache.SchemaTTL = 10 * time.Minute
	}
	if c.Cache.ListingTTL <= 0 {
		c.Cache.ListingTTL = 2 * time.Minute
	}

	if c.Memory.MaxMessages <= 0 {
		c.Memory.MaxMessages = 50
	}
	if c.Memory.HistoryWindow <= 0 {
		c.Memory.HistoryWindow = 12
	}
	if c.Memory.IdleTimeout <= 0 {
		c.Memory.IdleTimeout = 30 * time.Minute
	}
	if c.Memory.SweepInterval <= 0 {
		c.Memory.SweepInterval = 5 * time.Minute
	}
}

func (p *ProviderConfig) setDefaults() {
	switch p.Type {
	case ProviderOpenAI:
		if p.Model == "" {
			p.Model = "gpt-4o-mini"
		}
		if p.Host == "" {
			p.Host = "https://api.openai.com/v1"
		}
		if p.ContextBudget <= 0 {
			p.ContextBudget = 6000
		}
	case ProviderAnthropic:
		if p.Model == "" {
			p.Model = "claude-3-5-haiku-latest"
		}
		if p.Host == "" {
			p.Host = "https://api.anthropic.com"
		}
		if p.ContextBudget <= 0 {
			p.ContextBudget = 6000
		}
	case ProviderGemini:
		if p.Model == "" {
			p.Model = "gemini-2.0-flash"
		}
		// The provider appends the /v1beta API version itself.
		if p.Host == "" {
			p.Host = "https://generativelanguage.googleapis.com"
		}
		// Free-tier Gemini throughput is far tighter than the others.
		if p.ContextBudget <= 0 {
			p.ContextBudget = 2000
		}
	}
	if p.APIKey == "" {
		p.APIKey = defaultAPIKey(p.Type)
	}
	if p.Temperature == nil {
		t := 0.7
		p.Temperature = &t
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 2048
	}
	if p.Timeout <= 0 {
		p.Timeout = 60
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 2
	}
}

// Validate checks internal consistency after defaults are applied.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for name, p := range c.Providers {
		switch p.Type {
		case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		default:
			return fmt.Errorf("provider %q: unsupported type %q (supported: openai, anthropic, gemini)", name, p.Type)
		}
	}
	for _, name := range c.Fallback {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("fallback references unknown provider %q", name)
		}
	}
	if _, ok := c.Providers[c.Selector.Provider]; !ok {
		return fmt.Errorf("selector references unknown provider %q", c.Selector.Provider)
	}
	if c.Transport.Command == "" {
		return fmt.Errorf("transport command is required")
	}
	return nil
}
