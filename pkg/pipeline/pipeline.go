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

// Package pipeline ties the stages together: acquire the content-tool
// transport, select tools, execute them, summarize the results into
// the provider's budget, and stream a grounded answer with provider
// fallback. Raw provider and transport errors never reach the caller;
// every failure path ends in a readable message.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/stackchat/pkg/cache"
	"github.com/kadirpekel/stackchat/pkg/config"
	"github.com/kadirpekel/stackchat/pkg/executor"
	"github.com/kadirpekel/stackchat/pkg/llms"
	"github.com/kadirpekel/stackchat/pkg/mcp"
	"github.com/kadirpekel/stackchat/pkg/memory"
	"github.com/kadirpekel/stackchat/pkg/observability"
	"github.com/kadirpekel/stackchat/pkg/selector"
	"github.com/kadirpekel/stackchat/pkg/summarizer"
	"github.com/kadirpekel/stackchat/pkg/tools"
	"github.com/kadirpekel/stackchat/pkg/utils"
)

// Chunk types emitted to the caller.
const (
	ChunkStatus = "status"
	ChunkText   = "text"
	ChunkDone   = "done"
)

// Status phases, in pipeline order.
const (
	StatusConnecting = "connecting"
	StatusSelecting  = "selecting tools"
	StatusFetching   = "fetching content"
	StatusGenerating = "generating"
)

const (
	contentUnavailableMessage = "Content is temporarily unavailable right now. Please try again in a moment."
	apologeticMessage         = "I'm sorry, I wasn't able to generate an answer just now. Please try again in a moment."
)

const systemInstructions = `You are a content assistant for a CMS-backed knowledge source.
Ground every statement in the provided content context; if the context does not cover the question, say so instead of guessing.
You have read-only access: never claim to have created, changed, published or deleted anything.
Render images in the context as markdown image references so they display inline.`

// Request is one conversational query.
type Request struct {
	TenantID  string
	SourceKey string
	ProjectID string
	SessionID string
	Query     string
	Provider  string
	Model     string
}

// Chunk is one unit of streamed pipeline output. SessionID is set on
// the terminal done chunk so callers can continue the conversation.
type Chunk struct {
	Type      string
	Text      string
	SessionID string
}

// Pipeline is the retrieval-and-generation engine.
type Pipeline struct {
	cfg        *config.Config
	manager    *mcp.Manager
	registry   *tools.Registry
	providers  *llms.Registry
	selector   *selector.Selector
	executor   *executor.Executor
	summarizer *summarizer.Summarizer
	memory     *memory.Store
}

// Option overrides a pipeline component, chiefly for tests.
type Option func(*Pipeline)

// WithManager replaces the transport manager.
func WithManager(m *mcp.Manager) Option {
	return func(p *Pipeline) { p.manager = m }
}

// WithProviders replaces the LLM provider registry.
func WithProviders(r *llms.Registry) Option {
	return func(p *Pipeline) { p.providers = r }
}

// WithSelector replaces the tool selector.
func WithSelector(s *selector.Selector) Option {
	return func(p *Pipeline) { p.selector = s }
}

// WithCacheBackend replaces the cache backend.
func WithCacheBackend(backend cache.Backend) Option {
	return func(p *Pipeline) {
		store := cache.NewStore(backend)
		p.registry = tools.NewRegistry(store, p.cfg.Cache.CatalogTTL, p.cfg.Transport.Branch)
		p.executor = executor.New(store, p.cfg.Cache, p.cfg.Transport.Branch)
	}
}

// New wires a pipeline from config. The memory sweeper is started;
// call Close to stop it.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	providers, err := llms.NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}

	store := cache.NewStore(cache.NewMemoryBackend())
	p := &Pipeline{
		cfg:       cfg,
		manager:   mcp.NewManager(cfg.Transport),
		registry:  tools.NewRegistry(store, cfg.Cache.CatalogTTL, cfg.Transport.Branch),
		providers: providers,
		executor:  executor.New(store, cfg.Cache, cfg.Transport.Branch),
		memory:    memory.NewStore(cfg.Memory),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.summarizer = summarizer.New(tokenCounterFor(p.providers))

	if p.selector == nil {
		selectionProvider, err := p.providers.Get(cfg.Selector.Provider)
		if err != nil {
			// The configured selection provider may have been skipped for
			// lack of an API key; any live provider can select tools.
			names := p.providers.Names()
			if len(names) == 0 {
				return nil, fmt.Errorf("selector provider: %w", err)
			}
			selectionProvider, _ = p.providers.Get(names[0])
		}
		p.selector = selector.New(selectionProvider, cfg.Selector.MaxTools)
	}

	p.memory.Start()
	return p, nil
}

// tokenCounterFor builds a token counter for the preferred provider's
// default model. A nil result leaves the summarizer on length-based
// estimation.
func tokenCounterFor(providers *llms.Registry) *utils.TokenCounter {
	names := providers.Names()
	if len(names) == 0 {
		return nil
	}
	provider, err := providers.Get(names[0])
	if err != nil {
		return nil
	}

	counter, err := utils.NewTokenCounter(provider.DefaultModel())
	if err != nil {
		slog.Debug("No token encoding available, estimating",
			"model", provider.DefaultModel(), "error", err)
		return nil
	}
	return counter
}

// Query answers one question, streaming status and text chunks. The
// channel always terminates with a done chunk carrying the session id.
func (p *Pipeline) Query(ctx context.Context, req Request) (<-chan Chunk, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	out := make(chan Chunk, 100)
	go func() {
		defer close(out)
		p.run(ctx, req, out)
	}()
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, out chan<- Chunk) {
	tracer := observability.GetTracer("stackchat.pipeline")
	ctx, span := tracer.Start(ctx, observability.SpanQuery,
		trace.WithAttributes(attribute.String(observability.AttrTenantID, req.TenantID)),
	)
	defer span.End()

	sessionID := p.memory.Append(req.SessionID, req.TenantID, llms.RoleUser, req.Query)
	finish := func(answer string) {
		if answer != "" {
			p.memory.Append(sessionID, req.TenantID, llms.RoleAssistant, answer)
		}
		out <- Chunk{Type: ChunkDone, SessionID: sessionID}
	}

	out <- Chunk{Type: ChunkStatus, Text: StatusConnecting}
	transport, err := p.manager.Acquire(ctx, mcp.Credentials{
		TenantID:  req.TenantID,
		SourceKey: req.SourceKey,
		ProjectID: req.ProjectID,
	})
	if err != nil {
		slog.Error("Failed to reach content-tool server", "tenant", req.TenantID, "error", err)
		out <- Chunk{Type: ChunkText, Text: contentUnavailableMessage}
		finish(contentUnavailableMessage)
		return
	}

	safeTools, err := p.registry.Catalog(ctx, transport, req.TenantID, req.SourceKey)
	if err != nil {
		slog.Error("Failed to fetch tool catalog", "tenant", req.TenantID, "error", err)
		out <- Chunk{Type: ChunkText, Text: contentUnavailableMessage}
		finish(contentUnavailableMessage)
		return
	}

	out <- Chunk{Type: ChunkStatus, Text: StatusSelecting}
	contentTypes := p.loadContentTypes(ctx, transport, req, safeTools)
	selection := p.selector.Select(ctx, req.Query, safeTools, contentTypes)

	out <- Chunk{Type: ChunkStatus, Text: StatusFetching}
	results := p.executor.Execute(ctx, transport, req.TenantID, req.SourceKey, selection)
	if executor.AllFailed(results) {
		slog.Warn("Every tool call failed", "tenant", req.TenantID, "tools", selection.Tools)
		out <- Chunk{Type: ChunkText, Text: contentUnavailableMessage}
		finish(contentUnavailableMessage)
		return
	}

	out <- Chunk{Type: ChunkStatus, Text: StatusGenerating}
	answer := p.generate(ctx, req, sessionID, results, out)
	finish(answer)
}

// loadContentTypes fetches the schema catalog for the selector. It is
// advisory; selection works without it.
func (p *Pipeline) loadContentTypes(ctx context.Context, transport *mcp.Transport, req Request, safeTools []tools.Tool) []tools.ContentType {
	if !tools.ByName(safeTools, "get_all_content_types") {
		return nil
	}

	results := p.executor.Execute(ctx, transport, req.TenantID, req.SourceKey, selector.Selection{
		Tools: []string{"get_all_content_types"},
	})
	result, ok := results["get_all_content_types"]
	if !ok || result.Err != nil {
		return nil
	}
	contentTypes, err := tools.ParseContentTypes(result.Payload)
	if err != nil {
		slog.Debug("Unparseable content-type catalog", "error", err)
		return nil
	}
	return contentTypes
}

// generate runs the provider fallback chain and returns the full
// answer text for memory write-back.
func (p *Pipeline) generate(ctx context.Context, req Request, sessionID string, results map[string]executor.Result, out chan<- Chunk) string {
	ordered := p.providers.FallbackOrder(req.Provider)
	if len(ordered) == 0 {
		out <- Chunk{Type: ChunkText, Text: apologeticMessage}
		return apologeticMessage
	}

	budget := ordered[0].ContextBudget()
	contextText := p.summarizer.Summarize(results, budget)
	messages := p.buildMessages(sessionID, contextText, req.Query)

	for _, provider := range ordered {
		model := llms.ResolveModel(provider, req.Model)
		text, ok := p.streamFrom(ctx, provider, model, messages, out)
		if ok {
			return text
		}
		if text != "" {
			// Part of the answer already reached the caller; switching
			// providers now would duplicate or contradict it.
			return text
		}
		slog.Warn("Streaming generation failed, falling back",
			"provider", provider.Name(), "model", model)
	}

	// One non-streaming attempt on the preferred provider before
	// giving up.
	preferred := ordered[0]
	text, _, err := preferred.Generate(ctx, messages, llms.ResolveModel(preferred, req.Model))
	if err == nil && text != "" {
		out <- Chunk{Type: ChunkText, Text: text}
		return text
	}
	if err != nil {
		slog.Error("Non-streaming fallback failed", "provider", preferred.Name(), "error", err)
	}

	out <- Chunk{Type: ChunkText, Text: apologeticMessage}
	return apologeticMessage
}

// streamFrom forwards one provider's stream. It returns the text
// forwarded so far and whether the stream completed cleanly.
func (p *Pipeline) streamFrom(ctx context.Context, provider llms.Provider, model string, messages []llms.Message, out chan<- Chunk) (string, bool) {
	ch, err := provider.GenerateStreaming(ctx, messages, model)
	if err != nil || ch == nil {
		return "", false
	}

	var text strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			text.WriteString(chunk.Text)
			out <- Chunk{Type: ChunkText, Text: chunk.Text}
		case llms.ChunkError:
			slog.Warn("Stream failed", "provider", provider.Name(), "error", chunk.Error)
			return text.String(), false
		case llms.ChunkDone:
			return text.String(), true
		}
	}
	// Channel closed without a terminal chunk; treat as clean only if
	// something arrived.
	return text.String(), text.Len() > 0
}

func (p *Pipeline) buildMessages(sessionID, contextText, query string) []llms.Message {
	messages := []llms.Message{{Role: llms.RoleSystem, Content: systemInstructions}}
	if contextText != "" {
		messages = append(messages, llms.Message{
			Role:    llms.RoleSystem,
			Content: "Content context:\n" + contextText,
		})
	}

	history := p.memory.History(sessionID, 0)
	// The current query was already appended to memory; it goes last,
	// so drop it from the history replay.
	if n := len(history); n > 0 {
		history = history[:n-1]
	}
	for _, msg := range history {
		messages = append(messages, llms.Message{Role: msg.Role, Content: msg.Text})
	}

	return append(messages, llms.Message{Role: llms.RoleUser, Content: query})
}

// ToolCatalog returns the filtered tool list for one tenant.
func (p *Pipeline) ToolCatalog(ctx context.Context, tenantID, sourceKey string) ([]tools.Tool, error) {
	transport, err := p.manager.Acquire(ctx, mcp.Credentials{TenantID: tenantID, SourceKey: sourceKey})
	if err != nil {
		return nil, err
	}
	return p.registry.Catalog(ctx, transport, tenantID, sourceKey)
}

// Shutdown stops the subprocess serving one (tenant, source key) pair.
func (p *Pipeline) Shutdown(tenantID, sourceKey string) {
	p.manager.Shutdown(tenantID, sourceKey)
}

// Close releases every transport and stops background work.
func (p *Pipeline) Close() {
	p.manager.Close()
	p.providers.Close()
	p.memory.Stop()
}
