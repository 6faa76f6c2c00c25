package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/stackchat/pkg/config"
	"github.com/kadirpekel/stackchat/pkg/llms"
	"github.com/kadirpekel/stackchat/pkg/mcp"
	"github.com/kadirpekel/stackchat/pkg/selector"
)

// scriptedServer emulates the content-tool subprocess over in-memory
// pipes, answering tools/list and tools/call frames.
type scriptedServer struct {
	tools   string
	results map[string]string

	mu    sync.Mutex
	calls []string
}

func (s *scriptedServer) calledTools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeProc struct {
	stdinR, stdoutR *io.PipeReader
	stdinW, stdoutW *io.PipeWriter
}

func (p *fakeProc) Stdin() io.Writer  { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProc) Kill() error {
	_ = p.stdinW.Close()
	_ = p.stdoutW.Close()
	return nil
}

func (s *scriptedServer) spawn(ctx context.Context, command string, args []string, env []string) (mcp.Process, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	proc := &fakeProc{stdinR: stdinR, stdinW: stdinW, stdoutR: stdoutR, stdoutW: stdoutW}

	go func() {
		scanner := bufio.NewScanner(stdinR)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
				Params struct {
					Name      string         `json:"name"`
					Arguments map[string]any `json:"arguments"`
				} `json:"params"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}

			var result string
			switch req.Method {
			case "tools/list":
				result = fmt.Sprintf(`{"tools":%s}`, s.tools)
			case "tools/call":
				key := req.Params.Name
				if uid, ok := req.Params.Arguments["content_type_uid"].(string); ok {
					key = req.Params.Name + ":" + uid
				}
				s.mu.Lock()
				s.calls = append(s.calls, key)
				s.mu.Unlock()
				payload := s.results[key]
				if payload == "" {
					payload = "{}"
				}
				encoded, _ := json.Marshal(payload)
				result = fmt.Sprintf(`{"content":[{"type":"text","text":%s}]}`, encoded)
			default:
				continue
			}
			// Frames are newline-delimited; compact so fixture JSON with
			// embedded newlines still arrives as a single line.
			var frame bytes.Buffer
			if err := json.Compact(&frame, []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result))); err != nil {
				continue
			}
			frame.WriteByte('\n')
			if _, err := stdoutW.Write(frame.Bytes()); err != nil {
				return
			}
		}
	}()

	return proc, nil
}

// genProvider is a scripted llms.Provider.
type genProvider struct {
	name       string
	model      string
	prefix     string
	streamText []string
	streamErr  error
	genText    string
	genErr     error

	mu        sync.Mutex
	gotModels []string
	genCalls  int
}

func (g *genProvider) Name() string         { return g.name }
func (g *genProvider) DefaultModel() string { return g.model }
func (g *genProvider) ContextBudget() int   { return 6000 }
func (g *genProvider) Close() error         { return nil }

func (g *genProvider) AcceptsModel(model string) bool {
	return g.prefix != "" && len(model) >= len(g.prefix) && model[:len(g.prefix)] == g.prefix
}

func (g *genProvider) recordModel(model string) {
	g.mu.Lock()
	g.gotModels = append(g.gotModels, model)
	g.mu.Unlock()
}

func (g *genProvider) Generate(ctx context.Context, messages []llms.Message, model string) (string, int, error) {
	g.recordModel(model)
	g.mu.Lock()
	g.genCalls++
	g.mu.Unlock()
	return g.genText, 0, g.genErr
}

func (g *genProvider) GenerateStreaming(ctx context.Context, messages []llms.Message, model string) (<-chan llms.StreamChunk, error) {
	g.recordModel(model)
	ch := make(chan llms.StreamChunk, 10)
	go func() {
		defer close(ch)
		if g.streamErr != nil {
			ch <- llms.StreamChunk{Type: llms.ChunkError, Error: g.streamErr}
			return
		}
		for _, text := range g.streamText {
			ch <- llms.StreamChunk{Type: llms.ChunkText, Text: text}
		}
		ch <- llms.StreamChunk{Type: llms.ChunkDone}
	}()
	return ch, nil
}

const defaultToolList = `[
	{"name":"get_all_content_types","description":"List the schema catalog"},
	{"name":"get_all_entries","description":"List entries of a content type"},
	{"name":"get_all_assets","description":"List uploaded assets"},
	{"name":"delete_entry","description":"Remove an entry"}
]`

func newTestPipeline(t *testing.T, server *scriptedServer, providers ...llms.Provider) *Pipeline {
	t.Helper()

	cfg := config.Default()
	cfg.Transport.RequestTimeout = 2 * time.Second
	cfg.Transport.RestartGrace = 10 * time.Millisecond
	for name, pc := range cfg.Providers {
		pc.APIKey = "test-key"
		cfg.Providers[name] = pc
	}

	registry := llms.NewRegistry()
	for _, p := range providers {
		require.NoError(t, registry.Register(p))
	}

	p, err := New(cfg,
		WithManager(mcp.NewManager(cfg.Transport, mcp.WithManagerSpawner(server.spawn))),
		WithProviders(registry),
		WithSelector(selector.New(nil, 3)),
	)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestTokenCounterForPreferredProvider(t *testing.T) {
	registry := llms.NewRegistry()
	require.NoError(t, registry.Register(&genProvider{name: "openai", model: "gpt-4o-mini"}))

	counter := tokenCounterFor(registry)
	require.NotNil(t, counter)
	assert.Greater(t, counter.Count("show me the blog posts"), 0)

	assert.Nil(t, tokenCounterFor(llms.NewRegistry()))
}

func drain(t *testing.T, ch <-chan Chunk) (statuses []string, text string, sessionID string) {
	t.Helper()
	for chunk := range ch {
		switch chunk.Type {
		case ChunkStatus:
			statuses = append(statuses, chunk.Text)
		case ChunkText:
			text += chunk.Text
		case ChunkDone:
			sessionID = chunk.SessionID
		}
	}
	return statuses, text, sessionID
}

func TestQueryStreamsGroundedAnswer(t *testing.T) {
	server := &scriptedServer{
		tools: defaultToolList,
		results: map[string]string{
			"get_all_content_types":     `{"content_types":[{"uid":"blog_post","title":"Blog Post"}]}`,
			"get_all_entries:blog_post": `{"entries":[{"title":"Hello World"}]}`,
		},
	}
	provider := &genProvider{name: "openai", model: "gpt-4o-mini", prefix: "gpt-", streamText: []string{"Here are ", "your posts."}}
	p := newTestPipeline(t, server, provider)

	ch, err := p.Query(context.Background(), Request{
		TenantID:  "acme",
		SourceKey: "blt012345",
		Query:     "show me the blog posts",
		Provider:  "openai",
	})
	require.NoError(t, err)

	statuses, text, sessionID := drain(t, ch)

	assert.Equal(t, []string{StatusConnecting, StatusSelecting, StatusFetching, StatusGenerating}, statuses)
	assert.Equal(t, "Here are your posts.", text)
	assert.NotEmpty(t, sessionID)

	// The advertised delete_entry tool is never invoked.
	for _, call := range server.calledTools() {
		assert.NotContains(t, call, "delete_entry")
	}
}

func TestQueryFallsBackToNextProvider(t *testing.T) {
	server := &scriptedServer{tools: defaultToolList, results: map[string]string{
		"get_all_entries": `{"entries":[{"title":"A"}]}`,
	}}
	failing := &genProvider{name: "openai", model: "gpt-4o-mini", prefix: "gpt-", streamErr: assert.AnError}
	backup := &genProvider{name: "anthropic", model: "claude-sonnet-4-20250514", prefix: "claude-", streamText: []string{"from backup"}}
	p := newTestPipeline(t, server, failing, backup)

	ch, err := p.Query(context.Background(), Request{
		TenantID:  "acme",
		SourceKey: "blt012345",
		Query:     "anything new?",
		Provider:  "openai",
		Model:     "gpt-4o-mini",
	})
	require.NoError(t, err)

	_, text, _ := drain(t, ch)
	assert.Equal(t, "from backup", text)

	// The requested model is not valid for the fallback provider, so
	// its own default is substituted.
	assert.Equal(t, []string{"claude-sonnet-4-20250514"}, backup.gotModels)
}

func TestQueryNonStreamingFallback(t *testing.T) {
	server := &scriptedServer{tools: defaultToolList, results: map[string]string{
		"get_all_entries": `{"entries":[{"title":"A"}]}`,
	}}
	first := &genProvider{name: "openai", model: "gpt-4o-mini", prefix: "gpt-", streamErr: assert.AnError, genText: "complete answer"}
	second := &genProvider{name: "anthropic", model: "claude-sonnet-4-20250514", prefix: "claude-", streamErr: assert.AnError, genText: "never used"}
	p := newTestPipeline(t, server, first, second)

	ch, err := p.Query(context.Background(), Request{
		TenantID:  "acme",
		SourceKey: "blt012345",
		Query:     "anything new?",
		Provider:  "openai",
	})
	require.NoError(t, err)

	_, text, _ := drain(t, ch)
	assert.Equal(t, "complete answer", text)

	// Exactly one non-streaming attempt, on the preferred provider.
	assert.Equal(t, 1, first.genCalls)
	assert.Equal(t, 0, second.genCalls)
}

func TestQueryApologeticMessageWhenEverythingFails(t *testing.T) {
	server := &scriptedServer{tools: defaultToolList, results: map[string]string{
		"get_all_entries": `{"entries":[{"title":"A"}]}`,
	}}
	provider := &genProvider{name: "openai", model: "gpt-4o-mini", prefix: "gpt-", streamErr: assert.AnError, genErr: assert.AnError}
	p := newTestPipeline(t, server, provider)

	ch, err := p.Query(context.Background(), Request{
		TenantID:  "acme",
		SourceKey: "blt012345",
		Query:     "anything new?",
		Provider:  "openai",
	})
	require.NoError(t, err)

	_, text, sessionID := drain(t, ch)
	assert.Equal(t, apologeticMessage, text)
	assert.NotEmpty(t, sessionID)
}

func TestQueryEmptyQueryRejected(t *testing.T) {
	server := &scriptedServer{tools: defaultToolList}
	p := newTestPipeline(t, server, &genProvider{name: "openai", model: "gpt-4o-mini", prefix: "gpt-"})

	_, err := p.Query(context.Background(), Request{TenantID: "acme", SourceKey: "k", Query: "  "})
	assert.Error(t, err)
}

func TestQuerySessionContinuity(t *testing.T) {
	server := &scriptedServer{tools: defaultToolList, results: map[string]string{
		"get_all_entries": `{"entries":[{"title":"A"}]}`,
	}}
	provider := &genProvider{name: "openai", model: "gpt-4o-mini", prefix: "gpt-", streamText: []string{"answer"}}
	p := newTestPipeline(t, server, provider)

	ch, err := p.Query(context.Background(), Request{
		TenantID: "acme", SourceKey: "k", Query: "first question", Provider: "openai",
	})
	require.NoError(t, err)
	_, _, sessionID := drain(t, ch)
	require.NotEmpty(t, sessionID)

	ch, err = p.Query(context.Background(), Request{
		TenantID: "acme", SourceKey: "k", SessionID: sessionID, Query: "second question", Provider: "openai",
	})
	require.NoError(t, err)
	_, _, same := drain(t, ch)
	assert.Equal(t, sessionID, same)

	// user, assistant, user, assistant
	assert.Equal(t, 4, p.memory.Len(sessionID))
}

func TestToolCatalogFiltersMutatingTools(t *testing.T) {
	server := &scriptedServer{tools: defaultToolList}
	p := newTestPipeline(t, server, &genProvider{name: "openai", model: "gpt-4o-mini", prefix: "gpt-"})

	catalog, err := p.ToolCatalog(context.Background(), "acme", "blt012345")
	require.NoError(t, err)

	names := make([]string, len(catalog))
	for i, tool := range catalog {
		names[i] = tool.Name
	}
	assert.ElementsMatch(t, []string{"get_all_content_types", "get_all_entries", "get_all_assets"}, names)
}
