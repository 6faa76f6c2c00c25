package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/stackchat/pkg/config"
	"github.com/kadirpekel/stackchat/pkg/httpclient"
	"github.com/kadirpekel/stackchat/pkg/observability"
)

// GeminiProvider speaks the generative language API. Roles differ from
// the other providers ("model" instead of "assistant") and system
// instructions travel in a dedicated field.
type GeminiProvider struct {
	name       string
	config     config.ProviderConfig
	httpClient *httpclient.Client
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// NewGeminiProvider creates a provider from its config section.
func NewGeminiProvider(name string, cfg config.ProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}
	if cfg.Host == "" {
		cfg.Host = "https://generativelanguage.googleapis.com"
	}
	return &GeminiProvider{
		name:       name,
		config:     cfg,
		httpClient: newProviderHTTPClient(cfg, httpclient.ParseGeminiHeaders),
	}, nil
}

func (p *GeminiProvider) Name() string         { return p.name }
func (p *GeminiProvider) DefaultModel() string { return p.config.Model }
func (p *GeminiProvider) ContextBudget() int   { return p.config.ContextBudget }
func (p *GeminiProvider) Close() error         { return nil }

func (p *GeminiProvider) AcceptsModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "gemini-")
}

func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, model string) (string, int, error) {
	tracer := observability.GetTracer("stackchat.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, "gemini"),
			attribute.String(observability.AttrLLMModel, model),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.config.Host, model)
	body, err := p.roundTrip(ctx, url, p.buildRequest(messages))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", 0, err
	}

	var response geminiResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", 0, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if response.Error != nil {
		apiErr := fmt.Errorf("Gemini API error: %s", response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		return "", 0, apiErr
	}
	if len(response.Candidates) == 0 {
		err := fmt.Errorf("no candidates in response")
		span.RecordError(err)
		span.SetStatus(codes.Error, "no candidates")
		return "", 0, err
	}

	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	totalTokens := 0
	if response.UsageMetadata != nil {
		totalTokens = response.UsageMetadata.TotalTokenCount
		span.SetAttributes(
			attribute.Int(observability.AttrLLMTokensInput, response.UsageMetadata.PromptTokenCount),
			attribute.Int(observability.AttrLLMTokensOutput, response.UsageMetadata.CandidatesTokenCount),
		)
	}
	span.SetStatus(codes.Ok, "success")

	return text.String(), totalTokens, nil
}

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, messages []Message, model string) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, model, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
		}
	}()

	return outputCh, nil
}

func (p *GeminiProvider) buildRequest(messages []Message) geminiRequest {
	var system strings.Builder
	contents := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		case RoleAssistant:
			contents = append(contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		default:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}

	request := geminiRequest{Contents: contents}
	if system.Len() > 0 {
		request.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: system.String()}},
		}
	}
	if p.config.Temperature != nil || p.config.MaxTokens > 0 {
		request.GenerationConfig = &geminiGenerationConfig{
			Temperature:     p.config.Temperature,
			MaxOutputTokens: p.config.MaxTokens,
		}
	}
	return request
}

func (p *GeminiProvider) newHTTPRequest(ctx context.Context, url string, request geminiRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.config.APIKey)
	return req, nil
}

func (p *GeminiProvider) roundTrip(ctx context.Context, url string, request geminiRequest) ([]byte, error) {
	req, err := p.newHTTPRequest(ctx, url, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}
	return io.ReadAll(resp.Body)
}

func (p *GeminiProvider) makeStreamingRequest(ctx context.Context, model string, request geminiRequest, outputCh chan<- StreamChunk) error {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.config.Host, model)
	req, err := p.newHTTPRequest(ctx, url, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("HTTP request failed: no response received")
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	totalTokens := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var streamResp geminiResponse
		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			return fmt.Errorf("API error: %s", streamResp.Error.Message)
		}
		if streamResp.UsageMetadata != nil {
			totalTokens = streamResp.UsageMetadata.TotalTokenCount
		}
		if len(streamResp.Candidates) == 0 {
			continue
		}

		for _, part := range streamResp.Candidates[0].Content.Parts {
			if part.Text != "" {
				outputCh <- StreamChunk{Type: ChunkText, Text: part.Text}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}
