// Package observability provides OpenTelemetry tracing for the query
// pipeline. Tracing is off by default; InitGlobalTracer installs a
// real provider when enabled.
package observability

const (
	AttrTenantID        = "tenant.id"
	AttrSourceKeyPrefix = "source.key_prefix"
	AttrToolName        = "tool.name"
	AttrLLMProvider     = "llm.provider"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrCacheHit        = "cache.hit"

	SpanQuery         = "stackchat.query"
	SpanLLMRequest    = "stackchat.llm_request"
	SpanToolExecution = "stackchat.tool_execution"
	SpanToolSelection = "stackchat.tool_selection"

	DefaultServiceName = "stackchat"
)
