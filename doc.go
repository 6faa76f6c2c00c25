// Package stackchat connects a conversational agent to a CMS content
// backend through its content-tool server.
//
// A question flows through four stages: a language model (or keyword
// heuristics) selects the relevant read-only tools, the executor runs
// them against the tenant's content source with caching, the
// summarizer fits the results into the generation provider's token
// budget, and the pipeline streams a grounded answer with automatic
// provider fallback.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/stackchat/cmd/stackchat@latest
//
// Ask a question against a content source:
//
//	stackchat query --tenant acme --source-key $STACK_KEY "show me the blog posts"
//
// Configuration is optional; with no config file the three supported
// providers (openai, anthropic, gemini) are picked up from their
// conventional environment variables. See pkg/config for the full
// schema, or generate it:
//
//	stackchat schema
//
// The heavy lifting lives under pkg/: mcp (subprocess transport),
// tools (catalog and safety filter), selector, executor, summarizer,
// pipeline, memory and llms.
package stackchat
