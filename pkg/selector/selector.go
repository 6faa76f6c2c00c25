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

// Package selector picks the content tools and content types relevant
// to a natural-language query. A language model makes the call; on any
// model failure the deterministic keyword heuristics take over, so
// selection itself never fails.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/stackchat/pkg/llms"
	"github.com/kadirpekel/stackchat/pkg/observability"
	"github.com/kadirpekel/stackchat/pkg/tools"
)

// Selection is the outcome of tool selection. Tools is always a subset
// of the safe tool list handed in; ContentTypeUIDs a subset of the
// known catalog.
type Selection struct {
	Tools           []string `json:"tools"`
	ContentTypeUIDs []string `json:"content_type_uids"`
}

// Selector chooses tools via a fixed selection provider.
type Selector struct {
	provider llms.Provider
	maxTools int
}

// New creates a selector bound to one provider. maxTools caps both the
// tool and content-type counts.
func New(provider llms.Provider, maxTools int) *Selector {
	if maxTools <= 0 {
		maxTools = 3
	}
	return &Selector{provider: provider, maxTools: maxTools}
}

const selectionInstructions = `You route content queries. Given a user question, the available read-only tools and the content types of the source, reply with ONLY a JSON object of this exact shape:
{"tools": ["tool_name"], "content_type_uids": ["uid"]}
Pick 1-3 tools and 0-3 content type uids. No prose, no code fences.`

// Select returns the tools and content types to execute for query.
func (s *Selector) Select(ctx context.Context, query string, safeTools []tools.Tool, contentTypes []tools.ContentType) Selection {
	tracer := observability.GetTracer("stackchat.selector")
	ctx, span := tracer.Start(ctx, observability.SpanToolSelection,
		trace.WithAttributes(attribute.Int("tools.available", len(safeTools))),
	)
	defer span.End()

	selection, err := s.selectWithModel(ctx, query, safeTools, contentTypes)
	if err != nil {
		slog.Debug("Model selection failed, using heuristics", "error", err)
		selection = Heuristic(query, safeTools, contentTypes)
		span.SetAttributes(attribute.Bool("selection.heuristic", true))
	}

	span.SetAttributes(attribute.Int("tools.selected", len(selection.Tools)))
	return selection
}

func (s *Selector) selectWithModel(ctx context.Context, query string, safeTools []tools.Tool, contentTypes []tools.ContentType) (Selection, error) {
	if s.provider == nil {
		return Selection{}, fmt.Errorf("no selection provider configured")
	}

	reply, _, err := s.provider.Generate(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: selectionInstructions},
		{Role: llms.RoleUser, Content: s.buildPrompt(query, safeTools, contentTypes)},
	}, s.provider.DefaultModel())
	if err != nil {
		return Selection{}, err
	}

	selection, err := parseSelection(reply)
	if err != nil {
		return Selection{}, err
	}

	selection = s.sanitize(selection, safeTools, contentTypes)
	if len(selection.Tools) == 0 {
		return Selection{}, fmt.Errorf("model selected no usable tools")
	}
	return selection, nil
}

func (s *Selector) buildPrompt(query string, safeTools []tools.Tool, contentTypes []tools.ContentType) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, tool := range safeTools {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
	}
	b.WriteString("\nContent types:\n")
	for _, ct := range contentTypes {
		fmt.Fprintf(&b, "- %s: %s\n", ct.UID, ct.Title)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

// parseSelection decodes the model reply, tolerating code fences the
// instructions forbid but models emit anyway.
func parseSelection(reply string) (Selection, error) {
	cleaned := strings.TrimSpace(reply)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var selection Selection
	if err := json.Unmarshal([]byte(cleaned), &selection); err != nil {
		return Selection{}, fmt.Errorf("unparseable selection reply: %w", err)
	}
	return selection, nil
}

// sanitize drops hallucinated names and enforces the caps. Rejected
// names are logged; a model asking for a tool outside the safe list is
// the event the filter exists for.
func (s *Selector) sanitize(selection Selection, safeTools []tools.Tool, contentTypes []tools.ContentType) Selection {
	var out Selection
	for _, name := range selection.Tools {
		if !tools.ByName(safeTools, name) {
			slog.Warn("Selection requested unavailable tool", "tool", name)
			continue
		}
		out.Tools = append(out.Tools, name)
		if len(out.Tools) == s.maxTools {
			break
		}
	}

	known := make(map[string]bool, len(contentTypes))
	for _, ct := range contentTypes {
		known[ct.UID] = true
	}
	for _, uid := range selection.ContentTypeUIDs {
		if !known[uid] {
			continue
		}
		out.ContentTypeUIDs = append(out.ContentTypeUIDs, uid)
		if len(out.ContentTypeUIDs) == s.maxTools {
			break
		}
	}
	return out
}
