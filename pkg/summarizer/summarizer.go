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

// Package summarizer renders raw tool results into a token-budgeted
// textual context. Three tiers: the full structured rendering when it
// fits, a truncated summary when it does not, and an ultra-compact
// form for providers on tight throughput tiers. The output is never
// empty; oversized data degrades to a short notice instead.
package summarizer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/stackchat/pkg/executor"
	"github.com/kadirpekel/stackchat/pkg/utils"
)

// ultraCompactThreshold is the budget below which the one-line-per-
// category form is used directly.
const ultraCompactThreshold = 800

// summaryItemCounts are the per-category item caps tried in order for
// the structured summary tier.
var summaryItemCounts = []int{10, 5, 3}

const largeDatasetNotice = "A large amount of content matched. Ask a more specific question to narrow the results."

// Summarizer fits tool results into provider token budgets.
type Summarizer struct {
	counter *utils.TokenCounter
}

// New creates a summarizer. A nil counter falls back to length-based
// token estimation.
func New(counter *utils.TokenCounter) *Summarizer {
	return &Summarizer{counter: counter}
}

// Summarize renders results within budget tokens. Failed invocations
// are skipped; they are reported through the pipeline's own channel.
func (s *Summarizer) Summarize(results map[string]executor.Result, budget int) string {
	categories := parseCategories(results)
	if len(categories) == 0 {
		return ""
	}

	verbatim := renderVerbatim(categories)
	if s.tokens(verbatim) <= budget {
		return verbatim
	}

	// Tight budgets skip the summary tiers; even the smallest item cap
	// rarely fits, and the one-line form preserves the counts.
	if budget >= ultraCompactThreshold {
		for _, n := range summaryItemCounts {
			summary := renderSummary(categories, n)
			if s.tokens(summary) <= budget {
				return summary
			}
		}
	}

	return s.bounded(renderCompact(categories), budget)
}

// bounded returns text when it fits and the degradation notice when it
// does not.
func (s *Summarizer) bounded(text string, budget int) string {
	if s.tokens(text) <= budget {
		return text
	}
	slog.Debug("Context exceeds budget at the most compact tier", "budget", budget)
	return largeDatasetNotice
}

func (s *Summarizer) tokens(text string) int {
	if s.counter != nil {
		return s.counter.Count(text)
	}
	return utils.EstimateTokens(text)
}

func renderVerbatim(categories []category) string {
	var b strings.Builder
	for _, cat := range categories {
		writeHeader(&b, cat)
		for _, item := range cat.items {
			writeItem(&b, item, true)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func renderSummary(categories []category, maxItems int) string {
	var b strings.Builder
	for _, cat := range categories {
		writeHeader(&b, cat)
		shown := cat.items
		if len(shown) > maxItems {
			shown = shown[:maxItems]
		}
		for _, item := range shown {
			writeItem(&b, item, false)
		}
		if len(cat.items) > len(shown) {
			fmt.Fprintf(&b, "… and %d more\n", len(cat.items)-len(shown))
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// renderCompact emits one line per category: a count plus the first
// few titles.
func renderCompact(categories []category) string {
	var b strings.Builder
	for _, cat := range categories {
		titles := make([]string, 0, 3)
		for _, item := range cat.items {
			titles = append(titles, item.title)
			if len(titles) == 3 {
				break
			}
		}
		fmt.Fprintf(&b, "%s: %d items (%s)\n", cat.label, len(cat.items), strings.Join(titles, ", "))
	}
	return strings.TrimSpace(b.String())
}

func writeHeader(b *strings.Builder, cat category) {
	fmt.Fprintf(b, "## %s (%d)\n", cat.label, len(cat.items))
}

// writeItem renders one item as a markdown bullet. Image assets become
// displayable markdown references so downstream consumers can render
// them inline.
func writeItem(b *strings.Builder, item item, withDescription bool) {
	if item.imageURL != "" {
		fmt.Fprintf(b, "- ![%s](%s)\n", item.title, item.imageURL)
		return
	}
	if item.url != "" {
		fmt.Fprintf(b, "- [%s](%s)", item.title, item.url)
	} else {
		fmt.Fprintf(b, "- %s", item.title)
	}
	if withDescription && item.description != "" {
		fmt.Fprintf(b, ": %s", item.description)
	}
	b.WriteString("\n")
}
