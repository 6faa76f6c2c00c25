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

// Package llms provides interchangeable language-model providers over
// plain HTTP: non-streaming completion and SSE streaming, behind one
// Provider interface.
package llms

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prompt message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk types emitted on a streaming channel.
const (
	ChunkText  = "text"
	ChunkDone  = "done"
	ChunkError = "error"
)

// StreamChunk is one unit of streamed output. The channel always ends
// with either a "done" chunk (carrying the total token count when the
// provider reports one) or an "error" chunk.
type StreamChunk struct {
	Type   string
	Text   string
	Tokens int
	Error  error
}

// Provider is a single LLM backend.
type Provider interface {
	// Name returns the configured provider name.
	Name() string

	// DefaultModel is the model used when the caller's requested model
	// is not valid for this provider.
	DefaultModel() string

	// AcceptsModel reports whether this provider can serve the given
	// model name.
	AcceptsModel(model string) bool

	// ContextBudget is the token budget for summarized tool context.
	ContextBudget() int

	// Generate performs one non-streaming completion and returns the
	// text and total tokens used.
	Generate(ctx context.Context, messages []Message, model string) (string, int, error)

	// GenerateStreaming starts a streaming completion. The returned
	// channel is closed after the terminal chunk.
	GenerateStreaming(ctx context.Context, messages []Message, model string) (<-chan StreamChunk, error)

	Close() error
}
