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

// Package tools holds the content-tool catalog: descriptor types, the
// read-only safety filter, and parsing of tool results into typed
// shapes.
package tools

import (
	"encoding/json"
	"fmt"
)

// Tool is one capability advertised by the content-tool subprocess.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentType is one schema category in the content source.
type ContentType struct {
	UID         string `json:"uid"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type toolListResult struct {
	Tools []Tool `json:"tools"`
}

// ParseToolList decodes a tools/list result payload.
func ParseToolList(raw json.RawMessage) ([]Tool, error) {
	var result toolListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool list: %w", err)
	}
	return result.Tools, nil
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// UnwrapResult extracts the text payload of a tools/call result. Tool
// results arrive as a content list; the payload of interest is the
// concatenation of its text items.
func UnwrapResult(raw json.RawMessage) (string, error) {
	var result callResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to parse tool result: %w", err)
	}
	if result.IsError {
		return "", fmt.Errorf("tool reported an error: %s", firstText(result.Content))
	}
	return firstText(result.Content), nil
}

func firstText(content []textContent) string {
	var out string
	for _, item := range content {
		if item.Type == "text" {
			out += item.Text
		}
	}
	return out
}

// ParseContentTypes decodes the payload of a content-type catalog
// call. Both the wrapped ({"content_types": […]}) and the bare-array
// forms are accepted.
func ParseContentTypes(payload string) ([]ContentType, error) {
	var wrapped struct {
		ContentTypes []ContentType `json:"content_types"`
	}
	if err := json.Unmarshal([]byte(payload), &wrapped); err == nil && wrapped.ContentTypes != nil {
		return wrapped.ContentTypes, nil
	}

	var bare []ContentType
	if err := json.Unmarshal([]byte(payload), &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("unrecognized content-type catalog shape")
}
