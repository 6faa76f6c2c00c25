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

// Package executor runs the selected content tools concurrently,
// cache-first, and collects per-invocation results. One failing call
// never aborts the others.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/stackchat/pkg/cache"
	"github.com/kadirpekel/stackchat/pkg/config"
	"github.com/kadirpekel/stackchat/pkg/observability"
	"github.com/kadirpekel/stackchat/pkg/selector"
	"github.com/kadirpekel/stackchat/pkg/tools"
)

// listingLimit bounds how many items one bulk call may return.
const listingLimit = 50

// maxConcurrentCalls bounds in-flight subprocess requests per query.
const maxConcurrentCalls = 4

// Caller is the transport surface the executor needs.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Result is the outcome of one tool invocation. Exactly one of
// Payload and Err is meaningful.
type Result struct {
	Tool           string
	ContentTypeUID string
	Payload        string
	Err            error
	FromCache      bool
}

// Key identifies the invocation in the result map: the tool name,
// suffixed with the content-type uid for per-category listings.
func (r Result) Key() string {
	if r.ContentTypeUID != "" {
		return r.Tool + ":" + r.ContentTypeUID
	}
	return r.Tool
}

// Executor invokes tools through a transport with cache write-back.
type Executor struct {
	store  *cache.Store
	ttls   config.CacheConfig
	branch string
}

// New creates an executor over the given cache store.
func New(store *cache.Store, ttls config.CacheConfig, branch string) *Executor {
	return &Executor{store: store, ttls: ttls, branch: branch}
}

// Execute runs every invocation implied by the selection and returns
// results keyed per invocation. Entry listings run once per selected
// content-type uid. Callers must treat entries with a non-nil Err as
// partial failure, not abort.
func (e *Executor) Execute(ctx context.Context, caller Caller, tenantID, sourceKey string, sel selector.Selection) map[string]Result {
	invocations := e.plan(sel)

	results := make(map[string]Result, len(invocations))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCalls)

	for _, inv := range invocations {
		g.Go(func() error {
			result := e.run(ctx, caller, tenantID, sourceKey, inv)
			mu.Lock()
			results[result.Key()] = result
			mu.Unlock()
			// Failures are captured in the result map, never returned,
			// so the group keeps running the remaining invocations.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// AllFailed reports whether not a single invocation produced a result.
func AllFailed(results map[string]Result) bool {
	if len(results) == 0 {
		return true
	}
	for _, r := range results {
		if r.Err == nil {
			return false
		}
	}
	return true
}

type invocation struct {
	tool string
	uid  string
}

func (e *Executor) plan(sel selector.Selection) []invocation {
	var invocations []invocation
	for _, tool := range sel.Tools {
		if tool == "get_all_entries" && len(sel.ContentTypeUIDs) > 0 {
			for _, uid := range sel.ContentTypeUIDs {
				invocations = append(invocations, invocation{tool: tool, uid: uid})
			}
			continue
		}
		invocations = append(invocations, invocation{tool: tool})
	}
	return invocations
}

func (e *Executor) run(ctx context.Context, caller Caller, tenantID, sourceKey string, inv invocation) Result {
	tracer := observability.GetTracer("stackchat.executor")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, inv.tool),
			attribute.String(observability.AttrTenantID, tenantID),
		),
	)
	defer span.End()

	result := Result{Tool: inv.tool, ContentTypeUID: inv.uid}

	cacheKey := cache.Key(tenantID, sourceKey, result.Key(), e.branch)
	if payload, found := e.store.Get(ctx, cacheKey); found {
		span.SetAttributes(attribute.Bool(observability.AttrCacheHit, true))
		result.Payload = string(payload)
		result.FromCache = true
		return result
	}
	span.SetAttributes(attribute.Bool(observability.AttrCacheHit, false))

	raw, err := caller.CallTool(ctx, inv.tool, e.arguments(inv))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("Tool call failed", "tool", inv.tool, "content_type", inv.uid, "error", err)
		result.Err = err
		return result
	}

	payload, err := tools.UnwrapResult(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result.Err = err
		return result
	}

	e.store.Set(ctx, cacheKey, []byte(payload), e.ttlFor(inv.tool))
	result.Payload = payload
	return result
}

func (e *Executor) arguments(inv invocation) map[string]any {
	args := map[string]any{"limit": listingLimit}
	if inv.uid != "" {
		args["content_type_uid"] = inv.uid
	}
	if inv.tool == "get_all_content_types" {
		delete(args, "limit")
	}
	return args
}

// ttlFor maps tools to cache lifetimes: the schema catalog changes
// rarely, bulk listings are volatile.
func (e *Executor) ttlFor(tool string) time.Duration {
	switch tool {
	case "get_all_content_types", "get_content_type":
		return e.ttls.SchemaTTL
	default:
		return e.ttls.ListingTTL
	}
}
