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

// Package mcp implements the client side of the content-tool protocol:
// one supervised subprocess per (tenant, source key), JSON-RPC shaped
// frames newline-delimited on stdin/stdout, responses matched to
// requests by correlation id rather than arrival order.
//
// The subprocess does not guarantee response ordering and is known to
// wedge its internal state on certain inputs; the transport detects the
// corruption signature, restarts the process once, re-validates it with
// a tools/list call, and retries the original request before surfacing
// an error.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/stackchat/pkg/config"
)

const (
	methodListTools = "tools/list"
	methodCallTool  = "tools/call"

	// maxFrameSize bounds one response line; bulk listings can be large.
	maxFrameSize = 16 * 1024 * 1024
)

// Credentials identify the tenant and content source a transport
// instance is bound to.
type Credentials struct {
	TenantID  string
	SourceKey string
	ProjectID string
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Transport manages one content-tool subprocess and multiplexes
// concurrent requests over its stdio streams.
type Transport struct {
	cfg   config.TransportConfig
	creds Credentials
	spawn Spawner

	nextID atomic.Int64

	mu   sync.Mutex
	conn *conn
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithSpawner overrides how the subprocess is launched.
func WithSpawner(spawn Spawner) TransportOption {
	return func(t *Transport) {
		t.spawn = spawn
	}
}

// NewTransport creates a transport for the given tenant credentials.
// The subprocess is spawned lazily on the first call (or explicitly
// via Start).
func NewTransport(cfg config.TransportConfig, creds Credentials, opts ...TransportOption) *Transport {
	t := &Transport{
		cfg:   cfg,
		creds: creds,
		spawn: SpawnExec,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start spawns the subprocess if it is not already running. It does
// not block on a protocol handshake; the process is considered
// connected once spawned.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && t.conn.alive() {
		return nil
	}
	return t.startLocked(ctx)
}

func (t *Transport) startLocked(ctx context.Context) error {
	env := []string{
		"CONTENTSTACK_API_KEY=" + t.creds.SourceKey,
	}
	if t.cfg.Region != "" {
		env = append(env, "CONTENTSTACK_REGION="+t.cfg.Region)
	}
	if t.cfg.Branch != "" {
		env = append(env, "CONTENTSTACK_BRANCH="+t.cfg.Branch)
	}
	if t.creds.ProjectID != "" {
		env = append(env, "CONTENTSTACK_PROJECT_ID="+t.creds.ProjectID)
	}

	proc, err := t.spawn(ctx, t.cfg.Command, t.cfg.Args, env)
	if err != nil {
		return fmt.Errorf("failed to spawn content-tool server: %w", err)
	}

	c := newConn(proc)
	go c.readLoop()
	t.conn = c

	slog.Info("Content-tool server started",
		"tenant", t.creds.TenantID,
		"command", t.cfg.Command,
	)
	return nil
}

// Alive reports whether the subprocess is running.
func (t *Transport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.alive()
}

// Close terminates the subprocess. All pending requests resolve with
// ErrConnection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	return nil
}

func (t *Transport) stopLocked() {
	if t.conn == nil {
		return
	}
	_ = t.conn.proc.Kill()
	t.conn.close()
	t.conn = nil
}

// Restart stops the subprocess, waits the configured grace period, and
// spawns a fresh one.
func (t *Transport) Restart(ctx context.Context) error {
	t.mu.Lock()
	t.stopLocked()
	t.mu.Unlock()

	time.Sleep(t.cfg.RestartGrace)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked(ctx)
}

// Call sends a request and waits for the matching response. When the
// response carries the corruption signature the process is restarted,
// re-validated with a tools/list call, and the request retried exactly
// once; a second failure surfaces ErrConnection.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	result, err := t.call(ctx, method, params)
	if err == nil || !isCorruptionError(err) {
		return result, err
	}

	slog.Warn("Content-tool state corrupted, restarting",
		"tenant", t.creds.TenantID,
		"method", method,
		"error", err,
	)

	if rerr := t.Restart(ctx); rerr != nil {
		return nil, fmt.Errorf("%w: restart after corruption failed: %v", ErrConnection, rerr)
	}
	if _, verr := t.call(ctx, methodListTools, struct{}{}); verr != nil {
		return nil, fmt.Errorf("%w: restarted process failed validation: %v", ErrConnection, verr)
	}

	return t.call(ctx, method, params)
}

// ListTools fetches the subprocess's advertised tool catalog.
func (t *Transport) ListTools(ctx context.Context) (json.RawMessage, error) {
	return t.Call(ctx, methodListTools, struct{}{})
}

// CallTool invokes one named tool.
func (t *Transport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return t.Call(ctx, methodCallTool, callParams{Name: name, Arguments: args})
}

func (t *Transport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.conn == nil || !t.conn.alive() {
		if err := t.startLocked(ctx); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
	}
	c := t.conn
	t.mu.Unlock()

	id := t.nextID.Add(1)
	ch, err := c.register(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer c.unregister(id)

	if err := c.send(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("%w: write failed: %v", ErrConnection, err)
	}

	timeout := t.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			if isCorruptionError(resp.Error) {
				return nil, fmt.Errorf("%w: %s", ErrProtocol, resp.Error.Message)
			}
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, method, timeout)
	case <-c.done:
		return nil, fmt.Errorf("%w: process exited", ErrConnection)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// conn is one subprocess generation. A restart discards the old conn
// wholesale, so pending requests can never be matched against a frame
// from a different process.
type conn struct {
	proc Process

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *response
	closed    bool

	done chan struct{}
}

func newConn(proc Process) *conn {
	return &conn{
		proc:    proc,
		pending: make(map[int64]chan *response),
		done:    make(chan struct{}),
	}
}

func (c *conn) alive() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return !c.closed
}

func (c *conn) register(id int64) (chan *response, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("connection closed")
	}
	ch := make(chan *response, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *conn) unregister(id int64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, id)
}

func (c *conn) send(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.proc.Stdin().Write(data)
	return err
}

// readLoop parses the output stream incrementally, one JSON frame per
// line, tolerating partial lines split across reads. Unparseable lines
// are skipped; the stream ending means the process exited.
func (c *conn) readLoop() {
	scanner := bufio.NewScanner(c.proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Debug("Skipping unparseable frame", "error", err)
			continue
		}
		if resp.ID == 0 {
			// Server-initiated notification; nothing to correlate.
			continue
		}

		c.dispatch(&resp)
	}

	c.close()
}

func (c *conn) dispatch(resp *response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		slog.Debug("Dropping response with no pending request", "id", resp.ID)
		return
	}
	ch <- resp
}

func (c *conn) close() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
