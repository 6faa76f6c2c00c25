package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/stackchat/pkg/config"
)

func testTransportConfig() config.TransportConfig {
	return config.TransportConfig{
		Command:        "fake",
		RequestTimeout: 2 * time.Second,
		RestartGrace:   5 * time.Millisecond,
		Branch:         "main",
	}
}

type pipeProc struct {
	stdinR, stdoutR *io.PipeReader
	stdinW, stdoutW *io.PipeWriter
	killed          atomic.Bool
}

func (p *pipeProc) Stdin() io.Writer  { return p.stdinW }
func (p *pipeProc) Stdout() io.Reader { return p.stdoutR }
func (p *pipeProc) Kill() error {
	p.killed.Store(true)
	_ = p.stdinW.Close()
	_ = p.stdoutW.Close()
	return nil
}

// handler receives each decoded request and writes raw frames to the
// transport through respond.
type handler func(req map[string]any, respond func(frame string))

func scriptedSpawner(t *testing.T, handlers ...handler) (Spawner, *atomic.Int32) {
	t.Helper()
	var spawns atomic.Int32

	return func(ctx context.Context, command string, args []string, env []string) (Process, error) {
		n := int(spawns.Add(1))
		h := handlers[len(handlers)-1]
		if n-1 < len(handlers) {
			h = handlers[n-1]
		}

		stdinR, stdinW := io.Pipe()
		stdoutR, stdoutW := io.Pipe()
		proc := &pipeProc{stdinR: stdinR, stdinW: stdinW, stdoutR: stdoutR, stdoutW: stdoutW}

		var writeMu sync.Mutex
		respond := func(frame string) {
			writeMu.Lock()
			defer writeMu.Unlock()
			_, _ = io.WriteString(stdoutW, frame)
		}

		go func() {
			scanner := bufio.NewScanner(stdinR)
			for scanner.Scan() {
				var req map[string]any
				if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
					continue
				}
				go h(req, respond)
			}
		}()

		return proc, nil
	}, &spawns
}

func reqID(req map[string]any) int64 {
	id, _ := req["id"].(float64)
	return int64(id)
}

func okFrame(id int64, result string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", id, result)
}

func TestCallMatchesReorderedResponses(t *testing.T) {
	var mu sync.Mutex
	var pending []int64

	// Hold the first two requests, then answer them in reverse order
	// with payloads naming their own id.
	spawn, _ := scriptedSpawner(t, func(req map[string]any, respond func(string)) {
		id := reqID(req)
		mu.Lock()
		pending = append(pending, id)
		ready := len(pending) == 2
		ids := append([]int64(nil), pending...)
		mu.Unlock()

		if ready {
			for i := len(ids) - 1; i >= 0; i-- {
				respond(okFrame(ids[i], fmt.Sprintf(`{"echo":%d}`, ids[i])))
			}
		}
	})

	tr := NewTransport(testTransportConfig(), Credentials{TenantID: "acme", SourceKey: "k"}, WithSpawner(spawn))
	defer tr.Close()

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := tr.Call(context.Background(), "tools/call", callParams{Name: "get_all_entries"})
			require.NoError(t, err)
			results[i] = string(raw)
		}()
	}
	wg.Wait()

	// Each caller got the payload carrying its own correlation id, so
	// both results are distinct despite the reversed arrival order.
	assert.NotEqual(t, results[0], results[1])
	for _, result := range results {
		assert.Contains(t, result, "echo")
	}
}

func TestCallTimeout(t *testing.T) {
	spawn, _ := scriptedSpawner(t, func(req map[string]any, respond func(string)) {
		// Never respond.
	})

	cfg := testTransportConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	tr := NewTransport(cfg, Credentials{TenantID: "acme", SourceKey: "k"}, WithSpawner(spawn))
	defer tr.Close()

	_, err := tr.ListTools(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCallAfterProcessExit(t *testing.T) {
	spawn, _ := scriptedSpawner(t, func(req map[string]any, respond func(string)) {})

	tr := NewTransport(testTransportConfig(), Credentials{TenantID: "acme", SourceKey: "k"}, WithSpawner(spawn))
	require.NoError(t, tr.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := tr.call(context.Background(), "tools/list", struct{}{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnection)
	case <-time.After(time.Second):
		t.Fatal("pending call did not resolve on close")
	}
}

func TestCallRestartsOnCorruptionAndRetriesOnce(t *testing.T) {
	corrupted := func(req map[string]any, respond func(string)) {
		respond(fmt.Sprintf(
			`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"Cannot read properties of undefined (reading 'uid')"}}`+"\n",
			reqID(req)))
	}
	healthy := func(req map[string]any, respond func(string)) {
		if req["method"] == "tools/list" {
			respond(okFrame(reqID(req), `{"tools":[]}`))
			return
		}
		respond(okFrame(reqID(req), `{"content":[{"type":"text","text":"recovered"}]}`))
	}

	spawn, spawns := scriptedSpawner(t, corrupted, healthy)

	tr := NewTransport(testTransportConfig(), Credentials{TenantID: "acme", SourceKey: "k"}, WithSpawner(spawn))
	defer tr.Close()

	raw, err := tr.CallTool(context.Background(), "get_all_entries", nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "recovered")
	assert.Equal(t, int32(2), spawns.Load(), "exactly one restart")
}

func TestCallSurfacesConnectionErrorWhenRetryFails(t *testing.T) {
	corrupted := func(req map[string]any, respond func(string)) {
		respond(fmt.Sprintf(
			`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"Cannot read properties of undefined (reading 'uid')"}}`+"\n",
			reqID(req)))
	}

	// Every generation is corrupted; after the single restart the
	// validation call fails and the error is terminal.
	spawn, spawns := scriptedSpawner(t, corrupted)

	tr := NewTransport(testTransportConfig(), Credentials{TenantID: "acme", SourceKey: "k"}, WithSpawner(spawn))
	defer tr.Close()

	_, err := tr.CallTool(context.Background(), "get_all_entries", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, int32(2), spawns.Load(), "no second restart")
}

func TestReadLoopToleratesPartialAndGarbageFrames(t *testing.T) {
	spawn, _ := scriptedSpawner(t, func(req map[string]any, respond func(string)) {
		frame := okFrame(reqID(req), `{"ok":true}`)
		// Garbage first, then the real frame split mid-JSON.
		respond("not json at all\n")
		respond(frame[:10])
		time.Sleep(10 * time.Millisecond)
		respond(frame[10:])
	})

	tr := NewTransport(testTransportConfig(), Credentials{TenantID: "acme", SourceKey: "k"}, WithSpawner(spawn))
	defer tr.Close()

	raw, err := tr.ListTools(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestNonCorruptRPCErrorsDoNotRestart(t *testing.T) {
	spawn, spawns := scriptedSpawner(t, func(req map[string]any, respond func(string)) {
		respond(fmt.Sprintf(
			`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"unknown tool"}}`+"\n",
			reqID(req)))
	})

	tr := NewTransport(testTransportConfig(), Credentials{TenantID: "acme", SourceKey: "k"}, WithSpawner(spawn))
	defer tr.Close()

	_, err := tr.CallTool(context.Background(), "bogus", nil)
	require.Error(t, err)

	var rpcErr *RPCError
	assert.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int32(1), spawns.Load())
}

func TestIsCorruptionError(t *testing.T) {
	assert.True(t, isCorruptionError(&RPCError{Message: "Cannot read properties of undefined (reading 'entries')"}))
	assert.True(t, isCorruptionError(errors.New("TypeError: undefined is not an object")))
	assert.False(t, isCorruptionError(errors.New("connection refused")))
	assert.False(t, isCorruptionError(nil))
}
