package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// Process abstracts the spawned content-tool subprocess so the
// transport can be exercised against in-memory pipes in tests.
type Process interface {
	// Stdin is the subprocess input stream.
	Stdin() io.Writer

	// Stdout is the subprocess output stream. It reaches EOF when the
	// process exits.
	Stdout() io.Reader

	// Kill terminates the subprocess and releases its resources.
	Kill() error
}

// Spawner launches a subprocess with the given environment appended to
// the parent environment.
type Spawner func(ctx context.Context, command string, args []string, env []string) (Process, error)

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Kill() error {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	// Reap the child; the error is expected after Kill.
	_ = p.cmd.Wait()
	return nil
}

// SpawnExec is the default Spawner, launching the command via os/exec
// with stderr forwarded to the operator log at debug level.
func SpawnExec(ctx context.Context, command string, args []string, env []string) (Process, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	go forwardStderr(command, stderr)

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func forwardStderr(command string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("content-tool stderr", "command", command, "line", scanner.Text())
	}
}
