package mcp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnection reports that the subprocess failed to start, exited,
	// or could not be recovered by a restart.
	ErrConnection = errors.New("content-tool connection failed")

	// ErrTimeout reports that no matching response arrived within the
	// request timeout.
	ErrTimeout = errors.New("content-tool request timed out")

	// ErrProtocol reports a malformed or corrupted response frame.
	ErrProtocol = errors.New("content-tool protocol error")
)

// RPCError is an error object returned by the subprocess for a request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("tool server error %d: %s", e.Code, e.Message)
}

// corruptionSignatures are the known error-text shapes the subprocess
// emits once its internal state is broken. Detection is substring-based
// because the server reports corruption as a plain message, not a
// structured code; keeping it behind this one predicate lets the
// strategy change without touching the retry logic.
var corruptionSignatures = []string{
	"cannot read properties of undefined",
	"cannot read property",
	"undefined is not an object",
}

// isCorruptionError reports whether err carries the subprocess
// corruption signature that warrants a restart-and-retry.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range corruptionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
