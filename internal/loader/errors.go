package loader

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// isRetryableError reports whether a batch insert failure is worth
// retrying. Timeouts, dropped connections, and transient warehouse
// states qualify; cancellation and SQL-level failures do not.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}

	// Fallback for errors already flattened into strings by drivers.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"temporarily unavailable",
		"too many connections",
		"deadlock",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
