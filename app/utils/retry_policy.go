package utils

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"time"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns a default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// CalculateDelay calculates exponential backoff delay for retry attempt
func (r *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= r.MaxRetries {
		return r.MaxDelay
	}

	delay := time.Duration(math.Pow(2, float64(attempt))) * r.BaseDelay
	if delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}

// transientMarkers are matched case-insensitively against error messages
var transientMarkers = []string{
	// network / connection
	"network",
	"connection",
	"econnrefused",
	"econnreset",
	"socket",
	"eof",
	"dial",
	"broken pipe",
	"no such host",
	// timeouts
	"timeout",
	"timed out",
	"deadline exceeded",
	"etimedout",
	// rate limiting and overload
	"429",
	"502",
	"503",
	"504",
	"rate limit",
	"too many requests",
	// generic
	"temporary",
	"unavailable",
	"retry",
}

// IsTransientError reports whether err looks like a failure that may go
// away on its own. Typed network, EOF and deadline errors are recognised
// directly; anything else is matched on its message, where a marker only
// counts at the start of a word. The attempt number is accepted so the
// function can be used directly as a retry predicate.
func IsTransientError(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if containsWordPrefix(msg, marker) {
			return true
		}
	}
	return false
}

// containsWordPrefix reports whether marker occurs in msg at the start of a
// word, so "eof" matches "unexpected eof" but not "thereof"
func containsWordPrefix(msg, marker string) bool {
	for offset := 0; offset < len(msg); {
		i := strings.Index(msg[offset:], marker)
		if i < 0 {
			return false
		}
		pos := offset + i
		if pos == 0 || !isWordByte(msg[pos-1]) {
			return true
		}
		offset = pos + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}
