package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Network timeout", true},
		{"dial tcp 10.0.0.1:8080: connect: connection refused", true},
		{"read: ECONNRESET", true},
		{"unexpected EOF", true},
		{"context deadline exceeded", true},
		{"HTTP 503: Service Unavailable", true},
		{"status 429", true},
		{"Too Many Requests", true},
		{"temporary failure in name resolution", true},
		{"please retry later", true},
		{"Invalid machine ID format", false},
		{"SSH target requires targetHost and targetUsername", false},
		{"Command not found", false},
		{"too many connections", true},
		{"radial offset out of range", false},
		{"see the notes thereof", false},
		{"status 14290", false},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(errors.New(tt.msg), 1))
		})
	}

	assert.False(t, IsTransientError(nil, 1))
}

func TestIsTransientErrorRecognisesTypedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"wrapped EOF", fmt.Errorf("read response: %w", io.EOF)},
		{"unexpected EOF", fmt.Errorf("decode: %w", io.ErrUnexpectedEOF)},
		{"deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded)},
		{"op error", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("reset by peer")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, IsTransientError(tt.err, 1))
		})
	}
}

func TestRetryPolicyCalculateDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, time.Second, p.CalculateDelay(0))
	assert.Equal(t, 2*time.Second, p.CalculateDelay(1))
	assert.Equal(t, 16*time.Second, p.CalculateDelay(4))
	assert.Equal(t, 30*time.Second, p.CalculateDelay(5))
	assert.Equal(t, 30*time.Second, p.CalculateDelay(100))
	assert.Equal(t, time.Second, p.CalculateDelay(-3))
}
