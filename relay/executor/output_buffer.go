package executor

import (
	"context"
	"io"
	"sync"
	"time"
)

// DefaultMaxOutputBytes caps each captured stream
const DefaultMaxOutputBytes = 4 << 20

// OutputBuffer captures stdout and stderr of a running command. The broker
// stores output cumulatively, so every flush carries everything captured
// so far rather than the bytes since the last flush.
type OutputBuffer struct {
	mu        sync.Mutex
	stdout    []byte
	stderr    []byte
	maxBytes  int
	truncated bool
	version   uint64

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewOutputBuffer creates a buffer holding at most maxBytes per stream.
// Bytes past the cap are dropped.
func NewOutputBuffer(maxBytes int) *OutputBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	return &OutputBuffer{maxBytes: maxBytes}
}

type streamWriter struct {
	buf    *OutputBuffer
	stderr bool
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.buf.append(w.stderr, p)
	return len(p), nil
}

// Stdout returns the writer for standard output
func (b *OutputBuffer) Stdout() io.Writer {
	return streamWriter{buf: b}
}

// Stderr returns the writer for standard error
func (b *OutputBuffer) Stderr() io.Writer {
	return streamWriter{buf: b, stderr: true}
}

func (b *OutputBuffer) append(stderr bool, p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	target := &b.stdout
	if stderr {
		target = &b.stderr
	}
	room := b.maxBytes - len(*target)
	if room <= 0 {
		b.truncated = true
		return
	}
	if len(p) > room {
		p = p[:room]
		b.truncated = true
	}
	*target = append(*target, p...)
	b.version++
}

// Snapshot returns the output captured so far and a version that changes
// whenever new output arrives
func (b *OutputBuffer) Snapshot() (stdout, stderr string, version uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.stdout), string(b.stderr), b.version
}

// Truncated reports whether output was dropped at the cap
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// StartFlushing calls flush with the cumulative output every interval, but
// only when output changed since the previous call. Stop ends the loop.
func (b *OutputBuffer) StartFlushing(ctx context.Context, interval time.Duration, flush func(ctx context.Context, stdout, stderr string)) {
	ctx, b.stop = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var flushed uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stdout, stderr, version := b.Snapshot()
				if version == flushed {
					continue
				}
				flush(ctx, stdout, stderr)
				flushed = version
			}
		}
	}()
}

// Stop ends the flush loop and waits for an in-flight flush to return
func (b *OutputBuffer) Stop() {
	if b.stop != nil {
		b.stop()
	}
	b.wg.Wait()
}
