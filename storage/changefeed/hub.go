// Package changefeed fans out "pending set changed" signals per machine id.
package changefeed

import (
	"context"
	"sync"
)

// Hub delivers coalesced change signals to watchers of a machine id.
// Publish never blocks: a watcher that has not consumed the previous
// signal simply sees one signal for both changes.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[chan struct{}]struct{})}
}

// Watch registers a watcher for machineID until ctx is done
func (h *Hub) Watch(ctx context.Context, machineID string) <-chan struct{} {
	internal := make(chan struct{}, 1)
	out := make(chan struct{})

	h.mu.Lock()
	set, ok := h.watchers[machineID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.watchers[machineID] = set
	}
	set[internal] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer close(out)
		defer h.remove(machineID, internal)
		for {
			select {
			case <-ctx.Done():
				return
			case <-internal:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Publish signals every watcher of machineID
func (h *Hub) Publish(machineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers[machineID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PublishAll signals every watcher of every machine. Used after a
// notification stream reconnects and changes may have been missed.
func (h *Hub) PublishAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.watchers {
		for ch := range set {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Watchers returns the number of active watchers for machineID
func (h *Hub) Watchers(machineID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[machineID])
}

func (h *Hub) remove(machineID string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.watchers[machineID]
	delete(set, ch)
	if len(set) == 0 {
		delete(h.watchers, machineID)
	}
}
