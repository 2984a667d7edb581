package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relay-svc/app/domains"
	"relay-svc/app/dto"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pendingCommand(id uuid.UUID) dto.CommandResponse {
	return dto.CommandResponse{CommandResult: &domains.CommandResult{CommandID: id, Status: domains.StatusPending}}
}

type fakeLister struct {
	mu     sync.Mutex
	lists  [][]dto.CommandResponse
	err    error
	calls  int
	limits []int
}

func (f *fakeLister) ListPending(_ context.Context, limit int) ([]dto.CommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.lists) == 0 {
		return nil, nil
	}
	next := f.lists[0]
	f.lists = f.lists[1:]
	return next, nil
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPullHandlerForwardsNonEmptyLists(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	lister := &fakeLister{lists: [][]dto.CommandResponse{
		{pendingCommand(first), pendingCommand(second)},
		{},
	}}
	h := NewPullHandler(lister, 5*time.Millisecond, 7, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan []dto.CommandResponse)
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, out) }()

	got := <-out
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].CommandID)
	assert.Equal(t, second, got[1].CommandID)

	require.Eventually(t, func() bool { return lister.callCount() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 7, lister.limits[0])
}

func TestPullHandlerKeepsPollingAfterErrors(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection refused")}
	h := NewPullHandler(lister, 5*time.Millisecond, 1, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h.RunFor(ctx, make(chan []dto.CommandResponse), time.Minute)

	assert.Greater(t, lister.callCount(), 2)
}

type fakeSubscriber struct {
	mu      sync.Mutex
	results []func() (<-chan []dto.CommandResponse, <-chan error, error)
	calls   int
}

func (f *fakeSubscriber) Subscribe(ctx context.Context) (<-chan []dto.CommandResponse, <-chan error, error) {
	f.mu.Lock()
	f.calls++
	var next func() (<-chan []dto.CommandResponse, <-chan error, error)
	if len(f.results) > 0 {
		next = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if next == nil {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return next()
}

func stream(lists ...[]dto.CommandResponse) func() (<-chan []dto.CommandResponse, <-chan error, error) {
	return func() (<-chan []dto.CommandResponse, <-chan error, error) {
		updates := make(chan []dto.CommandResponse, len(lists))
		errs := make(chan error, 1)
		for _, l := range lists {
			updates <- l
		}
		close(updates)
		errs <- errors.New("stream closed by server")
		close(errs)
		return updates, errs, nil
	}
}

func TestPushHandlerFallsBackToPollingAndResubscribes(t *testing.T) {
	polled, pushed := uuid.New(), uuid.New()
	lister := &fakeLister{lists: [][]dto.CommandResponse{{pendingCommand(polled)}}}
	subscriber := &fakeSubscriber{results: []func() (<-chan []dto.CommandResponse, <-chan error, error){
		func() (<-chan []dto.CommandResponse, <-chan error, error) {
			return nil, nil, errors.New("401 unauthorized")
		},
		stream([]dto.CommandResponse{}, []dto.CommandResponse{pendingCommand(pushed)}),
	}}

	h := NewPushHandler(subscriber, NewPullHandler(lister, time.Hour, 10, discardLogger()), discardLogger())
	h.baseDelay = 10 * time.Millisecond
	h.maxDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan []dto.CommandResponse)
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, out) }()

	first := <-out
	require.Len(t, first, 1)
	assert.Equal(t, polled, first[0].CommandID, "subscribe failure falls back to an immediate poll")

	second := <-out
	require.Len(t, second, 1)
	assert.Equal(t, pushed, second[0].CommandID, "empty pushed lists are not forwarded")

	cancel()
	assert.NoError(t, <-done)
	assert.GreaterOrEqual(t, subscriber.calls, 2)
}
