package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergebot/pkg/train"
	"mergebot/pkg/webhook"
)

type fakeHandler struct {
	mu       sync.Mutex
	events   []webhook.Event
	failures int // number of initial calls that fail
	calls    int
	done     chan webhook.Event
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{done: make(chan webhook.Event, 16)}
}

func (h *fakeHandler) HandleEvent(_ context.Context, lease *train.Lease, event webhook.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if !lease.Held() {
		return errors.New("lease not held")
	}
	if h.calls <= h.failures {
		return errors.New("transient failure")
	}
	h.events = append(h.events, event)
	h.done <- event
	return nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *fakeDeduper) RecordDelivery(_ context.Context, deliveryID, _ string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[deliveryID] {
		return false, nil
	}
	d.seen[deliveryID] = true
	return true, nil
}

func testEvent(delivery string) webhook.Event {
	return webhook.Event{
		ID:           "ev-" + delivery,
		DeliveryID:   delivery,
		Type:         webhook.TypePullRequest,
		Action:       "labeled",
		RepositoryID: 42,
		Repository:   "acme/widgets",
		Branch:       "main",
		PullNumber:   7,
	}
}

func waitFor(t *testing.T, ch <-chan webhook.Event) webhook.Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return webhook.Event{}
	}
}

func TestDispatcherProcessesEvents(t *testing.T) {
	handler := newFakeHandler()
	d := NewDispatcher(handler, train.NewLeaseRegistry(), nil, nil, nil, Options{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Enqueue(testEvent("d1")))
	got := waitFor(t, handler.done)
	assert.Equal(t, "d1", got.DeliveryID)
	assert.Equal(t, 7, got.PullNumber)
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	handler := newFakeHandler()
	handler.failures = 2
	d := NewDispatcher(handler, train.NewLeaseRegistry(), nil, nil, nil, Options{
		Workers:       1,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Enqueue(testEvent("d1")))
	waitFor(t, handler.done)
	assert.Equal(t, 3, handler.callCount())
}

func TestDispatcherDropsDuplicateDeliveries(t *testing.T) {
	handler := newFakeHandler()
	d := NewDispatcher(handler, train.NewLeaseRegistry(), &fakeDeduper{}, nil, nil, Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	require.NoError(t, d.Enqueue(testEvent("d1")))
	require.NoError(t, d.Enqueue(testEvent("d1")))
	require.NoError(t, d.Enqueue(testEvent("d2")))

	first := waitFor(t, handler.done)
	second := waitFor(t, handler.done)
	d.Stop()

	assert.Equal(t, "d1", first.DeliveryID)
	assert.Equal(t, "d2", second.DeliveryID)
	assert.Equal(t, 2, handler.callCount())
}

func TestDispatcherQueueFull(t *testing.T) {
	handler := newFakeHandler()
	// Not started: nothing drains the queue.
	d := NewDispatcher(handler, train.NewLeaseRegistry(), nil, nil, nil, Options{QueueSize: 1})

	require.NoError(t, d.Enqueue(testEvent("d1")))
	err := d.Enqueue(testEvent("d2"))
	assert.ErrorContains(t, err, "queue full")
	assert.Equal(t, 1, d.QueueDepth())
}

func TestDispatcherStopDrainsQueue(t *testing.T) {
	handler := newFakeHandler()
	d := NewDispatcher(handler, train.NewLeaseRegistry(), nil, nil, nil, Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, d.Enqueue(testEvent(id)))
	}
	d.Start(ctx)
	d.Stop()

	assert.Equal(t, 3, handler.callCount())
	assert.Equal(t, 0, d.QueueDepth())
}

func TestTrainBranch(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"main", "main"},
		{"release/1.0", "release/1.0"},
		{"mergebot/train/main/7", "main"},
		{"mergebot/train/release/1.0/12", "release/1.0"},
		{"mergebot/train/", ""},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, TrainBranch(tc.in), tc.in)
	}
}
