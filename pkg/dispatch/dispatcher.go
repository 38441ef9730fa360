// Package dispatch runs the worker pool that turns webhook events into train
// operations. Events for the same (repository, branch) are serialized through
// the branch lease; distinct branches proceed in parallel.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mergebot/pkg/eventlog"
	"mergebot/pkg/logx"
	"mergebot/pkg/train"
	"mergebot/pkg/webhook"
)

// SyntheticBranchPrefix marks branches owned by the materializer. Events on
// them are folded back onto the underlying train branch.
const SyntheticBranchPrefix = "mergebot/train/"

// Handler processes one event under the branch lease.
type Handler interface {
	HandleEvent(ctx context.Context, lease *train.Lease, event webhook.Event) error
}

// Deduper filters replayed deliveries. A nil deduper disables filtering.
type Deduper interface {
	RecordDelivery(ctx context.Context, deliveryID, eventType string) (bool, error)
}

// EventRecorder counts processed events by outcome.
type EventRecorder interface {
	EventObserved(eventType, outcome string)
}

// Options tune the worker pool.
type Options struct {
	Workers       int
	QueueSize     int
	RetryAttempts int
	RetryBackoff  time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
}

// Dispatcher owns the event queue and worker goroutines.
type Dispatcher struct {
	handler Handler
	leases  *train.LeaseRegistry
	deduper Deduper
	journal *eventlog.Writer
	metrics EventRecorder
	logger  *logx.Logger
	opts    Options

	events   chan webhook.Event
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewDispatcher creates a stopped dispatcher. journal, deduper, and metrics
// may be nil.
func NewDispatcher(handler Handler, leases *train.LeaseRegistry, deduper Deduper, journal *eventlog.Writer, metrics EventRecorder, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		handler:  handler,
		leases:   leases,
		deduper:  deduper,
		journal:  journal,
		metrics:  metrics,
		logger:   logx.NewLogger("dispatcher"),
		opts:     opts,
		events:   make(chan webhook.Event, opts.QueueSize),
		shutdown: make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.logger.Info("started %d workers (queue %d)", d.opts.Workers, d.opts.QueueSize)
}

// Stop drains in-flight work and returns once all workers exited.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.shutdown)
	d.wg.Wait()
	d.logger.Info("stopped")
}

// Enqueue implements webhook.Sink. It never blocks; a full queue is an error
// so the webhook endpoint can answer 503 and let GitHub redeliver.
func (d *Dispatcher) Enqueue(event webhook.Event) error {
	select {
	case d.events <- event:
		return nil
	default:
		return fmt.Errorf("event queue full (%d)", d.opts.QueueSize)
	}
}

// QueueDepth reports the number of queued events.
func (d *Dispatcher) QueueDepth() int {
	return len(d.events)
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.shutdown:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case event := <-d.events:
					d.process(ctx, event)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.process(ctx, event)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, event webhook.Event) {
	outcome := "handled"
	defer func() {
		if d.metrics != nil {
			d.metrics.EventObserved(event.Type, outcome)
		}
	}()

	if d.deduper != nil && event.DeliveryID != "" {
		fresh, err := d.deduper.RecordDelivery(ctx, event.DeliveryID, event.Type)
		if err != nil {
			d.logger.Warn("dedup check failed for %s: %v", event.DeliveryID, err)
		} else if !fresh {
			d.logger.Debug("dropping replayed delivery %s", event.DeliveryID)
			outcome = "duplicate"
			return
		}
	}

	if d.journal != nil {
		_ = d.journal.Write(&eventlog.Entry{
			Kind:         eventlog.KindDelivery,
			RepositoryID: event.RepositoryID,
			Branch:       event.Branch,
			PullNumber:   event.PullNumber,
			EventType:    event.Type,
			Detail:       event.Action,
		})
	}

	branch := TrainBranch(event.Branch)
	if branch == "" {
		outcome = "ignored"
		return
	}

	err := d.withRetry(ctx, func() error {
		return d.leases.Do(ctx, event.RepositoryID, branch, func(lease *train.Lease) error {
			return d.handler.HandleEvent(ctx, lease, event)
		})
	})
	if err != nil {
		outcome = "failed"
		d.logger.Error("giving up on %s delivery %s for %s: %v",
			event.Type, event.DeliveryID, train.StateKey(event.RepositoryID, branch), err)
	}
}

// withRetry runs fn with bounded exponential backoff. The last error wins.
func (d *Dispatcher) withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := d.opts.RetryBackoff
	for attempt := 0; attempt < d.opts.RetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == d.opts.RetryAttempts-1 {
			break
		}
		d.logger.Warn("attempt %d failed, retrying in %s: %v", attempt+1, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// TrainBranch maps an event branch to the train branch it belongs to.
// Synthetic branches ("mergebot/train/<branch>/<pull>") fold back onto
// <branch>; empty branches map to empty.
func TrainBranch(branch string) string {
	if !strings.HasPrefix(branch, SyntheticBranchPrefix) {
		return branch
	}
	rest := strings.TrimPrefix(branch, SyntheticBranchPrefix)
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 {
		return ""
	}
	return rest[:idx]
}
