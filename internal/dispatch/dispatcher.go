// Package dispatch decouples webhook intake from build launching. The
// gateway enqueues normalized events and returns immediately; a small
// worker pool drains the queue and hands events to the launcher.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quickpay/review-apps/internal/builder"
	"github.com/quickpay/review-apps/internal/metrics"
	"github.com/quickpay/review-apps/internal/model"
)

// Handler processes one dispatched event.
type Handler interface {
	HandleEvent(ctx context.Context, event model.BranchEvent) error
}

// Dispatcher is a bounded in-memory event queue with a fixed worker
// pool. Enqueue never blocks: when the queue is full the event is
// dropped and counted, trading delivery for webhook latency.
type Dispatcher struct {
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Metrics

	queue   chan model.BranchEvent
	timeout time.Duration

	wg        sync.WaitGroup
	closeMu   sync.RWMutex
	closeOnce sync.Once
	closed    bool
}

// NewDispatcher creates a dispatcher with the given queue size and
// worker count and starts the workers. The metrics argument may be nil.
func NewDispatcher(handler Handler, queueSize, workers int, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}

	d := &Dispatcher{
		handler: handler,
		logger:  logger,
		metrics: m,
		queue:   make(chan model.BranchEvent, queueSize),
		timeout: timeout,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run(i)
	}

	return d
}

// Enqueue queues an event for processing. It returns false when the
// queue is full or the dispatcher is closed; the event is dropped.
func (d *Dispatcher) Enqueue(event model.BranchEvent) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()

	if d.closed {
		return false
	}

	select {
	case d.queue <- event:
		if d.metrics != nil {
			d.metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		}
		return true
	default:
		if d.metrics != nil {
			d.metrics.DispatchDroppedTotal.Inc()
		}
		d.logger.Warn("Dispatch queue full, dropping event",
			zap.String("kind", string(event.Kind)),
			zap.String("branch", event.SourceBranch),
			zap.String("delivery_id", event.DeliveryID),
		)
		return false
	}
}

// Close stops accepting events and waits for the workers to drain the
// queue, bounded by the given context.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeMu.Lock()
		d.closed = true
		d.closeMu.Unlock()
		close(d.queue)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(worker int) {
	defer d.wg.Done()

	for event := range d.queue {
		if d.metrics != nil {
			d.metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		}
		d.process(worker, event)
	}
}

func (d *Dispatcher) process(worker int, event model.BranchEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.handler.HandleEvent(ctx, event)
	switch {
	case err == nil:
	case errors.Is(err, builder.ErrAlreadyInProgress):
		// Expected under concurrent deliveries, not a failure
		d.logger.Info("Event skipped, branch already building",
			zap.Int("worker", worker),
			zap.String("branch", event.SourceBranch),
			zap.String("delivery_id", event.DeliveryID),
		)
	default:
		d.logger.Error("Failed to process event",
			zap.Int("worker", worker),
			zap.String("kind", string(event.Kind)),
			zap.String("branch", event.SourceBranch),
			zap.String("delivery_id", event.DeliveryID),
			zap.Error(err),
		)
	}
}
