package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/metrics"
)

// DefaultQueueSize is used when the configured queue size is not positive
const DefaultQueueSize = 256

// Config holds the dispatcher configuration
type Config struct {
	QueueSize       int           // Events buffered before Emit starts dropping
	DeliveryTimeout time.Duration // Per-sink deadline for one event
	ShutdownTimeout time.Duration // Time to wait for the queue to drain on Stop
}

// Dispatcher delivers events to its sinks from a single background worker
type Dispatcher struct {
	config  Config
	sinks   []Sink
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	closed  bool
	queue   chan Event
	doneCh  chan struct{}
}

// NewDispatcher creates a dispatcher. Events emitted before Start are
// buffered; events emitted after Stop are dropped.
func NewDispatcher(config Config, log *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		config:  config,
		sinks:   sinks,
		log:     log,
		metrics: m,
		queue:   make(chan Event, config.QueueSize),
		doneCh:  make(chan struct{}),
	}
}

// Emit queues e for delivery, dropping it when the queue is full
func (d *Dispatcher) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.drop(e, "dispatcher stopped")
		return
	}
	select {
	case d.queue <- e:
		d.metrics.RecordEvent(string(e.Type), false)
	default:
		d.drop(e, "queue full")
	}
}

func (d *Dispatcher) drop(e Event, reason string) {
	d.metrics.RecordEvent(string(e.Type), true)
	d.log.Warn("dropping event",
		zap.String("type", string(e.Type)),
		zap.String("package", e.Package),
		zap.String("version", e.Version),
		zap.String("reason", reason))
}

// Start begins delivering events
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher stopped")
	}
	d.running = true
	d.mu.Unlock()

	d.log.Info("starting event dispatcher", zap.Int("sinks", len(d.sinks)))

	go d.loop(context.WithoutCancel(ctx))
	return nil
}

// Stop stops accepting events and waits for queued ones to be delivered
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not running")
	}
	d.running = false
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.doneCh:
		d.log.Info("event dispatcher stopped")
	case <-time.After(d.config.ShutdownTimeout):
		d.log.Warn("event dispatcher shutdown timeout reached", zap.Int("pending", len(d.queue)))
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.doneCh)
	for e := range d.queue {
		d.deliver(ctx, e)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, sink := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
		err := sink.Handle(sctx, e)
		cancel()
		if err != nil {
			d.metrics.RecordEventSinkFailure(sink.Name())
			d.log.Error("event delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("type", string(e.Type)),
				zap.String("package", e.Package),
				zap.Error(err))
		}
	}
}
