package notification

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
)

const (
	defaultQueueSize   = 256
	defaultWorkers     = 2
	defaultSendTimeout = 10 * time.Second
)

// Dispatcher queues messages and sends them from a fixed pool of workers.
// Notify never blocks: when the queue is full the message is dropped and a
// warning is logged.
type Dispatcher struct {
	gateway     Gateway
	driver      string
	logger      *zap.Logger
	metrics     *observability.Metrics
	queue       chan Message
	workers     int
	sendTimeout time.Duration

	startOnce sync.Once
	wg        sync.WaitGroup

	// mu guards closed against Notify racing the channel close.
	mu     sync.RWMutex
	closed bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Message, n)
		}
	}
}

// WithWorkers sets the number of sending goroutines.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithSendTimeout bounds each gateway call.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithDispatcherMetrics sets the metrics sink.
func WithDispatcherMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher over gateway. Call Start before Notify
// to begin sending; messages queued earlier wait for Start.
func NewDispatcher(gateway Gateway, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		gateway:     gateway,
		driver:      driverName(gateway),
		logger:      zap.NewNop(),
		queue:       make(chan Message, defaultQueueSize),
		workers:     defaultWorkers,
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers. They exit once Close drains the queue.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for range d.workers {
			d.wg.Add(1)
			go d.run()
		}
	})
}

// Notify enqueues msg without blocking.
func (d *Dispatcher) Notify(_ context.Context, msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.RecordNotification(d.driver, "dropped")
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.metrics.RecordNotification(d.driver, "dropped")
		d.logger.Warn("notification queue full, dropping message",
			zap.String("event_type", msg.EventType),
			zap.String("recipient", msg.Recipient),
		)
	}
}

// Close stops accepting messages and waits for queued ones to be sent or
// for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.Start()

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

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.send(msg)
	}
}

func (d *Dispatcher) send(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "notification.send",
		observability.AttrDriver.String(d.driver),
	)
	err := d.gateway.Send(ctx, msg)
	observability.EndSpanWithError(span, err)

	if err != nil {
		d.metrics.RecordNotification(d.driver, "failed")
		d.logger.Warn("notification delivery failed",
			zap.String("driver", d.driver),
			zap.String("event_type", msg.EventType),
			zap.String("recipient", msg.Recipient),
			zap.Error(err),
		)
		return
	}
	d.metrics.RecordNotification(d.driver, "sent")
}
