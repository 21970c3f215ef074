package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: pending events held before Emit starts dropping (default 1024).
//   - MaxBatchEvents: flush as soon as a batch reaches this size (default 256).
//   - MaxBatchWait: flush a partial batch after this long (default 250ms).
//   - SinkTimeout: deadline for each sink call (default 5s).
//   - BaseContext: parent of every sink context (default context.Background()).
//   - Logger: receives drop and sink failure warnings.
type Config struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`

	BaseContext context.Context `mapstructure:"-"`
	Logger      *zap.Logger     `mapstructure:"-"`
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches lifecycle events and fans them out to sinks. It is safe for
// concurrent use and Emit never blocks.
type Hub struct {
	cfg    Config
	sinks  []Sink
	in     chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped   atomic.Int64
	lastDrop  atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		in:     make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events are discarded, and when the buffer is full
// the event is dropped with a rate-limited warning.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid lifecycle event", zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
	default:
		h.dropped.Add(1)
		h.maybeLogDrops(time.Now())
	}
}

// Close stops accepting events, flushes what is buffered, closes the sinks,
// and waits for the background goroutine or ctx, whichever comes first.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) maybeLogDrops(now time.Time) {
	last := h.lastDrop.Load()
	if now.UnixNano()-last < dropLogInterval.Nanoseconds() {
		return
	}
	if !h.lastDrop.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("lifecycle events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}

func (h *Hub) loop() {
	defer close(h.done)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var deadline <-chan time.Time
	var timer *time.Timer

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		h.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-h.in:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				flush()
			} else if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			timer, deadline = nil, nil
			flush()
		case <-h.stop:
		drain:
			for {
				select {
				case evt := <-h.in:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					break drain
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	snapshot := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.logger.Warn("event sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}

// Recorder is an Emitter that keeps every event in memory. It backs tests and
// the CLI, where no sinks are configured.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stages returns the recorded stages in order.
func (r *Recorder) Stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Stage
	}
	return out
}

var (
	_ Emitter = (*Hub)(nil)
	_ Emitter = (*Recorder)(nil)
)
