// Package events routes event-source emissions to registered handlers and
// channel subscribers. The automation engine registers as a handler; internal
// components subscribe to individual sources.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/pkg/models"
)

// subscriberBuffer bounds how far a subscriber may lag before events are
// dropped for it.
const subscriberBuffer = 16

// Handler consumes every published event synchronously. Errors are logged,
// not propagated to the publisher.
type Handler func(ctx context.Context, evt models.Event) error

// Source is a feed that publishes into the dispatcher. The daemon starts
// and stops sources alongside its other components.
type Source interface {
	ID() string
	Start(ctx context.Context) error
	Stop()
}

// Dispatcher fans published events out to handlers and subscribers.
type Dispatcher struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	closed   bool
	handlers []Handler
	subs     map[string][]chan models.Event
	sources  []Source
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *observability.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the dispatcher metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: observability.NewLogger(observability.LogConfig{}),
		now:    time.Now,
		subs:   map[string][]chan models.Event{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddHandler registers a handler invoked for every published event.
// Handlers run synchronously in registration order.
func (d *Dispatcher) AddHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Subscribe returns a channel receiving events published on one source.
// Slow consumers lose events rather than blocking Publish. The channel is
// closed by Close.
func (d *Dispatcher) Subscribe(source string) <-chan models.Event {
	ch := make(chan models.Event, subscriberBuffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
		return ch
	}
	d.subs[source] = append(d.subs[source], ch)
	return ch
}

// AddSource registers a feed for lifecycle management.
func (d *Dispatcher) AddSource(s Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = append(d.sources, s)
}

// StartSources starts all registered sources. The first failure stops any
// already-started sources and is returned.
func (d *Dispatcher) StartSources(ctx context.Context) error {
	d.mu.RLock()
	sources := append([]Source(nil), d.sources...)
	d.mu.RUnlock()

	for i, s := range sources {
		if err := s.Start(ctx); err != nil {
			for _, started := range sources[:i] {
				started.Stop()
			}
			return fmt.Errorf("failed to start event source %s: %w", s.ID(), err)
		}
		d.logger.Info(ctx, "event source started", "source", s.ID())
	}
	return nil
}

// StopSources stops all registered sources.
func (d *Dispatcher) StopSources() {
	d.mu.RLock()
	sources := append([]Source(nil), d.sources...)
	d.mu.RUnlock()

	for _, s := range sources {
		s.Stop()
	}
}

// Publish delivers evt to every handler synchronously and to the source's
// subscribers without blocking. A zero timestamp is stamped with now.
func (d *Dispatcher) Publish(ctx context.Context, evt models.Event) {
	if evt.Source == "" {
		d.logger.Warn(ctx, "dropping event without source")
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = d.now().UTC()
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	handlers := append([]Handler(nil), d.handlers...)
	subs := append([]chan models.Event(nil), d.subs[evt.Source]...)
	d.mu.RUnlock()

	if d.metrics != nil {
		d.metrics.EventsDispatched.WithLabelValues(evt.Source).Inc()
	}

	for _, h := range handlers {
		if err := d.callHandler(ctx, h, evt); err != nil {
			d.logger.Warn(ctx, "event handler failed", "source", evt.Source, "error", err)
		}
	}

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			d.logger.Warn(ctx, "subscriber lagging, dropping event", "source", evt.Source)
		}
	}
}

func (d *Dispatcher) callHandler(ctx context.Context, h Handler, evt models.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("event handler panic: %v", p)
		}
	}()
	return h(ctx, evt)
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, chans := range d.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	d.subs = map[string][]chan models.Event{}
}
