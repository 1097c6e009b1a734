// Package debounce suppresses contact bounce on edge-triggered pins.
//
// A Debouncer accepts an edge only when more than the grace period has
// elapsed since the last accepted edge. Accepted edges invoke the callback
// while the debouncer's lock is held, so callbacks for one pin never overlap
// and are observed in order.
package debounce

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/dialtone/internal/gpio"
	"github.com/sweeney/dialtone/internal/metrics"
)

// Callback receives the pin of every accepted edge.
type Callback func(pin int)

// Debouncer wraps one pin of an EdgeSource.
type Debouncer struct {
	src      gpio.EdgeSource
	pin      int
	grace    time.Duration
	callback Callback
	now      func() time.Time
	log      logrus.FieldLogger

	mu           sync.Mutex
	lastAccepted time.Time
	watch        *gpio.Watch
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Debouncer) { d.now = now }
}

// WithLogger sets the logger used for dropped-edge traces.
func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Debouncer) { d.log = log }
}

// New creates a Debouncer for pin. Nothing is registered until Arm.
func New(src gpio.EdgeSource, pin int, grace time.Duration, callback Callback, opts ...Option) *Debouncer {
	d := &Debouncer{
		src:      src,
		pin:      pin,
		grace:    grace,
		callback: callback,
		now:      time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithField("pin", pin)
	return d
}

// Pin returns the debounced pin.
func (d *Debouncer) Pin() int { return d.pin }

// Arm registers the debouncer with its edge source. The arm time counts as
// the last accepted edge, so an edge caused by start-up itself is dropped.
func (d *Debouncer) Arm(edge gpio.Edge) error {
	d.mu.Lock()
	if d.watch != nil {
		d.mu.Unlock()
		return fmt.Errorf("arm pin %d: %w", d.pin, gpio.ErrAlreadyWatched)
	}
	d.lastAccepted = d.now()
	d.mu.Unlock()

	w, err := d.src.Watch(d.pin, edge, d.handle)
	if err != nil {
		return fmt.Errorf("arm pin %d: %w", d.pin, err)
	}

	d.mu.Lock()
	d.watch = w
	d.mu.Unlock()
	d.log.WithField("edge", edge).Debug("debouncer armed")
	return nil
}

// Stop unregisters the watch. Calling Stop on an unarmed debouncer is a no-op.
func (d *Debouncer) Stop() error {
	d.mu.Lock()
	w := d.watch
	d.watch = nil
	d.mu.Unlock()

	if w == nil {
		return nil
	}
	// Close waits for the watcher goroutine, which may be blocked on d.mu
	// inside handle, so it must run unlocked.
	if err := w.Close(); err != nil {
		return fmt.Errorf("stop pin %d: %w", d.pin, err)
	}
	return nil
}

func (d *Debouncer) handle(ev gpio.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.lastAccepted) <= d.grace {
		metrics.GPIOEdgesDropped.WithLabelValues(metrics.PinLabel(d.pin)).Inc()
		d.log.WithField("edge", ev.Edge).Trace("edge dropped")
		return
	}
	d.callback(d.pin)
	d.lastAccepted = now
}
