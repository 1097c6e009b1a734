// Package gpio provides edge-triggered GPIO event sources and level reads
// with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"errors"
	"time"
)

// Edge selects which line transitions are reported.
type Edge int

const (
	EdgeRising Edge = iota + 1
	EdgeFalling
	EdgeBoth
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	}
	return "unknown"
}

// Bias selects the internal pull resistor for requested lines.
type Bias string

const (
	BiasPullUp   Bias = "pull-up"
	BiasPullDown Bias = "pull-down"
	BiasDisabled Bias = "disabled"
)

// Event is a single edge observed on a watched pin.
type Event struct {
	Pin  int
	Edge Edge // EdgeRising or EdgeFalling, never EdgeBoth
	Time time.Time
}

// Handler is invoked on the pin's watcher goroutine for every edge.
// Consecutive edges are delivered back-to-back, so handlers touching
// shared state must do their own locking.
type Handler func(Event)

// ErrAlreadyWatched is returned when a pin already has a registered handler.
var ErrAlreadyWatched = errors.New("gpio: pin already watched")

// ErrNotWatched is returned when releasing a pin that has no watch.
var ErrNotWatched = errors.New("gpio: pin not watched")

// EdgeSource delivers edge events for watched pins.
type EdgeSource interface {
	// Watch registers handler for edges on pin. Only one watch per pin
	// is allowed; a second registration fails without side effects.
	Watch(pin int, edge Edge, handler Handler) (*Watch, error)
}

// LevelReader reads the instantaneous level of a pin (true = high).
type LevelReader interface {
	Level(pin int) (bool, error)
}

// Watch is the handle for one registered pin watch.
type Watch struct {
	pin     int
	edge    Edge
	release func(pin int) error
}

// Pin returns the watched pin.
func (w *Watch) Pin() int { return w.pin }

// Edge returns the edge mode the pin was registered with.
func (w *Watch) Edge() Edge { return w.edge }

// Close stops the watch and blocks until its watcher goroutine has exited.
func (w *Watch) Close() error {
	return w.release(w.pin)
}
