package gpio

import (
	"errors"
	"sync"
	"time"
)

// Fake is a test double implementing EdgeSource and LevelReader.
// Edges are injected with Emit; levels are scripted with SetLevel.
type Fake struct {
	mu      sync.Mutex
	watches map[int]*dispatcher
	edges   map[int]Edge
	levels  map[int]bool

	// LevelError, if set, will be returned by Level()
	LevelError error

	// Closed tracks if Close was called
	Closed bool
}

// NewFake creates a Fake with no watches and all levels low.
func NewFake() *Fake {
	return &Fake{
		watches: make(map[int]*dispatcher),
		edges:   make(map[int]Edge),
		levels:  make(map[int]bool),
	}
}

// Watch registers handler for pin.
func (f *Fake) Watch(pin int, edge Edge, handler Handler) (*Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.watches[pin]; ok {
		return nil, ErrAlreadyWatched
	}
	f.watches[pin] = newDispatcher(pin, handler)
	f.edges[pin] = edge
	return &Watch{pin: pin, edge: edge, release: f.release}, nil
}

func (f *Fake) release(pin int) error {
	f.mu.Lock()
	d, ok := f.watches[pin]
	delete(f.watches, pin)
	delete(f.edges, pin)
	f.mu.Unlock()

	if !ok {
		return ErrNotWatched
	}
	d.stop()
	return nil
}

// Watched reports whether pin currently has a watch.
func (f *Fake) Watched(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.watches[pin]
	return ok
}

// Emit delivers an edge on pin and waits until the handler has returned.
// Like the hardware, edges not matching the watch's mode are not reported.
// Returns false if nothing was delivered.
func (f *Fake) Emit(pin int, edge Edge) bool {
	f.mu.Lock()
	d, ok := f.watches[pin]
	mode := f.edges[pin]
	f.mu.Unlock()
	if !ok {
		return false
	}
	if mode != EdgeBoth && mode != edge {
		return false
	}

	ack := make(chan struct{})
	if !d.post(envelope{ev: Event{Pin: pin, Edge: edge, Time: time.Now()}, ack: ack}) {
		return false
	}
	select {
	case <-ack:
		return true
	case <-d.done:
		return false
	}
}

// Pulse emits a falling edge followed by a rising edge.
func (f *Fake) Pulse(pin int) {
	f.Emit(pin, EdgeFalling)
	f.Emit(pin, EdgeRising)
}

// SetLevel scripts the level returned by Level for pin.
func (f *Fake) SetLevel(pin int, high bool) {
	f.mu.Lock()
	f.levels[pin] = high
	f.mu.Unlock()
}

// Level returns the scripted level for pin.
func (f *Fake) Level(pin int) (bool, error) {
	if f.LevelError != nil {
		return false, f.LevelError
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin], nil
}

// Close stops every watch.
func (f *Fake) Close() error {
	f.mu.Lock()
	pins := make([]int, 0, len(f.watches))
	for pin := range f.watches {
		pins = append(pins, pin)
	}
	f.mu.Unlock()

	var errs []error
	for _, pin := range pins {
		if err := f.release(pin); err != nil {
			errs = append(errs, err)
		}
	}
	f.Closed = true
	return errors.Join(errs...)
}
