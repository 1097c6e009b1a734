//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "dialtone"

type watchedLine struct {
	line *gpiocdev.Line
	d    *dispatcher
}

// Chip watches and reads lines on a Linux GPIO character device.
type Chip struct {
	chip *gpiocdev.Chip
	bias Bias

	mu      sync.Mutex
	watches map[int]*watchedLine
	inputs  map[int]*gpiocdev.Line
}

// Open opens the named GPIO chip (e.g. "gpiochip0").
func Open(name string, bias Bias) (*Chip, error) {
	chip, err := gpiocdev.NewChip(name, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &Chip{
		chip:    chip,
		bias:    bias,
		watches: make(map[int]*watchedLine),
		inputs:  make(map[int]*gpiocdev.Line),
	}, nil
}

func (c *Chip) biasOption() gpiocdev.LineReqOption {
	switch c.bias {
	case BiasPullDown:
		return gpiocdev.WithPullDown
	case BiasDisabled:
		return gpiocdev.WithBiasDisabled
	}
	return gpiocdev.WithPullUp
}

func edgeOption(edge Edge) (gpiocdev.LineReqOption, error) {
	switch edge {
	case EdgeRising:
		return gpiocdev.WithRisingEdge, nil
	case EdgeFalling:
		return gpiocdev.WithFallingEdge, nil
	case EdgeBoth:
		return gpiocdev.WithBothEdges, nil
	}
	return nil, fmt.Errorf("invalid edge mode %d", edge)
}

// Watch requests pin with edge detection. The kernel queues edges for the
// request, and a fresh request carries no stale events, so registration
// never fires spuriously.
func (c *Chip) Watch(pin int, edge Edge, handler Handler) (*Watch, error) {
	edgeOpt, err := edgeOption(edge)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.watches[pin]; ok {
		return nil, ErrAlreadyWatched
	}
	if _, ok := c.inputs[pin]; ok {
		return nil, ErrAlreadyWatched
	}

	d := newDispatcher(pin, handler)
	line, err := c.chip.RequestLine(pin,
		gpiocdev.AsInput,
		c.biasOption(),
		edgeOpt,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			e := EdgeRising
			if evt.Type == gpiocdev.LineEventFallingEdge {
				e = EdgeFalling
			}
			d.post(envelope{ev: Event{Pin: pin, Edge: e, Time: time.Now()}})
		}),
	)
	if err != nil {
		d.stop()
		return nil, fmt.Errorf("request pin %d: %w", pin, err)
	}

	c.watches[pin] = &watchedLine{line: line, d: d}
	return &Watch{pin: pin, edge: edge, release: c.release}, nil
}

func (c *Chip) release(pin int) error {
	c.mu.Lock()
	w, ok := c.watches[pin]
	delete(c.watches, pin)
	c.mu.Unlock()

	if !ok {
		return ErrNotWatched
	}
	// Closing the line stops the kernel watcher before the dispatcher,
	// so no event is posted to a stopped queue.
	err := w.line.Close()
	w.d.stop()
	if err != nil {
		return fmt.Errorf("close pin %d: %w", pin, err)
	}
	return nil
}

// Level returns the current level of pin. Unwatched pins are requested as
// inputs on first use and kept for later reads.
func (c *Chip) Level(pin int) (bool, error) {
	c.mu.Lock()
	var line *gpiocdev.Line
	if w, ok := c.watches[pin]; ok {
		line = w.line
	} else if l, ok := c.inputs[pin]; ok {
		line = l
	} else {
		l, err := c.chip.RequestLine(pin, gpiocdev.AsInput, c.biasOption())
		if err != nil {
			c.mu.Unlock()
			return false, fmt.Errorf("request pin %d: %w", pin, err)
		}
		c.inputs[pin] = l
		line = l
	}
	c.mu.Unlock()

	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read pin %d: %w", pin, err)
	}
	return v != 0, nil
}

// Close releases every watch and input line, then the chip.
// Input lines are reconfigured to input with pull-down (matching Pi boot
// defaults) before closing so the pins are in a clean state for reboot.
func (c *Chip) Close() error {
	c.mu.Lock()
	pins := make([]int, 0, len(c.watches))
	for pin := range c.watches {
		pins = append(pins, pin)
	}
	inputs := c.inputs
	c.inputs = make(map[int]*gpiocdev.Line)
	c.mu.Unlock()

	var errs []error
	for _, pin := range pins {
		if err := c.release(pin); err != nil {
			errs = append(errs, err)
		}
	}
	for pin, l := range inputs {
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	if err := c.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}
