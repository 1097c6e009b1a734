package dial

import (
	"errors"
	"sync"
	"time"
)

// MaxURILength is the default digit buffer capacity.
const MaxURILength = 512

// StuckTimeout is how long a digit may stay open before the next boundary
// abandons it and starts over.
const StuckTimeout = 10 * time.Second

// ErrURIBufferFull is returned when a digit completes with no room left.
var ErrURIBufferFull = errors.New("dial: uri buffer full")

// Pending describes the accumulator without consuming it.
type Pending struct {
	Digits       int
	Reading      bool
	LastActivity time.Time
}

// Accumulator is the per-digit pulse state machine plus the digit buffer.
// All methods are safe for concurrent use.
type Accumulator struct {
	mu           sync.Mutex
	max          int
	reading      bool
	pulses       int
	started      time.Time
	lastActivity time.Time
	digits       []byte
}

// NewAccumulator returns an idle accumulator holding at most max digits.
// A non-positive max selects MaxURILength.
func NewAccumulator(max int) *Accumulator {
	if max <= 0 {
		max = MaxURILength
	}
	return &Accumulator{max: max, digits: make([]byte, 0, 16)}
}

// BoundaryResult reports what a boundary event did.
type BoundaryResult struct {
	Started   bool // a new digit began
	Committed byte // the completed digit, 0 when none
	Recovered bool // an abandoned digit was discarded first
}

// Boundary handles a digit-boundary event at now. In Idle it starts a new
// digit. In Reading it commits pulses mod 10, unless the digit has been open
// longer than StuckTimeout, in which case the digit is discarded and a new
// one starts. A commit with a full buffer drops the digit and returns
// ErrURIBufferFull.
func (a *Accumulator) Boundary(now time.Time) (BoundaryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastActivity = now
	var res BoundaryResult

	if a.reading && now.Sub(a.started) > StuckTimeout {
		a.reading = false
		res.Recovered = true
	}

	if !a.reading {
		a.reading = true
		a.pulses = 0
		a.started = now
		res.Started = true
		return res, nil
	}

	a.reading = false
	d := byte('0' + a.pulses%10)
	a.pulses = 0
	if len(a.digits) >= a.max {
		return res, ErrURIBufferFull
	}
	a.digits = append(a.digits, d)
	res.Committed = d
	return res, nil
}

// Pulse counts one pulse. Pulses outside a digit are ignored and false is
// returned.
func (a *Accumulator) Pulse(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.reading {
		return false
	}
	a.pulses = (a.pulses + 1) % 10
	a.lastActivity = now
	return true
}

// Take returns the accumulated digits and clears the buffer. An open digit
// is left alone.
func (a *Accumulator) Take() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := string(a.digits)
	a.digits = a.digits[:0]
	return s
}

// Pending returns a snapshot of the buffer state.
func (a *Accumulator) Pending() Pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Pending{Digits: len(a.digits), Reading: a.reading, LastActivity: a.lastActivity}
}

// Reset discards all digits and any open digit.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reading = false
	a.pulses = 0
	a.digits = a.digits[:0]
}
