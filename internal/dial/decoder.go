// Package dial decodes rotary dial pulse trains into a SIP address.
//
// Two pins feed the decoder: the boundary pin toggles when the dial leaves
// and returns to its rest position, and the pulse pin falls once per pulse.
// Ten pulses encode the digit zero.
package dial

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/dialtone/internal/debounce"
	"github.com/sweeney/dialtone/internal/gpio"
	"github.com/sweeney/dialtone/internal/metrics"
)

// Config holds the decoder's pin assignment and policy.
type Config struct {
	HookPin     int
	BoundaryPin int
	PulsePin    int

	// HookOffLevel is the level read on HookPin while the handset is lifted
	// (true = high).
	HookOffLevel bool

	Domain        string
	MaxLength     int
	BoundaryGrace time.Duration
	PulseGrace    time.Duration
}

// Decoder turns debounced boundary and pulse edges into digits.
type Decoder struct {
	cfg     Config
	levels  gpio.LevelReader
	acc     *Accumulator
	now     func() time.Time
	log     logrus.FieldLogger
	onError func(error)

	boundary *debounce.Debouncer
	pulse    *debounce.Debouncer
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithClock replaces time.Now for the decoder and its debouncers.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

// WithLogger sets the decoder's logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Decoder) { d.log = log }
}

// OnError registers a hook called for every decoder error, such as a full
// digit buffer.
func OnError(fn func(error)) Option {
	return func(d *Decoder) { d.onError = fn }
}

// New creates a decoder. Pins are not armed until Start.
func New(src gpio.EdgeSource, levels gpio.LevelReader, cfg Config, opts ...Option) *Decoder {
	d := &Decoder{
		cfg:     cfg,
		levels:  levels,
		acc:     NewAccumulator(cfg.MaxLength),
		now:     time.Now,
		log:     logrus.StandardLogger(),
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.boundary = debounce.New(src, cfg.BoundaryPin, cfg.BoundaryGrace,
		func(int) { d.handleBoundary() },
		debounce.WithClock(d.now), debounce.WithLogger(d.log))
	d.pulse = debounce.New(src, cfg.PulsePin, cfg.PulseGrace,
		func(int) { d.handlePulse() },
		debounce.WithClock(d.now), debounce.WithLogger(d.log))
	return d
}

// Start arms both pins: the boundary pin on both edges, the pulse pin on
// falling edges.
func (d *Decoder) Start() error {
	if err := d.boundary.Arm(gpio.EdgeBoth); err != nil {
		return fmt.Errorf("start dial decoder: %w", err)
	}
	if err := d.pulse.Arm(gpio.EdgeFalling); err != nil {
		d.boundary.Stop()
		return fmt.Errorf("start dial decoder: %w", err)
	}
	d.log.WithFields(logrus.Fields{
		"boundary_pin": d.cfg.BoundaryPin,
		"pulse_pin":    d.cfg.PulsePin,
	}).Info("dial decoder started")
	return nil
}

// Stop disarms both pins.
func (d *Decoder) Stop() error {
	return errors.Join(d.boundary.Stop(), d.pulse.Stop())
}

func (d *Decoder) handleBoundary() {
	res, err := d.acc.Boundary(d.now())
	if res.Recovered {
		metrics.DialErrors.WithLabelValues("stuck").Inc()
		d.log.Warn("digit open too long, starting over")
	}
	if err != nil {
		metrics.DialErrors.WithLabelValues("buffer_full").Inc()
		d.log.WithError(err).Error("digit dropped")
		d.onError(err)
		return
	}
	if res.Committed != 0 {
		metrics.DialDigits.Inc()
		d.log.WithField("digit", string(res.Committed)).Debug("digit dialled")
	}
}

func (d *Decoder) handlePulse() {
	if !d.acc.Pulse(d.now()) {
		d.log.Debug("pulse outside digit ignored")
	}
}

// DialedURI returns sip:<digits>@<domain> and clears the digits.
func (d *Decoder) DialedURI() string {
	return FormatURI(d.acc.Take(), d.cfg.Domain)
}

// IsPhoneHungUp reads the hook pin.
func (d *Decoder) IsPhoneHungUp() (bool, error) {
	high, err := d.levels.Level(d.cfg.HookPin)
	if err != nil {
		return false, fmt.Errorf("read hook pin: %w", err)
	}
	return high != d.cfg.HookOffLevel, nil
}

// Pending reports buffered digits without consuming them.
func (d *Decoder) Pending() Pending {
	return d.acc.Pending()
}

// Reset discards buffered digits.
func (d *Decoder) Reset() {
	d.acc.Reset()
}

// FormatURI builds a SIP URI from a digit string and domain.
func FormatURI(digits, domain string) string {
	return "sip:" + digits + "@" + domain
}
