package phone

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/dialtone/internal/dial"
	"github.com/sweeney/dialtone/internal/hook"
)

// DefaultDialTimeout is how long the dial must rest before the number is
// considered complete.
const DefaultDialTimeout = 4 * time.Second

// Decoder is the dial side the controller reads from.
type Decoder interface {
	IsPhoneHungUp() (bool, error)
	Pending() dial.Pending
	DialedURI() string
	Reset()
}

// Controller applies hook and dial input to the call manager once per tick.
type Controller struct {
	calls       *Manager
	dec         Decoder
	hook        *hook.Detector
	dialTimeout time.Duration
	log         logrus.FieldLogger
	onHook      func(hook.Event)

	// dialled is set once a number has been placed in this off-hook period.
	dialled bool
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the controller's logger.
func WithControllerLogger(log logrus.FieldLogger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// OnHookEvent registers a hook called for every debounced hook transition.
func OnHookEvent(fn func(hook.Event)) ControllerOption {
	return func(c *Controller) { c.onHook = fn }
}

// NewController creates a controller. A non-positive dialTimeout selects
// DefaultDialTimeout.
func NewController(calls *Manager, dec Decoder, det *hook.Detector, dialTimeout time.Duration, opts ...ControllerOption) *Controller {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	c := &Controller{
		calls:       calls,
		dec:         dec,
		hook:        det,
		dialTimeout: dialTimeout,
		log:         logrus.StandardLogger(),
		onHook:      func(hook.Event) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OffHook reports the debounced hook state.
func (c *Controller) OffHook() bool {
	return c.hook.OffHook()
}

// HookState returns the debounced hook state, empty until baselined.
func (c *Controller) HookState() hook.State {
	return c.hook.CurrentState()
}

// PendingDigits returns the number of digits dialled but not yet placed.
func (c *Controller) PendingDigits() int {
	return c.dec.Pending().Digits
}

// Tick samples the hook switch and acts on it:
// hanging up ends any call and discards dialled digits, lifting the handset
// answers a ringing call, and a complete number dialled while off-hook (or
// before lifting) is placed once per off-hook period.
func (c *Controller) Tick(ctx context.Context, now time.Time) error {
	hungUp, err := c.dec.IsPhoneHungUp()
	if err != nil {
		return fmt.Errorf("read hook: %w", err)
	}

	if ev := c.hook.Process(hook.Input{OffHook: !hungUp, Time: now}); ev != nil {
		c.log.WithField("hook", ev.Type).Info("hook changed")
		c.dialled = false
		if ev.Type == hook.EventHungUp {
			if s := c.calls.State(); s == StateDialing || s == StateConnected {
				c.calls.StopCall(ctx)
			}
			c.dec.Reset()
		}
		c.onHook(*ev)
	}

	if !c.hook.OffHook() {
		return nil
	}

	switch c.calls.State() {
	case StateRinging:
		if err := c.calls.AcceptIncomingCall(ctx); err != nil {
			c.log.WithError(err).Error("answer failed")
		}
	case StateIdle:
		if c.dialled || !c.numberComplete(now) {
			return nil
		}
		c.dialled = true
		uri := c.dec.DialedURI()
		if err := c.calls.PlaceCall(ctx, uri); err != nil {
			c.log.WithError(err).WithField("uri", uri).Error("call not placed")
		}
	}
	return nil
}

func (c *Controller) numberComplete(now time.Time) bool {
	p := c.dec.Pending()
	return p.Digits > 0 && !p.Reading && now.Sub(p.LastActivity) >= c.dialTimeout
}
