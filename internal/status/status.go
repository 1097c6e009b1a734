// Package status provides a thread-safe status tracker for the dialtone daemon.
// It is read by the HTTP handlers and by the heartbeat publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/dialtone/internal/hook"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/sipua from status.
type NetworkInfo struct {
	Type     string
	IP       string
	PublicIP string
	NAT      string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs        int64
	DialTimeoutMs int64
	HeartbeatMs   int64
	Broker        string
	HTTPPort      string
	Domain        string
}

// Registration is the state of one SIP identity.
type Registration struct {
	Identity string
	State    string
}

// Call describes the current call, if any.
type Call struct {
	State    string
	Peer     string
	Verified bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Hook          hook.State
	Baselined     bool
	Counts        hook.EventCounts
	Call          Call
	PendingDigits int // digits dialled so far
	Registrations []Registration
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// UpdateHook sets the hook state, baseline status, and transition counts.
// Called from runLoop on every tick.
func (t *Tracker) UpdateHook(state hook.State, baselined bool, counts hook.EventCounts) {
	t.mu.Lock()
	t.snap.Hook = state
	t.snap.Baselined = baselined
	t.snap.Counts = counts
	t.mu.Unlock()
}

// UpdateCall sets the call state and the number of digits pending on the dial.
func (t *Tracker) UpdateCall(call Call, pendingDigits int) {
	t.mu.Lock()
	t.snap.Call = call
	t.snap.PendingDigits = pendingDigits
	t.mu.Unlock()
}

// SetRegistrations replaces the registration list.
func (t *Tracker) SetRegistrations(regs []Registration) {
	cp := make([]Registration, len(regs))
	copy(cp, regs)
	t.mu.Lock()
	t.snap.Registrations = cp
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.Registrations != nil {
		s.Registrations = append([]Registration(nil), s.Registrations...)
	}
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
