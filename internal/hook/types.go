// Package hook turns polled hook-switch levels into debounced pick-up and
// hang-up transitions.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package hook

import "time"

// State is the debounced position of the handset.
type State string

const (
	StateOnHook  State = "ON_HOOK"
	StateOffHook State = "OFF_HOOK"
)

// EventType represents a hook transition.
type EventType string

const (
	EventPickedUp EventType = "PICKED_UP"
	EventHungUp   EventType = "HUNG_UP"
)

// Event is a debounced hook transition.
type Event struct {
	Timestamp time.Time
	Type      EventType
	State     State
}

// switchState tracks debounce state for the hook switch.
type switchState struct {
	// Current stable (debounced) state
	Stable State
	// Pending state during debounce
	Pending State
	// Time when pending state was first observed
	PendingSince time.Time
	// Whether we have established a baseline
	Baselined bool
}

// Input is a single level sample.
type Input struct {
	OffHook bool // already mapped from the raw pin level
	Time    time.Time
}

// EventCounts tracks the number of each transition since startup.
type EventCounts struct {
	PickedUp int
	HungUp   int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
