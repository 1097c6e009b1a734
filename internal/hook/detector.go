package hook

import "time"

// Detector debounces hook samples and reports transitions.
type Detector struct {
	debounceDuration time.Duration
	sw               switchState
	startTime        time.Time
	eventCounts      EventCounts
	lastHeartbeat    time.Time
}

// NewDetector creates a new transition detector with the given debounce duration.
// The startTime is used for calculating uptime in heartbeat events.
func NewDetector(debounceDuration time.Duration, startTime time.Time) *Detector {
	return &Detector{
		debounceDuration: debounceDuration,
		startTime:        startTime,
		lastHeartbeat:    startTime,
	}
}

// Process takes a new sample and returns the transition it completes, if any.
// The state the handset is in at startup becomes the baseline and is never
// reported as a transition.
func (d *Detector) Process(input Input) *Event {
	next := StateOnHook
	if input.OffHook {
		next = StateOffHook
	}

	sw := &d.sw
	if !sw.Baselined {
		if sw.Pending != next {
			sw.Pending = next
			sw.PendingSince = input.Time
		}
		if input.Time.Sub(sw.PendingSince) >= d.debounceDuration {
			sw.Stable = next
			sw.Baselined = true
			sw.Pending = ""
		}
		return nil
	}

	if next == sw.Stable {
		sw.Pending = ""
		return nil
	}
	if sw.Pending != next {
		sw.Pending = next
		sw.PendingSince = input.Time
		return nil
	}
	if input.Time.Sub(sw.PendingSince) < d.debounceDuration {
		return nil
	}

	sw.Stable = next
	sw.Pending = ""
	ev := &Event{Timestamp: input.Time, State: next, Type: EventHungUp}
	if next == StateOffHook {
		ev.Type = EventPickedUp
		d.eventCounts.PickedUp++
	} else {
		d.eventCounts.HungUp++
	}
	return ev
}

// IsBaselined returns whether the detector has established a baseline.
func (d *Detector) IsBaselined() bool {
	return d.sw.Baselined
}

// CurrentState returns the stable state, empty before the baseline.
func (d *Detector) CurrentState() State {
	return d.sw.Stable
}

// OffHook reports whether the stable state is off-hook.
func (d *Detector) OffHook() bool {
	return d.sw.Stable == StateOffHook
}

// Counts returns the transitions seen since startup.
func (d *Detector) Counts() EventCounts {
	return d.eventCounts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if not yet baselined, if the
// interval has not elapsed, or if interval is <= 0 (disabled).
func (d *Detector) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 || !d.sw.Baselined {
		return nil
	}
	if now.Sub(d.lastHeartbeat) < interval {
		return nil
	}

	d.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(d.startTime),
		Counts:    d.eventCounts,
	}
}
