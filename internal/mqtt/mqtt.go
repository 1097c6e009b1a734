// Package mqtt publishes call log entries, hook transitions and system
// lifecycle events to an MQTT broker, with abstraction for testing.
package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sweeney/dialtone/internal/calllog"
	"github.com/sweeney/dialtone/internal/hook"
)

const (
	// TopicCalls carries one message per call log entry.
	TopicCalls = "dialtone/calls"
	// TopicHook carries debounced hook transitions.
	TopicHook = "dialtone/hook"
	// TopicSystem carries system lifecycle events.
	TopicSystem = "dialtone/system"
)

// Publisher publishes events to MQTT.
// Errors are reported to the caller but must never crash the process.
type Publisher interface {
	PublishCall(entry calllog.Entry) error
	PublishHook(event hook.Event) error
	PublishSystem(event SystemEvent) error
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// CallPayload is the message published for a call log entry.
type CallPayload struct {
	Call calllog.Entry `json:"call"`
}

// FormatCallPayload creates the JSON payload for a call log entry.
func FormatCallPayload(entry calllog.Entry) ([]byte, error) {
	return json.Marshal(CallPayload{Call: entry})
}

// HookPayload is the message published for a hook transition.
type HookPayload struct {
	Hook HookInner `json:"hook"`
}

// HookInner contains the hook transition details.
type HookInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	State     string `json:"state"`
}

// FormatHookPayload creates the JSON payload for a hook transition.
func FormatHookPayload(event hook.Event) ([]byte, error) {
	return json.Marshal(HookPayload{Hook: HookInner{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Event:     string(event.Type),
		State:     string(event.State),
	}})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{System: SystemPayloadInner{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Event:     event.Event,
		Reason:    event.Reason,
	}})
}

// WillPayload is the last-will message the broker publishes if the daemon
// drops off without a clean shutdown. It has no timestamp: the broker sends
// it at an unknown later time.
func WillPayload() []byte {
	data, _ := json.Marshal(SystemPayload{System: SystemPayloadInner{Event: "OFFLINE", Reason: "CONNECTION_LOST"}})
	return data
}

// CallLogSink adapts a Publisher to a call log sink.
func CallLogSink(p Publisher) calllog.Sink {
	return calllog.SinkFunc(func(_ context.Context, e calllog.Entry) error {
		return p.PublishCall(e)
	})
}

// Nop discards every message. It stands in when no broker is configured.
type Nop struct{}

func (Nop) PublishCall(calllog.Entry) error { return nil }
func (Nop) PublishHook(hook.Event) error    { return nil }
func (Nop) PublishSystem(SystemEvent) error { return nil }
func (Nop) Close() error                    { return nil }
func (Nop) IsConnected() bool               { return false }
