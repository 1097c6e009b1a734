package mqtt

import (
	"github.com/sweeney/dialtone/internal/calllog"
	"github.com/sweeney/dialtone/internal/hook"
)

// FakePublisher records published events for test assertions.
type FakePublisher struct {
	// Calls contains all call log entries that were published.
	Calls []calllog.Entry

	// Hooks contains all hook transitions that were published.
	Hooks []hook.Event

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// Payloads contains every JSON payload in publish order.
	Payloads [][]byte

	// PublishError, if set, will be returned by PublishCall and PublishHook.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishCall records the call log entry.
func (f *FakePublisher) PublishCall(entry calllog.Entry) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatCallPayload(entry)
	if err != nil {
		return err
	}
	f.Calls = append(f.Calls, entry)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishHook records the hook transition.
func (f *FakePublisher) PublishHook(event hook.Event) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatHookPayload(event)
	if err != nil {
		return err
	}
	f.Hooks = append(f.Hooks, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	return f.Connected
}

// Reset clears recorded events.
func (f *FakePublisher) Reset() {
	f.Calls = nil
	f.Hooks = nil
	f.SystemEvents = nil
	f.Payloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
