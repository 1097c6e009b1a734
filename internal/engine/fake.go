package engine

import (
	"context"
	"fmt"
	"sync"
)

// Declined records one Decline call on the Fake.
type Declined struct {
	Call   CallID
	Reason Reason
}

// Fake is a scripted Engine for tests. Commands are recorded in the public
// fields; events are injected with Push.
type Fake struct {
	mu     sync.Mutex
	events chan Event
	nextID int

	// Iterations counts Iterate calls.
	Iterations int

	// Registered lists identities in registration order.
	Registered []Identity

	// RegisterErrors maps a username to the error Register returns for it.
	RegisterErrors map[string]error

	// States holds the registration state per proxy.
	States map[ProxyID]RegistrationState

	// Unregistered lists proxies passed to Unregister.
	Unregistered []ProxyID

	// NeverClear keeps unregistered proxies in RegistrationProgress.
	NeverClear bool

	// Invites lists dialled URIs.
	Invites []string

	// InviteError, if set, will be returned by Invite.
	InviteError error

	Accepted   []CallID
	Declines   []Declined
	Terminated []CallID

	// TerminateError, if set, will be returned by Terminate.
	TerminateError error

	// Verified holds the last SAS verification flag per call.
	Verified map[CallID]bool

	// Capture and Playback list the devices reported as usable.
	Capture  map[string]bool
	Playback map[string]bool

	// Closed tracks if Close was called.
	Closed bool
}

// NewFake creates a Fake with an event buffer of 64.
func NewFake() *Fake {
	return &Fake{
		events:         make(chan Event, 64),
		RegisterErrors: make(map[string]error),
		States:         make(map[ProxyID]RegistrationState),
		Verified:       make(map[CallID]bool),
		Capture:        make(map[string]bool),
		Playback:       make(map[string]bool),
	}
}

// Push queues an event for the consumer.
func (f *Fake) Push(ev Event) {
	f.events <- ev
}

// Iterate counts the call.
func (f *Fake) Iterate() {
	f.mu.Lock()
	f.Iterations++
	f.mu.Unlock()
}

// Events returns the injected event stream.
func (f *Fake) Events() <-chan Event {
	return f.events
}

// Register records id and marks it registered, unless RegisterErrors has an
// entry for its username.
func (f *Fake) Register(_ context.Context, id Identity) (ProxyID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.RegisterErrors[id.Username]; err != nil {
		return 0, err
	}
	proxy := ProxyID(len(f.Registered))
	f.Registered = append(f.Registered, id)
	f.States[proxy] = RegistrationOK
	return proxy, nil
}

// Unregister records proxy and clears it unless NeverClear is set.
func (f *Fake) Unregister(_ context.Context, proxy ProxyID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Unregistered = append(f.Unregistered, proxy)
	if f.NeverClear {
		f.States[proxy] = RegistrationProgress
	} else {
		f.States[proxy] = RegistrationCleared
	}
	return nil
}

// RegistrationState returns the scripted state.
func (f *Fake) RegistrationState(proxy ProxyID) RegistrationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.States[proxy]
}

// Invite records uri and returns a fresh call id.
func (f *Fake) Invite(_ context.Context, uri string) (CallID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.InviteError != nil {
		return "", f.InviteError
	}
	f.Invites = append(f.Invites, uri)
	f.nextID++
	return CallID(fmt.Sprintf("out-%d", f.nextID)), nil
}

// Accept records the call.
func (f *Fake) Accept(_ context.Context, call CallID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Accepted = append(f.Accepted, call)
	return nil
}

// Decline records the call and reason.
func (f *Fake) Decline(_ context.Context, call CallID, reason Reason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Declines = append(f.Declines, Declined{Call: call, Reason: reason})
	return nil
}

// Terminate records the call.
func (f *Fake) Terminate(_ context.Context, call CallID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Terminated = append(f.Terminated, call)
	return f.TerminateError
}

// SetAuthenticationTokenVerified records the flag.
func (f *Fake) SetAuthenticationTokenVerified(call CallID, verified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Verified[call] = verified
	return nil
}

// CanCapture reports whether device is in Capture.
func (f *Fake) CanCapture(device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Capture[device]
}

// CanPlayback reports whether device is in Playback.
func (f *Fake) CanPlayback(device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Playback[device]
}

// Close marks the engine as closed.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
