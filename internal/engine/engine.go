// Package engine defines the contract between the call manager and the SIP
// and media stack that carries calls.
package engine

import (
	"context"
	"fmt"
)

// CallID identifies a call inside an engine. The zero value is no call.
type CallID string

// ProxyID identifies a registered identity inside an engine.
type ProxyID int

// Identity is a SIP account to register.
type Identity struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Server   string `yaml:"server"`
	Display  string `yaml:"display"`
}

// AOR returns the identity's address of record.
func (i Identity) AOR() string {
	return fmt.Sprintf("sip:%s@%s", i.Username, i.Server)
}

// RegistrationState is the lifecycle of one registration.
type RegistrationState int

const (
	RegistrationNone RegistrationState = iota
	RegistrationProgress
	RegistrationOK
	RegistrationCleared
	RegistrationFailed
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationNone:
		return "none"
	case RegistrationProgress:
		return "progress"
	case RegistrationOK:
		return "ok"
	case RegistrationCleared:
		return "cleared"
	case RegistrationFailed:
		return "failed"
	}
	return "unknown"
}

// Reason explains why an incoming call is declined.
type Reason int

const (
	ReasonDeclined Reason = iota
	ReasonBusy
)

func (r Reason) String() string {
	if r == ReasonBusy {
		return "busy"
	}
	return "declined"
}

// EventKind classifies engine notifications.
type EventKind int

const (
	IncomingReceived EventKind = iota + 1
	OutgoingRinging
	Connected
	StreamsRunning
	EncryptionChanged
	Ended
	Error
)

func (k EventKind) String() string {
	switch k {
	case IncomingReceived:
		return "incoming_received"
	case OutgoingRinging:
		return "outgoing_ringing"
	case Connected:
		return "connected"
	case StreamsRunning:
		return "streams_running"
	case EncryptionChanged:
		return "encryption_changed"
	case Ended:
		return "ended"
	case Error:
		return "error"
	}
	return "unknown"
}

// Encryption names the media encryption negotiated for a call.
type Encryption string

const (
	EncryptionNone Encryption = "none"
	EncryptionSRTP Encryption = "srtp"
	EncryptionZRTP Encryption = "zrtp"
)

// Event is a notification about a call.
type Event struct {
	Kind EventKind
	Call CallID
	Peer string // remote address, set on IncomingReceived

	Encryption Encryption // StreamsRunning, EncryptionChanged
	Token      string     // ZRTP short authentication string
	Verified   bool

	Message string // Error detail
}

// Engine is the SIP user agent and media stack.
//
// Events are delivered on the channel returned by Events. Implementations
// may do work on their own goroutines, but the call manager only acts on
// events from its control goroutine.
type Engine interface {
	// Iterate gives the engine a chance to do periodic work.
	Iterate()
	Events() <-chan Event

	Register(ctx context.Context, id Identity) (ProxyID, error)
	Unregister(ctx context.Context, proxy ProxyID) error
	RegistrationState(proxy ProxyID) RegistrationState

	Invite(ctx context.Context, uri string) (CallID, error)
	Accept(ctx context.Context, call CallID) error
	Decline(ctx context.Context, call CallID, reason Reason) error
	Terminate(ctx context.Context, call CallID) error
	SetAuthenticationTokenVerified(call CallID, verified bool) error

	CanCapture(device string) bool
	CanPlayback(device string) bool

	Close() error
}
