// Package phone drives the call lifecycle: one call at a time, placed from
// the dial, answered from the hook switch, logged to the call log.
package phone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/dialtone/internal/calllog"
	"github.com/sweeney/dialtone/internal/engine"
	"github.com/sweeney/dialtone/internal/metrics"
	"github.com/sweeney/dialtone/internal/missed"
)

// State is the call state.
type State string

const (
	StateIdle      State = "idle"
	StateDialing   State = "dialing"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
)

// gaugeValue maps a state onto the call_state metric.
func (s State) gaugeValue() float64 {
	switch s {
	case StateDialing:
		return 1
	case StateRinging:
		return 2
	case StateConnected:
		return 3
	}
	return 0
}

const (
	evDial        = "dial"
	evRing        = "ring"
	evAnswer      = "answer"
	evEstablished = "established"
	evRelease     = "release"
)

// MaxRejections is the number of consecutive rejected dial attempts after
// which the fatal hook runs.
const MaxRejections = 10

// minURILength is the length of the shortest valid address, "sip:x@y".
const minURILength = len("sip:x@y")

var (
	ErrBusy           = errors.New("phone: a call is in progress")
	ErrInvalidURI     = errors.New("phone: invalid sip uri")
	ErrNoIncomingCall = errors.New("phone: no incoming call")
	ErrNotConnected   = errors.New("phone: no connected call")
)

// Config holds call manager policy.
type Config struct {
	// UnregisterTimeout bounds the wait for each identity on shutdown.
	UnregisterTimeout time.Duration
	// PollInterval is the registration state poll period on shutdown.
	PollInterval time.Duration
	// SASFile receives the ZRTP short authentication string. Empty disables it.
	SASFile string
}

// session is the single owned call handle.
type session struct {
	id       uuid.UUID
	call     engine.CallID
	peer     string
	incoming bool
	verified bool
}

type binding struct {
	id    engine.Identity
	proxy engine.ProxyID
}

// Manager is the call manager. It is not safe for concurrent use: every
// method must be called from the control goroutine.
type Manager struct {
	eng    engine.Engine
	cfg    Config
	log    logrus.FieldLogger
	sink   calllog.Sink
	missed missed.Generator
	fatal  func(msg string)
	now    func() time.Time

	machine    *fsm.FSM
	sess       *session
	rejections int
	proxies    []binding
	// unregistered is set once Shutdown has deregistered the proxies. The
	// bindings are kept so their final state stays observable.
	unregistered bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

// WithCallLog sets the call log sink.
func WithCallLog(sink calllog.Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithMissedCalls sets the missed-call artifact generator.
func WithMissedCalls(g missed.Generator) Option {
	return func(m *Manager) { m.missed = g }
}

// WithFatal replaces the hook run on too many rejected dial attempts.
// The default logs at fatal level, which exits the process.
func WithFatal(fn func(msg string)) Option {
	return func(m *Manager) { m.fatal = fn }
}

// WithClock replaces time.Now for call log timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an idle manager.
func NewManager(eng engine.Engine, cfg Config, opts ...Option) *Manager {
	if cfg.UnregisterTimeout <= 0 {
		cfg.UnregisterTimeout = 20 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	m := &Manager{
		eng: eng,
		cfg: cfg,
		log: logrus.StandardLogger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fatal == nil {
		m.fatal = func(msg string) { m.log.Fatal(msg) }
	}

	m.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateDialing)},
			{Name: evRing, Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: evAnswer, Src: []string{string(StateRinging)}, Dst: string(StateConnected)},
			{Name: evEstablished, Src: []string{string(StateDialing)}, Dst: string(StateConnected)},
			{Name: evRelease, Src: []string{string(StateDialing), string(StateRinging), string(StateConnected)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.CallState.Set(State(e.Dst).gaugeValue())
				m.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("call state changed")
			},
		},
	)
	metrics.CallState.Set(0)
	return m
}

// State returns the current call state.
func (m *Manager) State() State {
	return State(m.machine.Current())
}

// Peer returns the remote address of the current call, or "".
func (m *Manager) Peer() string {
	if m.sess == nil {
		return ""
	}
	return m.sess.peer
}

// Verified reports whether the current call's SAS has been confirmed.
func (m *Manager) Verified() bool {
	return m.sess != nil && m.sess.verified
}

// Rejections returns the consecutive rejected dial attempts.
func (m *Manager) Rejections() int {
	return m.rejections
}

func (m *Manager) fire(ctx context.Context, event string) {
	if err := m.machine.Event(ctx, event); err != nil {
		m.log.WithError(err).WithField("event", event).Error("call state transition failed")
	}
}

func (m *Manager) record(ctx context.Context, outcome calllog.Outcome, peer string, id uuid.UUID) {
	metrics.Calls.WithLabelValues(string(outcome)).Inc()
	e := calllog.Entry{Time: m.now(), Peer: peer, Outcome: outcome}
	if id != uuid.Nil {
		e.Session = id.String()
	}
	m.log.WithFields(logrus.Fields{"peer": peer, "outcome": outcome}).Info("call logged")
	if m.sink == nil {
		return
	}
	if err := m.sink.Append(ctx, e); err != nil {
		m.log.WithError(err).Warn("call log append failed")
	}
}

// validURI accepts sip:<user>@<host> with a non-empty user and host.
func validURI(uri string) bool {
	if len(uri) < minURILength || !strings.HasPrefix(uri, "sip:") {
		return false
	}
	at := strings.IndexByte(uri, '@')
	return at > len("sip:") && at < len(uri)-1
}

func (m *Manager) reject(uri string, err error) error {
	m.rejections++
	metrics.DialRejections.Inc()
	m.log.WithFields(logrus.Fields{"uri": uri, "rejections": m.rejections}).WithError(err).Error("dial rejected")
	if m.rejections >= MaxRejections {
		m.fatal(fmt.Sprintf("%d consecutive dial attempts rejected", m.rejections))
	}
	return err
}

// PlaceCall starts an outgoing call to uri.
func (m *Manager) PlaceCall(ctx context.Context, uri string) error {
	if m.State() != StateIdle {
		return m.reject(uri, ErrBusy)
	}
	if !validURI(uri) {
		return m.reject(uri, fmt.Errorf("%w: %q", ErrInvalidURI, uri))
	}
	m.rejections = 0

	id := uuid.New()
	m.record(ctx, calllog.OutcomeOut, uri, id)
	call, err := m.eng.Invite(ctx, uri)
	if err != nil {
		return fmt.Errorf("invite %s: %w", uri, err)
	}
	m.sess = &session{id: id, call: call, peer: uri}
	m.log.WithFields(logrus.Fields{"call": call, "peer": uri}).Info("calling")
	m.fire(ctx, evDial)
	return nil
}

// AcceptIncomingCall answers the ringing call.
func (m *Manager) AcceptIncomingCall(ctx context.Context) error {
	if m.State() != StateRinging {
		return ErrNoIncomingCall
	}
	m.record(ctx, calllog.OutcomeAccept, m.sess.peer, m.sess.id)
	if err := m.eng.Accept(ctx, m.sess.call); err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	m.log.WithField("call", m.sess.call).Info("call accepted")
	m.fire(ctx, evAnswer)
	return nil
}

// DeclineIncomingCall rejects the ringing call.
func (m *Manager) DeclineIncomingCall(ctx context.Context) error {
	if m.State() != StateRinging {
		return ErrNoIncomingCall
	}
	m.record(ctx, calllog.OutcomeDecline, m.sess.peer, m.sess.id)
	if err := m.eng.Decline(ctx, m.sess.call, engine.ReasonDeclined); err != nil {
		m.log.WithError(err).Warn("decline failed")
	}
	m.release(ctx)
	return nil
}

// StopCall hangs up any call. It does nothing when idle.
func (m *Manager) StopCall(ctx context.Context) {
	if m.State() == StateIdle {
		return
	}
	if err := m.eng.Terminate(ctx, m.sess.call); err != nil {
		m.log.WithError(err).WithField("call", m.sess.call).Warn("terminate failed")
	}
	m.release(ctx)
}

// AcceptZRTPNonce marks the connected call's SAS as verified.
func (m *Manager) AcceptZRTPNonce() error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	if err := m.eng.SetAuthenticationTokenVerified(m.sess.call, true); err != nil {
		return fmt.Errorf("verify sas: %w", err)
	}
	m.sess.verified = true
	m.log.WithField("call", m.sess.call).Info("sas verified")
	return nil
}

// RejectZRTPNonce marks the SAS as not verified and hangs up.
func (m *Manager) RejectZRTPNonce(ctx context.Context) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	if err := m.eng.SetAuthenticationTokenVerified(m.sess.call, false); err != nil {
		m.log.WithError(err).Warn("unverify sas failed")
	}
	m.sess.verified = false
	m.log.WithField("call", m.sess.call).Warn("sas rejected, hanging up")
	m.StopCall(ctx)
	return nil
}

// release drops the call handle and returns to idle.
func (m *Manager) release(ctx context.Context) {
	m.removeSAS()
	m.sess = nil
	if m.State() != StateIdle {
		m.fire(ctx, evRelease)
	}
}

func (m *Manager) writeSAS(token string) {
	if m.cfg.SASFile == "" {
		return
	}
	if err := os.WriteFile(m.cfg.SASFile, []byte(token+"\n"), 0o600); err != nil {
		m.log.WithError(err).Warn("write sas file failed")
	}
}

func (m *Manager) removeSAS() {
	if m.cfg.SASFile == "" {
		return
	}
	if err := os.Remove(m.cfg.SASFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.WithError(err).Warn("remove sas file failed")
	}
}

// Update runs one engine iteration and applies every pending engine event.
func (m *Manager) Update(ctx context.Context) {
	m.eng.Iterate()
	for {
		select {
		case ev := <-m.eng.Events():
			m.handle(ctx, ev)
		default:
			return
		}
	}
}

func (m *Manager) current(call engine.CallID) bool {
	return m.sess != nil && m.sess.call == call
}

func (m *Manager) handle(ctx context.Context, ev engine.Event) {
	log := m.log.WithFields(logrus.Fields{"call": ev.Call, "event": ev.Kind})

	switch ev.Kind {
	case engine.IncomingReceived:
		if m.State() != StateIdle {
			log.WithField("peer", ev.Peer).Info("declining incoming call while busy")
			m.record(ctx, calllog.OutcomeBusy, ev.Peer, uuid.Nil)
			if err := m.eng.Decline(ctx, ev.Call, engine.ReasonBusy); err != nil {
				log.WithError(err).Warn("busy decline failed")
			}
			return
		}
		m.sess = &session{id: uuid.New(), call: ev.Call, peer: ev.Peer, incoming: true}
		log.WithField("peer", ev.Peer).Info("incoming call")
		m.fire(ctx, evRing)

	case engine.OutgoingRinging:
		log.Debug("remote ringing")

	case engine.Connected:
		log.Debug("call connected")
		if m.current(ev.Call) && m.State() == StateDialing {
			m.fire(ctx, evEstablished)
		}

	case engine.StreamsRunning:
		log.WithField("encryption", ev.Encryption).Info("media streams running")

	case engine.EncryptionChanged:
		if !m.current(ev.Call) {
			return
		}
		m.sess.verified = ev.Verified
		if ev.Token != "" {
			m.writeSAS(ev.Token)
		}
		log.WithFields(logrus.Fields{
			"encryption": ev.Encryption,
			"sas":        ev.Token,
			"verified":   ev.Verified,
		}).Info("media encryption changed")

	case engine.Ended, engine.Error:
		if ev.Kind == engine.Error {
			log.WithField("message", ev.Message).Error("call error")
		}
		if !m.current(ev.Call) {
			m.removeSAS()
			log.Debug("event for released call ignored")
			return
		}
		if m.State() == StateRinging {
			m.missedCall(ctx, m.sess)
		}
		log.Info("call ended")
		m.release(ctx)
	}
}

func (m *Manager) missedCall(ctx context.Context, s *session) {
	m.record(ctx, calllog.OutcomeMissed, s.peer, s.id)
	if m.missed == nil {
		return
	}
	path, err := m.missed.Generate(ctx, s.peer, m.now())
	if errors.Is(err, missed.ErrNotNumeric) {
		m.log.WithField("peer", s.peer).Info("no missed call artifact for non-numeric caller")
		return
	}
	if err != nil {
		m.log.WithError(err).WithField("peer", s.peer).Warn("missed call artifact failed")
		return
	}
	m.log.WithField("path", path).Info("missed call recorded")
}

// LoadProxies registers identities in order. The first one is the default;
// if it fails nothing else is registered. Later failures are skipped.
func (m *Manager) LoadProxies(ctx context.Context, ids []engine.Identity) error {
	if len(ids) == 0 {
		return errors.New("no identities to register")
	}
	for i, id := range ids {
		log := m.log.WithField("proxy", id.AOR())
		proxy, err := m.eng.Register(ctx, id)
		if err != nil {
			metrics.Registration.WithLabelValues(id.AOR()).Set(float64(engine.RegistrationFailed))
			if i == 0 {
				return fmt.Errorf("register default identity %s: %w", id.AOR(), err)
			}
			log.WithError(err).Error("registration failed, skipping identity")
			continue
		}
		metrics.Registration.WithLabelValues(id.AOR()).Set(float64(m.eng.RegistrationState(proxy)))
		m.proxies = append(m.proxies, binding{id: id, proxy: proxy})
		log.Info("identity registered")
	}
	return nil
}

// Proxies returns the identities currently registered. It is empty after
// Shutdown.
func (m *Manager) Proxies() []engine.Identity {
	if m.unregistered {
		return nil
	}
	ids := make([]engine.Identity, len(m.proxies))
	for i, b := range m.proxies {
		ids[i] = b.id
	}
	return ids
}

// Registration pairs an identity with its engine-reported state.
type Registration struct {
	Identity engine.Identity
	State    engine.RegistrationState
}

// Registrations returns the state of every loaded identity, including
// identities deregistered by Shutdown.
func (m *Manager) Registrations() []Registration {
	regs := make([]Registration, len(m.proxies))
	for i, b := range m.proxies {
		state := m.eng.RegistrationState(b.proxy)
		regs[i] = Registration{Identity: b.id, State: state}
		metrics.Registration.WithLabelValues(b.id.AOR()).Set(float64(state))
	}
	return regs
}

// Shutdown hangs up and deregisters every identity, waiting at most
// UnregisterTimeout for each. Later calls only hang up.
func (m *Manager) Shutdown(ctx context.Context) {
	m.StopCall(ctx)
	if m.unregistered {
		return
	}
	m.unregistered = true

	for _, b := range m.proxies {
		log := m.log.WithField("proxy", b.id.AOR())
		if err := m.eng.Unregister(ctx, b.proxy); err != nil {
			log.WithError(err).Warn("unregister failed")
			continue
		}
		if m.awaitCleared(ctx, b.proxy) {
			log.Info("identity unregistered")
		} else {
			log.WithField("timeout", m.cfg.UnregisterTimeout).Warn("unregister timed out")
		}
		metrics.Registration.WithLabelValues(b.id.AOR()).Set(float64(m.eng.RegistrationState(b.proxy)))
	}
}

func (m *Manager) awaitCleared(ctx context.Context, proxy engine.ProxyID) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.UnregisterTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.eng.Iterate()
		if m.eng.RegistrationState(proxy) == engine.RegistrationCleared {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
