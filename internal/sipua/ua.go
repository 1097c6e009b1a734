// Package sipua implements the call engine on top of a SIP user agent.
// Signalling uses sipgo; media is an RTP socket per call whose packets are
// counted but never decoded.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/dialtone/internal/engine"
)

const (
	// RegisterExpiry is the registration lifetime requested from servers.
	RegisterExpiry = time.Hour
	// refreshRatio of the granted expiry elapses before re-registering.
	refreshRatio = 0.9
	byeTimeout   = 2 * time.Second
)

// ErrNoCall is returned for operations on an unknown call.
var ErrNoCall = errors.New("sipua: no such call")

// Config configures the user agent.
type Config struct {
	Listen    string // host:port for SIP over UDP
	UserAgent string
	SRTP      bool
	// PublicIP is advertised in Contact and SDP when set, otherwise the
	// address of the outbound interface is used.
	PublicIP net.IP
	PCMPath  string
	Logger   logrus.FieldLogger
}

type registration struct {
	id        engine.Identity
	state     engine.RegistrationState
	refreshAt time.Time
	busy      bool
}

type call struct {
	id        engine.CallID
	sipCallID string
	peer      string
	out       *sipgo.DialogClientSession
	in        *sipgo.DialogServerSession
	media     *mediaSession
	remote    Media
	formats   []string
	answered  bool
	verified  bool
	cancel    context.CancelFunc
}

// UA is a SIP user agent implementing engine.Engine.
type UA struct {
	cfg    Config
	log    logrus.FieldLogger
	host   net.IP
	bindIP net.IP

	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogCli *sipgo.DialogClientCache
	dialogSrv *sipgo.DialogServerCache
	contact   sip.ContactHeader

	events chan engine.Event
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	mu    sync.Mutex
	regs  []*registration
	calls map[engine.CallID]*call
	seq   int
}

var _ engine.Engine = (*UA)(nil)

// New creates the user agent and starts listening for requests.
func New(cfg Config) (*UA, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.PCMPath == "" {
		cfg.PCMPath = DefaultPCMPath
	}
	bind, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", cfg.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("listen port %q: %w", portStr, err)
	}

	u := &UA{
		cfg:    cfg,
		log:    cfg.Logger.WithField("component", "sipua"),
		host:   cfg.PublicIP,
		events: make(chan engine.Event, 64),
		now:    time.Now,
		calls:  make(map[engine.CallID]*call),
	}
	if ip := net.ParseIP(bind); ip != nil && !ip.IsUnspecified() {
		u.bindIP = ip
	}
	if u.host == nil {
		u.host = u.bindIP
	}
	if u.host == nil {
		u.host = outboundIP()
	}

	u.ua, err = sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	u.client, err = sipgo.NewClient(u.ua, sipgo.WithClientHostname(u.host.String()))
	if err != nil {
		u.ua.Close()
		return nil, fmt.Errorf("create sip client: %w", err)
	}
	u.server, err = sipgo.NewServer(u.ua)
	if err != nil {
		u.ua.Close()
		return nil, fmt.Errorf("create sip server: %w", err)
	}

	u.contact = sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: cfg.UserAgent, Host: u.host.String(), Port: port},
	}
	u.dialogCli = sipgo.NewDialogClientCache(u.client, u.contact)
	u.dialogSrv = sipgo.NewDialogServerCache(u.client, u.contact)

	u.server.OnInvite(u.onInvite)
	u.server.OnAck(u.onAck)
	u.server.OnBye(u.onBye)
	u.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})

	u.ctx, u.cancel = context.WithCancel(context.Background())
	go func() {
		err := u.server.ListenAndServe(u.ctx, "udp", cfg.Listen)
		if err != nil && u.ctx.Err() == nil {
			u.log.WithError(err).Error("sip listener stopped")
			u.push(engine.Event{Kind: engine.Error, Message: err.Error()})
		}
	}()

	u.log.WithFields(logrus.Fields{"listen": cfg.Listen, "advertise": u.host}).Info("sip user agent started")
	return u, nil
}

// outboundIP returns the local address used to reach the internet. No
// packet is sent.
func outboundIP() net.IP {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

func (u *UA) push(ev engine.Event) {
	select {
	case u.events <- ev:
	case <-u.ctx.Done():
	}
}

func (u *UA) nextID(prefix string) engine.CallID {
	u.seq++
	return engine.CallID(fmt.Sprintf("%s-%d", prefix, u.seq))
}

// Advertised returns the address placed in Contact headers and SDP.
func (u *UA) Advertised() net.IP { return u.host }

// Events returns the engine's notification channel.
func (u *UA) Events() <-chan engine.Event { return u.events }

// Iterate refreshes registrations that are close to expiry.
func (u *UA) Iterate() {
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, r := range u.regs {
		if r.state != engine.RegistrationOK || r.busy || now.Before(r.refreshAt) {
			continue
		}
		r.busy = true
		go u.refresh(r)
	}
}

func (u *UA) refresh(r *registration) {
	granted, err := u.register(u.ctx, r.id, RegisterExpiry)

	u.mu.Lock()
	defer u.mu.Unlock()
	r.busy = false
	if r.state != engine.RegistrationOK {
		return // unregistered meanwhile
	}
	if err != nil {
		u.log.WithError(err).WithField("proxy", r.id.AOR()).Warn("registration refresh failed")
		r.state = engine.RegistrationFailed
		return
	}
	r.refreshAt = u.now().Add(time.Duration(float64(granted) * refreshRatio))
}

// Register registers id with its server and blocks until it answers.
func (u *UA) Register(ctx context.Context, id engine.Identity) (engine.ProxyID, error) {
	r := &registration{id: id, state: engine.RegistrationProgress}
	u.mu.Lock()
	proxy := engine.ProxyID(len(u.regs))
	u.regs = append(u.regs, r)
	u.mu.Unlock()

	granted, err := u.register(ctx, id, RegisterExpiry)

	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		r.state = engine.RegistrationFailed
		return proxy, err
	}
	r.state = engine.RegistrationOK
	r.refreshAt = u.now().Add(time.Duration(float64(granted) * refreshRatio))
	return proxy, nil
}

// Unregister starts removing the binding. RegistrationState reports
// Cleared once the server has confirmed.
func (u *UA) Unregister(_ context.Context, proxy engine.ProxyID) error {
	u.mu.Lock()
	if int(proxy) < 0 || int(proxy) >= len(u.regs) {
		u.mu.Unlock()
		return fmt.Errorf("unknown proxy %d", proxy)
	}
	r := u.regs[proxy]
	r.state = engine.RegistrationProgress
	u.mu.Unlock()

	go func() {
		_, err := u.register(u.ctx, r.id, 0)
		u.mu.Lock()
		defer u.mu.Unlock()
		if err != nil {
			u.log.WithError(err).WithField("proxy", r.id.AOR()).Warn("unregister failed")
			r.state = engine.RegistrationFailed
			return
		}
		r.state = engine.RegistrationCleared
	}()
	return nil
}

// RegistrationState reports the state of proxy.
func (u *UA) RegistrationState(proxy engine.ProxyID) engine.RegistrationState {
	u.mu.Lock()
	defer u.mu.Unlock()
	if int(proxy) < 0 || int(proxy) >= len(u.regs) {
		return engine.RegistrationNone
	}
	return u.regs[proxy].state
}

func serverURI(id engine.Identity) (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri("sip:"+id.Server, &uri); err != nil {
		return uri, fmt.Errorf("server %q: %w", id.Server, err)
	}
	return uri, nil
}

func (u *UA) fromHeader(id engine.Identity, host string) *sip.FromHeader {
	from := &sip.FromHeader{
		DisplayName: id.Display,
		Address:     sip.Uri{Scheme: "sip", User: id.Username, Host: host},
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	return from
}

// register sends REGISTER, answering a digest challenge, and returns the
// expiry granted by the server. An expiry of zero removes the binding.
func (u *UA) register(ctx context.Context, id engine.Identity, expiry time.Duration) (time.Duration, error) {
	server, err := serverURI(id)
	if err != nil {
		return 0, err
	}

	req := sip.NewRequest(sip.REGISTER, server)
	req.AppendHeader(u.fromHeader(id, server.Host))
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: id.Username, Host: server.Host},
		Params:  sip.NewParams(),
	})
	contact := u.contact
	contact.Address.User = id.Username
	req.AppendHeader(&contact)
	exp := sip.ExpiresHeader(uint32(expiry / time.Second))
	req.AppendHeader(&exp)

	res, err := u.client.Do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("register %s: %w", id.AOR(), err)
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = u.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: id.Username,
			Password: id.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("register %s: %w", id.AOR(), err)
		}
	}
	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register %s: %d %s", id.AOR(), res.StatusCode, res.Reason)
	}

	granted := expiry
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil {
			granted = time.Duration(n) * time.Second
		}
	}
	return granted, nil
}

// defaultIdentity is the first identity with a live registration.
func (u *UA) defaultIdentity() (engine.Identity, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, r := range u.regs {
		if r.state == engine.RegistrationOK {
			return r.id, true
		}
	}
	return engine.Identity{}, false
}

// Invite starts an outgoing call. The answer is awaited in the background;
// progress arrives as OutgoingRinging, Connected, Ended or Error events.
func (u *UA) Invite(ctx context.Context, uri string) (engine.CallID, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(uri, &recipient); err != nil {
		return "", fmt.Errorf("parse %q: %w", uri, err)
	}
	id, ok := u.defaultIdentity()
	if !ok {
		return "", errors.New("no registered identity")
	}

	u.mu.Lock()
	callID := u.nextID("out")
	u.mu.Unlock()
	log := u.log.WithFields(logrus.Fields{"call": callID, "peer": uri})

	media, err := listenMedia(u.bindIP, callID, u.push, log)
	if err != nil {
		return "", fmt.Errorf("open media: %w", err)
	}
	offer, err := BuildOffer(uint64(u.now().Unix()), u.host, media.Port(), u.cfg.SRTP)
	if err != nil {
		media.Close()
		return "", err
	}

	server, err := serverURI(id)
	if err != nil {
		media.Close()
		return "", err
	}
	sess, err := u.dialogCli.Invite(ctx, recipient, offer,
		u.fromHeader(id, server.Host),
		sip.NewHeader("Content-Type", "application/sdp"),
	)
	if err != nil {
		media.Close()
		return "", fmt.Errorf("invite %s: %w", uri, err)
	}

	callCtx, cancel := context.WithCancel(u.ctx)
	c := &call{
		id:        callID,
		sipCallID: sess.InviteRequest.CallID().Value(),
		peer:      uri,
		out:       sess,
		media:     media,
		cancel:    cancel,
	}
	u.mu.Lock()
	u.calls[callID] = c
	u.mu.Unlock()

	go u.awaitAnswer(callCtx, c, id, log)
	return callID, nil
}

func (u *UA) awaitAnswer(ctx context.Context, c *call, id engine.Identity, log logrus.FieldLogger) {
	err := c.out.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: id.Username,
		Password: id.Password,
		OnResponse: func(res *sip.Response) error {
			if res.StatusCode == 180 || res.StatusCode == 183 {
				u.push(engine.Event{Kind: engine.OutgoingRinging, Call: c.id})
			}
			return nil
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return // terminated locally
		}
		log.WithError(err).Info("call not answered")
		u.drop(c.id)
		u.push(engine.Event{Kind: engine.Ended, Call: c.id, Message: err.Error()})
		return
	}

	remote, err := ParseSDP(c.out.InviteResponse.Body())
	if err != nil {
		log.WithError(err).Warn("unusable answer")
	}
	if err := c.out.Ack(ctx); err != nil {
		log.WithError(err).Warn("ack failed")
	}

	u.mu.Lock()
	c.answered = true
	c.remote = remote
	u.mu.Unlock()
	c.media.setEncryption(remote.Encryption)

	u.push(engine.Event{Kind: engine.Connected, Call: c.id})
	if remote.Encryption != "" && remote.Encryption != engine.EncryptionNone {
		u.push(engine.Event{Kind: engine.EncryptionChanged, Call: c.id, Encryption: remote.Encryption})
	}
}

func (u *UA) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	dlg, err := u.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		u.log.WithError(err).Warn("bad invite")
		tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}

	remote, err := ParseSDP(req.Body())
	var formats []string
	if err == nil {
		formats, err = Negotiate(remote.Formats)
	}
	if err != nil {
		u.log.WithError(err).Info("rejecting invite")
		dlg.Respond(488, "Not Acceptable Here", nil)
		dlg.Close()
		return
	}

	u.mu.Lock()
	c := &call{
		id:        u.nextID("in"),
		sipCallID: req.CallID().Value(),
		peer:      req.From().Address.String(),
		in:        dlg,
		remote:    remote,
		formats:   formats,
	}
	u.calls[c.id] = c
	u.mu.Unlock()

	if err := dlg.Respond(180, "Ringing", nil); err != nil {
		u.log.WithError(err).Warn("ringing response failed")
	}
	u.push(engine.Event{Kind: engine.IncomingReceived, Call: c.id, Peer: c.peer})

	// A caller that gives up before we answer ends the transaction.
	go func() {
		<-tx.Done()
		u.mu.Lock()
		_, live := u.calls[c.id]
		answered := c.answered
		u.mu.Unlock()
		if live && !answered {
			u.drop(c.id)
			u.push(engine.Event{Kind: engine.Ended, Call: c.id})
		}
	}()
}

func (u *UA) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := u.dialogSrv.ReadAck(req, tx); err != nil {
		u.log.WithError(err).Debug("ack outside dialog")
	}
}

func (u *UA) onBye(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := req.CallID().Value()
	u.mu.Lock()
	var c *call
	for _, cc := range u.calls {
		if cc.sipCallID == sipCallID {
			c = cc
			break
		}
	}
	u.mu.Unlock()
	if c == nil {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	var err error
	if c.in != nil {
		err = u.dialogSrv.ReadBye(req, tx)
	} else {
		err = u.dialogCli.ReadBye(req, tx)
	}
	if err != nil {
		u.log.WithError(err).WithField("call", c.id).Warn("bye handling failed")
	}
	u.drop(c.id)
	u.push(engine.Event{Kind: engine.Ended, Call: c.id})
}

// drop forgets a call and releases its media.
func (u *UA) drop(id engine.CallID) *call {
	u.mu.Lock()
	c, ok := u.calls[id]
	delete(u.calls, id)
	u.mu.Unlock()
	if !ok {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.media != nil {
		c.media.Close()
	}
	return c
}

func (u *UA) lookup(id engine.CallID) (*call, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCall, id)
	}
	return c, nil
}

// Accept answers an incoming call.
func (u *UA) Accept(_ context.Context, id engine.CallID) error {
	c, err := u.lookup(id)
	if err != nil {
		return err
	}
	if c.in == nil {
		return fmt.Errorf("accept %s: not an incoming call", id)
	}

	media, err := listenMedia(u.bindIP, id, u.push, u.log.WithField("call", id))
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}
	srtp := u.cfg.SRTP || c.remote.Encryption == engine.EncryptionSRTP
	answer, err := BuildSDP(uint64(u.now().Unix()), u.host, media.Port(), c.formats, srtp)
	if err != nil {
		media.Close()
		return err
	}
	media.setEncryption(c.remote.Encryption)

	u.mu.Lock()
	c.answered = true
	c.media = media
	u.mu.Unlock()

	if err := c.in.RespondSDP(answer); err != nil {
		u.drop(id)
		return fmt.Errorf("accept %s: %w", id, err)
	}

	u.push(engine.Event{Kind: engine.Connected, Call: id})
	if c.remote.Encryption != engine.EncryptionNone {
		u.push(engine.Event{Kind: engine.EncryptionChanged, Call: id, Encryption: c.remote.Encryption})
	}
	return nil
}

// Decline rejects an incoming call with 603 Decline or 486 Busy Here.
func (u *UA) Decline(_ context.Context, id engine.CallID, reason engine.Reason) error {
	c := u.drop(id)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNoCall, id)
	}
	if c.in == nil {
		return fmt.Errorf("decline %s: not an incoming call", id)
	}
	defer c.in.Close()

	var err error
	if reason == engine.ReasonBusy {
		err = c.in.Respond(486, "Busy Here", nil)
	} else {
		err = c.in.Respond(603, "Decline", nil)
	}
	if err != nil {
		return fmt.Errorf("decline %s: %w", id, err)
	}
	return nil
}

// Terminate hangs up a call in any state.
func (u *UA) Terminate(ctx context.Context, id engine.CallID) error {
	u.mu.Lock()
	c, ok := u.calls[id]
	answered := ok && c.answered
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCall, id)
	}

	ctx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()

	var err error
	switch {
	case c.out != nil && answered:
		err = c.out.Bye(ctx)
		c.out.Close()
	case c.out != nil:
		// Cancelling the answer wait abandons the INVITE.
		c.cancel()
		c.out.Close()
	case answered:
		err = c.in.Bye(ctx)
		c.in.Close()
	default:
		err = c.in.Respond(603, "Decline", nil)
		c.in.Close()
	}
	u.drop(id)
	u.push(engine.Event{Kind: engine.Ended, Call: id})
	if err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	return nil
}

// SetAuthenticationTokenVerified records the user's verdict on the SAS.
func (u *UA) SetAuthenticationTokenVerified(id engine.CallID, verified bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.calls[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCall, id)
	}
	c.verified = verified
	return nil
}

// CanCapture reports whether device can record.
func (u *UA) CanCapture(device string) bool {
	devices, err := ListSoundDevices(u.cfg.PCMPath)
	if err != nil {
		u.log.WithError(err).Debug("sound devices unavailable")
		return false
	}
	return canUse(devices, device, true)
}

// CanPlayback reports whether device can play.
func (u *UA) CanPlayback(device string) bool {
	devices, err := ListSoundDevices(u.cfg.PCMPath)
	if err != nil {
		u.log.WithError(err).Debug("sound devices unavailable")
		return false
	}
	return canUse(devices, device, false)
}

// Close hangs up every call and stops the user agent.
func (u *UA) Close() error {
	u.mu.Lock()
	ids := make([]engine.CallID, 0, len(u.calls))
	for id := range u.calls {
		ids = append(ids, id)
	}
	u.mu.Unlock()
	for _, id := range ids {
		u.drop(id)
	}

	u.cancel()
	var errs []error
	if err := u.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	if err := u.ua.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close user agent: %w", err))
	}
	return errors.Join(errs...)
}
