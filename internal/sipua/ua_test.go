package sipua

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/dialtone/internal/engine"
)

// registrar is a minimal SIP registrar accepting alice and refusing others.
type registrar struct {
	addr string

	mu      sync.Mutex
	expires []string
}

func newRegistrar(t *testing.T) *registrar {
	t.Helper()
	ua, err := sipgo.NewUA()
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)

	r := &registrar{}
	srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
		if req.To().Address.User != "alice" {
			tx.Respond(sip.NewResponseFromRequest(req, 403, "Forbidden", nil))
			return
		}
		exp := "3600"
		if h := req.GetHeader("Expires"); h != nil {
			exp = h.Value()
		}
		r.mu.Lock()
		r.expires = append(r.expires, exp)
		r.mu.Unlock()

		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		res.AppendHeader(sip.NewHeader("Expires", exp))
		tx.Respond(res)
	})

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.ServeUDP(conn)
	t.Cleanup(func() {
		conn.Close()
		ua.Close()
	})
	r.addr = conn.LocalAddr().String()
	return r
}

func (r *registrar) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.expires...)
}

func freeUDP(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func newTestUA(t *testing.T) *UA {
	t.Helper()
	u, err := New(Config{
		Listen:    freeUDP(t),
		UserAgent: "dialtone",
		PublicIP:  net.IPv4(127, 0, 0, 1),
		Logger:    discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { u.Close() })
	// Give the listener a moment to bind.
	time.Sleep(50 * time.Millisecond)
	return u
}

func TestRegisterRefreshAndUnregister(t *testing.T) {
	reg := newRegistrar(t)
	u := newTestUA(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proxy, err := u.Register(ctx, engine.Identity{Username: "alice", Server: reg.addr})
	require.NoError(t, err)
	assert.Equal(t, engine.RegistrationOK, u.RegistrationState(proxy))

	// Past 90% of the granted hour the binding is refreshed.
	start := time.Now()
	u.now = func() time.Time { return start.Add(55 * time.Minute) }
	u.Iterate()
	assert.Eventually(t, func() bool { return len(reg.seen()) == 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, u.Unregister(ctx, proxy))
	assert.Eventually(t, func() bool {
		return u.RegistrationState(proxy) == engine.RegistrationCleared
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"3600", "3600", "0"}, reg.seen())
}

func TestRegisterRefused(t *testing.T) {
	reg := newRegistrar(t)
	u := newTestUA(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proxy, err := u.Register(ctx, engine.Identity{Username: "mallory", Server: reg.addr})
	assert.ErrorContains(t, err, "403")
	assert.Equal(t, engine.RegistrationFailed, u.RegistrationState(proxy))
}

func TestUnknownProxyAndCall(t *testing.T) {
	u := newTestUA(t)
	ctx := context.Background()

	assert.Equal(t, engine.RegistrationNone, u.RegistrationState(7))
	assert.Error(t, u.Unregister(ctx, 7))

	assert.ErrorIs(t, u.Accept(ctx, "in-9"), ErrNoCall)
	assert.ErrorIs(t, u.Decline(ctx, "in-9", engine.ReasonBusy), ErrNoCall)
	assert.ErrorIs(t, u.Terminate(ctx, "in-9"), ErrNoCall)
	assert.ErrorIs(t, u.SetAuthenticationTokenVerified("in-9", true), ErrNoCall)

	_, err := u.Invite(ctx, "sip:105@example.org")
	assert.ErrorContains(t, err, "no registered identity")
}
