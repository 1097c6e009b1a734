package sipua

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLookupPublicAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "203.0.113.7\n")
	}))
	defer srv.Close()

	ip, err := LookupPublicAddress(context.Background(), srv.Client(), srv.URL, 10*time.Millisecond, discard())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip.String())
}

func TestLookupPublicAddressRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			io.WriteString(w, "not an address")
		default:
			io.WriteString(w, "198.51.100.4")
		}
	}))
	defer srv.Close()

	ip, err := LookupPublicAddress(context.Background(), srv.Client(), srv.URL, 5*time.Millisecond, discard())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", ip.String())
	assert.EqualValues(t, 3, hits.Load())
}

func TestLookupPublicAddressStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := LookupPublicAddress(ctx, srv.Client(), srv.URL, 10*time.Millisecond, discard())
	assert.Error(t, err)
}

// stunServer answers every binding request with a fixed mapped address.
func stunServer(t *testing.T, mapped net.IP) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: mapped, Port: addr.(*net.UDPAddr).Port},
			)
			if err != nil {
				continue
			}
			conn.WriteTo(res.Raw, addr)
		}
	}()
	return conn.LocalAddr().String()
}

func TestSTUNAddress(t *testing.T) {
	addr := stunServer(t, net.IPv4(203, 0, 113, 9))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ip, err := STUNAddress(ctx, addr)
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv4(203, 0, 113, 9)), "got %s", ip)
}

func TestPublicAddressPolicies(t *testing.T) {
	ip, err := PublicAddress(context.Background(), NATConfig{Policy: NATNone}, discard())
	require.NoError(t, err)
	assert.Nil(t, ip)

	_, err = PublicAddress(context.Background(), NATConfig{Policy: "upnp"}, discard())
	assert.Error(t, err)

	addr := stunServer(t, net.IPv4(192, 0, 2, 50))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ip, err = PublicAddress(ctx, NATConfig{Policy: NATSTUN, STUNServer: addr}, discard())
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv4(192, 0, 2, 50)))
}
