package sipua

import (
	"errors"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/dialtone/internal/engine"
	"github.com/sweeney/dialtone/internal/metrics"
)

// mediaSession owns the RTP socket of one call. Packets are validated and
// counted; the first one marks the streams as running.
type mediaSession struct {
	conn  *net.UDPConn
	call  engine.CallID
	emit  func(engine.Event)
	log   logrus.FieldLogger
	done  chan struct{}
	close sync.Once

	mu  sync.Mutex
	enc engine.Encryption
}

func listenMedia(ip net.IP, call engine.CallID, emit func(engine.Event), log logrus.FieldLogger) (*mediaSession, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip})
	if err != nil {
		return nil, err
	}
	m := &mediaSession{
		conn: conn,
		call: call,
		emit: emit,
		log:  log.WithField("rtp", conn.LocalAddr().String()),
		enc:  engine.EncryptionNone,
		done: make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *mediaSession) setEncryption(enc engine.Encryption) {
	m.mu.Lock()
	m.enc = enc
	m.mu.Unlock()
}

func (m *mediaSession) encryption() engine.Encryption {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enc
}

// Port returns the local RTP port.
func (m *mediaSession) Port() int {
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

func (m *mediaSession) run() {
	defer close(m.done)
	buf := make([]byte, 1500)
	started := false
	for {
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.log.WithError(err).Warn("rtp read failed")
			}
			return
		}
		var p rtp.Packet
		if err := p.Unmarshal(buf[:n]); err != nil || p.Version != 2 {
			continue
		}
		metrics.RTPPackets.Inc()
		if !started {
			started = true
			m.log.WithField("ssrc", p.SSRC).Debug("first rtp packet")
			m.emit(engine.Event{Kind: engine.StreamsRunning, Call: m.call, Encryption: m.encryption()})
		}
	}
}

// Close stops the reader and waits for it to exit.
func (m *mediaSession) Close() {
	m.close.Do(func() {
		m.conn.Close()
		<-m.done
	})
}
