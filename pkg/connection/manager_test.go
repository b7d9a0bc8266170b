package connection

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
)

// pipeTransport hands out the client half of a fresh in-memory pipe on each
// dial and exposes the server halves to the test.
type pipeTransport struct {
	transportType Type

	mu      sync.Mutex
	servers []net.Conn
	fail    bool
	dials   int
}

func (p *pipeTransport) Type() Type { return p.transportType }

func (p *pipeTransport) Dial(_ context.Context, _ string) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if p.fail {
		return nil, errors.New("dial refused")
	}
	client, server := net.Pipe()
	p.servers = append(p.servers, server)
	return client, nil
}

func (p *pipeTransport) lastServer() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.servers[len(p.servers)-1]
}

func newTestConnManager(t *testing.T, transports []Transport, opts Options) *Manager {
	t.Helper()
	logger, err := logging.NewColoredLogger(logging.ComponentConnect, false)
	require.NoError(t, err)
	m := NewManager(protocol.PeerID("local"), transports, opts, logger)
	t.Cleanup(m.Close)
	return m
}

func wifiEndpoint(id string) Endpoint {
	return Endpoint{PeerID: protocol.PeerID(id), Method: protocol.MethodWiFi, Addr: "10.0.0.2:9"}
}

// TestConnect_DeliversMessages verifies frames written by a connected peer
// reach the registered handler and outbound sends reach the peer.
func TestConnect_DeliversMessages(t *testing.T) {
	transport := &pipeTransport{transportType: TransportTCP}
	m := newTestConnManager(t, []Transport{transport}, Options{PingInterval: time.Hour})

	received := make(chan *protocol.Envelope, 1)
	m.OnMessage(func(_ protocol.PeerID, env *protocol.Envelope) {
		received <- env
	})

	require.NoError(t, m.Connect(context.Background(), wifiEndpoint("remote")))
	server := transport.lastServer()

	// Inbound: remote writes a frame, the handler sees it.
	env, err := protocol.NewEnvelope(protocol.MessageTypeStatusGossip, protocol.PeerID("remote"),
		protocol.StatusGossipPayload{PeerID: protocol.PeerID("remote"), Status: "online"})
	require.NoError(t, err)
	go func() { _ = protocol.WriteFrame(server, env) }()

	select {
	case got := <-received:
		assert.Equal(t, protocol.MessageTypeStatusGossip, got.Type)
	case <-time.After(time.Second):
		t.Fatal("handler never saw the inbound frame")
	}

	// Outbound: Send lands on the remote side of the pipe.
	out, err := protocol.NewEnvelope(protocol.MessageTypePriceUpdate, protocol.PeerID("local"),
		protocol.PriceUpdatePayload{Asset: "GEM", Price: 1.25})
	require.NoError(t, err)
	require.NoError(t, m.Send(protocol.PeerID("remote"), out))

	got, err := protocol.ReadFrame(server)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypePriceUpdate, got.Type)
}

// TestConnect_FallsBackToNextTransport verifies the second transport in the
// fallback order is used when the first keeps refusing.
func TestConnect_FallsBackToNextTransport(t *testing.T) {
	webrtc := &pipeTransport{transportType: TransportWebRTC, fail: true}
	tcp := &pipeTransport{transportType: TransportTCP}
	m := newTestConnManager(t, []Transport{webrtc, tcp}, Options{
		PingInterval:   time.Hour,
		DialMaxTries:   2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})

	require.NoError(t, m.Connect(context.Background(), wifiEndpoint("remote")))

	assert.Equal(t, 2, webrtc.dials)
	assert.Equal(t, 1, tcp.dials)

	q, err := m.Health(protocol.PeerID("remote"))
	require.NoError(t, err)
	assert.Equal(t, TransportTCP, q.Transport)
}

// TestConnect_AllTransportsFail verifies the terminal error when every
// eligible transport refuses.
func TestConnect_AllTransportsFail(t *testing.T) {
	tcp := &pipeTransport{transportType: TransportTCP, fail: true}
	m := newTestConnManager(t, []Transport{tcp}, Options{
		PingInterval:   time.Hour,
		DialMaxTries:   2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})

	err := m.Connect(context.Background(), wifiEndpoint("remote"))
	assert.True(t, errors.IsServiceUnavailable(err))
	assert.Empty(t, m.ConnectedPeers())
}

// TestSend_NotConnected verifies sending to an unknown peer.
func TestSend_NotConnected(t *testing.T) {
	m := newTestConnManager(t, []Transport{&pipeTransport{transportType: TransportTCP}}, Options{PingInterval: time.Hour})

	env, err := protocol.NewEnvelope(protocol.MessageTypePing, protocol.PeerID("local"), nil)
	require.NoError(t, err)
	assert.True(t, errors.IsNotFound(m.Send(protocol.PeerID("ghost"), env)))
}

// TestSend_QueueFull verifies Send fails fast instead of blocking when the
// peer's queue is saturated and nothing drains the pipe.
func TestSend_QueueFull(t *testing.T) {
	transport := &pipeTransport{transportType: TransportTCP}
	m := newTestConnManager(t, []Transport{transport}, Options{
		PingInterval:  time.Hour,
		SendQueueSize: 1,
	})

	require.NoError(t, m.Connect(context.Background(), wifiEndpoint("remote")))

	env, err := protocol.NewEnvelope(protocol.MessageTypePing, protocol.PeerID("local"), nil)
	require.NoError(t, err)

	// Nobody reads the server half, so the write loop blocks on the first
	// frame; the queue then fills.
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := m.Send(protocol.PeerID("remote"), env); errors.IsServiceUnavailable(err) {
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull)
}

// TestDisconnect verifies teardown removes the peer and closes its conn.
func TestDisconnect(t *testing.T) {
	transport := &pipeTransport{transportType: TransportTCP}
	m := newTestConnManager(t, []Transport{transport}, Options{PingInterval: time.Hour})

	require.NoError(t, m.Connect(context.Background(), wifiEndpoint("remote")))
	require.Len(t, m.ConnectedPeers(), 1)

	m.Disconnect(protocol.PeerID("remote"))
	assert.Empty(t, m.ConnectedPeers())

	_, err := m.Health(protocol.PeerID("remote"))
	assert.True(t, errors.IsNotFound(err))

	// The remote side observes the close.
	server := transport.lastServer()
	server.SetReadDeadline(time.Now().Add(time.Second))
	_, err = protocol.ReadFrame(server)
	assert.Error(t, err)
}

// TestPing_UpdatesQuality verifies the ping loop answers are folded into
// latency metrics.
func TestPing_UpdatesQuality(t *testing.T) {
	transport := &pipeTransport{transportType: TransportTCP}
	m := newTestConnManager(t, []Transport{transport}, Options{
		PingInterval: 10 * time.Millisecond,
	})

	require.NoError(t, m.Connect(context.Background(), wifiEndpoint("remote")))
	server := transport.lastServer()

	// Echo pings back as pongs like a remote node would.
	var echoed atomic.Int32
	go func() {
		for {
			env, err := protocol.ReadFrame(server)
			if err != nil {
				return
			}
			if env.Type != protocol.MessageTypePing {
				continue
			}
			var ping protocol.PingPayload
			if err := env.Decode(&ping); err != nil {
				continue
			}
			pong, err := protocol.NewEnvelope(protocol.MessageTypePong, protocol.PeerID("remote"),
				protocol.PongPayload{Seq: ping.Seq, SentAt: ping.SentAt})
			if err != nil {
				continue
			}
			if err := protocol.WriteFrame(server, pong); err != nil {
				return
			}
			echoed.Add(1)
		}
	}()

	require.Eventually(t, func() bool {
		return echoed.Load() >= 2
	}, time.Second, 10*time.Millisecond)

	q, err := m.Health(protocol.PeerID("remote"))
	require.NoError(t, err)
	assert.Equal(t, TransportTCP, q.Transport)
	assert.False(t, q.ConnectedAt.IsZero())
}

// TestConnect_ReplacesExisting verifies reconnecting to the same peer drops
// the old conn first.
func TestConnect_ReplacesExisting(t *testing.T) {
	transport := &pipeTransport{transportType: TransportTCP}
	m := newTestConnManager(t, []Transport{transport}, Options{PingInterval: time.Hour})

	require.NoError(t, m.Connect(context.Background(), wifiEndpoint("remote")))
	first := transport.lastServer()

	require.NoError(t, m.Connect(context.Background(), wifiEndpoint("remote")))
	require.Len(t, m.ConnectedPeers(), 1)

	first.SetReadDeadline(time.Now().Add(time.Second))
	_, err := protocol.ReadFrame(first)
	assert.Error(t, err)
}
