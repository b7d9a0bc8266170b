package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearmesh/proximity/pkg/protocol"
)

// TestServe_InboundTCP verifies an inbound plain-TCP peer is registered
// under the identity its first frame announces, the frame reaches the
// handler, and the connection is then fully bidirectional.
func TestServe_InboundTCP(t *testing.T) {
	m := newTestConnManager(t, nil, Options{PingInterval: time.Hour})

	received := make(chan *protocol.Envelope, 1)
	m.OnMessage(func(_ protocol.PeerID, env *protocol.Envelope) {
		received <- env
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Serve(ctx, ln, nil)

	remote, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer remote.Close()

	hello, err := protocol.NewEnvelope(protocol.MessageTypeStatusGossip, protocol.PeerID("remote"),
		protocol.StatusGossipPayload{PeerID: protocol.PeerID("remote"), Status: "online"})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(remote, hello))

	select {
	case env := <-received:
		assert.Equal(t, protocol.MessageTypeStatusGossip, env.Type)
		assert.Equal(t, protocol.PeerID("remote"), env.From)
	case <-time.After(time.Second):
		t.Fatal("greeting never reached the handler")
	}

	require.Eventually(t, func() bool {
		return len(m.ConnectedPeers()) == 1
	}, time.Second, 5*time.Millisecond)

	// Outbound frames now flow back to the inbound peer.
	out, err := protocol.NewEnvelope(protocol.MessageTypePriceUpdate, protocol.PeerID("local"),
		protocol.PriceUpdatePayload{Asset: "GEM", Price: 2.5})
	require.NoError(t, err)
	require.NoError(t, m.Send(protocol.PeerID("remote"), out))

	got, err := protocol.ReadFrame(remote)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypePriceUpdate, got.Type)
}

// deadlineLessConn mimics a detached data-channel conn: deadlines are
// accepted but never enforced.
type deadlineLessConn struct {
	net.Conn
}

func (c *deadlineLessConn) SetDeadline(time.Time) error      { return nil }
func (c *deadlineLessConn) SetReadDeadline(time.Time) error  { return nil }
func (c *deadlineLessConn) SetWriteDeadline(time.Time) error { return nil }

// TestReadGreeting_SilentPeerTimesOut verifies the greeting wait is bounded
// even on conns whose deadlines are no-ops, so a peer that completes the
// handshake and goes silent cannot park the inbound goroutine forever.
func TestReadGreeting_SilentPeerTimesOut(t *testing.T) {
	m := newTestConnManager(t, nil, Options{PingInterval: time.Hour})
	m.helloTimeout = 50 * time.Millisecond

	local, remote := net.Pipe()
	defer remote.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.readGreeting(&deadlineLessConn{Conn: local})
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("greeting read never timed out")
	}
}

// TestServe_RejectsAnonymousGreeting verifies a first frame without a
// sender identity is dropped.
func TestServe_RejectsAnonymousGreeting(t *testing.T) {
	m := newTestConnManager(t, nil, Options{PingInterval: time.Hour})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Serve(ctx, ln, nil)

	remote, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer remote.Close()

	hello, err := protocol.NewEnvelope(protocol.MessageTypeStatusGossip, "", nil)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(remote, hello))

	// The manager closes the connection instead of registering the peer.
	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = remote.Read(buf)
	assert.Error(t, err)
	assert.Empty(t, m.ConnectedPeers())
}
