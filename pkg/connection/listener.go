package connection

import (
	"bufio"
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
)

const inboundHelloTimeout = 30 * time.Second

// Serve accepts inbound peer connections on ln until the context is
// cancelled or the listener fails. Both transports share the port: a dialer
// opening a WebRTC data channel starts with JSON signaling, a plain TCP
// dialer starts with a length-prefixed frame, and the first byte tells them
// apart. rtc may be nil to refuse WebRTC offers.
func (m *Manager) Serve(ctx context.Context, ln net.Listener, rtc *WebRTCTransport) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go m.handleInbound(ctx, conn, rtc)
	}
}

func (m *Manager) handleInbound(ctx context.Context, raw net.Conn, rtc *WebRTCTransport) {
	raw.SetReadDeadline(time.Now().Add(m.helloTimeout))

	br := bufio.NewReader(raw)
	first, err := br.Peek(1)
	if err != nil {
		raw.Close()
		return
	}

	var conn net.Conn = &bufferedConn{Conn: raw, r: br}
	transportType := TransportTCP

	// JSON signaling opens with '{'; a frame header for any legal size
	// starts with a zero byte.
	if first[0] == '{' {
		if rtc == nil {
			raw.Close()
			return
		}
		conn, err = rtc.handshakeServer(ctx, conn)
		if err != nil {
			m.logger.ComponentWarn(logging.ComponentConnect, "inbound webrtc handshake failed",
				zap.String("remote", raw.RemoteAddr().String()),
				zap.Error(err))
			raw.Close()
			return
		}
		// Frames flow over the data channel; the signaling socket is done.
		raw.Close()
		transportType = TransportWebRTC
	}

	// The first frame announces who the peer is.
	env, err := m.readGreeting(conn)
	if err != nil {
		m.logger.ComponentWarn(logging.ComponentConnect, "inbound peer sent no greeting",
			zap.String("remote", raw.RemoteAddr().String()),
			zap.Error(err))
		conn.Close()
		return
	}
	if env.From == "" {
		conn.Close()
		return
	}
	raw.SetReadDeadline(time.Time{})

	m.Disconnect(env.From)
	pc := m.register(Endpoint{
		PeerID: env.From,
		Method: protocol.MethodWiFi,
		Addr:   raw.RemoteAddr().String(),
	}, transportType, conn)

	m.logger.ComponentInfo(logging.ComponentConnect, "inbound peer connected",
		zap.String("peer_id", string(env.From)),
		zap.String("transport", string(transportType)))

	m.dispatch(pc, env)
}

// readGreeting reads the identifying first frame. Detached data channels
// have no-op deadlines, so the wait is bounded by a timer that closes the
// conn if the peer stays silent.
func (m *Manager) readGreeting(conn net.Conn) (*protocol.Envelope, error) {
	timer := time.AfterFunc(m.helloTimeout, func() { conn.Close() })
	defer timer.Stop()
	return protocol.ReadFrame(conn)
}

// bufferedConn keeps bytes already peeked by the inbound router readable.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
