package connection

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
)

const (
	defaultSendQueueSize  = 64
	defaultPingInterval   = 15 * time.Second
	defaultDialMaxTries   = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// Endpoint describes how to reach a discovered peer.
type Endpoint struct {
	PeerID         protocol.PeerID
	Method         protocol.DiscoveryMethod
	Addr           string
	SignalStrength *int
}

// Quality carries per-peer connection metrics used for transport fallback.
type Quality struct {
	Transport         Type      `json:"transport"`
	LatencyMs         float64   `json:"latency_ms"`
	PacketLossPercent float64   `json:"packet_loss_percent"`
	SignalStrength    *int      `json:"signal_strength,omitempty"`
	ConnectedAt       time.Time `json:"connected_at"`
}

// Handler receives inbound peer messages. Ping/Pong frames are consumed by
// the manager itself and never reach the handler.
type Handler func(peerID protocol.PeerID, env *protocol.Envelope)

// Options tunes the manager. The zero value selects defaults.
type Options struct {
	SendQueueSize  int
	PingInterval   time.Duration
	DialMaxTries   int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = defaultSendQueueSize
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaultPingInterval
	}
	if out.DialMaxTries <= 0 {
		out.DialMaxTries = defaultDialMaxTries
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = defaultInitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = defaultMaxBackoff
	}
	return out
}

// Manager establishes and maintains logical connections to peers. Each peer
// gets its own reader and writer goroutines so one peer's I/O never blocks
// another's.
type Manager struct {
	mu    sync.RWMutex
	conns map[protocol.PeerID]*peerConn

	transports map[Type]Transport
	order      map[protocol.DiscoveryMethod][]Type

	handlerMu sync.RWMutex
	handler   Handler

	localID      protocol.PeerID
	opts         Options
	helloTimeout time.Duration
	logger       *logging.ColoredLogger
}

type peerConn struct {
	endpoint  Endpoint
	transport Type
	conn      net.Conn
	sendCh    chan *protocol.Envelope
	cancel    context.CancelFunc

	qualityMu sync.Mutex
	quality   Quality
	pingSeq   uint64
	pingsSent uint64
	pongsRecv uint64
}

// NewManager creates a connection manager. The transport fallback order is
// WebRTC then TCP for WiFi-discovered peers and BLE for Bluetooth ones;
// transports not present in the given set are skipped.
func NewManager(localID protocol.PeerID, transports []Transport, opts Options, logger *logging.ColoredLogger) *Manager {
	byType := make(map[Type]Transport, len(transports))
	for _, t := range transports {
		byType[t.Type()] = t
	}
	return &Manager{
		conns:      make(map[protocol.PeerID]*peerConn),
		transports: byType,
		order: map[protocol.DiscoveryMethod][]Type{
			protocol.MethodWiFi:      {TransportWebRTC, TransportTCP},
			protocol.MethodBluetooth: {TransportBLE, TransportTCP},
		},
		localID:      localID,
		opts:         opts.withDefaults(),
		helloTimeout: inboundHelloTimeout,
		logger:       logger,
	}
}

// OnMessage registers the inbound message handler.
func (m *Manager) OnMessage(h Handler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

// Connect establishes a connection to the peer, trying each transport
// eligible for its discovery method in fallback order. Each transport is
// dialed with bounded retry and capped exponential backoff. An existing
// connection to the peer is torn down first.
func (m *Manager) Connect(ctx context.Context, ep Endpoint) error {
	m.Disconnect(ep.PeerID)

	var lastErr error
	for _, transportType := range m.order[ep.Method] {
		transport, ok := m.transports[transportType]
		if !ok {
			continue
		}

		conn, err := m.dialWithRetry(ctx, transport, ep.Addr)
		if err != nil {
			m.logger.ComponentWarn(logging.ComponentConnect, "transport dial failed",
				zap.String("peer_id", string(ep.PeerID)),
				zap.String("transport", string(transportType)),
				zap.Error(err))
			lastErr = err
			continue
		}

		m.register(ep, transportType, conn)
		m.logger.ComponentInfo(logging.ComponentConnect, "peer connected",
			zap.String("peer_id", string(ep.PeerID)),
			zap.String("transport", string(transportType)))
		return nil
	}

	if lastErr == nil {
		return errors.Newf("no transport available for method %s", ep.Method)
	}
	return errors.NewServiceError("transport", "all transports failed", 0, lastErr)
}

func (m *Manager) dialWithRetry(ctx context.Context, transport Transport, addr string) (net.Conn, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.opts.InitialBackoff
	expo.MaxInterval = m.opts.MaxBackoff

	return backoff.Retry(ctx, func() (net.Conn, error) {
		return transport.Dial(ctx, addr)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(m.opts.DialMaxTries)))
}

func (m *Manager) register(ep Endpoint, transportType Type, conn net.Conn) *peerConn {
	ctx, cancel := context.WithCancel(context.Background())
	pc := &peerConn{
		endpoint:  ep,
		transport: transportType,
		conn:      conn,
		sendCh:    make(chan *protocol.Envelope, m.opts.SendQueueSize),
		cancel:    cancel,
		quality: Quality{
			Transport:      transportType,
			SignalStrength: ep.SignalStrength,
			ConnectedAt:    time.Now(),
		},
	}

	m.mu.Lock()
	m.conns[ep.PeerID] = pc
	m.mu.Unlock()

	go m.readLoop(ctx, pc)
	go m.writeLoop(ctx, pc)
	go m.pingLoop(ctx, pc)
	return pc
}

// Send queues a message to the peer. It fails fast with a service error if
// the peer's send queue is full rather than blocking the caller.
func (m *Manager) Send(peerID protocol.PeerID, env *protocol.Envelope) error {
	m.mu.RLock()
	pc, ok := m.conns[peerID]
	m.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError("connection", string(peerID))
	}

	select {
	case pc.sendCh <- env:
		return nil
	default:
		return errors.NewServiceError("connection", "send queue full", 0, nil)
	}
}

// Health returns the current quality metrics for a connected peer.
func (m *Manager) Health(peerID protocol.PeerID) (Quality, error) {
	m.mu.RLock()
	pc, ok := m.conns[peerID]
	m.mu.RUnlock()
	if !ok {
		return Quality{}, errors.NewNotFoundError("connection", string(peerID))
	}

	pc.qualityMu.Lock()
	defer pc.qualityMu.Unlock()
	return pc.quality, nil
}

// ConnectedPeers lists the peers with a live connection.
func (m *Manager) ConnectedPeers() []protocol.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]protocol.PeerID, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// Disconnect tears down the connection to a peer, if any.
func (m *Manager) Disconnect(peerID protocol.PeerID) {
	m.mu.Lock()
	pc, ok := m.conns[peerID]
	if ok {
		delete(m.conns, peerID)
	}
	m.mu.Unlock()

	if ok {
		pc.cancel()
		pc.conn.Close()
		m.logger.ComponentDebug(logging.ComponentConnect, "peer disconnected",
			zap.String("peer_id", string(peerID)))
	}
}

// Redial tears down and re-establishes the connection to a peer.
func (m *Manager) Redial(ctx context.Context, peerID protocol.PeerID) error {
	m.mu.RLock()
	pc, ok := m.conns[peerID]
	m.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError("connection", string(peerID))
	}
	return m.Connect(ctx, pc.endpoint)
}

// Close tears down every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[protocol.PeerID]*peerConn)
	m.mu.Unlock()

	for _, pc := range conns {
		pc.cancel()
		pc.conn.Close()
	}
}

func (m *Manager) readLoop(ctx context.Context, pc *peerConn) {
	for {
		env, err := protocol.ReadFrame(pc.conn)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.ComponentWarn(logging.ComponentConnect, "read failed, dropping peer",
					zap.String("peer_id", string(pc.endpoint.PeerID)),
					zap.Error(err))
				m.Disconnect(pc.endpoint.PeerID)
			}
			return
		}

		m.dispatch(pc, env)
	}
}

func (m *Manager) dispatch(pc *peerConn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypePing:
		m.answerPing(pc, env)
	case protocol.MessageTypePong:
		m.recordPong(pc, env)
	default:
		m.handlerMu.RLock()
		handler := m.handler
		m.handlerMu.RUnlock()
		if handler != nil {
			handler(pc.endpoint.PeerID, env)
		}
	}
}

func (m *Manager) writeLoop(ctx context.Context, pc *peerConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-pc.sendCh:
			if err := protocol.WriteFrame(pc.conn, env); err != nil {
				if ctx.Err() == nil {
					m.logger.ComponentWarn(logging.ComponentConnect, "write failed, dropping peer",
						zap.String("peer_id", string(pc.endpoint.PeerID)),
						zap.Error(err))
					m.Disconnect(pc.endpoint.PeerID)
				}
				return
			}
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, pc *peerConn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pc.qualityMu.Lock()
			pc.pingSeq++
			seq := pc.pingSeq
			pc.pingsSent++
			pc.qualityMu.Unlock()

			env, err := protocol.NewEnvelope(protocol.MessageTypePing, m.localID, protocol.PingPayload{
				Seq:    seq,
				SentAt: time.Now().UTC(),
			})
			if err != nil {
				continue
			}
			// Best effort; a full queue just counts toward packet loss.
			_ = m.Send(pc.endpoint.PeerID, env)
		}
	}
}

func (m *Manager) answerPing(pc *peerConn, env *protocol.Envelope) {
	var ping protocol.PingPayload
	if err := env.Decode(&ping); err != nil {
		return
	}
	pong, err := protocol.NewEnvelope(protocol.MessageTypePong, m.localID, protocol.PongPayload{
		Seq:    ping.Seq,
		SentAt: ping.SentAt,
	})
	if err != nil {
		return
	}
	_ = m.Send(pc.endpoint.PeerID, pong)
}

func (m *Manager) recordPong(pc *peerConn, env *protocol.Envelope) {
	var pong protocol.PongPayload
	if err := env.Decode(&pong); err != nil {
		return
	}

	rtt := time.Since(pong.SentAt)

	pc.qualityMu.Lock()
	pc.pongsRecv++
	// Exponentially weighted latency so a single slow probe does not
	// dominate the fallback decision.
	if pc.quality.LatencyMs == 0 {
		pc.quality.LatencyMs = float64(rtt.Milliseconds())
	} else {
		pc.quality.LatencyMs = 0.8*pc.quality.LatencyMs + 0.2*float64(rtt.Milliseconds())
	}
	if pc.pingsSent > 0 {
		lost := pc.pingsSent - pc.pongsRecv
		pc.quality.PacketLossPercent = 100 * float64(lost) / float64(pc.pingsSent)
	}
	pc.qualityMu.Unlock()
}
