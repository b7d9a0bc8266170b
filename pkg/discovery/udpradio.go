package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
)

const (
	// BeaconPort is the UDP port presence beacons are exchanged on.
	BeaconPort = 8877

	// beaconInterval is how often the local beacon is broadcast.
	beaconInterval = 5 * time.Second

	defaultSignalPort = 9443

	beaconMagic   = "NEARMESH_BEACON"
	beaconBufSize = 2048
)

// beacon is the presence datagram broadcast on the local network.
type beacon struct {
	Magic         string          `json:"magic"`
	PeerID        protocol.PeerID `json:"peer_id"`
	UserID        string          `json:"user_id"`
	UserTag       string          `json:"user_tag"`
	WalletAddress string          `json:"wallet_address"`
	ConnectAddr   string          `json:"connect_addr"`
}

// Identity is the local presence advertised by a UDPRadio.
type Identity struct {
	PeerID        protocol.PeerID
	UserID        string
	UserTag       string
	WalletAddress string

	// ConnectAddr is the TCP address peers should dial for signaling.
	ConnectAddr string
}

// UDPRadio discovers peers on the local network by broadcasting a JSON
// presence beacon over UDP and listening for beacons from others. It covers
// the WiFi discovery method; Bluetooth scanning comes from a platform
// driver implementing Radio.
type UDPRadio struct {
	identity Identity
	port     int
	logger   *logging.ColoredLogger

	mu     sync.Mutex
	conn   net.PacketConn
	cancel context.CancelFunc
}

// NewUDPRadio creates a broadcast radio advertising the given identity.
// port 0 selects the default beacon port.
func NewUDPRadio(identity Identity, port int, logger *logging.ColoredLogger) *UDPRadio {
	if port == 0 {
		port = BeaconPort
	}
	return &UDPRadio{identity: identity, port: port, logger: logger}
}

// StartScan implements Radio. Only the WiFi method is supported.
func (r *UDPRadio) StartScan(ctx context.Context, method protocol.DiscoveryMethod) (<-chan Sighting, error) {
	if method != protocol.MethodWiFi {
		return nil, errors.Newf("udp radio does not support method %s", method)
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", r.port))
	if err != nil {
		return nil, errors.NewServiceError("radio", "failed to bind beacon port", 0, err)
	}

	scanCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.conn = conn
	r.cancel = cancel
	r.mu.Unlock()

	out := make(chan Sighting, 16)
	go r.receive(scanCtx, conn, out)
	go r.advertise(scanCtx, conn)
	return out, nil
}

// StopScan implements Radio.
func (r *UDPRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	return nil
}

func (r *UDPRadio) receive(ctx context.Context, conn net.PacketConn, out chan<- Sighting) {
	defer close(out)

	buf := make([]byte, beaconBufSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.ComponentWarn(logging.ComponentDiscovery, "beacon read failed",
					zap.Error(err))
			}
			return
		}

		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil || b.Magic != beaconMagic {
			continue
		}
		// Our own broadcast loops back.
		if b.PeerID == r.identity.PeerID {
			continue
		}

		// Without an explicit connect address, assume the default peer
		// listener port on the beacon's source IP.
		connectAddr := b.ConnectAddr
		if connectAddr == "" {
			if udpAddr, ok := from.(*net.UDPAddr); ok {
				connectAddr = net.JoinHostPort(udpAddr.IP.String(), strconv.Itoa(defaultSignalPort))
			}
		}

		sighting := Sighting{
			PeerID:        b.PeerID,
			UserID:        b.UserID,
			UserTag:       b.UserTag,
			WalletAddress: b.WalletAddress,
			Method:        protocol.MethodWiFi,
			Addr:          connectAddr,
		}

		select {
		case out <- sighting:
		case <-ctx.Done():
			return
		}
	}
}

func (r *UDPRadio) advertise(ctx context.Context, conn net.PacketConn) {
	payload, err := json.Marshal(beacon{
		Magic:         beaconMagic,
		PeerID:        r.identity.PeerID,
		UserID:        r.identity.UserID,
		UserTag:       r.identity.UserTag,
		WalletAddress: r.identity.WalletAddress,
		ConnectAddr:   r.identity.ConnectAddr,
	})
	if err != nil {
		r.logger.ComponentError(logging.ComponentDiscovery, "failed to encode beacon",
			zap.Error(err))
		return
	}

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: r.port}

	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()

	for {
		if _, err := conn.WriteTo(payload, dest); err != nil && ctx.Err() == nil {
			r.logger.ComponentDebug(logging.ComponentDiscovery, "beacon send failed",
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
