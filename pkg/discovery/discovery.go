// Package discovery surfaces nearby peers observed over WiFi or Bluetooth.
// The radio-level scanning driver is a collaborator behind the Radio
// interface; this package owns the visible peer set, last-seen refresh,
// staleness eviction and denylist filtering.
package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
)

// DefaultStalenessWindow is how long a peer stays visible without being
// re-observed. Tunable per deployment; not a protocol contract.
const DefaultStalenessWindow = 2 * time.Minute

// Peer is a device observed by a scan.
type Peer struct {
	ID             protocol.PeerID          `json:"peer_id"`
	UserID         string                   `json:"user_id"`
	UserTag        string                   `json:"user_tag"`
	WalletAddress  string                   `json:"wallet_address"`
	Method         protocol.DiscoveryMethod `json:"discovery_method"`
	Addr           string                   `json:"addr,omitempty"`
	SignalStrength *int                     `json:"signal_strength,omitempty"`
	Verified       bool                     `json:"verified"`
	DiscoveredAt   time.Time                `json:"discovered_at"`
	LastSeen       time.Time                `json:"last_seen"`
}

// Sighting is a single radio observation of a nearby device.
type Sighting struct {
	PeerID         protocol.PeerID
	UserID         string
	UserTag        string
	WalletAddress  string
	Method         protocol.DiscoveryMethod
	Addr           string
	SignalStrength *int
}

// Radio is the scanning/advertising driver collaborator.
type Radio interface {
	// StartScan begins scanning with the given method and streams sightings
	// until the context is cancelled or StopScan is called.
	StartScan(ctx context.Context, method protocol.DiscoveryMethod) (<-chan Sighting, error)
	StopScan() error
}

// Denylist answers whether one user has blocked another.
type Denylist interface {
	IsBlocked(ctx context.Context, userID, blockedUserID string) (bool, error)
	BlockPeer(ctx context.Context, userID, blockedUserID string) error
}

// Service owns the discovered-peer registry for one local user.
type Service struct {
	mu    sync.RWMutex
	peers map[protocol.PeerID]*Peer

	radio    Radio
	denylist Denylist
	logger   *logging.ColoredLogger

	localUserID     string
	stalenessWindow time.Duration

	runMu   sync.Mutex
	stopRun context.CancelFunc
}

// NewService creates a discovery service for the given local user.
// denylist may be nil, in which case no filtering is applied.
func NewService(localUserID string, radio Radio, denylist Denylist, logger *logging.ColoredLogger) *Service {
	return &Service{
		peers:           make(map[protocol.PeerID]*Peer),
		radio:           radio,
		denylist:        denylist,
		logger:          logger,
		localUserID:     localUserID,
		stalenessWindow: DefaultStalenessWindow,
	}
}

// SetStalenessWindow overrides the eviction window. Zero restores the default.
func (s *Service) SetStalenessWindow(d time.Duration) {
	if d <= 0 {
		d = DefaultStalenessWindow
	}
	s.mu.Lock()
	s.stalenessWindow = d
	s.mu.Unlock()
}

// StartDiscovery begins scanning/advertising with the given method. Starting
// while already scanning restarts the scan with the new method.
func (s *Service) StartDiscovery(ctx context.Context, method protocol.DiscoveryMethod) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.stopRun != nil {
		s.stopRun()
		s.stopRun = nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	sightings, err := s.radio.StartScan(scanCtx, method)
	if err != nil {
		cancel()
		return errors.NewServiceError("radio", "failed to start scan", 0, err)
	}
	s.stopRun = cancel

	go s.consume(scanCtx, sightings)
	go s.evictLoop(scanCtx)

	s.logger.ComponentInfo(logging.ComponentDiscovery, "discovery started",
		zap.String("method", string(method)))
	return nil
}

// StopDiscovery stops scanning. The already-discovered peer set stays
// visible until it goes stale.
func (s *Service) StopDiscovery() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.stopRun == nil {
		return nil
	}
	s.stopRun()
	s.stopRun = nil

	if err := s.radio.StopScan(); err != nil {
		return errors.NewServiceError("radio", "failed to stop scan", 0, err)
	}

	s.logger.ComponentInfo(logging.ComponentDiscovery, "discovery stopped")
	return nil
}

// GetDiscoveredPeers returns the current visible peer set, excluding peers
// the local user has blocked.
func (s *Service) GetDiscoveredPeers(ctx context.Context) []Peer {
	s.mu.RLock()
	candidates := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		candidates = append(candidates, *p)
	}
	s.mu.RUnlock()

	if s.denylist == nil {
		return candidates
	}

	out := candidates[:0]
	for _, p := range candidates {
		blocked, err := s.denylist.IsBlocked(ctx, s.localUserID, p.UserID)
		if err != nil {
			s.logger.ComponentWarn(logging.ComponentDiscovery, "denylist lookup failed",
				zap.String("peer_id", string(p.ID)), zap.Error(err))
			continue
		}
		if !blocked {
			out = append(out, p)
		}
	}
	return out
}

// GetPeer returns one discovered peer.
func (s *Service) GetPeer(peerID protocol.PeerID) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[peerID]
	if !ok {
		return nil, errors.NewNotFoundError("peer", string(peerID))
	}
	cp := *p
	return &cp, nil
}

// BlockPeer records that the local user blocked another user and removes any
// of that user's devices from the visible set.
func (s *Service) BlockPeer(ctx context.Context, blockedUserID string) error {
	if s.denylist == nil {
		return errors.New("no denylist configured")
	}
	if err := s.denylist.BlockPeer(ctx, s.localUserID, blockedUserID); err != nil {
		return errors.Wrap(err, "failed to block peer")
	}

	s.mu.Lock()
	for id, p := range s.peers {
		if p.UserID == blockedUserID {
			delete(s.peers, id)
		}
	}
	s.mu.Unlock()

	s.logger.ComponentInfo(logging.ComponentDiscovery, "peer blocked",
		zap.String("blocked_user_id", blockedUserID))
	return nil
}

// MarkVerified flips the verified flag after a successful authentication
// check. Unknown peers are ignored; the peer may have gone stale between
// challenge and verification.
func (s *Service) MarkVerified(peerID protocol.PeerID) {
	s.mu.Lock()
	if p, ok := s.peers[peerID]; ok {
		p.Verified = true
	}
	s.mu.Unlock()
}

// consume folds radio sightings into the registry.
func (s *Service) consume(ctx context.Context, sightings <-chan Sighting) {
	for {
		select {
		case <-ctx.Done():
			return
		case sighting, ok := <-sightings:
			if !ok {
				return
			}
			s.observe(sighting)
		}
	}
}

func (s *Service) observe(sighting Sighting) {
	now := time.Now()

	s.mu.Lock()
	p, ok := s.peers[sighting.PeerID]
	if ok {
		p.LastSeen = now
		p.Method = sighting.Method
		p.SignalStrength = sighting.SignalStrength
		if sighting.Addr != "" {
			p.Addr = sighting.Addr
		}
	} else {
		s.peers[sighting.PeerID] = &Peer{
			ID:             sighting.PeerID,
			UserID:         sighting.UserID,
			UserTag:        sighting.UserTag,
			WalletAddress:  sighting.WalletAddress,
			Method:         sighting.Method,
			Addr:           sighting.Addr,
			SignalStrength: sighting.SignalStrength,
			DiscoveredAt:   now,
			LastSeen:       now,
		}
	}
	s.mu.Unlock()

	if !ok {
		s.logger.ComponentDebug(logging.ComponentDiscovery, "peer discovered",
			zap.String("peer_id", string(sighting.PeerID)),
			zap.String("user_tag", sighting.UserTag),
			zap.String("method", string(sighting.Method)))
	}
}

func (s *Service) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *Service) evictStale() {
	s.mu.Lock()
	cutoff := time.Now().Add(-s.stalenessWindow)
	evicted := 0
	for id, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			delete(s.peers, id)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.ComponentDebug(logging.ComponentDiscovery, "stale peers evicted",
			zap.Int("count", evicted))
	}
}
