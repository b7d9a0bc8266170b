// Package auth issues single-use challenges and verifies that a peer's
// signature binds a claimed wallet identity to the key that produced it.
//
// Protocol violations (missing or expired challenge, malformed key or
// signature, rate limiting) surface as typed errors. A peer that simply
// fails the cryptographic or identity check is a normal negative outcome
// and is reported as (false, nil), never as an error.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
)

const (
	// NonceSize is the challenge nonce length in bytes.
	NonceSize = 32

	// ChallengeTTL is how long an unanswered challenge stays valid.
	ChallengeTTL = 60 * time.Second

	// RateLimitWindow is the fixed verification rate-limit window per peer.
	RateLimitWindow = 60 * time.Second

	// RateLimitMaxAttempts is the number of verification attempts accepted
	// per peer per window.
	RateLimitMaxAttempts = 100
)

// Challenge is a single-use random nonce bound to one peer.
type Challenge struct {
	Nonce     []byte    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Proof is the material a peer supplies to prove possession of the private
// key behind its claimed wallet address.
type Proof struct {
	WalletAddress string
	Signature     []byte
	PublicKey     []byte
}

// Service manages challenges and verification for nearby peers.
type Service struct {
	mu         sync.RWMutex
	challenges map[protocol.PeerID]*Challenge

	limiter *rateLimiter
	logger  *logging.ColoredLogger

	ttl time.Duration

	runMu     sync.Mutex
	sweepStop context.CancelFunc
}

// NewService creates an authentication service with the protocol defaults.
func NewService(logger *logging.ColoredLogger) *Service {
	return &Service{
		challenges: make(map[protocol.PeerID]*Challenge),
		limiter:    newRateLimiter(RateLimitMaxAttempts, RateLimitWindow),
		logger:     logger,
		ttl:        ChallengeTTL,
	}
}

// CreateChallenge generates a fresh random nonce for the peer, overwriting
// any challenge already pending for it. Only the newest challenge can be
// satisfied.
func (s *Service) CreateChallenge(peerID protocol.PeerID) (*Challenge, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.NewInternalError("failed to generate challenge nonce", err)
	}

	now := time.Now()
	ch := &Challenge{
		Nonce:     nonce,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.challenges[peerID] = ch
	s.mu.Unlock()

	s.logger.ComponentDebug(logging.ComponentAuth, "challenge created",
		zap.String("peer_id", string(peerID)),
		zap.Time("expires_at", ch.ExpiresAt))

	return &Challenge{
		Nonce:     append([]byte(nil), nonce...),
		CreatedAt: ch.CreatedAt,
		ExpiresAt: ch.ExpiresAt,
	}, nil
}

// VerifyPeer checks a proof against the peer's pending challenge.
//
// The stored challenge is consumed on the first call for the peer whatever
// the outcome; a caller that wants to retry after a malformed-proof error
// must request a new challenge. A cryptographically invalid signature or an
// address mismatch returns (false, nil).
func (s *Service) VerifyPeer(peerID protocol.PeerID, proof Proof) (bool, error) {
	// Rate limiting happens before the challenge is touched so a flooding
	// peer cannot burn its own pending challenge.
	if !s.limiter.allow(string(peerID)) {
		s.logger.ComponentWarn(logging.ComponentAuth, "verification rate limit exceeded",
			zap.String("peer_id", string(peerID)))
		return false, errors.NewRateLimitError(RateLimitMaxAttempts, s.limiter.retryAfter(string(peerID)))
	}

	// Single-use: remove unconditionally, success or failure.
	s.mu.Lock()
	ch, ok := s.challenges[peerID]
	if ok {
		delete(s.challenges, peerID)
	}
	s.mu.Unlock()

	if !ok {
		return false, errors.NewNotFoundError("challenge", string(peerID))
	}

	if time.Now().After(ch.ExpiresAt) {
		return false, errors.NewExpiredError("challenge", string(peerID))
	}

	if len(proof.PublicKey) != ed25519.PublicKeySize {
		return false, errors.NewValidationError("public_key", "malformed public key", len(proof.PublicKey))
	}

	if len(proof.Signature) != ed25519.SignatureSize {
		return false, errors.NewValidationError("signature", "malformed signature", len(proof.Signature))
	}

	if !ed25519.Verify(ed25519.PublicKey(proof.PublicKey), ch.Nonce, proof.Signature) {
		s.logger.ComponentDebug(logging.ComponentAuth, "signature verification failed",
			zap.String("peer_id", string(peerID)))
		return false, nil
	}

	// The canonical address is the base58 encoding of the verification key.
	// A valid signature under a key whose derived address differs from the
	// claim is an identity mismatch, not a protocol violation.
	derived := base58.Encode(proof.PublicKey)
	if derived != proof.WalletAddress {
		s.logger.ComponentDebug(logging.ComponentAuth, "wallet address mismatch",
			zap.String("peer_id", string(peerID)),
			zap.String("claimed", proof.WalletAddress))
		return false, nil
	}

	s.logger.ComponentInfo(logging.ComponentAuth, "peer verified",
		zap.String("peer_id", string(peerID)),
		zap.String("wallet", proof.WalletAddress))
	return true, nil
}

// CleanupExpiredChallenges purges challenges that expired without ever being
// consumed and returns the removed count.
func (s *Service) CleanupExpiredChallenges() int {
	now := time.Now()

	s.mu.Lock()
	removed := 0
	for peerID, ch := range s.challenges {
		if now.After(ch.ExpiresAt) {
			delete(s.challenges, peerID)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.ComponentDebug(logging.ComponentAuth, "expired challenges removed",
			zap.Int("count", removed))
	}
	return removed
}

// StartSweeper launches a periodic challenge and rate-limit cleanup task.
// The hosting process decides whether to run it; a second call while one is
// running is a no-op.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.sweepStop != nil {
		s.logger.ComponentWarn(logging.ComponentAuth, "sweeper already running")
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.sweepStop = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				s.CleanupExpiredChallenges()
				s.limiter.cleanup(2 * RateLimitWindow)
			}
		}
	}()
}

// StopSweeper cancels the periodic cleanup task.
func (s *Service) StopSweeper() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.sweepStop != nil {
		s.sweepStop()
		s.sweepStop = nil
	}
}

// DeriveAddress returns the canonical base58 wallet address for an ed25519
// public key.
func DeriveAddress(publicKey ed25519.PublicKey) string {
	return base58.Encode(publicKey)
}
