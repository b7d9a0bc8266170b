package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger, err := logging.NewColoredLogger(logging.ComponentAuth, false)
	require.NoError(t, err)
	return NewService(logger)
}

func newKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

// TestVerifyPeer_ValidProof verifies the full challenge/response round trip:
// sign the nonce, present the signature with the matching wallet address.
func TestVerifyPeer_ValidProof(t *testing.T) {
	svc := newTestService(t)
	pub, priv := newKeypair(t)
	peerID := protocol.PeerID("peer-1")

	ch, err := svc.CreateChallenge(peerID)
	require.NoError(t, err)
	require.Len(t, ch.Nonce, NonceSize)

	ok, err := svc.VerifyPeer(peerID, Proof{
		WalletAddress: DeriveAddress(pub),
		Signature:     ed25519.Sign(priv, ch.Nonce),
		PublicKey:     pub,
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestVerifyPeer_WrongKey verifies that a signature from a different key is
// a negative outcome, not an error.
func TestVerifyPeer_WrongKey(t *testing.T) {
	svc := newTestService(t)
	pub, _ := newKeypair(t)
	_, otherPriv := newKeypair(t)
	peerID := protocol.PeerID("peer-1")

	ch, err := svc.CreateChallenge(peerID)
	require.NoError(t, err)

	ok, err := svc.VerifyPeer(peerID, Proof{
		WalletAddress: DeriveAddress(pub),
		Signature:     ed25519.Sign(otherPriv, ch.Nonce),
		PublicKey:     pub,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestVerifyPeer_AddressMismatch verifies that a valid signature under a key
// whose derived address differs from the claim fails without an error.
func TestVerifyPeer_AddressMismatch(t *testing.T) {
	svc := newTestService(t)
	pub, priv := newKeypair(t)
	peerID := protocol.PeerID("peer-1")

	ch, err := svc.CreateChallenge(peerID)
	require.NoError(t, err)

	ok, err := svc.VerifyPeer(peerID, Proof{
		WalletAddress: "someone-elses-wallet",
		Signature:     ed25519.Sign(priv, ch.Nonce),
		PublicKey:     pub,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestVerifyPeer_SingleUse verifies that a challenge is consumed by the
// first verification attempt even when that attempt fails.
func TestVerifyPeer_SingleUse(t *testing.T) {
	svc := newTestService(t)
	pub, priv := newKeypair(t)
	peerID := protocol.PeerID("peer-1")

	ch, err := svc.CreateChallenge(peerID)
	require.NoError(t, err)

	// First attempt with a garbage signature consumes the challenge.
	badSig := make([]byte, ed25519.SignatureSize)
	ok, err := svc.VerifyPeer(peerID, Proof{
		WalletAddress: DeriveAddress(pub),
		Signature:     badSig,
		PublicKey:     pub,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	// A correct proof for the same challenge must now fail: not found.
	ok, err = svc.VerifyPeer(peerID, Proof{
		WalletAddress: DeriveAddress(pub),
		Signature:     ed25519.Sign(priv, ch.Nonce),
		PublicKey:     pub,
	})
	assert.False(t, ok)
	assert.True(t, errors.IsNotFound(err))
}

// TestVerifyPeer_NoChallenge verifies a proof without a pending challenge.
func TestVerifyPeer_NoChallenge(t *testing.T) {
	svc := newTestService(t)
	pub, _ := newKeypair(t)

	ok, err := svc.VerifyPeer(protocol.PeerID("nobody"), Proof{
		WalletAddress: DeriveAddress(pub),
		Signature:     make([]byte, ed25519.SignatureSize),
		PublicKey:     pub,
	})
	assert.False(t, ok)
	assert.True(t, errors.IsNotFound(err))
}

// TestVerifyPeer_ExpiredChallenge verifies that an expired challenge is a
// typed expiry error.
func TestVerifyPeer_ExpiredChallenge(t *testing.T) {
	svc := newTestService(t)
	svc.ttl = -time.Second
	pub, priv := newKeypair(t)
	peerID := protocol.PeerID("peer-1")

	ch, err := svc.CreateChallenge(peerID)
	require.NoError(t, err)

	ok, err := svc.VerifyPeer(peerID, Proof{
		WalletAddress: DeriveAddress(pub),
		Signature:     ed25519.Sign(priv, ch.Nonce),
		PublicKey:     pub,
	})
	assert.False(t, ok)
	assert.True(t, errors.IsExpired(err))
}

// TestVerifyPeer_MalformedProof verifies that short keys and signatures are
// validation errors, and that they still burn the challenge.
func TestVerifyPeer_MalformedProof(t *testing.T) {
	svc := newTestService(t)
	peerID := protocol.PeerID("peer-1")

	_, err := svc.CreateChallenge(peerID)
	require.NoError(t, err)

	ok, err := svc.VerifyPeer(peerID, Proof{
		WalletAddress: "w",
		Signature:     make([]byte, ed25519.SignatureSize),
		PublicKey:     []byte{1, 2, 3},
	})
	assert.False(t, ok)
	assert.True(t, errors.IsValidation(err))

	_, err = svc.CreateChallenge(peerID)
	require.NoError(t, err)

	pub, _ := newKeypair(t)
	ok, err = svc.VerifyPeer(peerID, Proof{
		WalletAddress: DeriveAddress(pub),
		Signature:     []byte{1, 2, 3},
		PublicKey:     pub,
	})
	assert.False(t, ok)
	assert.True(t, errors.IsValidation(err))
}

// TestCreateChallenge_Overwrites verifies that requesting a second challenge
// invalidates the first one.
func TestCreateChallenge_Overwrites(t *testing.T) {
	svc := newTestService(t)
	pub, priv := newKeypair(t)
	peerID := protocol.PeerID("peer-1")

	first, err := svc.CreateChallenge(peerID)
	require.NoError(t, err)
	second, err := svc.CreateChallenge(peerID)
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)

	// The old nonce no longer verifies; the consume burns the new one too.
	ok, err := svc.VerifyPeer(peerID, Proof{
		WalletAddress: DeriveAddress(pub),
		Signature:     ed25519.Sign(priv, first.Nonce),
		PublicKey:     pub,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestVerifyPeer_RateLimited verifies the per-peer fixed window: attempt 101
// within the window is rejected and an unrelated peer is unaffected.
func TestVerifyPeer_RateLimited(t *testing.T) {
	svc := newTestService(t)
	pub, _ := newKeypair(t)
	peerID := protocol.PeerID("flooder")

	for i := 0; i < RateLimitMaxAttempts; i++ {
		_, err := svc.VerifyPeer(peerID, Proof{PublicKey: pub})
		assert.False(t, errors.IsRateLimit(err), "attempt %d should not be limited", i+1)
	}

	_, err := svc.VerifyPeer(peerID, Proof{PublicKey: pub})
	assert.True(t, errors.IsRateLimit(err))

	// Another peer still has its full budget.
	_, err = svc.VerifyPeer(protocol.PeerID("bystander"), Proof{PublicKey: pub})
	assert.False(t, errors.IsRateLimit(err))
}

// TestCleanupExpiredChallenges verifies that only expired challenges are
// removed.
func TestCleanupExpiredChallenges(t *testing.T) {
	svc := newTestService(t)

	svc.ttl = -time.Second
	_, err := svc.CreateChallenge(protocol.PeerID("stale"))
	require.NoError(t, err)

	svc.ttl = ChallengeTTL
	_, err = svc.CreateChallenge(protocol.PeerID("fresh"))
	require.NoError(t, err)

	assert.Equal(t, 1, svc.CleanupExpiredChallenges())
	assert.Equal(t, 0, svc.CleanupExpiredChallenges())
}
