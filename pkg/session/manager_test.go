package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
)

type mockStore struct {
	mu      sync.Mutex
	saved   map[string]*Session
	deleted []string
}

func newMockStore() *mockStore {
	return &mockStore{saved: make(map[string]*Session)}
}

func (m *mockStore) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[s.ID] = s
	return nil
}

func (m *mockStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *mockStore) {
	t.Helper()
	logger, err := logging.NewColoredLogger(logging.ComponentSession, false)
	require.NoError(t, err)
	store := newMockStore()
	return NewManager(store, logger), store
}

// TestStartSession_DefaultDuration verifies that a zero duration selects the
// 30 minute default.
func TestStartSession_DefaultDuration(t *testing.T) {
	m, store := newTestManager(t)

	sess := m.StartSession("alice", protocol.MethodWiFi, 0)
	require.NotEmpty(t, sess.ID)

	want := sess.StartedAt.Add(DefaultDuration)
	assert.Equal(t, want, sess.ExpiresAt)

	store.mu.Lock()
	_, persisted := store.saved[sess.ID]
	store.mu.Unlock()
	assert.True(t, persisted)
}

// TestStartSession_ExplicitDuration verifies a caller-chosen duration is
// taken literally.
func TestStartSession_ExplicitDuration(t *testing.T) {
	m, _ := newTestManager(t)

	sess := m.StartSession("alice", protocol.MethodBluetooth, 45*time.Minute)
	assert.Equal(t, sess.StartedAt.Add(45*time.Minute), sess.ExpiresAt)
}

// TestExtendSession verifies extension adds to the current expiry, not to
// the current time, and that zero selects the 15 minute default.
func TestExtendSession(t *testing.T) {
	m, _ := newTestManager(t)

	sess := m.StartSession("alice", protocol.MethodWiFi, 30*time.Minute)
	base := sess.ExpiresAt

	extended, err := m.ExtendSession(sess.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, base.Add(DefaultExtension), extended.ExpiresAt)

	extended, err = m.ExtendSession(sess.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, base.Add(DefaultExtension).Add(10*time.Minute), extended.ExpiresAt)
}

// TestExtendSession_NotFound verifies extending an unknown session.
func TestExtendSession_NotFound(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.ExtendSession("missing", time.Minute)
	assert.True(t, errors.IsNotFound(err))
}

// TestEndSession verifies removal and persistence cleanup.
func TestEndSession(t *testing.T) {
	m, store := newTestManager(t)

	sess := m.StartSession("alice", protocol.MethodWiFi, time.Minute)
	require.NoError(t, m.EndSession(sess.ID))

	_, err := m.GetSession(sess.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, store.deleted, sess.ID)

	assert.True(t, errors.IsNotFound(m.EndSession(sess.ID)))
}

// TestIsSessionExpired covers both sides of the expiry check.
func TestIsSessionExpired(t *testing.T) {
	m, _ := newTestManager(t)

	live := m.StartSession("alice", protocol.MethodWiFi, time.Hour)
	expired, err := m.IsSessionExpired(live.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	dead := m.StartSession("alice", protocol.MethodWiFi, time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	expired, err = m.IsSessionExpired(dead.ID)
	require.NoError(t, err)
	assert.True(t, expired)

	_, err = m.IsSessionExpired("missing")
	assert.True(t, errors.IsNotFound(err))
}

// TestGetUserSessions verifies per-user filtering.
func TestGetUserSessions(t *testing.T) {
	m, _ := newTestManager(t)

	m.StartSession("alice", protocol.MethodWiFi, time.Hour)
	m.StartSession("alice", protocol.MethodBluetooth, time.Hour)
	m.StartSession("bob", protocol.MethodWiFi, time.Hour)

	assert.Len(t, m.GetUserSessions("alice"), 2)
	assert.Len(t, m.GetUserSessions("bob"), 1)
	assert.Empty(t, m.GetUserSessions("carol"))
}

// TestCleanupExpiredSessions verifies that only expired sessions are evicted
// and the call is idempotent.
func TestCleanupExpiredSessions(t *testing.T) {
	m, _ := newTestManager(t)

	m.StartSession("alice", protocol.MethodWiFi, time.Nanosecond)
	m.StartSession("alice", protocol.MethodWiFi, time.Nanosecond)
	live := m.StartSession("alice", protocol.MethodWiFi, time.Hour)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 2, m.CleanupExpiredSessions())
	assert.Equal(t, 0, m.CleanupExpiredSessions())

	_, err := m.GetSession(live.ID)
	assert.NoError(t, err)
}

// TestCleanupExpiredSessions_AutoExtend verifies an auto-extend session is
// renewed by the sweep instead of evicted.
func TestCleanupExpiredSessions_AutoExtend(t *testing.T) {
	m, store := newTestManager(t)

	kept := m.StartSession("alice", protocol.MethodWiFi, time.Nanosecond)
	require.NoError(t, m.SetAutoExtend(kept.ID, true))
	m.StartSession("alice", protocol.MethodWiFi, time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, m.CleanupExpiredSessions())

	got, err := m.GetSession(kept.ID)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.After(time.Now()))
	assert.True(t, got.AutoExtend)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, got.ExpiresAt, store.saved[kept.ID].ExpiresAt)
}

// TestSetAutoExtend_NotFound verifies flagging an unknown session fails.
func TestSetAutoExtend_NotFound(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.SetAutoExtend("ghost", true)
	assert.True(t, errors.IsNotFound(err))
}

// TestSweeper_DoubleStart verifies that starting the sweeper twice leaves
// the first sweeper running and stop is safe to call repeatedly.
func TestSweeper_DoubleStart(t *testing.T) {
	m, _ := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartSweeper(ctx)
	m.StartSweeper(ctx)

	m.StopSweeper()
	m.StopSweeper()
}

// TestStartSession_CopiesState verifies callers cannot mutate manager state
// through the returned session.
func TestStartSession_CopiesState(t *testing.T) {
	m, _ := newTestManager(t)

	sess := m.StartSession("alice", protocol.MethodWiFi, time.Hour)
	sess.UserID = "mallory"

	got, err := m.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
}
