// Package session owns time-boxed discovery sessions. A session is the window
// during which a user's device actively scans/advertises for nearby peers.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/protocol"
)

const (
	// DefaultDuration is used when a caller starts a session with duration 0.
	DefaultDuration = 30 * time.Minute

	// DefaultExtension is used when a caller extends a session with 0.
	DefaultExtension = 15 * time.Minute

	// DefaultSweepInterval is how often the background sweeper evicts
	// expired sessions.
	DefaultSweepInterval = 60 * time.Second
)

// Session is a time-boxed discovery window for one user.
type Session struct {
	ID         string                   `json:"id"`
	UserID     string                   `json:"user_id"`
	Method     protocol.DiscoveryMethod `json:"method"`
	StartedAt  time.Time                `json:"started_at"`
	ExpiresAt  time.Time                `json:"expires_at"`
	AutoExtend bool                     `json:"auto_extend"`
}

// Store persists session records. Implementations must be safe for
// concurrent use. A nil Store disables persistence.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
}

// Manager owns the session table and its periodic sweep.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store  Store
	logger *logging.ColoredLogger

	sweepInterval time.Duration

	runMu     sync.Mutex
	sweepStop context.CancelFunc
}

// NewManager creates a session manager. store may be nil.
func NewManager(store Store, logger *logging.ColoredLogger) *Manager {
	return &Manager{
		sessions:      make(map[string]*Session),
		store:         store,
		logger:        logger,
		sweepInterval: DefaultSweepInterval,
	}
}

// StartSession creates a new discovery session. A zero duration selects the
// default of 30 minutes; any positive value is taken literally.
func (m *Manager) StartSession(userID string, method protocol.DiscoveryMethod, duration time.Duration) *Session {
	if duration <= 0 {
		duration = DefaultDuration
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Method:    method,
		StartedAt: now,
		ExpiresAt: now.Add(duration),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.persist(sess)

	m.logger.ComponentDebug(logging.ComponentSession, "session started",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.String("method", string(method)),
		zap.Duration("duration", duration))

	return copySession(sess)
}

// ExtendSession adds the given duration to the session's current expiry, not
// to now. A zero duration selects the default extension of 15 minutes.
func (m *Manager) ExtendSession(sessionID string, additional time.Duration) (*Session, error) {
	if additional <= 0 {
		additional = DefaultExtension
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.NewNotFoundError("session", sessionID)
	}
	sess.ExpiresAt = sess.ExpiresAt.Add(additional)
	out := copySession(sess)
	m.mu.Unlock()

	m.persist(out)

	m.logger.ComponentDebug(logging.ComponentSession, "session extended",
		zap.String("session_id", sessionID),
		zap.Duration("additional", additional),
		zap.Time("expires_at", out.ExpiresAt))

	return out, nil
}

// SetAutoExtend marks whether the sweeper renews the session instead of
// evicting it when its expiry passes.
func (m *Manager) SetAutoExtend(sessionID string, on bool) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("session", sessionID)
	}
	sess.AutoExtend = on
	out := copySession(sess)
	m.mu.Unlock()

	m.persist(out)
	return nil
}

// EndSession removes the session.
func (m *Manager) EndSession(sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("session", sessionID)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteSession(context.Background(), sessionID); err != nil {
			m.logger.ComponentWarn(logging.ComponentSession, "failed to delete persisted session",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	m.logger.ComponentDebug(logging.ComponentSession, "session ended",
		zap.String("session_id", sessionID))
	return nil
}

// GetSession returns the session with the given id.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundError("session", sessionID)
	}
	return copySession(sess), nil
}

// IsSessionExpired reports whether the session's expiry has passed.
func (m *Manager) IsSessionExpired(sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return false, errors.NewNotFoundError("session", sessionID)
	}
	return !sess.ExpiresAt.After(time.Now()), nil
}

// GetUserSessions returns all sessions belonging to a user.
func (m *Manager) GetUserSessions(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			out = append(out, copySession(sess))
		}
	}
	return out
}

// CleanupExpiredSessions removes every session whose expiry has passed and
// returns the removed count. Sessions flagged AutoExtend are renewed for the
// default extension instead of evicted and do not count. Idempotent; a no-op
// when nothing is expired.
func (m *Manager) CleanupExpiredSessions() int {
	now := time.Now()

	m.mu.Lock()
	var removed []string
	var renewed []*Session
	for id, sess := range m.sessions {
		if sess.ExpiresAt.After(now) {
			continue
		}
		if sess.AutoExtend {
			sess.ExpiresAt = now.Add(DefaultExtension)
			renewed = append(renewed, copySession(sess))
			continue
		}
		delete(m.sessions, id)
		removed = append(removed, id)
	}
	m.mu.Unlock()

	for _, sess := range renewed {
		m.persist(sess)
		m.logger.ComponentDebug(logging.ComponentSession, "session auto-extended",
			zap.String("session_id", sess.ID),
			zap.Time("expires_at", sess.ExpiresAt))
	}

	for _, id := range removed {
		if m.store != nil {
			if err := m.store.DeleteSession(context.Background(), id); err != nil {
				m.logger.ComponentWarn(logging.ComponentSession, "failed to delete persisted session",
					zap.String("session_id", id), zap.Error(err))
			}
		}
	}

	if len(removed) > 0 {
		m.logger.ComponentInfo(logging.ComponentSession, "expired sessions removed",
			zap.Int("count", len(removed)))
	}
	return len(removed)
}

// StartSweeper launches the periodic cleanup task. Calling it again while a
// sweeper is running is a no-op; the first sweeper keeps running.
func (m *Manager) StartSweeper(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.sweepStop != nil {
		m.logger.ComponentWarn(logging.ComponentSession, "sweeper already running")
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepStop = cancel

	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				m.CleanupExpiredSessions()
			}
		}
	}()
}

// StopSweeper cancels the periodic cleanup task.
func (m *Manager) StopSweeper() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.sweepStop != nil {
		m.sweepStop()
		m.sweepStop = nil
	}
}

func (m *Manager) persist(sess *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(context.Background(), copySession(sess)); err != nil {
		m.logger.ComponentWarn(logging.ComponentSession, "failed to persist session",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func copySession(s *Session) *Session {
	cp := *s
	return &cp
}
