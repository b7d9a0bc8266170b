// Package store persists proximity state in SQLite: session and transfer
// records keyed by their identifiers, the peer denylist keyed by
// (user_id, blocked_user_id), and the reconciliation ledger for fund
// movements confirmed after their transfer record went terminal.
package store

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/session"
	"github.com/nearmesh/proximity/pkg/transfer"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	method      TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	expires_at  TIMESTAMP NOT NULL,
	auto_extend INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transfers (
	id                TEXT PRIMARY KEY,
	sender_user_id    TEXT NOT NULL,
	sender_wallet     TEXT NOT NULL,
	recipient_user_id TEXT NOT NULL,
	recipient_wallet  TEXT NOT NULL,
	asset             TEXT NOT NULL,
	amount            INTEGER NOT NULL,
	status            TEXT NOT NULL,
	reason            TEXT,
	tx_hash           TEXT,
	created_at        TIMESTAMP NOT NULL,
	expires_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS denylist (
	user_id         TEXT NOT NULL,
	blocked_user_id TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, blocked_user_id)
);

CREATE TABLE IF NOT EXISTS reconciliations (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id   TEXT NOT NULL,
	tx_hash       TEXT NOT NULL,
	record_status TEXT NOT NULL,
	observed_at   TIMESTAMP NOT NULL
);
`

// Store is a SQLite-backed persistence layer. It satisfies session.Store,
// transfer.Store and discovery.Denylist.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.NewInternalError("failed to open database", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to apply schema", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts a session record.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, method, started_at, expires_at, auto_extend)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET expires_at = excluded.expires_at, auto_extend = excluded.auto_extend`,
		sess.ID, sess.UserID, string(sess.Method), sess.StartedAt, sess.ExpiresAt, sess.AutoExtend)
	if err != nil {
		return errors.NewInternalError("failed to save session", err)
	}
	return nil
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return errors.NewInternalError("failed to delete session", err)
	}
	return nil
}

// SaveTransfer upserts a transfer record.
func (s *Store) SaveTransfer(ctx context.Context, r *transfer.Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers
		   (id, sender_user_id, sender_wallet, recipient_user_id, recipient_wallet,
		    asset, amount, status, reason, tx_hash, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   reason = excluded.reason,
		   tx_hash = excluded.tx_hash`,
		r.ID, r.SenderUserID, r.SenderWallet, r.RecipientUserID, r.RecipientWallet,
		r.Asset, int64(r.Amount), string(r.Status), r.Reason, r.TxHash, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return errors.NewInternalError("failed to save transfer", err)
	}
	return nil
}

// GetTransfer loads a transfer record by id.
func (s *Store) GetTransfer(ctx context.Context, id string) (*transfer.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sender_user_id, sender_wallet, recipient_user_id, recipient_wallet,
		        asset, amount, status, COALESCE(reason, ''), COALESCE(tx_hash, ''),
		        created_at, expires_at
		 FROM transfers WHERE id = ?`, id)

	var r transfer.Request
	var amount int64
	var status string
	err := row.Scan(&r.ID, &r.SenderUserID, &r.SenderWallet, &r.RecipientUserID,
		&r.RecipientWallet, &r.Asset, &amount, &status, &r.Reason, &r.TxHash,
		&r.CreatedAt, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("transfer", id)
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load transfer", err)
	}
	r.Amount = uint64(amount)
	r.Status = transfer.Status(status)
	return &r, nil
}

// AppendReconciliation records a late-confirmed fund movement.
func (s *Store) AppendReconciliation(ctx context.Context, rec transfer.Reconciliation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliations (transfer_id, tx_hash, record_status, observed_at)
		 VALUES (?, ?, ?, ?)`,
		rec.TransferID, rec.TxHash, string(rec.RecordStatus), rec.ObservedAt)
	if err != nil {
		return errors.NewInternalError("failed to append reconciliation", err)
	}
	return nil
}

// BlockPeer records that userID blocked blockedUserID. Idempotent.
func (s *Store) BlockPeer(ctx context.Context, userID, blockedUserID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO denylist (user_id, blocked_user_id) VALUES (?, ?)`,
		userID, blockedUserID)
	if err != nil {
		return errors.NewInternalError("failed to block peer", err)
	}
	return nil
}

// IsBlocked answers whether userID has blocked blockedUserID.
func (s *Store) IsBlocked(ctx context.Context, userID, blockedUserID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM denylist WHERE user_id = ? AND blocked_user_id = ?`,
		userID, blockedUserID)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, errors.NewInternalError("failed to query denylist", err)
	}
	return count > 0, nil
}
