package transfer

import (
	"context"
	"time"
)

// Status is a transfer request's state machine position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Request is a proposed asset movement between two wallets, negotiated via
// proximity rather than a public order book. Amounts are in the asset's
// smallest indivisible unit.
type Request struct {
	ID              string    `json:"id"`
	SenderUserID    string    `json:"sender_user_id"`
	SenderWallet    string    `json:"sender_wallet"`
	RecipientUserID string    `json:"recipient_user_id"`
	RecipientWallet string    `json:"recipient_wallet"`
	Asset           string    `json:"asset"`
	Amount          uint64    `json:"amount"`
	Status          Status    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	TxHash          string    `json:"tx_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Submission is the payload handed to the blockchain collaborator.
type Submission struct {
	TransferID      string `json:"transfer_id"`
	SenderWallet    string `json:"sender_wallet"`
	RecipientWallet string `json:"recipient_wallet"`
	Asset           string `json:"asset"`
	Amount          uint64 `json:"amount"`
}

// Submitter submits a transaction and blocks until it is confirmed or
// definitively failed. Implementations wrap their own retry and circuit
// breaking; this package adds bounded retry around transient errors only.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) (txHash string, err error)
}

// Receipt is the completed-transfer summary handed to the receipt issuer.
type Receipt struct {
	TransferID string `json:"transfer_id"`
	Amount     uint64 `json:"amount"`
	Asset      string `json:"asset"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	TxHash     string `json:"tx_hash"`
}

// ReceiptIssuer issues a receipt for a completed transfer. Failures never
// alter transfer state.
type ReceiptIssuer interface {
	Issue(ctx context.Context, r Receipt) error
}

// Reconciliation records a confirmed fund movement whose transfer record had
// already reached a terminal state when the confirmation arrived.
type Reconciliation struct {
	TransferID   string    `json:"transfer_id"`
	TxHash       string    `json:"tx_hash"`
	RecordStatus Status    `json:"record_status"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Store persists transfer records and the reconciliation ledger. A nil
// Store disables persistence.
type Store interface {
	SaveTransfer(ctx context.Context, r *Request) error
	GetTransfer(ctx context.Context, id string) (*Request, error)
	AppendReconciliation(ctx context.Context, rec Reconciliation) error
}
