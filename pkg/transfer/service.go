// Package transfer owns the transfer-request state machine. Legal
// transitions are Pending to Accepted/Rejected/Expired, Accepted to
// Executing, and Executing to Completed/Failed; everything else is an
// invalid transition error. The Accepted-to-Executing step is serialized per
// request so a transfer can never be submitted to the chain twice.
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
)

const (
	// DefaultRequestTTL bounds how long an unanswered request remains
	// actionable.
	DefaultRequestTTL = 5 * time.Minute

	defaultSubmitMaxTries = 3
	defaultSubmitBackoff  = time.Second
	defaultSubmitCap      = 15 * time.Second
)

// Options tunes the transfer service. The zero value selects defaults.
type Options struct {
	RequestTTL     time.Duration
	SubmitMaxTries int
	SubmitBackoff  time.Duration
	SubmitCap      time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.RequestTTL <= 0 {
		out.RequestTTL = DefaultRequestTTL
	}
	if out.SubmitMaxTries <= 0 {
		out.SubmitMaxTries = defaultSubmitMaxTries
	}
	if out.SubmitBackoff <= 0 {
		out.SubmitBackoff = defaultSubmitBackoff
	}
	if out.SubmitCap <= 0 {
		out.SubmitCap = defaultSubmitCap
	}
	return out
}

// Service owns the transfer table and drives requests through the state
// machine to a blockchain submission.
type Service struct {
	mu       sync.RWMutex
	requests map[string]*Request

	submitter Submitter
	receipts  ReceiptIssuer
	store     Store
	logger    *logging.ColoredLogger
	opts      Options
}

// NewService creates a transfer service. receipts and store may be nil.
func NewService(submitter Submitter, receipts ReceiptIssuer, store Store, opts Options, logger *logging.ColoredLogger) *Service {
	return &Service{
		requests:  make(map[string]*Request),
		submitter: submitter,
		receipts:  receipts,
		store:     store,
		logger:    logger,
		opts:      opts.withDefaults(),
	}
}

// CreateParams carries the fields of a new transfer request.
type CreateParams struct {
	SenderUserID    string
	SenderWallet    string
	RecipientUserID string
	RecipientWallet string
	Asset           string
	Amount          uint64
}

// CreateTransferRequest validates the proposal and records it as Pending.
func (s *Service) CreateTransferRequest(ctx context.Context, p CreateParams) (*Request, error) {
	if p.Amount == 0 {
		return nil, errors.NewValidationError("amount", "amount must be positive", p.Amount)
	}
	if p.SenderWallet == p.RecipientWallet {
		return nil, errors.NewValidationError("recipient_wallet", "sender and recipient wallets must differ", p.RecipientWallet)
	}

	now := time.Now()
	req := &Request{
		ID:              uuid.NewString(),
		SenderUserID:    p.SenderUserID,
		SenderWallet:    p.SenderWallet,
		RecipientUserID: p.RecipientUserID,
		RecipientWallet: p.RecipientWallet,
		Asset:           p.Asset,
		Amount:          p.Amount,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.opts.RequestTTL),
	}

	if s.store != nil {
		if err := s.store.SaveTransfer(ctx, req); err != nil {
			return nil, errors.NewInternalError("failed to persist transfer request", err)
		}
	}

	s.mu.Lock()
	s.requests[req.ID] = req
	s.mu.Unlock()

	s.logger.ComponentInfo(logging.ComponentTransfer, "transfer request created",
		zap.String("transfer_id", req.ID),
		zap.String("asset", p.Asset),
		zap.Uint64("amount", p.Amount))

	out := *req
	return &out, nil
}

// IngestRemoteRequest records a proposal received from a remote sender under
// the sender's id, so the recipient side can accept or reject it. Re-delivery
// of an id already in the table returns the existing record unchanged.
func (s *Service) IngestRemoteRequest(ctx context.Context, id string, p CreateParams) (*Request, error) {
	if id == "" {
		return nil, errors.NewValidationError("transfer_id", "transfer id is required", id)
	}
	if p.Amount == 0 {
		return nil, errors.NewValidationError("amount", "amount must be positive", p.Amount)
	}
	if p.SenderWallet == p.RecipientWallet {
		return nil, errors.NewValidationError("recipient_wallet", "sender and recipient wallets must differ", p.RecipientWallet)
	}

	s.mu.RLock()
	if existing, ok := s.requests[id]; ok {
		out := *existing
		s.mu.RUnlock()
		return &out, nil
	}
	s.mu.RUnlock()

	now := time.Now()
	req := &Request{
		ID:              id,
		SenderUserID:    p.SenderUserID,
		SenderWallet:    p.SenderWallet,
		RecipientUserID: p.RecipientUserID,
		RecipientWallet: p.RecipientWallet,
		Asset:           p.Asset,
		Amount:          p.Amount,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.opts.RequestTTL),
	}

	if s.store != nil {
		if err := s.store.SaveTransfer(ctx, req); err != nil {
			return nil, errors.NewInternalError("failed to persist transfer request", err)
		}
	}

	s.mu.Lock()
	if existing, ok := s.requests[id]; ok {
		out := *existing
		s.mu.Unlock()
		return &out, nil
	}
	s.requests[id] = req
	s.mu.Unlock()

	s.logger.ComponentInfo(logging.ComponentTransfer, "remote transfer request recorded",
		zap.String("transfer_id", id),
		zap.String("sender_user_id", p.SenderUserID),
		zap.Uint64("amount", p.Amount))

	out := *req
	return &out, nil
}

// AcceptTransfer moves a Pending request to Accepted.
func (s *Service) AcceptTransfer(id string) (*Request, error) {
	return s.decide(id, StatusAccepted, "")
}

// RejectTransfer moves a Pending request to Rejected with an optional reason.
func (s *Service) RejectTransfer(id, reason string) (*Request, error) {
	return s.decide(id, StatusRejected, reason)
}

func (s *Service) decide(id string, to Status, reason string) (*Request, error) {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NewNotFoundError("transfer", id)
	}
	s.expireLocked(req)
	if req.Status != StatusPending {
		from := req.Status
		s.mu.Unlock()
		return nil, errors.NewStateTransitionError("transfer", id, string(from), string(to))
	}
	req.Status = to
	req.Reason = reason
	out := *req
	s.mu.Unlock()

	s.persist(&out)

	s.logger.ComponentInfo(logging.ComponentTransfer, "transfer decision recorded",
		zap.String("transfer_id", id),
		zap.String("status", string(to)))
	return &out, nil
}

// ExecuteTransfer submits an Accepted request to the blockchain collaborator
// and reconciles the outcome. The Accepted-to-Executing flip is atomic with
// respect to the status field: of two concurrent callers, exactly one
// submits and the other gets an invalid-transition error.
func (s *Service) ExecuteTransfer(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return "", errors.NewNotFoundError("transfer", id)
	}
	s.expireLocked(req)
	if req.Status != StatusAccepted {
		from := req.Status
		s.mu.Unlock()
		return "", errors.NewStateTransitionError("transfer", id, string(from), string(StatusExecuting))
	}
	req.Status = StatusExecuting
	sub := Submission{
		TransferID:      req.ID,
		SenderWallet:    req.SenderWallet,
		RecipientWallet: req.RecipientWallet,
		Asset:           req.Asset,
		Amount:          req.Amount,
	}
	snapshot := *req
	s.mu.Unlock()

	s.persist(&snapshot)

	// The chain call happens outside every lock; cancellation of the
	// bookkeeping side never aborts an in-flight submission.
	txHash, err := s.submit(ctx, sub)
	if err != nil {
		s.finishFailed(id, err)
		return "", errors.NewServiceError("blockchain", "transfer submission failed", 0, err)
	}

	s.finishCompleted(ctx, id, txHash)
	return txHash, nil
}

func (s *Service) submit(ctx context.Context, sub Submission) (string, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.opts.SubmitBackoff
	expo.MaxInterval = s.opts.SubmitCap

	return backoff.Retry(ctx, func() (string, error) {
		txHash, err := s.submitter.Submit(ctx, sub)
		if err != nil && !errors.ShouldRetry(err) {
			return "", backoff.Permanent(err)
		}
		return txHash, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(s.opts.SubmitMaxTries)))
}

func (s *Service) finishCompleted(ctx context.Context, id, txHash string) {
	s.mu.Lock()
	req, ok := s.requests[id]
	var out Request
	late := false
	if ok {
		if req.Status == StatusExecuting {
			req.Status = StatusCompleted
			req.TxHash = txHash
		} else {
			late = true
		}
		out = *req
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if late {
		// The funds moved even though bookkeeping had already reached a
		// terminal state; record the movement, never rewrite the status.
		s.reconcile(ctx, out, txHash)
		return
	}

	s.persist(&out)

	s.logger.ComponentInfo(logging.ComponentTransfer, "transfer completed",
		zap.String("transfer_id", id),
		zap.String("tx_hash", txHash))

	if s.receipts != nil {
		receipt := Receipt{
			TransferID: out.ID,
			Amount:     out.Amount,
			Asset:      out.Asset,
			Sender:     out.SenderWallet,
			Recipient:  out.RecipientWallet,
			TxHash:     txHash,
		}
		if err := s.receipts.Issue(ctx, receipt); err != nil {
			s.logger.ComponentWarn(logging.ComponentTransfer, "receipt issuance failed",
				zap.String("transfer_id", id), zap.Error(err))
		}
	}
}

func (s *Service) finishFailed(id string, cause error) {
	s.mu.Lock()
	req, ok := s.requests[id]
	flipped := false
	var out Request
	if ok && req.Status == StatusExecuting {
		req.Status = StatusFailed
		req.Reason = cause.Error()
		out = *req
		flipped = true
	}
	s.mu.Unlock()

	if !flipped {
		return
	}

	s.persist(&out)

	s.logger.ComponentError(logging.ComponentTransfer, "transfer failed",
		zap.String("transfer_id", id),
		zap.Error(cause))
}

// RecordConfirmation handles an asynchronous, possibly delayed confirmation
// from the chain watcher. A confirmation against an Executing record
// completes it; one against an already-terminal record is appended to the
// reconciliation ledger instead of rewriting history.
func (s *Service) RecordConfirmation(ctx context.Context, id, txHash string) error {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return s.recoverConfirmation(ctx, id, txHash)
	}
	s.expireLocked(req)

	if req.Status == StatusCompleted && req.TxHash == txHash {
		s.mu.Unlock()
		return nil
	}

	if req.Status == StatusExecuting {
		req.Status = StatusCompleted
		req.TxHash = txHash
		out := *req
		s.mu.Unlock()
		s.persist(&out)
		return nil
	}

	out := *req
	s.mu.Unlock()

	s.reconcile(ctx, out, txHash)
	return nil
}

// recoverConfirmation handles a confirmation for a transfer absent from the
// live table, typically one submitted before a restart. The persisted record
// is the only evidence left: an Executing record is completed and reloaded
// into the table, a terminal one goes to the reconciliation ledger.
func (s *Service) recoverConfirmation(ctx context.Context, id, txHash string) error {
	if s.store == nil {
		return errors.NewNotFoundError("transfer", id)
	}

	rec, err := s.store.GetTransfer(ctx, id)
	if err != nil {
		return err
	}

	if rec.Status == StatusExecuting {
		rec.Status = StatusCompleted
		rec.TxHash = txHash

		s.mu.Lock()
		s.requests[rec.ID] = rec
		out := *rec
		s.mu.Unlock()

		s.persist(&out)
		s.logger.ComponentInfo(logging.ComponentTransfer, "confirmation recovered from persisted record",
			zap.String("transfer_id", id),
			zap.String("tx_hash", txHash))
		return nil
	}

	s.reconcile(ctx, *rec, txHash)
	return nil
}

func (s *Service) reconcile(ctx context.Context, record Request, txHash string) {
	rec := Reconciliation{
		TransferID:   record.ID,
		TxHash:       txHash,
		RecordStatus: record.Status,
		ObservedAt:   time.Now(),
	}

	s.logger.ComponentWarn(logging.ComponentTransfer, "late confirmation against terminal transfer",
		zap.String("transfer_id", record.ID),
		zap.String("record_status", string(record.Status)),
		zap.String("tx_hash", txHash))

	if s.store != nil {
		if err := s.store.AppendReconciliation(ctx, rec); err != nil {
			s.logger.ComponentError(logging.ComponentTransfer, "failed to persist reconciliation",
				zap.String("transfer_id", record.ID), zap.Error(err))
		}
	}
}

// GetTransferRequest returns the request with the given id. A Pending
// request past its TTL is reported as Expired, never as a stale Pending.
func (s *Service) GetTransferRequest(id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NewNotFoundError("transfer", id)
	}
	s.expireLocked(req)
	out := *req
	return &out, nil
}

// GetTransferStatus returns the request's current status.
func (s *Service) GetTransferStatus(id string) (Status, error) {
	req, err := s.GetTransferRequest(id)
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

// CleanupExpired eagerly flips every Pending request past its TTL to
// Expired and returns the count. Lazy check-on-read already guarantees the
// never-stale-Pending contract; the sweep just tightens bookkeeping.
func (s *Service) CleanupExpired() int {
	s.mu.Lock()
	count := 0
	for _, req := range s.requests {
		if req.Status == StatusPending && s.expireLocked(req) {
			count++
		}
	}
	s.mu.Unlock()
	return count
}

// expireLocked flips a Pending request past its TTL to Expired. Caller
// holds s.mu.
func (s *Service) expireLocked(req *Request) bool {
	if req.Status == StatusPending && !req.ExpiresAt.After(time.Now()) {
		req.Status = StatusExpired
		return true
	}
	return false
}

func (s *Service) persist(req *Request) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTransfer(context.Background(), req); err != nil {
		s.logger.ComponentWarn(logging.ComponentTransfer, "failed to persist transfer",
			zap.String("transfer_id", req.ID), zap.Error(err))
	}
}
