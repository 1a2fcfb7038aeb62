package ledger

import (
	"context"
	"fmt"

	xerrors "ReputeFlow-Escrow/internal/errors"
)

// TxRef identifies a settled ledger transaction. For on-chain backends it is
// the transaction hash; the in-memory backend fabricates stable references.
type TxRef string

// ConfirmStatus reports the settlement state of a transaction.
type ConfirmStatus string

const (
	StatusConfirmed ConfirmStatus = "confirmed"
	StatusPending   ConfirmStatus = "pending"
	StatusFailed    ConfirmStatus = "failed"
)

// IdempotencyKey deduplicates money movements. Keys are derived
// deterministically from the operation, never generated randomly, so a
// retried or concurrently repeated call collapses onto the first transfer.
type IdempotencyKey string

// FundKey keys the initial escrow lock of a project.
func FundKey(projectID uint64) IdempotencyKey {
	return IdempotencyKey(fmt.Sprintf("fund:%d", projectID))
}

// ReleaseKey keys the payout of one milestone.
func ReleaseKey(projectID uint64, milestone int) IdempotencyKey {
	return IdempotencyKey(fmt.Sprintf("release:%d:%d", projectID, milestone))
}

// RefundKey keys the refund issued on cancellation.
func RefundKey(projectID uint64) IdempotencyKey {
	return IdempotencyKey(fmt.Sprintf("refund:%d", projectID))
}

// Client abstracts the payment ledger. Every mutating call carries an
// idempotency key; implementations must return the original TxRef when the
// same key is replayed instead of moving funds twice.
type Client interface {
	// LockFunds moves amount from the payer into escrow.
	LockFunds(ctx context.Context, payer string, amount int64, key IdempotencyKey) (TxRef, error)
	// Transfer pays amount out of escrow to the payee.
	Transfer(ctx context.Context, payee string, amount int64, key IdempotencyKey) (TxRef, error)
	// Refund returns amount from escrow to the payer.
	Refund(ctx context.Context, payer string, amount int64, key IdempotencyKey) (TxRef, error)
	// Confirm reports whether a previously returned TxRef has settled.
	Confirm(ctx context.Context, ref TxRef) (ConfirmStatus, error)
	Close() error
}

var (
	// ErrUnavailable indicates a transient backend failure; safe to retry with
	// the same idempotency key.
	ErrUnavailable = xerrors.New(xerrors.CodeLedgerFailure, "ledger unavailable")
	// ErrInsufficientFunds indicates the payer cannot cover the amount.
	ErrInsufficientFunds = xerrors.New(xerrors.CodeLedgerFailure, "insufficient funds", xerrors.WithRetryable(false))
	// ErrTxNotFound indicates the transaction reference is unknown.
	ErrTxNotFound = xerrors.New(xerrors.CodeNotFound, "ledger transaction not found")
)
