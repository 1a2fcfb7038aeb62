package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger is a process-local ledger used by tests and the "memory"
// driver. It tracks per-account balances, a single escrow pot and the set of
// idempotency keys already settled.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	escrowed int64
	seen     map[IdempotencyKey]TxRef
	txStatus map[TxRef]ConfirmStatus
	nextTx   uint64

	// failures injects transient errors for the next N mutating calls. Tests
	// use it to exercise the retry path.
	failures int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		seen:     make(map[IdempotencyKey]TxRef),
		txStatus: make(map[TxRef]ConfirmStatus),
	}
}

// Deposit credits an account outside the escrow flow.
func (l *MemoryLedger) Deposit(account string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Balance returns the current free balance of an account.
func (l *MemoryLedger) Balance(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Escrowed returns the total amount currently held in escrow.
func (l *MemoryLedger) Escrowed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.escrowed
}

// FailNext makes the next n mutating calls return ErrUnavailable.
func (l *MemoryLedger) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

func (l *MemoryLedger) failInjected() bool {
	if l.failures > 0 {
		l.failures--
		return true
	}
	return false
}

func (l *MemoryLedger) newTx() TxRef {
	l.nextTx++
	ref := TxRef(fmt.Sprintf("memtx-%06d", l.nextTx))
	l.txStatus[ref] = StatusConfirmed
	return ref
}

// LockFunds moves amount from the payer into escrow, once per key.
func (l *MemoryLedger) LockFunds(_ context.Context, payer string, amount int64, key IdempotencyKey) (TxRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ref, ok := l.seen[key]; ok {
		return ref, nil
	}
	if l.failInjected() {
		return "", ErrUnavailable
	}
	if l.balances[payer] < amount {
		return "", ErrInsufficientFunds
	}
	l.balances[payer] -= amount
	l.escrowed += amount
	ref := l.newTx()
	l.seen[key] = ref
	return ref, nil
}

// Transfer pays amount out of escrow to the payee, once per key.
func (l *MemoryLedger) Transfer(_ context.Context, payee string, amount int64, key IdempotencyKey) (TxRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ref, ok := l.seen[key]; ok {
		return ref, nil
	}
	if l.failInjected() {
		return "", ErrUnavailable
	}
	if l.escrowed < amount {
		return "", ErrInsufficientFunds
	}
	l.escrowed -= amount
	l.balances[payee] += amount
	ref := l.newTx()
	l.seen[key] = ref
	return ref, nil
}

// Refund returns amount from escrow to the payer, once per key.
func (l *MemoryLedger) Refund(_ context.Context, payer string, amount int64, key IdempotencyKey) (TxRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ref, ok := l.seen[key]; ok {
		return ref, nil
	}
	if l.failInjected() {
		return "", ErrUnavailable
	}
	if l.escrowed < amount {
		return "", ErrInsufficientFunds
	}
	l.escrowed -= amount
	l.balances[payer] += amount
	ref := l.newTx()
	l.seen[key] = ref
	return ref, nil
}

// Confirm reports the settlement state of a transaction reference.
func (l *MemoryLedger) Confirm(_ context.Context, ref TxRef) (ConfirmStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.txStatus[ref]
	if !ok {
		return StatusFailed, ErrTxNotFound
	}
	return status, nil
}

// Close is a no-op for the in-memory ledger.
func (l *MemoryLedger) Close() error {
	return nil
}

var _ Client = (*MemoryLedger)(nil)
