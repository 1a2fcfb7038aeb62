package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryLedgerMovesFundsOncePerKey(t *testing.T) {
	led := NewMemoryLedger()
	led.Deposit("client", 1000)
	ctx := context.Background()

	first, err := led.LockFunds(ctx, "client", 400, FundKey(1))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	replay, err := led.LockFunds(ctx, "client", 400, FundKey(1))
	if err != nil {
		t.Fatalf("replay lock: %v", err)
	}
	if replay != first {
		t.Fatalf("replayed key must return the original ref, got %q and %q", first, replay)
	}
	if led.Balance("client") != 600 {
		t.Fatalf("expected balance 600 after a single lock, got %d", led.Balance("client"))
	}
	if led.Escrowed() != 400 {
		t.Fatalf("expected 400 escrowed, got %d", led.Escrowed())
	}

	paid, err := led.Transfer(ctx, "freelancer", 400, ReleaseKey(1, 0))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	again, err := led.Transfer(ctx, "freelancer", 400, ReleaseKey(1, 0))
	if err != nil {
		t.Fatalf("replay transfer: %v", err)
	}
	if again != paid {
		t.Fatalf("replayed transfer must return the original ref")
	}
	if led.Balance("freelancer") != 400 || led.Escrowed() != 0 {
		t.Fatalf("unexpected state: freelancer=%d escrowed=%d", led.Balance("freelancer"), led.Escrowed())
	}
}

func TestMemoryLedgerInsufficientFunds(t *testing.T) {
	led := NewMemoryLedger()
	led.Deposit("client", 100)
	ctx := context.Background()

	if _, err := led.LockFunds(ctx, "client", 500, FundKey(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := led.Transfer(ctx, "freelancer", 50, ReleaseKey(1, 0)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient escrow, got %v", err)
	}
	if led.Balance("client") != 100 {
		t.Fatal("failed calls must not move money")
	}
}

func TestMemoryLedgerFailNext(t *testing.T) {
	led := NewMemoryLedger()
	led.Deposit("client", 1000)
	ctx := context.Background()

	led.FailNext(2)
	if _, err := led.LockFunds(ctx, "client", 400, FundKey(1)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := led.LockFunds(ctx, "client", 400, FundKey(1)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected second injected failure, got %v", err)
	}
	ref, err := led.LockFunds(ctx, "client", 400, FundKey(1))
	if err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}

	// A settled key replays even while failures are pending.
	led.FailNext(1)
	replay, err := led.LockFunds(ctx, "client", 400, FundKey(1))
	if err != nil || replay != ref {
		t.Fatalf("settled key must replay, err=%v refs %q/%q", err, ref, replay)
	}
}

func TestMemoryLedgerRefund(t *testing.T) {
	led := NewMemoryLedger()
	led.Deposit("client", 1000)
	ctx := context.Background()

	if _, err := led.LockFunds(ctx, "client", 1000, FundKey(7)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := led.Transfer(ctx, "freelancer", 300, ReleaseKey(7, 0)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := led.Refund(ctx, "client", 700, RefundKey(7)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if led.Balance("client") != 700 || led.Escrowed() != 0 {
		t.Fatalf("unexpected state after refund: client=%d escrowed=%d", led.Balance("client"), led.Escrowed())
	}
}

func TestMemoryLedgerConfirm(t *testing.T) {
	led := NewMemoryLedger()
	led.Deposit("client", 100)
	ctx := context.Background()

	ref, err := led.LockFunds(ctx, "client", 100, FundKey(1))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	status, err := led.Confirm(ctx, ref)
	if err != nil || status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s (%v)", status, err)
	}
	if _, err := led.Confirm(ctx, "memtx-999999"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
