package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "ReputeFlow-Escrow/internal/errors"
)

func storeProject(t *testing.T, store Store, amounts ...int64) *Project {
	t.Helper()
	m := testMachine()
	specs := make([]MilestoneSpec, len(amounts))
	for i, amount := range amounts {
		specs[i] = MilestoneSpec{Description: "milestone", Amount: amount}
	}
	p, err := m.Create(ProjectSpec{ClientID: "client-1", Milestones: specs})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("store project: %v", err)
	}
	return p
}

func TestMemoryStoreAssignsMonotonicIDs(t *testing.T) {
	store := NewMemoryStore()
	first := storeProject(t, store, 100)
	second := storeProject(t, store, 200)

	if first.ID == 0 || second.ID != first.ID+1 {
		t.Fatalf("expected monotonic ids, got %d then %d", first.ID, second.ID)
	}
}

func TestMemoryStoreMutateDiscardsOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := storeProject(t, store, 100)

	sentinel := errors.New("boom")
	if _, err := store.Mutate(ctx, p.ID, func(working *Project) error {
		working.Title = "changed"
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "" {
		t.Fatalf("failed mutation must not persist, got title %q", got.Title)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}
}

func TestMemoryStoreMutateRejectsInvariantBreak(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := storeProject(t, store, 100)

	if _, err := store.Mutate(ctx, p.ID, func(working *Project) error {
		working.Milestones[0].Amount = 999
		return nil
	}); !errors.Is(err, ErrBudgetMismatch) {
		t.Fatalf("expected budget mismatch, got %v", err)
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Milestones[0].Amount != 100 {
		t.Fatalf("broken state must not persist, got %d", got.Milestones[0].Amount)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := storeProject(t, store, 100)

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Milestones[0].Amount = 1

	again, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Milestones[0].Amount != 100 {
		t.Fatal("mutating a returned copy must not affect stored state")
	}
}

func TestMemoryStoreConcurrentMutationsSerialize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := storeProject(t, store, 100)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(ctx, p.ID, func(working *Project) error {
				working.UpdatedAt++
				return nil
			})
			if err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != uint64(writers)+1 {
		t.Fatalf("expected version %d after %d writes, got %d", writers+1, writers, got.Version)
	}
}

func TestMemoryStoreLockTimeout(t *testing.T) {
	store := NewMemoryStore(WithLockTimeout(20 * time.Millisecond))
	ctx := context.Background()
	p := storeProject(t, store, 100)

	hold := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = store.Mutate(ctx, p.ID, func(working *Project) error {
			close(hold)
			<-release
			return nil
		})
	}()
	<-hold

	_, err := store.Mutate(ctx, p.ID, func(working *Project) error { return nil })
	close(release)
	if xerrors.CodeOf(err) != xerrors.CodeLockTimeout {
		t.Fatalf("expected lock timeout, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	active := storeProject(t, store, 100)
	other := storeProject(t, store, 200)

	if _, err := store.Mutate(ctx, active.ID, func(working *Project) error {
		working.Status = StatusActive
		working.FreelancerID = "f1"
		working.FundedAt = 10
		working.UpdatedAt = 200
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if _, err := store.Mutate(ctx, other.ID, func(working *Project) error {
		working.UpdatedAt = 100
		return nil
	}); err != nil {
		t.Fatalf("mutate other: %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != active.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}

	actives, err := store.List(ctx, ListOptions{Statuses: []Status{StatusActive}})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(actives) != 1 || actives[0].ID != active.ID {
		t.Fatalf("unexpected status filter result: %+v", actives)
	}

	byFreelancer, err := store.List(ctx, ListOptions{FreelancerID: "f1"})
	if err != nil {
		t.Fatalf("list by freelancer: %v", err)
	}
	if len(byFreelancer) != 1 || byFreelancer[0].ID != active.ID {
		t.Fatalf("unexpected freelancer filter result: %+v", byFreelancer)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Active != 1 || stats.Created != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Escrowed != 100 {
		t.Fatalf("expected 100 escrowed, got %d", stats.Escrowed)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), 42); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Mutate(context.Background(), 42, func(*Project) error { return nil }); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected not found on mutate, got %v", err)
	}
}
