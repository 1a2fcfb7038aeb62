package proposal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ReputeFlow-Escrow/internal/escrow"
	"ReputeFlow-Escrow/internal/ledger"
)

func newTestLedger(t *testing.T) (*Ledger, *escrow.Service) {
	t.Helper()
	led := ledger.NewMemoryLedger()
	led.Deposit("client-1", 100_000)
	svc := escrow.NewService(escrow.NewMemoryStore(), led,
		escrow.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }),
	)
	return NewLedger(NewMemoryStore(), svc), svc
}

func createJob(t *testing.T, svc *escrow.Service) *escrow.Project {
	t.Helper()
	job, err := svc.Apply(context.Background(), escrow.Command{
		Kind: escrow.CmdCreateProject,
		Spec: &escrow.ProjectSpec{
			ClientID:   "client-1",
			Milestones: []escrow.MilestoneSpec{{Description: "build it", Amount: 1000}},
		},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestSubmitValidation(t *testing.T) {
	l, svc := newTestLedger(t)
	ctx := context.Background()
	job := createJob(t, svc)

	cases := []SubmitRequest{
		{JobID: job.ID, FreelancerID: "", ProposedRate: 10},
		{JobID: 0, FreelancerID: "f1", ProposedRate: 10},
		{JobID: job.ID, FreelancerID: "f1", ProposedRate: 0},
		{JobID: job.ID, FreelancerID: "f1", ProposedRate: -5},
	}
	for i, req := range cases {
		if _, err := l.Submit(ctx, req); !errors.Is(err, ErrProposalInvalid) {
			t.Fatalf("case %d: expected validation failure, got %v", i, err)
		}
	}

	p, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f1", ProposedRate: 900})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.ID == "" || p.SubmittedAt == 0 {
		t.Fatalf("expected populated proposal, got %+v", p)
	}
}

func TestSubmitRejectedWhenJobNotOpen(t *testing.T) {
	l, svc := newTestLedger(t)
	ctx := context.Background()
	job := createJob(t, svc)

	if _, err := svc.Apply(ctx, escrow.Command{
		Kind:         escrow.CmdAssignFreelancer,
		ProjectID:    job.ID,
		FreelancerID: "f1",
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := svc.Apply(ctx, escrow.Command{
		Kind:      escrow.CmdFundProject,
		ProjectID: job.ID,
		Amount:    1000,
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}

	if _, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f2", ProposedRate: 800}); !errors.Is(err, ErrJobNotOpen) {
		t.Fatalf("expected job not open, got %v", err)
	}
}

func TestSubmitDuplicateBid(t *testing.T) {
	l, svc := newTestLedger(t)
	ctx := context.Background()
	job := createJob(t, svc)

	if _, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f1", ProposedRate: 900}); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if _, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f1", ProposedRate: 850}); !errors.Is(err, ErrProposalConflict) {
		t.Fatalf("expected duplicate bid conflict, got %v", err)
	}

	// Withdrawing frees the slot for a fresh bid.
	first, _ := l.store.ByJob(ctx, job.ID)
	if err := l.Withdraw(ctx, first[0].ID, "f1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f1", ProposedRate: 850}); err != nil {
		t.Fatalf("rebid after withdraw: %v", err)
	}
}

func TestAcceptRaceSingleWinner(t *testing.T) {
	l, svc := newTestLedger(t)
	ctx := context.Background()
	job := createJob(t, svc)

	const bidders = 6
	ids := make([]string, bidders)
	for i := 0; i < bidders; i++ {
		p, err := l.Submit(ctx, SubmitRequest{
			JobID:        job.ID,
			FreelancerID: string(rune('a' + i)),
			ProposedRate: int64(100 * (i + 1)),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids[i] = p.ID
	}

	var winners, losers int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := l.Accept(ctx, id, "client-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, escrow.ErrAlreadyAssigned):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if winners != 1 || losers != bidders-1 {
		t.Fatalf("expected 1 winner and %d losers, got %d/%d", bidders-1, winners, losers)
	}

	got, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.FreelancerID == "" {
		t.Fatal("expected a freelancer on the job")
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	l, svc := newTestLedger(t)
	ctx := context.Background()
	job := createJob(t, svc)

	p, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f1", ProposedRate: 900})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := l.Accept(ctx, p.ID, "client-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	again, err := l.Accept(ctx, p.ID, "client-1")
	if err != nil {
		t.Fatalf("repeated accept: %v", err)
	}
	if !again.Accepted {
		t.Fatal("expected accepted flag")
	}
}

func TestAcceptArchivesLosingBids(t *testing.T) {
	l, svc := newTestLedger(t)
	ctx := context.Background()
	job := createJob(t, svc)

	winner, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f1", ProposedRate: 900})
	if err != nil {
		t.Fatalf("submit f1: %v", err)
	}
	if _, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f2", ProposedRate: 800}); err != nil {
		t.Fatalf("submit f2: %v", err)
	}
	gone, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f3", ProposedRate: 700})
	if err != nil {
		t.Fatalf("submit f3: %v", err)
	}
	if err := l.Withdraw(ctx, gone.ID, "f3"); err != nil {
		t.Fatalf("withdraw f3: %v", err)
	}

	if _, err := l.Accept(ctx, winner.ID, "client-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Once the job has its freelancer the losing pending bid is archived as
	// rejected; the winner and the withdrawn bid keep their flags.
	all, err := l.store.ByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("by job: %v", err)
	}
	for _, p := range all {
		switch p.FreelancerID {
		case "f1":
			if !p.Accepted || p.Rejected {
				t.Fatalf("winner flags wrong: %+v", p)
			}
		case "f2":
			if !p.Rejected || p.Accepted {
				t.Fatalf("loser must be rejected: %+v", p)
			}
		case "f3":
			if !p.Withdrawn || p.Rejected {
				t.Fatalf("withdrawn bid must stay withdrawn only: %+v", p)
			}
		}
	}
}

func TestAcceptWithdrawnProposal(t *testing.T) {
	l, svc := newTestLedger(t)
	ctx := context.Background()
	job := createJob(t, svc)

	p, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f1", ProposedRate: 900})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := l.Withdraw(ctx, p.ID, "f1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := l.Accept(ctx, p.ID, "client-1"); !errors.Is(err, ErrProposalWithdrawn) {
		t.Fatalf("expected withdrawn error, got %v", err)
	}
}

func TestWithdrawRules(t *testing.T) {
	l, svc := newTestLedger(t)
	ctx := context.Background()
	job := createJob(t, svc)

	p, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f1", ProposedRate: 900})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Only the bidding freelancer can withdraw.
	if err := l.Withdraw(ctx, p.ID, "someone-else"); !errors.Is(err, escrow.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}

	if err := l.Withdraw(ctx, p.ID, "f1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// Idempotent.
	if err := l.Withdraw(ctx, p.ID, "f1"); err != nil {
		t.Fatalf("repeated withdraw: %v", err)
	}

	// An accepted proposal cannot be withdrawn.
	accepted, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f2", ProposedRate: 800})
	if err != nil {
		t.Fatalf("submit f2: %v", err)
	}
	if _, err := l.Accept(ctx, accepted.ID, "client-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := l.Withdraw(ctx, accepted.ID, "f2"); !errors.Is(err, ErrProposalConflict) {
		t.Fatalf("expected conflict on accepted withdraw, got %v", err)
	}
}

func TestListIsLazyAndRestartable(t *testing.T) {
	l, svc := newTestLedger(t)
	ctx := context.Background()
	job := createJob(t, svc)

	if _, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f1", ProposedRate: 900}); err != nil {
		t.Fatalf("submit f1: %v", err)
	}
	if _, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f2", ProposedRate: 800}); err != nil {
		t.Fatalf("submit f2: %v", err)
	}

	seq := l.List(ctx, job.ID)

	count := 0
	for p, err := range seq {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		if p == nil {
			t.Fatal("nil proposal yielded")
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 proposals, got %d", count)
	}

	// Early break must not poison the sequence.
	for range seq {
		break
	}

	// A new bid arrives between passes; a restarted pass observes it.
	if _, err := l.Submit(ctx, SubmitRequest{JobID: job.ID, FreelancerID: "f3", ProposedRate: 700}); err != nil {
		t.Fatalf("submit f3: %v", err)
	}
	count = 0
	for _, err := range seq {
		if err != nil {
			t.Fatalf("second pass: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Fatalf("restarted pass must see fresh state, got %d", count)
	}
}
