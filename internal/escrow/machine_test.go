package escrow

import (
	"errors"
	"testing"
	"time"
)

func testMachine() *Machine {
	base := time.Unix(1_700_000_000, 0).UTC()
	return NewMachine(func() time.Time { return base })
}

func newTestProject(t *testing.T, amounts ...int64) (*Machine, *Project) {
	t.Helper()
	m := testMachine()
	specs := make([]MilestoneSpec, len(amounts))
	for i, amount := range amounts {
		specs[i] = MilestoneSpec{Description: "milestone", Amount: amount}
	}
	p, err := m.Create(ProjectSpec{ClientID: "client-1", Title: "site build", Milestones: specs})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	p.ID = 1
	return m, p
}

func fundActive(t *testing.T, m *Machine, p *Project) {
	t.Helper()
	if err := m.AssignFreelancer(p, "freelancer-1"); err != nil {
		t.Fatalf("assign freelancer: %v", err)
	}
	if err := m.MarkFunded(p, p.TotalBudget, "tx-fund"); err != nil {
		t.Fatalf("mark funded: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	m := testMachine()

	if _, err := m.Create(ProjectSpec{ClientID: "c"}); !errors.Is(err, ErrEmptyMilestoneList) {
		t.Fatalf("expected empty milestone error, got %v", err)
	}
	if _, err := m.Create(ProjectSpec{
		ClientID:   "c",
		Milestones: []MilestoneSpec{{Amount: 0}},
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount error, got %v", err)
	}
	if _, err := m.Create(ProjectSpec{
		Milestones: []MilestoneSpec{{Amount: 100}},
	}); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("expected invalid project error, got %v", err)
	}

	p, err := m.Create(ProjectSpec{
		ClientID:   "c",
		Milestones: []MilestoneSpec{{Amount: 300}, {Amount: 700}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.TotalBudget != 1000 {
		t.Fatalf("expected budget 1000, got %d", p.TotalBudget)
	}
	if p.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", p.Status)
	}
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestFundAmountMustEqualBudget(t *testing.T) {
	m, p := newTestProject(t, 300, 700)

	if err := m.ValidateFund(p, 999); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if p.Status != StatusCreated {
		t.Fatalf("partial funding must not change state, got %s", p.Status)
	}
	if err := m.MarkFunded(p, 1000, "tx-1"); err != nil {
		t.Fatalf("fund full budget: %v", err)
	}
	if p.Status != StatusActive {
		t.Fatalf("funding should activate, got %s", p.Status)
	}
	if p.FundedAt == 0 {
		t.Fatal("expected FundedAt set")
	}
	if err := m.MarkFunded(p, 1000, "tx-2"); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected already funded, got %v", err)
	}
}

func TestAssignFreelancerOnce(t *testing.T) {
	m, p := newTestProject(t, 500)

	if err := m.AssignFreelancer(p, "f1"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if err := m.AssignFreelancer(p, "f2"); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected already assigned, got %v", err)
	}
	if p.FreelancerID != "f1" {
		t.Fatalf("winner must stick, got %s", p.FreelancerID)
	}
}

func TestMilestoneProgression(t *testing.T) {
	m, p := newTestProject(t, 300, 700)
	fundActive(t, m, p)

	// Approval before submission is rejected.
	if err := m.ApproveMilestone(p, 0); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected not completed, got %v", err)
	}
	// Release before approval is rejected.
	if _, _, err := m.BeginRelease(p, 0); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected not approved, got %v", err)
	}

	if err := m.SubmitDeliverable(p, 0, "ipfs://v1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Resubmission before approval replaces the evidence.
	if err := m.SubmitDeliverable(p, 0, "ipfs://v2"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if p.Milestones[0].EvidenceRef != "ipfs://v2" {
		t.Fatalf("expected replaced evidence, got %s", p.Milestones[0].EvidenceRef)
	}

	if err := m.ApproveMilestone(p, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := m.ApproveMilestone(p, 0); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("expected already approved, got %v", err)
	}

	if _, _, err := m.BeginRelease(p, 0); err != nil {
		t.Fatalf("begin release: %v", err)
	}
	if !p.ReleaseInFlight() {
		t.Fatal("expected release in flight")
	}
	if err := m.MarkReleased(p, 0, "tx-release-0"); err != nil {
		t.Fatalf("mark released: %v", err)
	}
	if p.Status == StatusCompleted {
		t.Fatal("project must not complete with an unreleased milestone")
	}
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	// Submitting a released milestone is rejected.
	if err := m.SubmitDeliverable(p, 0, "ipfs://v3"); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected already released, got %v", err)
	}

	if err := m.SubmitDeliverable(p, 1, "ipfs://m2"); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := m.ApproveMilestone(p, 1); err != nil {
		t.Fatalf("approve second: %v", err)
	}
	if _, _, err := m.BeginRelease(p, 1); err != nil {
		t.Fatalf("begin second release: %v", err)
	}
	if err := m.MarkReleased(p, 1, "tx-release-1"); err != nil {
		t.Fatalf("release second: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("expected completed after last release, got %s", p.Status)
	}
	if p.CompletedAt == 0 {
		t.Fatal("expected CompletedAt set")
	}
}

func TestBeginReleaseIdempotent(t *testing.T) {
	m, p := newTestProject(t, 500)
	fundActive(t, m, p)

	if err := m.SubmitDeliverable(p, 0, "ref"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.ApproveMilestone(p, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, err := m.BeginRelease(p, 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.MarkReleased(p, 0, "tx-a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ref, already, err := m.BeginRelease(p, 0)
	if err != nil {
		t.Fatalf("repeat begin: %v", err)
	}
	if !already || ref != "tx-a" {
		t.Fatalf("expected stored tx ref on repeat, got already=%v ref=%q", already, ref)
	}
	// A repeated confirmation is a no-op and keeps the original reference.
	if err := m.MarkReleased(p, 0, "tx-b"); err != nil {
		t.Fatalf("repeat mark: %v", err)
	}
	if p.Milestones[0].ReleaseTx != "tx-a" {
		t.Fatalf("expected original tx ref, got %s", p.Milestones[0].ReleaseTx)
	}
}

func TestDisputePreconditions(t *testing.T) {
	m, p := newTestProject(t, 400, 600)
	fundActive(t, m, p)

	// Nothing submitted yet.
	if err := m.RaiseDispute(p, 0); !errors.Is(err, ErrDisputeConflict) {
		t.Fatalf("expected dispute conflict, got %v", err)
	}

	if err := m.SubmitDeliverable(p, 0, "ref"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.RaiseDispute(p, 0); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if p.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %s", p.Status)
	}
	// Raising again while disputed is a no-op.
	if err := m.RaiseDispute(p, 0); err != nil {
		t.Fatalf("repeat raise: %v", err)
	}
	// The precondition still applies while disputed: the second milestone has
	// no submitted deliverable, so it cannot be contested.
	if err := m.RaiseDispute(p, 1); !errors.Is(err, ErrDisputeConflict) {
		t.Fatalf("expected dispute conflict on unsubmitted milestone, got %v", err)
	}

	// Work operations are rejected while disputed.
	if err := m.SubmitDeliverable(p, 1, "ref"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
	if err := m.ApproveMilestone(p, 0); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
}

func TestResolveDisputeOutcomes(t *testing.T) {
	m, p := newTestProject(t, 400, 600)
	fundActive(t, m, p)
	if err := m.SubmitDeliverable(p, 0, "ref"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.RaiseDispute(p, 0); err != nil {
		t.Fatalf("raise: %v", err)
	}

	// Client win: back to active, milestone unapproved, no money moves.
	if err := m.ResolveDispute(p, 0, false, false); err != nil {
		t.Fatalf("resolve client win: %v", err)
	}
	if p.Status != StatusActive {
		t.Fatalf("expected active, got %s", p.Status)
	}
	if p.Milestones[0].Approved {
		t.Fatal("client win must not approve the milestone")
	}

	// Freelancer win approves the milestone.
	if err := m.RaiseDispute(p, 0); err != nil {
		t.Fatalf("raise again: %v", err)
	}
	if err := m.ResolveDispute(p, 0, true, false); err != nil {
		t.Fatalf("resolve freelancer win: %v", err)
	}
	if !p.Milestones[0].Approved {
		t.Fatal("freelancer win must approve the milestone")
	}
	if p.Milestones[0].Released {
		t.Fatal("resolution alone must not release funds")
	}
}

func TestResolveDisputeWithOthersStillOpen(t *testing.T) {
	m, p := newTestProject(t, 400, 600)
	fundActive(t, m, p)
	for idx := 0; idx < 2; idx++ {
		if err := m.SubmitDeliverable(p, idx, "ref"); err != nil {
			t.Fatalf("submit %d: %v", idx, err)
		}
	}
	for idx := 0; idx < 2; idx++ {
		if err := m.RaiseDispute(p, idx); err != nil {
			t.Fatalf("raise %d: %v", idx, err)
		}
	}

	// The first verdict lands while the second dispute is still undecided:
	// the project must stay disputed so the second verdict can still apply.
	if err := m.ResolveDispute(p, 0, true, true); err != nil {
		t.Fatalf("resolve first: %v", err)
	}
	if p.Status != StatusDisputed {
		t.Fatalf("expected project to stay disputed, got %s", p.Status)
	}
	if !p.Milestones[0].Approved {
		t.Fatal("freelancer win must approve the milestone")
	}

	// The winning milestone pays out while the project stays disputed.
	if _, _, err := m.BeginRelease(p, 0); err != nil {
		t.Fatalf("begin release while disputed: %v", err)
	}
	if err := m.MarkReleased(p, 0, "tx-0"); err != nil {
		t.Fatalf("mark released: %v", err)
	}

	// The last verdict returns the project to active.
	if err := m.ResolveDispute(p, 1, false, false); err != nil {
		t.Fatalf("resolve second: %v", err)
	}
	if p.Status != StatusActive {
		t.Fatalf("expected active after last verdict, got %s", p.Status)
	}
	if p.Milestones[1].Approved {
		t.Fatal("client win must not approve the milestone")
	}
}

func TestCancellationRules(t *testing.T) {
	m, p := newTestProject(t, 300, 700)

	// Unfunded project cancels with no refund.
	if got := m.RefundableAmount(p); got != 0 {
		t.Fatalf("expected zero refund before funding, got %d", got)
	}
	if err := m.MarkCancelled(p); err != nil {
		t.Fatalf("cancel unfunded: %v", err)
	}
	if p.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", p.Status)
	}
	// Cancelling again stays valid: the cancel command is replayed to re-drive
	// a refund that failed after the terminal state was stored.
	if err := m.MarkCancelled(p); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}

	// Funded project refunds the full escrow.
	m2, p2 := newTestProject(t, 300, 700)
	fundActive(t, m2, p2)
	if got := m2.RefundableAmount(p2); got != 1000 {
		t.Fatalf("expected full refund, got %d", got)
	}

	// A released milestone blocks cancellation.
	if err := m2.SubmitDeliverable(p2, 0, "ref"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m2.ApproveMilestone(p2, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, err := m2.BeginRelease(p2, 0); err != nil {
		t.Fatalf("begin release: %v", err)
	}
	// Even an in-flight payout blocks cancellation.
	if err := m2.ValidateCancel(p2); !errors.Is(err, ErrCancellationBlocked) {
		t.Fatalf("expected cancellation blocked in flight, got %v", err)
	}
	if err := m2.MarkReleased(p2, 0, "tx"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m2.ValidateCancel(p2); !errors.Is(err, ErrCancellationBlocked) {
		t.Fatalf("expected cancellation blocked, got %v", err)
	}
	if got := m2.RefundableAmount(p2); got != 700 {
		t.Fatalf("expected remaining escrow 700, got %d", got)
	}
}

func TestInvariantViolationsRejected(t *testing.T) {
	_, p := newTestProject(t, 300, 700)

	broken := p.Clone()
	broken.Milestones[0].Amount = 400
	if err := broken.CheckInvariants(); !errors.Is(err, ErrBudgetMismatch) {
		t.Fatalf("expected budget mismatch, got %v", err)
	}

	broken = p.Clone()
	broken.Milestones[0].Released = true
	if err := broken.CheckInvariants(); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("expected invalid project for released-without-approval, got %v", err)
	}

	broken = p.Clone()
	broken.Milestones[0].Approved = true
	if err := broken.CheckInvariants(); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("expected invalid project for approved-without-completion, got %v", err)
	}
}
