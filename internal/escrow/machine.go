package escrow

import (
	"strings"
	"time"
)

// Machine validates and applies every lifecycle transition on a project. It
// is purely in-memory: callers run it inside the store's per-id critical
// section and persist the result, so a transition is either fully applied and
// stored or not observable at all.
type Machine struct {
	now func() time.Time
}

// NewMachine builds a machine using the supplied clock. A nil clock falls
// back to UTC wall time.
func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{now: now}
}

// Create validates the spec and materializes a project in the created state.
// The store assigns the monotonic id on insert.
func (m *Machine) Create(spec ProjectSpec) (*Project, error) {
	if strings.TrimSpace(spec.ClientID) == "" {
		return nil, ErrInvalidProject
	}
	if len(spec.Milestones) == 0 {
		return nil, ErrEmptyMilestoneList
	}
	milestones := make([]Milestone, len(spec.Milestones))
	var total int64
	for i, ms := range spec.Milestones {
		if ms.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		milestones[i] = Milestone{
			Description: ms.Description,
			Amount:      ms.Amount,
			Deadline:    ms.Deadline,
		}
		total += ms.Amount
	}
	now := m.now().Unix()
	project := &Project{
		ClientID:       strings.TrimSpace(spec.ClientID),
		Title:          strings.TrimSpace(spec.Title),
		Description:    spec.Description,
		RequiredSkills: append([]string(nil), spec.RequiredSkills...),
		Milestones:     milestones,
		TotalBudget:    total,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return project, nil
}

// AssignFreelancer records the accepted freelancer. The project must still be
// in the created state with no freelancer set; every loser of an accept race
// gets ErrAlreadyAssigned. The assignment is a local record only; it does not
// move funds.
func (m *Machine) AssignFreelancer(p *Project, freelancerID string) error {
	freelancerID = strings.TrimSpace(freelancerID)
	if freelancerID == "" {
		return ErrInvalidProject
	}
	if p.Status != StatusCreated || p.FreelancerID != "" {
		return ErrAlreadyAssigned
	}
	p.FreelancerID = freelancerID
	p.UpdatedAt = m.now().Unix()
	return nil
}

// ValidateFund checks the funding preconditions without mutating the project,
// so the ledger call can be attempted before any state changes.
func (m *Machine) ValidateFund(p *Project, amount int64) error {
	if p.Status != StatusCreated {
		return ErrAlreadyFunded
	}
	if amount != p.TotalBudget {
		return ErrAmountMismatch
	}
	return nil
}

// MarkFunded records a confirmed ledger lock and activates the project.
// FundedAt is set exactly once.
func (m *Machine) MarkFunded(p *Project, amount int64, txRef string) error {
	if err := m.ValidateFund(p, amount); err != nil {
		return err
	}
	now := m.now().Unix()
	p.Status = StatusFunded
	p.FundingTx = txRef
	p.FundedAt = now
	p.UpdatedAt = now
	// Activation is implicit upon funding.
	p.Status = StatusActive
	return nil
}

// SubmitDeliverable marks the milestone completed. Resubmitting before
// approval replaces the evidence reference and is not an error.
func (m *Machine) SubmitDeliverable(p *Project, idx int, evidenceRef string) error {
	if p.Status != StatusActive {
		return ErrNotActive
	}
	ms, err := p.MilestoneAt(idx)
	if err != nil {
		return err
	}
	if ms.Released {
		return ErrAlreadyReleased
	}
	if ms.Approved {
		return ErrAlreadyApproved
	}
	now := m.now().Unix()
	ms.Completed = true
	ms.EvidenceRef = strings.TrimSpace(evidenceRef)
	ms.SubmittedAt = now
	p.UpdatedAt = now
	return nil
}

// ApproveMilestone marks a completed milestone approved. Callers release
// funds as the follow-up step; approval alone never moves money.
func (m *Machine) ApproveMilestone(p *Project, idx int) error {
	if p.Status != StatusActive {
		return ErrNotActive
	}
	ms, err := p.MilestoneAt(idx)
	if err != nil {
		return err
	}
	if !ms.Completed {
		return ErrNotCompleted
	}
	if ms.Approved {
		return ErrAlreadyApproved
	}
	now := m.now().Unix()
	ms.Approved = true
	ms.ApprovedAt = now
	p.UpdatedAt = now
	return nil
}

// BeginRelease durably marks a payout as in flight before the ledger
// transfer is attempted. It reports alreadyReleased=true with the stored
// transaction reference when the milestone was paid out earlier, which makes
// a retried release a no-op. The released check runs before the status check:
// releasing the last milestone completes the project, and a replayed release
// must still converge on the stored TxRef afterwards.
func (m *Machine) BeginRelease(p *Project, idx int) (txRef string, alreadyReleased bool, err error) {
	ms, err := p.MilestoneAt(idx)
	if err != nil {
		return "", false, err
	}
	if ms.Released {
		return ms.ReleaseTx, true, nil
	}
	// A resolution payout may run while other milestone disputes keep the
	// project in the disputed state.
	if p.Status != StatusActive && p.Status != StatusDisputed {
		return "", false, ErrNotActive
	}
	if !ms.Approved {
		return "", false, ErrNotApproved
	}
	ms.ReleasePending = true
	p.UpdatedAt = m.now().Unix()
	return "", false, nil
}

// AbortRelease clears the in-flight marker after the ledger reported a
// definite, non-ambiguous failure. The milestone stays approved and can be
// released again later.
func (m *Machine) AbortRelease(p *Project, idx int) error {
	ms, err := p.MilestoneAt(idx)
	if err != nil {
		return err
	}
	if ms.Released {
		return nil
	}
	ms.ReleasePending = false
	p.UpdatedAt = m.now().Unix()
	return nil
}

// MarkReleased records a confirmed payout. When every milestone has been
// released the project completes and CompletedAt is set exactly once.
func (m *Machine) MarkReleased(p *Project, idx int, txRef string) error {
	ms, err := p.MilestoneAt(idx)
	if err != nil {
		return err
	}
	if ms.Released {
		return nil
	}
	if !ms.Approved {
		return ErrNotApproved
	}
	now := m.now().Unix()
	ms.Released = true
	ms.ReleasePending = false
	ms.ReleaseTx = txRef
	ms.ReleasedAt = now
	p.UpdatedAt = now
	if p.AllReleased() {
		p.Status = StatusCompleted
		p.CompletedAt = now
	}
	return nil
}

// RaiseDispute moves the project into the disputed state. A dispute requires
// a submitted but unapproved deliverable on the named milestone, also when
// another milestone already holds the project in the disputed state. Raising
// it twice on the same milestone is handled by the coordinator, which
// collapses concurrent opens into one dispute.
func (m *Machine) RaiseDispute(p *Project, idx int) error {
	if p.Status != StatusActive && p.Status != StatusDisputed {
		return ErrNotActive
	}
	ms, err := p.MilestoneAt(idx)
	if err != nil {
		return err
	}
	if !ms.Completed || ms.Approved {
		return ErrDisputeConflict
	}
	p.Status = StatusDisputed
	p.UpdatedAt = m.now().Unix()
	return nil
}

// ResolveDispute applies an adjudication outcome. A win for the freelancer
// approves the milestone; callers then release funds. A win for the client
// leaves the milestone unapproved and moves no money. stayDisputed keeps the
// project in the disputed state when other milestone disputes remain open;
// otherwise the project returns to active.
func (m *Machine) ResolveDispute(p *Project, idx int, freelancerWins, stayDisputed bool) error {
	if p.Status != StatusDisputed {
		return ErrDisputeConflict
	}
	ms, err := p.MilestoneAt(idx)
	if err != nil {
		return err
	}
	now := m.now().Unix()
	if !stayDisputed {
		p.Status = StatusActive
	}
	p.UpdatedAt = now
	if freelancerWins && !ms.Approved {
		ms.Approved = true
		ms.ApprovedAt = now
	}
	return nil
}

// ValidateCancel checks cancellation preconditions without mutating state.
// Cancellation is rejected, not queued, while a payout is in flight. An
// already cancelled project passes: the cancel command is replayable so a
// refund that failed after the terminal state was persisted can be re-driven.
func (m *Machine) ValidateCancel(p *Project) error {
	if p.Status == StatusCompleted {
		return ErrCancellationBlocked
	}
	if p.AnyReleased() || p.ReleaseInFlight() {
		return ErrCancellationBlocked
	}
	return nil
}

// RefundableAmount returns the escrowed-but-unreleased balance owed back to
// the client on cancellation. Unfunded projects refund nothing.
func (m *Machine) RefundableAmount(p *Project) int64 {
	if p.FundedAt == 0 {
		return 0
	}
	var released int64
	for i := range p.Milestones {
		if p.Milestones[i].Released {
			released += p.Milestones[i].Amount
		}
	}
	return p.TotalBudget - released
}

// MarkCancelled finalizes a cancellation after any refund has been confirmed.
func (m *Machine) MarkCancelled(p *Project) error {
	if err := m.ValidateCancel(p); err != nil {
		return err
	}
	p.Status = StatusCancelled
	p.UpdatedAt = m.now().Unix()
	return nil
}
