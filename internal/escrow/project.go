package escrow

import (
	"strings"
)

// Status represents the lifecycle state of a project under escrow.
type Status string

const (
	// StatusCreated marks projects that exist but hold no funds yet. Proposals
	// may only be submitted and accepted while a project is in this state.
	StatusCreated Status = "created"
	// StatusFunded marks projects whose full budget has been locked by the
	// ledger. The state is transient: funding activates the project
	// immediately, but the distinction is kept for auditability.
	StatusFunded Status = "funded"
	// StatusActive marks projects where work and milestone payouts are in
	// progress.
	StatusActive Status = "active"
	// StatusDisputed marks projects with an open dispute on one of their
	// milestones.
	StatusDisputed Status = "disputed"
	// StatusCompleted marks projects that have released every milestone.
	StatusCompleted Status = "completed"
	// StatusCancelled marks projects cancelled before any milestone release.
	StatusCancelled Status = "cancelled"
)

// IsValidStatus reports whether the given status is a supported enum value.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusCreated, StatusFunded, StatusActive, StatusDisputed, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// terminal reports whether no further transitions are allowed from the status.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Milestone is a payable unit of work owned exclusively by its project.
// Amounts are integer minor units; the progression flags are monotonic:
// Released implies Approved implies Completed.
type Milestone struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Deadline    int64  `json:"deadline,omitempty"`
	Completed   bool   `json:"completed"`
	Approved    bool   `json:"approved"`
	Released    bool   `json:"released"`
	// EvidenceRef points at the submitted deliverable (URL or content id).
	// Resubmitting before approval replaces it.
	EvidenceRef string `json:"evidence_ref,omitempty"`
	// ReleasePending is set durably before the ledger transfer is attempted so
	// a crashed release can be retried with the same idempotency key and so
	// cancellation is rejected while a payout is in flight.
	ReleasePending bool   `json:"release_pending,omitempty"`
	ReleaseTx      string `json:"release_tx,omitempty"`
	SubmittedAt    int64  `json:"submitted_at,omitempty"`
	ApprovedAt     int64  `json:"approved_at,omitempty"`
	ReleasedAt     int64  `json:"released_at,omitempty"`
}

// Project is a job under escrow, composed of milestones. It is mutated only
// by the state machine, under the store's per-id exclusive lock.
type Project struct {
	ID             uint64      `json:"id"`
	ClientID       string      `json:"client_id"`
	FreelancerID   string      `json:"freelancer_id,omitempty"`
	Title          string      `json:"title,omitempty"`
	Description    string      `json:"description,omitempty"`
	RequiredSkills []string    `json:"required_skills,omitempty"`
	Milestones     []Milestone `json:"milestones"`
	// TotalBudget equals the sum of milestone amounts at creation and is
	// immutable afterwards.
	TotalBudget int64  `json:"total_budget"`
	Status      Status `json:"status"`
	FundingTx   string `json:"funding_tx,omitempty"`
	// Version guards optimistic writes in stores that cannot hold a row lock.
	Version     uint64 `json:"version"`
	CreatedAt   int64  `json:"created_at"`
	FundedAt    int64  `json:"funded_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Clone returns a deep copy so callers can read project state without
// aliasing the stored instance.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	if len(p.Milestones) > 0 {
		clone.Milestones = make([]Milestone, len(p.Milestones))
		copy(clone.Milestones, p.Milestones)
	}
	if len(p.RequiredSkills) > 0 {
		clone.RequiredSkills = make([]string, len(p.RequiredSkills))
		copy(clone.RequiredSkills, p.RequiredSkills)
	}
	return &clone
}

// MilestoneAt returns a pointer to the milestone at idx, or ErrIndexOutOfRange.
func (p *Project) MilestoneAt(idx int) (*Milestone, error) {
	if idx < 0 || idx >= len(p.Milestones) {
		return nil, ErrIndexOutOfRange
	}
	return &p.Milestones[idx], nil
}

// AllReleased reports whether every milestone has been paid out.
func (p *Project) AllReleased() bool {
	if len(p.Milestones) == 0 {
		return false
	}
	for i := range p.Milestones {
		if !p.Milestones[i].Released {
			return false
		}
	}
	return true
}

// AnyReleased reports whether at least one milestone has been paid out.
func (p *Project) AnyReleased() bool {
	for i := range p.Milestones {
		if p.Milestones[i].Released {
			return true
		}
	}
	return false
}

// ReleaseInFlight reports whether a payout has been durably started but not
// yet confirmed for any milestone.
func (p *Project) ReleaseInFlight() bool {
	for i := range p.Milestones {
		if p.Milestones[i].ReleasePending && !p.Milestones[i].Released {
			return true
		}
	}
	return false
}

// CheckInvariants verifies the structural invariants that must hold in every
// observable state. Stores call it before persisting a mutation.
func (p *Project) CheckInvariants() error {
	if p == nil {
		return ErrInvalidProject
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return ErrInvalidProject
	}
	if !IsValidStatus(p.Status) {
		return ErrInvalidProject
	}
	var sum int64
	for i := range p.Milestones {
		m := &p.Milestones[i]
		if m.Amount <= 0 {
			return ErrInvalidAmount
		}
		if m.Approved && !m.Completed {
			return ErrInvalidProject
		}
		if m.Released && !m.Approved {
			return ErrInvalidProject
		}
		sum += m.Amount
	}
	if sum != p.TotalBudget {
		return ErrBudgetMismatch
	}
	return nil
}

// MilestoneSpec describes one milestone in a creation request.
type MilestoneSpec struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Deadline    int64  `json:"deadline,omitempty"`
}

// ProjectSpec carries the validated arguments of a create command.
type ProjectSpec struct {
	ClientID       string          `json:"client_id"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	RequiredSkills []string        `json:"required_skills,omitempty"`
	Milestones     []MilestoneSpec `json:"milestones"`
}
