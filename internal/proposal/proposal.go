package proposal

import (
	xerrors "ReputeFlow-Escrow/internal/errors"
)

// Proposal is a freelancer's bid on an open job. Proposals are immutable
// after submission except for the accepted, rejected and withdrawn flags.
// Losing bids are kept as rejected records once the job leaves the created
// state.
type Proposal struct {
	ID             string `json:"id"`
	JobID          uint64 `json:"job_id"`
	FreelancerID   string `json:"freelancer_id"`
	CoverLetter    string `json:"cover_letter,omitempty"`
	ProposedRate   int64  `json:"proposed_rate"`
	EstimatedHours int    `json:"estimated_hours,omitempty"`
	Accepted       bool   `json:"accepted"`
	Rejected       bool   `json:"rejected"`
	Withdrawn      bool   `json:"withdrawn"`
	SubmittedAt    int64  `json:"submitted_at"`
}

// Clone returns a copy safe to hand to callers.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Error codes of the proposal ledger.
const (
	CodeProposalNotFound  xerrors.Code = "PROPOSAL_NOT_FOUND"
	CodeProposalInvalid   xerrors.Code = "PROPOSAL_VALIDATION_FAILED"
	CodeProposalConflict  xerrors.Code = "PROPOSAL_CONFLICT"
	CodeJobNotOpen        xerrors.Code = "JOB_NOT_OPEN"
	CodeProposalWithdrawn xerrors.Code = "PROPOSAL_WITHDRAWN"
)

var (
	// ErrProposalNotFound indicates the proposal id does not exist.
	ErrProposalNotFound = xerrors.New(CodeProposalNotFound, "proposal not found")
	// ErrProposalInvalid rejects a structurally invalid proposal.
	ErrProposalInvalid = xerrors.New(CodeProposalInvalid, "proposal validation failed")
	// ErrProposalConflict indicates a duplicate bid by the same freelancer.
	ErrProposalConflict = xerrors.New(CodeProposalConflict, "freelancer already bid on this job", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobNotOpen rejects bids on jobs past the created state.
	ErrJobNotOpen = xerrors.New(CodeJobNotOpen, "job is not accepting proposals")
	// ErrProposalWithdrawn rejects acceptance of a withdrawn proposal.
	ErrProposalWithdrawn = xerrors.New(CodeProposalWithdrawn, "proposal was withdrawn")
)

func init() {
	for code, message := range map[xerrors.Code]string{
		CodeProposalNotFound:  "proposal not found",
		CodeProposalInvalid:   "proposal validation failed",
		CodeProposalConflict:  "freelancer already bid on this job",
		CodeJobNotOpen:        "job is not accepting proposals",
		CodeProposalWithdrawn: "proposal was withdrawn",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  xerrors.SeverityInfo,
			Retryable: false,
			Alert:     false,
		})
	}
}
