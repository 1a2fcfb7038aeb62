package dispute

import (
	xerrors "ReputeFlow-Escrow/internal/errors"
)

// Status tracks the lifecycle of a dispute record.
type Status string

const (
	// StatusOpen marks disputes still collecting votes.
	StatusOpen Status = "open"
	// StatusResolved marks disputes decided by arbiter votes.
	StatusResolved Status = "resolved"
	// StatusManualReview marks disputes that timed out below quorum and now
	// wait for an operator verdict.
	StatusManualReview Status = "manual_review"
)

// Winner identifies the prevailing side of a dispute.
type Winner string

const (
	WinnerClient     Winner = "client"
	WinnerFreelancer Winner = "freelancer"
)

// Vote is one arbiter's verdict. Confidence in (0, 1] is advisory metadata
// recorded for audit; the outcome is decided by vote count alone.
type Vote struct {
	ArbiterID  string  `json:"arbiter_id"`
	Winner     Winner  `json:"winner"`
	Confidence float64 `json:"confidence"`
	CastAt     int64   `json:"cast_at"`
}

// Dispute is the adjudication record for one contested milestone. At most one
// open dispute exists per (project, milestone) pair.
type Dispute struct {
	ID         string `json:"id"`
	ProjectID  uint64 `json:"project_id"`
	Milestone  int    `json:"milestone"`
	RaisedBy   string `json:"raised_by"`
	Reason     string `json:"reason,omitempty"`
	Status     Status `json:"status"`
	Outcome    Winner `json:"outcome,omitempty"`
	Votes      []Vote `json:"votes"`
	OpenedAt   int64  `json:"opened_at"`
	Deadline   int64  `json:"deadline"`
	ResolvedAt int64  `json:"resolved_at,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if len(d.Votes) > 0 {
		clone.Votes = make([]Vote, len(d.Votes))
		copy(clone.Votes, d.Votes)
	}
	return &clone
}

// hasVoted reports whether the arbiter already cast a vote.
func (d *Dispute) hasVoted(arbiterID string) bool {
	for i := range d.Votes {
		if d.Votes[i].ArbiterID == arbiterID {
			return true
		}
	}
	return false
}

// tally counts the votes per side. Confidence never enters the count; a
// majority of arbiters wins regardless of how sure each one was.
func (d *Dispute) tally() (client, freelancer int) {
	for i := range d.Votes {
		switch d.Votes[i].Winner {
		case WinnerClient:
			client++
		case WinnerFreelancer:
			freelancer++
		}
	}
	return client, freelancer
}

// Error codes of the dispute coordinator.
const (
	CodeDisputeNotFound xerrors.Code = "DISPUTE_NOT_FOUND"
	CodeDuplicateVote   xerrors.Code = "DUPLICATE_VOTE"
	CodeInvalidVote     xerrors.Code = "INVALID_VOTE"
	CodeDisputeClosed   xerrors.Code = "DISPUTE_CLOSED"
)

var (
	// ErrDisputeNotFound indicates the dispute id does not exist.
	ErrDisputeNotFound = xerrors.New(CodeDisputeNotFound, "dispute not found")
	// ErrDuplicateVote rejects a second vote from the same arbiter.
	ErrDuplicateVote = xerrors.New(CodeDuplicateVote, "arbiter already voted", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidVote rejects a malformed winner or confidence value.
	ErrInvalidVote = xerrors.New(CodeInvalidVote, "vote is invalid")
	// ErrDisputeClosed rejects votes on a dispute no longer open.
	ErrDisputeClosed = xerrors.New(CodeDisputeClosed, "dispute is no longer open")
)

func init() {
	for code, message := range map[xerrors.Code]string{
		CodeDisputeNotFound: "dispute not found",
		CodeDuplicateVote:   "arbiter already voted",
		CodeInvalidVote:     "vote is invalid",
		CodeDisputeClosed:   "dispute is no longer open",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  xerrors.SeverityInfo,
			Retryable: false,
			Alert:     false,
		})
	}
}
