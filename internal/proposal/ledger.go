package proposal

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ReputeFlow-Escrow/internal/errors"
	"ReputeFlow-Escrow/internal/escrow"
	"ReputeFlow-Escrow/pkg/logger"
)

// Jobs is the slice of the escrow service the proposal ledger depends on:
// reading job state and recording the accepted freelancer.
type Jobs interface {
	Get(ctx context.Context, id uint64) (*escrow.Project, error)
	Apply(ctx context.Context, cmd escrow.Command) (*escrow.Project, error)
}

// Ledger records bids on open jobs and resolves which freelancer wins a job.
// Acceptance delegates to the escrow state machine, whose compare-and-set on
// the freelancer field decides every accept race.
type Ledger struct {
	store Store
	jobs  Jobs
}

// NewLedger constructs the proposal ledger.
func NewLedger(store Store, jobs Jobs) *Ledger {
	return &Ledger{store: store, jobs: jobs}
}

// SubmitRequest carries the arguments of a bid.
type SubmitRequest struct {
	JobID          uint64 `json:"job_id"`
	FreelancerID   string `json:"freelancer_id"`
	CoverLetter    string `json:"cover_letter,omitempty"`
	ProposedRate   int64  `json:"proposed_rate"`
	EstimatedHours int    `json:"estimated_hours,omitempty"`
}

// Submit records a bid on a job that is still accepting proposals.
func (l *Ledger) Submit(ctx context.Context, req SubmitRequest) (*Proposal, error) {
	if l.store == nil || l.jobs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "proposal ledger not initialized")
	}
	freelancerID := strings.TrimSpace(req.FreelancerID)
	if freelancerID == "" || req.JobID == 0 {
		return nil, ErrProposalInvalid
	}
	if req.ProposedRate <= 0 {
		return nil, ErrProposalInvalid
	}

	job, err := l.jobs.Get(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != escrow.StatusCreated {
		return nil, ErrJobNotOpen
	}

	p := &Proposal{
		ID:             uuid.NewString(),
		JobID:          req.JobID,
		FreelancerID:   freelancerID,
		CoverLetter:    req.CoverLetter,
		ProposedRate:   req.ProposedRate,
		EstimatedHours: req.EstimatedHours,
		SubmittedAt:    nowUnix(),
	}
	if err := l.store.Create(ctx, p); err != nil {
		return nil, err
	}
	logger.L().Info("proposal submitted",
		slog.String("proposal_id", p.ID),
		slog.Uint64("job_id", p.JobID),
		slog.String("freelancer_id", p.FreelancerID),
		slog.Int64("proposed_rate", p.ProposedRate),
	)
	return p.Clone(), nil
}

// Accept picks the winning proposal. The escrow machine's compare-and-set on
// the freelancer field is the single decision point: every concurrent accept
// after the first fails with ALREADY_ASSIGNED.
func (l *Ledger) Accept(ctx context.Context, proposalID, actorID string) (*Proposal, error) {
	if l.store == nil || l.jobs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "proposal ledger not initialized")
	}
	p, err := l.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Withdrawn {
		return nil, ErrProposalWithdrawn
	}
	if p.Accepted {
		return p, nil
	}

	if _, err := l.jobs.Apply(ctx, escrow.Command{
		Kind:         escrow.CmdAssignFreelancer,
		ActorID:      actorID,
		ProjectID:    p.JobID,
		FreelancerID: p.FreelancerID,
	}); err != nil {
		return nil, err
	}

	p.Accepted = true
	if err := l.store.Update(ctx, p); err != nil {
		// The assignment is already durable on the project; the flag is
		// derivable from it and repaired on the next accept attempt.
		logger.L().Warn("proposal accept flag not persisted",
			slog.String("proposal_id", p.ID),
			slog.Any("error", err),
		)
	}
	logger.Audit().Info("proposal accepted",
		slog.String("proposal_id", p.ID),
		slog.Uint64("job_id", p.JobID),
		slog.String("freelancer_id", p.FreelancerID),
	)
	l.sweepLosers(ctx, p)
	return p.Clone(), nil
}

// sweepLosers archives every other pending bid once a job has its freelancer.
// Losing proposals stay queryable as rejected records. Best effort: a bid the
// sweep misses is inert anyway, since accepting it fails on the already
// assigned job.
func (l *Ledger) sweepLosers(ctx context.Context, winner *Proposal) {
	others, err := l.store.ByJob(ctx, winner.JobID)
	if err != nil {
		logger.L().Warn("losing proposals not swept",
			slog.Uint64("job_id", winner.JobID),
			slog.Any("error", err),
		)
		return
	}
	for _, other := range others {
		if other.ID == winner.ID || other.Accepted || other.Withdrawn || other.Rejected {
			continue
		}
		other.Rejected = true
		if err := l.store.Update(ctx, other); err != nil {
			logger.L().Warn("losing proposal not marked rejected",
				slog.String("proposal_id", other.ID),
				slog.Any("error", err),
			)
		}
	}
}

// Withdraw retracts a bid. Accepted proposals cannot be withdrawn.
func (l *Ledger) Withdraw(ctx context.Context, proposalID, actorID string) error {
	p, err := l.store.Get(ctx, proposalID)
	if err != nil {
		return err
	}
	if actorID != "" && actorID != p.FreelancerID {
		return escrow.ErrNotAuthorized
	}
	if p.Accepted {
		return ErrProposalConflict
	}
	if p.Withdrawn {
		return nil
	}
	p.Withdrawn = true
	return l.store.Update(ctx, p)
}

// Get returns one proposal by id.
func (l *Ledger) Get(ctx context.Context, proposalID string) (*Proposal, error) {
	return l.store.Get(ctx, proposalID)
}

// List lazily yields the proposals of one job in submission order. The
// sequence can be ranged over more than once; each pass re-reads the store.
func (l *Ledger) List(ctx context.Context, jobID uint64) iter.Seq2[*Proposal, error] {
	return iterate(ctx, l.store, jobID)
}

func nowUnix() int64 {
	return time.Now().UTC().Unix()
}

// Close releases the proposal store.
func (l *Ledger) Close() error {
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}
