package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ReputeFlow-Escrow/internal/errors"
	"ReputeFlow-Escrow/internal/escrow"
	"ReputeFlow-Escrow/pkg/logger"
)

// Escrow is the slice of the escrow service the coordinator drives: raising
// the dispute on the project and applying the final verdict.
type Escrow interface {
	Apply(ctx context.Context, cmd escrow.Command) (*escrow.Project, error)
}

// Coordinator collects arbiter votes on contested milestones and applies the
// verdict to the escrow state machine once quorum is reached. Dispute records
// are process-local; the authoritative disputed flag lives on the project.
type Coordinator struct {
	escrow      Escrow
	quorum      int
	voteTimeout time.Duration
	now         func() time.Time

	mu          sync.Mutex
	disputes    map[string]*Dispute
	byMilestone map[string]string
}

// CoordinatorOption mutates the coordinator during construction.
type CoordinatorOption func(*Coordinator)

// WithQuorum sets how many votes are required before a verdict is computed.
func WithQuorum(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.quorum = n
		}
	}
}

// WithVoteTimeout bounds how long a dispute collects votes before it falls
// back to manual review.
func WithVoteTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.voteTimeout = d
		}
	}
}

// WithClock overrides the coordinator clock, mainly for tests.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator constructs a dispute coordinator bound to the escrow service.
func NewCoordinator(esc Escrow, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		escrow:      esc,
		quorum:      1,
		voteTimeout: 72 * time.Hour,
		now:         func() time.Time { return time.Now().UTC() },
		disputes:    make(map[string]*Dispute),
		byMilestone: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func milestoneKey(projectID uint64, milestone int) string {
	return fmt.Sprintf("%d:%d", projectID, milestone)
}

// othersOpenLocked reports whether the project has undecided disputes besides
// d. Callers hold c.mu. While any remain, a verdict on d must leave the
// project in the disputed state.
func (c *Coordinator) othersOpenLocked(d *Dispute) bool {
	for _, other := range c.disputes {
		if other.ID == d.ID || other.ProjectID != d.ProjectID {
			continue
		}
		if other.Status == StatusOpen || other.Status == StatusManualReview {
			return true
		}
	}
	return false
}

// Open raises a dispute on a contested milestone. Opening is idempotent:
// concurrent or repeated opens on the same milestone collapse onto the one
// existing open dispute.
func (c *Coordinator) Open(ctx context.Context, projectID uint64, milestone int, raisedBy, reason string) (*Dispute, error) {
	if c.escrow == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dispute coordinator not initialized")
	}

	c.mu.Lock()
	if id, ok := c.byMilestone[milestoneKey(projectID, milestone)]; ok {
		existing := c.disputes[id]
		if existing != nil && existing.Status == StatusOpen {
			clone := existing.Clone()
			c.mu.Unlock()
			return clone, nil
		}
	}
	c.mu.Unlock()

	// The machine validates the precondition (submitted but unapproved) and
	// flips the project to disputed.
	if _, err := c.escrow.Apply(ctx, escrow.Command{
		Kind:      escrow.CmdRaiseDispute,
		ActorID:   raisedBy,
		ProjectID: projectID,
		Milestone: milestone,
		Reason:    reason,
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the lock: a concurrent open may have won the race
	// between the escrow call and here.
	if id, ok := c.byMilestone[milestoneKey(projectID, milestone)]; ok {
		if existing := c.disputes[id]; existing != nil && existing.Status == StatusOpen {
			return existing.Clone(), nil
		}
	}
	now := c.now().Unix()
	d := &Dispute{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Milestone: milestone,
		RaisedBy:  raisedBy,
		Reason:    reason,
		Status:    StatusOpen,
		OpenedAt:  now,
		Deadline:  c.now().Add(c.voteTimeout).Unix(),
	}
	c.disputes[d.ID] = d
	c.byMilestone[milestoneKey(projectID, milestone)] = d.ID
	logger.Audit().Info("dispute opened",
		slog.String("dispute_id", d.ID),
		slog.Uint64("project_id", projectID),
		slog.Int("milestone", milestone),
		slog.String("raised_by", raisedBy),
	)
	return d.Clone(), nil
}

// Vote records one arbiter's verdict. Reaching quorum computes the outcome
// by majority of votes and applies it to the project; a tie resolves in favor
// of the client.
func (c *Coordinator) Vote(ctx context.Context, disputeID, arbiterID string, winner Winner, confidence float64) (*Dispute, error) {
	if arbiterID == "" {
		return nil, ErrInvalidVote
	}
	if winner != WinnerClient && winner != WinnerFreelancer {
		return nil, ErrInvalidVote
	}
	if confidence <= 0 || confidence > 1 {
		return nil, ErrInvalidVote
	}

	c.mu.Lock()
	d, ok := c.disputes[disputeID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		c.mu.Unlock()
		return nil, ErrDisputeClosed
	}
	if d.hasVoted(arbiterID) {
		c.mu.Unlock()
		return nil, ErrDuplicateVote
	}
	d.Votes = append(d.Votes, Vote{
		ArbiterID:  arbiterID,
		Winner:     winner,
		Confidence: confidence,
		CastAt:     c.now().Unix(),
	})
	reached := len(d.Votes) >= c.quorum
	snapshot := d.Clone()
	c.mu.Unlock()

	if !reached {
		return snapshot, nil
	}
	return c.resolve(ctx, disputeID)
}

// resolve computes and applies the verdict of a dispute that reached quorum.
func (c *Coordinator) resolve(ctx context.Context, disputeID string) (*Dispute, error) {
	c.mu.Lock()
	d, ok := c.disputes[disputeID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		snapshot := d.Clone()
		c.mu.Unlock()
		return snapshot, nil
	}
	clientVotes, freelancerVotes := d.tally()
	freelancerWins := freelancerVotes > clientVotes
	projectID, milestone := d.ProjectID, d.Milestone
	othersOpen := c.othersOpenLocked(d)
	c.mu.Unlock()

	if _, err := c.escrow.Apply(ctx, escrow.Command{
		Kind:           escrow.CmdResolveDispute,
		ProjectID:      projectID,
		Milestone:      milestone,
		FreelancerWins: freelancerWins,
		KeepDisputed:   othersOpen,
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok = c.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	d.Status = StatusResolved
	d.Outcome = WinnerClient
	if freelancerWins {
		d.Outcome = WinnerFreelancer
	}
	d.ResolvedAt = c.now().Unix()
	delete(c.byMilestone, milestoneKey(d.ProjectID, d.Milestone))
	logger.Audit().Info("dispute resolved",
		slog.String("dispute_id", d.ID),
		slog.Uint64("project_id", d.ProjectID),
		slog.Int("milestone", d.Milestone),
		slog.String("outcome", string(d.Outcome)),
	)
	return d.Clone(), nil
}

// ManualResolve applies an operator verdict to a dispute stuck in manual
// review. It also accepts still-open disputes so operators can short-circuit
// a stalled vote.
func (c *Coordinator) ManualResolve(ctx context.Context, disputeID string, winner Winner) (*Dispute, error) {
	if winner != WinnerClient && winner != WinnerFreelancer {
		return nil, ErrInvalidVote
	}
	c.mu.Lock()
	d, ok := c.disputes[disputeID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrDisputeNotFound
	}
	if d.Status == StatusResolved {
		c.mu.Unlock()
		return nil, ErrDisputeClosed
	}
	projectID, milestone := d.ProjectID, d.Milestone
	othersOpen := c.othersOpenLocked(d)
	c.mu.Unlock()

	if _, err := c.escrow.Apply(ctx, escrow.Command{
		Kind:           escrow.CmdResolveDispute,
		ProjectID:      projectID,
		Milestone:      milestone,
		FreelancerWins: winner == WinnerFreelancer,
		KeepDisputed:   othersOpen,
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok = c.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	d.Status = StatusResolved
	d.Outcome = winner
	d.ResolvedAt = c.now().Unix()
	delete(c.byMilestone, milestoneKey(d.ProjectID, d.Milestone))
	return d.Clone(), nil
}

// ExpireOverdue moves every open dispute past its deadline with fewer votes
// than quorum into manual review. The project stays disputed until an
// operator calls ManualResolve. It returns the ids of the flagged disputes.
func (c *Coordinator) ExpireOverdue(ctx context.Context) []string {
	now := c.now().Unix()

	c.mu.Lock()
	var expired []string
	for _, d := range c.disputes {
		if d.Status == StatusOpen && d.Deadline <= now && len(d.Votes) < c.quorum {
			d.Status = StatusManualReview
			expired = append(expired, d.ID)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		logger.L().Warn("dispute timed out, flagged for manual review",
			slog.String("dispute_id", id),
		)
	}
	sort.Strings(expired)
	return expired
}

// RunExpiry periodically expires overdue disputes until the context ends.
func (c *Coordinator) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ExpireOverdue(ctx)
		}
	}
}

// Get returns one dispute by id.
func (c *Coordinator) Get(disputeID string) (*Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

// ByProject returns the disputes of one project ordered by opening time.
func (c *Coordinator) ByProject(projectID uint64) []*Dispute {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []*Dispute
	for _, d := range c.disputes {
		if d.ProjectID == projectID {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt == result[j].OpenedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].OpenedAt < result[j].OpenedAt
	})
	return result
}
