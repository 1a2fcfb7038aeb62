package escrow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "ReputeFlow-Escrow/internal/errors"
	"ReputeFlow-Escrow/internal/ledger"
	"ReputeFlow-Escrow/pkg/logger"
)

// Alerter receives events that demand operator attention, such as a payout
// that failed after every retry.
type Alerter interface {
	PaymentFailure(ctx context.Context, event Event, cause error)
}

// Service drives the escrow lifecycle. Every mutation enters through Apply;
// the service validates the command, runs the state machine inside the
// store's per-project critical section and settles money against the ledger
// with deterministic idempotency keys.
type Service struct {
	store   Store
	machine *Machine
	ledger  ledger.Client
	sink    Sink
	alerter Alerter
	retry   ledger.RetryPolicy
}

// ServiceOption mutates the service during construction.
type ServiceOption func(*Service)

// WithSink attaches a notification sink.
func WithSink(sink Sink) ServiceOption {
	return func(s *Service) { s.sink = sink }
}

// WithAlerter attaches a payment-failure alerter.
func WithAlerter(a Alerter) ServiceOption {
	return func(s *Service) { s.alerter = a }
}

// WithRetryPolicy overrides how transient ledger failures are retried.
func WithRetryPolicy(p ledger.RetryPolicy) ServiceOption {
	return func(s *Service) { s.retry = p }
}

// WithClock overrides the machine clock, mainly for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.machine = NewMachine(now) }
}

// NewService constructs the escrow service.
func NewService(store Store, ledgerClient ledger.Client, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		machine: NewMachine(nil),
		ledger:  ledgerClient,
		retry:   ledger.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Apply executes one command and returns the resulting project state.
func (s *Service) Apply(ctx context.Context, cmd Command) (*Project, error) {
	if s.store == nil || s.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "escrow service not initialized")
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	switch cmd.Kind {
	case CmdCreateProject:
		return s.create(ctx, cmd)
	case CmdAssignFreelancer:
		return s.assign(ctx, cmd)
	case CmdFundProject:
		return s.fund(ctx, cmd)
	case CmdSubmitDeliverable:
		return s.submit(ctx, cmd)
	case CmdApproveMilestone:
		return s.approve(ctx, cmd)
	case CmdReleaseMilestone:
		return s.release(ctx, cmd.ProjectID, cmd.Milestone)
	case CmdRaiseDispute:
		return s.raiseDispute(ctx, cmd)
	case CmdResolveDispute:
		return s.resolveDispute(ctx, cmd)
	case CmdCancelProject:
		return s.cancel(ctx, cmd)
	default:
		return nil, xerrors.New(xerrors.CodeUnimplemented, "unknown command kind")
	}
}

func (s *Service) create(ctx context.Context, cmd Command) (*Project, error) {
	spec := *cmd.Spec
	if spec.ClientID == "" {
		spec.ClientID = cmd.ActorID
	}
	project, err := s.machine.Create(spec)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, project); err != nil {
		return nil, err
	}
	logger.Audit().Info("project created",
		slog.Uint64("project_id", project.ID),
		slog.String("client_id", project.ClientID),
		slog.Int64("total_budget", project.TotalBudget),
		slog.Int("milestones", len(project.Milestones)),
	)
	s.publish(ctx, Event{
		Kind:           EventProjectCreated,
		ProjectID:      project.ID,
		MilestoneIndex: -1,
		ClientID:       project.ClientID,
		Amount:         project.TotalBudget,
		OccurredAt:     project.CreatedAt,
	})
	return project, nil
}

func (s *Service) assign(ctx context.Context, cmd Command) (*Project, error) {
	project, err := s.store.Mutate(ctx, cmd.ProjectID, func(p *Project) error {
		return s.machine.AssignFreelancer(p, cmd.FreelancerID)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Event{
		Kind:           EventFreelancerAssigned,
		ProjectID:      project.ID,
		MilestoneIndex: -1,
		ClientID:       project.ClientID,
		FreelancerID:   project.FreelancerID,
		OccurredAt:     project.UpdatedAt,
	})
	return project, nil
}

// fund locks the budget on the ledger before the state transition. The fund
// key makes the lock idempotent, so a crash between the two steps is repaired
// by replaying the command.
func (s *Service) fund(ctx context.Context, cmd Command) (*Project, error) {
	project, err := s.store.Get(ctx, cmd.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(project, cmd, project.ClientID); err != nil {
		return nil, err
	}
	if err := s.machine.ValidateFund(project, cmd.Amount); err != nil {
		return nil, err
	}

	var ref ledger.TxRef
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var lockErr error
		ref, lockErr = s.ledger.LockFunds(ctx, project.ClientID, cmd.Amount, ledger.FundKey(project.ID))
		return lockErr
	})
	if err != nil {
		logger.L().Error("escrow funding failed",
			slog.Uint64("project_id", project.ID),
			slog.Any("error", err),
		)
		return nil, err
	}

	project, err = s.store.Mutate(ctx, cmd.ProjectID, func(p *Project) error {
		if p.Status != StatusCreated && p.FundingTx == string(ref) {
			// A concurrent fund with the same key already won; converge.
			return nil
		}
		return s.machine.MarkFunded(p, cmd.Amount, string(ref))
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("project funded",
		slog.Uint64("project_id", project.ID),
		slog.Int64("amount", cmd.Amount),
		slog.String("tx_ref", string(ref)),
	)
	s.publish(ctx, Event{
		Kind:           EventProjectFunded,
		ProjectID:      project.ID,
		MilestoneIndex: -1,
		ClientID:       project.ClientID,
		Amount:         cmd.Amount,
		TxRef:          string(ref),
		OccurredAt:     project.FundedAt,
	})
	return project, nil
}

func (s *Service) submit(ctx context.Context, cmd Command) (*Project, error) {
	project, err := s.store.Mutate(ctx, cmd.ProjectID, func(p *Project) error {
		if err := s.authorize(p, cmd, p.FreelancerID); err != nil {
			return err
		}
		return s.machine.SubmitDeliverable(p, cmd.Milestone, cmd.EvidenceRef)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Event{
		Kind:           EventMilestoneSubmitted,
		ProjectID:      project.ID,
		MilestoneIndex: cmd.Milestone,
		FreelancerID:   project.FreelancerID,
		OccurredAt:     project.UpdatedAt,
	})
	return project, nil
}

// approve records the approval and then pays the milestone out. The approval
// is persisted on its own first: a payout failure must never undo it.
func (s *Service) approve(ctx context.Context, cmd Command) (*Project, error) {
	project, err := s.store.Mutate(ctx, cmd.ProjectID, func(p *Project) error {
		if err := s.authorize(p, cmd, p.ClientID); err != nil {
			return err
		}
		return s.machine.ApproveMilestone(p, cmd.Milestone)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Event{
		Kind:           EventMilestoneApproved,
		ProjectID:      project.ID,
		MilestoneIndex: cmd.Milestone,
		ClientID:       project.ClientID,
		OccurredAt:     project.UpdatedAt,
	})
	return s.release(ctx, cmd.ProjectID, cmd.Milestone)
}

// release pays one approved milestone. The in-flight marker is persisted
// before the transfer and the transfer key is derived from the milestone, so
// concurrent or replayed releases converge on a single payout and TxRef.
func (s *Service) release(ctx context.Context, projectID uint64, idx int) (*Project, error) {
	var (
		alreadyReleased bool
		payee           string
		amount          int64
	)
	project, err := s.store.Mutate(ctx, projectID, func(p *Project) error {
		_, done, err := s.machine.BeginRelease(p, idx)
		if err != nil {
			return err
		}
		alreadyReleased = done
		payee = p.FreelancerID
		ms, _ := p.MilestoneAt(idx)
		amount = ms.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyReleased {
		return project, nil
	}

	var ref ledger.TxRef
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var txErr error
		ref, txErr = s.ledger.Transfer(ctx, payee, amount, ledger.ReleaseKey(projectID, idx))
		return txErr
	})
	if err != nil {
		return nil, s.failPayout(ctx, project, idx, amount, err)
	}

	// Only the caller whose mutation flips the released flag announces the
	// payout; racers that lost between begin and confirm converge silently on
	// the same TxRef.
	confirmed := false
	project, err = s.store.Mutate(ctx, projectID, func(p *Project) error {
		ms, msErr := p.MilestoneAt(idx)
		if msErr != nil {
			return msErr
		}
		confirmed = !ms.Released
		return s.machine.MarkReleased(p, idx, string(ref))
	})
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return project, nil
	}
	logger.Audit().Info("milestone released",
		slog.Uint64("project_id", project.ID),
		slog.Int("milestone", idx),
		slog.Int64("amount", amount),
		slog.String("tx_ref", string(ref)),
	)
	s.publish(ctx, Event{
		Kind:           EventMilestoneReleased,
		ProjectID:      project.ID,
		MilestoneIndex: idx,
		FreelancerID:   project.FreelancerID,
		Amount:         amount,
		TxRef:          string(ref),
		OccurredAt:     project.UpdatedAt,
	})
	if project.Status == StatusCompleted {
		s.publish(ctx, Event{
			Kind:           EventProjectCompleted,
			ProjectID:      project.ID,
			MilestoneIndex: -1,
			ClientID:       project.ClientID,
			FreelancerID:   project.FreelancerID,
			OccurredAt:     project.CompletedAt,
		})
	}
	return project, nil
}

// failPayout clears the in-flight marker, alerts and surfaces the failure as
// PAYMENT_FAILED. The milestone stays approved so the payout can be retried.
func (s *Service) failPayout(ctx context.Context, project *Project, idx int, amount int64, cause error) error {
	if _, abortErr := s.store.Mutate(ctx, project.ID, func(p *Project) error {
		return s.machine.AbortRelease(p, idx)
	}); abortErr != nil {
		logger.L().Error("failed to clear in-flight payout marker",
			slog.Uint64("project_id", project.ID),
			slog.Int("milestone", idx),
			slog.Any("error", abortErr),
		)
	}
	event := Event{
		Kind:           EventPaymentFailed,
		ProjectID:      project.ID,
		MilestoneIndex: idx,
		FreelancerID:   project.FreelancerID,
		Amount:         amount,
		Reason:         cause.Error(),
		OccurredAt:     s.machine.now().Unix(),
	}
	s.publish(ctx, event)
	if s.alerter != nil {
		s.alerter.PaymentFailure(ctx, event, cause)
	}
	logger.L().Error("milestone payout failed",
		slog.Uint64("project_id", project.ID),
		slog.Int("milestone", idx),
		slog.Int64("amount", amount),
		slog.Any("error", cause),
	)
	return xerrors.Wrap(xerrors.CodePaymentFailed, cause, "milestone payout failed")
}

func (s *Service) raiseDispute(ctx context.Context, cmd Command) (*Project, error) {
	opened := false
	project, err := s.store.Mutate(ctx, cmd.ProjectID, func(p *Project) error {
		if err := s.authorizeParty(p, cmd); err != nil {
			return err
		}
		before := p.Status
		if err := s.machine.RaiseDispute(p, cmd.Milestone); err != nil {
			return err
		}
		opened = before != StatusDisputed
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opened {
		s.publish(ctx, Event{
			Kind:           EventDisputeOpened,
			ProjectID:      project.ID,
			MilestoneIndex: cmd.Milestone,
			ClientID:       project.ClientID,
			FreelancerID:   project.FreelancerID,
			Reason:         cmd.Reason,
			OccurredAt:     project.UpdatedAt,
		})
	}
	return project, nil
}

func (s *Service) resolveDispute(ctx context.Context, cmd Command) (*Project, error) {
	project, err := s.store.Mutate(ctx, cmd.ProjectID, func(p *Project) error {
		return s.machine.ResolveDispute(p, cmd.Milestone, cmd.FreelancerWins, cmd.KeepDisputed)
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("dispute resolved",
		slog.Uint64("project_id", project.ID),
		slog.Int("milestone", cmd.Milestone),
		slog.Bool("freelancer_wins", cmd.FreelancerWins),
	)
	s.publish(ctx, Event{
		Kind:           EventDisputeResolved,
		ProjectID:      project.ID,
		MilestoneIndex: cmd.Milestone,
		ClientID:       project.ClientID,
		FreelancerID:   project.FreelancerID,
		Reason:         cmd.Reason,
		OccurredAt:     project.UpdatedAt,
	})
	if cmd.FreelancerWins {
		return s.release(ctx, cmd.ProjectID, cmd.Milestone)
	}
	return project, nil
}

// ResolveDispute applies an adjudication outcome. It is the entry point used
// by the dispute coordinator once a verdict is reached.
func (s *Service) ResolveDispute(ctx context.Context, projectID uint64, milestone int, freelancerWins bool) error {
	_, err := s.Apply(ctx, Command{
		Kind:           CmdResolveDispute,
		ProjectID:      projectID,
		Milestone:      milestone,
		FreelancerWins: freelancerWins,
	})
	return err
}

// cancel persists the terminal state first and refunds afterwards. Once
// cancelled no payout can start, so the refund can be replayed safely with
// its idempotency key if this process dies in between.
func (s *Service) cancel(ctx context.Context, cmd Command) (*Project, error) {
	var refund int64
	project, err := s.store.Mutate(ctx, cmd.ProjectID, func(p *Project) error {
		if err := s.authorize(p, cmd, p.ClientID); err != nil {
			return err
		}
		refund = s.machine.RefundableAmount(p)
		return s.machine.MarkCancelled(p)
	})
	if err != nil {
		return nil, err
	}

	var ref ledger.TxRef
	if refund > 0 {
		err = s.retry.Do(ctx, func(ctx context.Context) error {
			var txErr error
			ref, txErr = s.ledger.Refund(ctx, project.ClientID, refund, ledger.RefundKey(project.ID))
			return txErr
		})
		if err != nil {
			event := Event{
				Kind:           EventPaymentFailed,
				ProjectID:      project.ID,
				MilestoneIndex: -1,
				ClientID:       project.ClientID,
				Amount:         refund,
				Reason:         err.Error(),
				OccurredAt:     s.machine.now().Unix(),
			}
			s.publish(ctx, event)
			if s.alerter != nil {
				s.alerter.PaymentFailure(ctx, event, err)
			}
			return nil, xerrors.Wrap(xerrors.CodePaymentFailed, err, "cancellation refund failed")
		}
	}
	logger.Audit().Info("project cancelled",
		slog.Uint64("project_id", project.ID),
		slog.Int64("refund", refund),
		slog.String("tx_ref", string(ref)),
	)
	s.publish(ctx, Event{
		Kind:           EventProjectCancelled,
		ProjectID:      project.ID,
		MilestoneIndex: -1,
		ClientID:       project.ClientID,
		Amount:         refund,
		TxRef:          string(ref),
		OccurredAt:     project.UpdatedAt,
	})
	return project, nil
}

// authorize verifies the actor owns the operation. Commands issued without an
// actor come from internal components and bypass the check.
func (s *Service) authorize(p *Project, cmd Command, owner string) error {
	if cmd.ActorID == "" || owner == "" {
		return nil
	}
	if cmd.ActorID != owner {
		return ErrNotAuthorized
	}
	return nil
}

// authorizeParty accepts either side of the contract.
func (s *Service) authorizeParty(p *Project, cmd Command) error {
	if cmd.ActorID == "" {
		return nil
	}
	if cmd.ActorID != p.ClientID && cmd.ActorID != p.FreelancerID {
		return ErrNotAuthorized
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, event); err != nil {
		logger.L().Warn("event publish failed",
			slog.String("kind", string(event.Kind)),
			slog.Uint64("project_id", event.ProjectID),
			slog.Any("error", err),
		)
	}
}

// Get returns the current state of a project.
func (s *Service) Get(ctx context.Context, id uint64) (*Project, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "project store not initialized")
	}
	return s.store.Get(ctx, id)
}

// List returns projects matching the filter options.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Project, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "project store not initialized")
	}
	return s.store.List(ctx, opts)
}

// Stats returns aggregate project counts and balances.
func (s *Service) Stats(ctx context.Context, opts ListOptions) (ProjectStats, error) {
	if s.store == nil {
		return ProjectStats{}, xerrors.New(xerrors.CodeInitializationFailure, "project store not initialized")
	}
	return s.store.Stats(ctx, opts)
}

// Close releases the store, ledger and sink.
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.ledger != nil {
		errs = append(errs, s.ledger.Close())
	}
	if s.sink != nil {
		errs = append(errs, s.sink.Close())
	}
	return stdErrors.Join(errs...)
}
