package escrow

import (
	xerrors "ReputeFlow-Escrow/internal/errors"
)

// Error codes of the escrow core. Validation failures and state conflicts are
// never retried; the caller is expected to re-read project state and decide.
const (
	CodeProjectNotFound    xerrors.Code = "PROJECT_NOT_FOUND"
	CodeInvalidProject     xerrors.Code = "PROJECT_VALIDATION_FAILED"
	CodeEmptyMilestoneList xerrors.Code = "EMPTY_MILESTONE_LIST"
	CodeInvalidAmount      xerrors.Code = "INVALID_AMOUNT"
	CodeBudgetMismatch     xerrors.Code = "BUDGET_MISMATCH"
	CodeAmountMismatch     xerrors.Code = "AMOUNT_MISMATCH"
	CodeAlreadyFunded      xerrors.Code = "ALREADY_FUNDED"
	CodeAlreadyAssigned    xerrors.Code = "ALREADY_ASSIGNED"
	CodeNotActive          xerrors.Code = "PROJECT_NOT_ACTIVE"
	CodeIndexOutOfRange    xerrors.Code = "MILESTONE_INDEX_OUT_OF_RANGE"
	CodeNotCompleted       xerrors.Code = "MILESTONE_NOT_COMPLETED"
	CodeAlreadyApproved    xerrors.Code = "MILESTONE_ALREADY_APPROVED"
	CodeNotApproved        xerrors.Code = "MILESTONE_NOT_APPROVED"
	CodeAlreadyReleased    xerrors.Code = "MILESTONE_ALREADY_RELEASED"
	CodeDisputeConflict    xerrors.Code = "DISPUTE_CONFLICT"
	CodeCancelBlocked      xerrors.Code = "CANCELLATION_BLOCKED"
	CodeNotAuthorized      xerrors.Code = "NOT_AUTHORIZED"
	CodeProjectConflict    xerrors.Code = "PROJECT_CONFLICT"
)

var (
	// ErrProjectNotFound indicates the requested project id does not exist.
	ErrProjectNotFound = xerrors.New(CodeProjectNotFound, "project not found")
	// ErrInvalidProject indicates a structural invariant does not hold.
	ErrInvalidProject = xerrors.New(CodeInvalidProject, "project validation failed")
	// ErrEmptyMilestoneList rejects creation without milestones.
	ErrEmptyMilestoneList = xerrors.New(CodeEmptyMilestoneList, "milestone list must not be empty")
	// ErrInvalidAmount rejects non-positive milestone amounts.
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "milestone amount must be positive")
	// ErrBudgetMismatch indicates the milestone sum no longer equals the budget.
	ErrBudgetMismatch = xerrors.New(CodeBudgetMismatch, "milestone amounts do not sum to total budget")
	// ErrAmountMismatch rejects funding with an amount other than the budget.
	ErrAmountMismatch = xerrors.New(CodeAmountMismatch, "funding amount must equal total budget")
	// ErrAlreadyFunded rejects funding outside the created state.
	ErrAlreadyFunded = xerrors.New(CodeAlreadyFunded, "project already funded", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAlreadyAssigned rejects a second freelancer assignment.
	ErrAlreadyAssigned = xerrors.New(CodeAlreadyAssigned, "project already has a freelancer", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrNotActive rejects work operations while the project is not active.
	ErrNotActive = xerrors.New(CodeNotActive, "project is not active")
	// ErrIndexOutOfRange rejects a milestone index outside the project.
	ErrIndexOutOfRange = xerrors.New(CodeIndexOutOfRange, "milestone index out of range")
	// ErrNotCompleted rejects approval before a deliverable was submitted.
	ErrNotCompleted = xerrors.New(CodeNotCompleted, "milestone has no submitted deliverable")
	// ErrAlreadyApproved rejects duplicate approval.
	ErrAlreadyApproved = xerrors.New(CodeAlreadyApproved, "milestone already approved")
	// ErrNotApproved rejects a release before approval.
	ErrNotApproved = xerrors.New(CodeNotApproved, "milestone not approved")
	// ErrAlreadyReleased rejects further work on a paid-out milestone.
	ErrAlreadyReleased = xerrors.New(CodeAlreadyReleased, "milestone already released")
	// ErrDisputeConflict rejects a dispute outside completed-but-unapproved.
	ErrDisputeConflict = xerrors.New(CodeDisputeConflict, "milestone is not disputable")
	// ErrCancellationBlocked rejects cancellation after or during a payout.
	ErrCancellationBlocked = xerrors.New(CodeCancelBlocked, "cancellation blocked by released funds", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrNotAuthorized rejects an operation from a party that does not own it.
	ErrNotAuthorized = xerrors.New(CodeNotAuthorized, "caller is not allowed to perform this operation")
	// ErrProjectConflict indicates a concurrent writer won; re-read and retry.
	ErrProjectConflict = xerrors.New(CodeProjectConflict, "project was modified concurrently", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	for code, message := range map[xerrors.Code]string{
		CodeProjectNotFound:    "project not found",
		CodeInvalidProject:     "project validation failed",
		CodeEmptyMilestoneList: "milestone list must not be empty",
		CodeInvalidAmount:      "milestone amount must be positive",
		CodeBudgetMismatch:     "milestone amounts do not sum to total budget",
		CodeAmountMismatch:     "funding amount must equal total budget",
		CodeAlreadyFunded:      "project already funded",
		CodeAlreadyAssigned:    "project already has a freelancer",
		CodeNotActive:          "project is not active",
		CodeIndexOutOfRange:    "milestone index out of range",
		CodeNotCompleted:       "milestone has no submitted deliverable",
		CodeAlreadyApproved:    "milestone already approved",
		CodeNotApproved:        "milestone not approved",
		CodeAlreadyReleased:    "milestone already released",
		CodeDisputeConflict:    "milestone is not disputable",
		CodeCancelBlocked:      "cancellation blocked by released funds",
		CodeNotAuthorized:      "caller is not allowed to perform this operation",
		CodeProjectConflict:    "project was modified concurrently",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  xerrors.SeverityInfo,
			Retryable: false,
			Alert:     false,
		})
	}
}
