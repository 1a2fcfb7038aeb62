package escrow

import "context"

// EventKind names a lifecycle event emitted after a transition has been
// persisted. Delivery is fire-and-forget; sinks must tolerate duplicates.
type EventKind string

const (
	EventProjectCreated     EventKind = "project.created"
	EventProjectFunded      EventKind = "project.funded"
	EventFreelancerAssigned EventKind = "project.freelancer_assigned"
	EventMilestoneSubmitted EventKind = "milestone.submitted"
	EventMilestoneApproved  EventKind = "milestone.approved"
	EventMilestoneReleased  EventKind = "milestone.released"
	EventProjectCompleted   EventKind = "project.completed"
	EventProjectCancelled   EventKind = "project.cancelled"
	EventDisputeOpened      EventKind = "dispute.opened"
	EventDisputeResolved    EventKind = "dispute.resolved"
	EventPaymentFailed      EventKind = "payment.failed"
)

// Event carries the minimum a downstream consumer needs to react to a
// transition. MilestoneIndex is -1 for project-level events.
type Event struct {
	Kind           EventKind `json:"kind"`
	ProjectID      uint64    `json:"project_id"`
	MilestoneIndex int       `json:"milestone_index"`
	ClientID       string    `json:"client_id,omitempty"`
	FreelancerID   string    `json:"freelancer_id,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	TxRef          string    `json:"tx_ref,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     int64     `json:"occurred_at"`
}

// Sink receives lifecycle events. Publish failures are logged, never
// propagated: notifications are best effort and must not block or roll back a
// persisted transition.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
