package escrow

// CommandKind discriminates the operations accepted by Service.Apply.
type CommandKind string

const (
	CmdCreateProject     CommandKind = "create_project"
	CmdAssignFreelancer  CommandKind = "assign_freelancer"
	CmdFundProject       CommandKind = "fund_project"
	CmdSubmitDeliverable CommandKind = "submit_deliverable"
	CmdApproveMilestone  CommandKind = "approve_milestone"
	CmdReleaseMilestone  CommandKind = "release_milestone"
	CmdRaiseDispute      CommandKind = "raise_dispute"
	CmdResolveDispute    CommandKind = "resolve_dispute"
	CmdCancelProject     CommandKind = "cancel_project"
)

// Command is the single mutation entry point of the escrow service. Exactly
// one kind is set per command; the remaining fields are interpreted according
// to that kind.
type Command struct {
	Kind CommandKind `json:"kind"`
	// ActorID identifies the party issuing the command. Operations owned by a
	// specific role (approve: client, submit: freelancer) verify it.
	ActorID   string `json:"actor_id"`
	ProjectID uint64 `json:"project_id,omitempty"`
	Milestone int    `json:"milestone,omitempty"`

	// CmdCreateProject
	Spec *ProjectSpec `json:"spec,omitempty"`

	// CmdAssignFreelancer
	FreelancerID string `json:"freelancer_id,omitempty"`

	// CmdFundProject
	Amount int64 `json:"amount,omitempty"`

	// CmdSubmitDeliverable
	EvidenceRef string `json:"evidence_ref,omitempty"`

	// CmdRaiseDispute
	Reason string `json:"reason,omitempty"`

	// CmdResolveDispute
	FreelancerWins bool `json:"freelancer_wins,omitempty"`
	// KeepDisputed keeps the project in the disputed state after this verdict
	// because other milestone disputes are still open.
	KeepDisputed bool `json:"keep_disputed,omitempty"`
}

// Validate checks the structural requirements of the command before any state
// is touched.
func (c *Command) Validate() error {
	if c == nil {
		return ErrInvalidProject
	}
	switch c.Kind {
	case CmdCreateProject:
		if c.Spec == nil || len(c.Spec.Milestones) == 0 {
			return ErrEmptyMilestoneList
		}
	case CmdAssignFreelancer:
		if c.ProjectID == 0 || c.FreelancerID == "" {
			return ErrInvalidProject
		}
	case CmdFundProject:
		if c.ProjectID == 0 || c.Amount <= 0 {
			return ErrInvalidAmount
		}
	case CmdSubmitDeliverable, CmdApproveMilestone, CmdReleaseMilestone,
		CmdRaiseDispute, CmdResolveDispute:
		if c.ProjectID == 0 || c.Milestone < 0 {
			return ErrInvalidProject
		}
	case CmdCancelProject:
		if c.ProjectID == 0 {
			return ErrInvalidProject
		}
	default:
		return ErrInvalidProject
	}
	return nil
}
