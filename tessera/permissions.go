package tessera

// TicketAction identifies a ticket operation gated by the permission
// evaluator and the cooldown tracker.
type TicketAction string

const (
	TicketActionCreate            TicketAction = "create"
	TicketActionClose             TicketAction = "close"
	TicketActionReopen            TicketAction = "reopen"
	TicketActionClaim             TicketAction = "claim"
	TicketActionUnclaim           TicketAction = "unclaim"
	TicketActionArchive           TicketAction = "archive"
	TicketActionDelete            TicketAction = "delete"
	TicketActionAddUser           TicketAction = "add_user"
	TicketActionRemoveUser        TicketAction = "remove_user"
	TicketActionTransferOwnership TicketAction = "transfer_ownership"
)

func (a TicketAction) String() string {
	return string(a)
}

func (a TicketAction) known() bool {
	switch a {
	case TicketActionCreate,
		TicketActionClose,
		TicketActionReopen,
		TicketActionClaim,
		TicketActionUnclaim,
		TicketActionArchive,
		TicketActionDelete,
		TicketActionAddUser,
		TicketActionRemoveUser,
		TicketActionTransferOwnership:
		return true
	}
	return false
}

// ActorCapabilities is a flat snapshot of what the acting member can do,
// resolved from guild data (roles, ownership, permission bits) before
// evaluation. The evaluator itself never queries Discord, which keeps it
// deterministic and trivially testable.
type ActorCapabilities struct {
	// IsAdmin is true for the guild owner, and for members holding a
	// role with the Administrator permission
	IsAdmin bool

	// CanManageChannels is true for members holding a role with the
	// Manage Channels permission
	CanManageChannels bool

	// HasSupportRole is true when the member holds the support role
	// configured for the ticket's category
	HasSupportRole bool
}

// PermissionDecision is the evaluator's verdict. Reason is only set on
// denial, and is safe to show to the actor.
type PermissionDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allowAction() PermissionDecision {
	return PermissionDecision{Allowed: true}
}

func denyAction(reason string) PermissionDecision {
	return PermissionDecision{Reason: reason}
}

// EvaluateTicketAction decides whether an actor may perform the given
// action on a ticket. Actions are denied unless a rule explicitly allows
// them:
//
//   - Unknown actions are always denied, regardless of capabilities.
//   - Admins may perform every known action.
//   - Members with Manage Channels may perform every known action except
//     transfer_ownership.
//   - claim, unclaim and archive require the support role.
//   - close, reopen, add_user and remove_user are open to the support
//     role and the ticket creator.
//   - transfer_ownership is open to the support role and the ticket
//     creator only.
//   - delete has no rule here beyond the admin/manage-channels ones
//     above.
//   - create is open to any member. Cooldowns and the one-open-ticket
//     rule are enforced separately by [TicketManager].
//
// The ticket may be nil for create, which isn't tied to an existing
// ticket.
func EvaluateTicketAction(
	caps ActorCapabilities,
	actorID string,
	t *Ticket,
	action TicketAction,
) PermissionDecision {
	if !action.known() {
		return denyAction("unknown action")
	}

	if caps.IsAdmin {
		return allowAction()
	}
	if caps.CanManageChannels && action != TicketActionTransferOwnership {
		return allowAction()
	}

	isCreator := t != nil && actorID != "" && actorID == t.CreatorID

	switch action {
	case TicketActionCreate:
		return allowAction()
	case TicketActionClaim, TicketActionUnclaim, TicketActionArchive:
		if caps.HasSupportRole {
			return allowAction()
		}
		return denyAction("you need the support role to do that")
	case TicketActionClose, TicketActionReopen, TicketActionAddUser, TicketActionRemoveUser:
		if caps.HasSupportRole || isCreator {
			return allowAction()
		}
		return denyAction("only the ticket creator or support staff can do that")
	case TicketActionTransferOwnership:
		if caps.HasSupportRole || isCreator {
			return allowAction()
		}
		return denyAction("only the ticket creator or support staff can transfer a ticket")
	case TicketActionDelete:
		return denyAction("only staff with admin or manage-channels permissions can delete tickets")
	}

	return denyAction("unknown action")
}
