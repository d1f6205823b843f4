package guard

import (
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/services"
)

// Command names an operation that runs against a guarded account
type Command string

const (
	CmdSetPolicy          Command = "set_policy"
	CmdSetAgent           Command = "set_agent"
	CmdSetEndpointAllowed Command = "set_endpoint_allowed"
	CmdSetAllEndpoints    Command = "set_all_endpoints"
	CmdApprovePayment     Command = "approve_payment"
	CmdRejectPayment      Command = "reject_payment"
	CmdWithdraw           Command = "withdraw"
	CmdWithdrawAll        Command = "withdraw_all"
	CmdExecutePayment     Command = "execute_payment"
	CmdFund               Command = "fund"
)

// Role is the caller class a command requires
type Role int

const (
	RolePublic Role = iota
	RoleOwner
	RoleAgent
)

// String implements fmt.Stringer
func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAgent:
		return "agent"
	default:
		return "public"
	}
}

var commandRoles = map[Command]Role{
	CmdSetPolicy:          RoleOwner,
	CmdSetAgent:           RoleOwner,
	CmdSetEndpointAllowed: RoleOwner,
	CmdSetAllEndpoints:    RoleOwner,
	CmdApprovePayment:     RoleOwner,
	CmdRejectPayment:      RoleOwner,
	CmdWithdraw:           RoleOwner,
	CmdWithdrawAll:        RoleOwner,
	CmdExecutePayment:     RoleAgent,
	CmdFund:               RolePublic,
}

// RequiredRole returns the caller class cmd needs. Unknown commands
// require the owner so a missing table entry never widens access.
func RequiredRole(cmd Command) Role {
	role, ok := commandRoles[cmd]
	if !ok {
		return RoleOwner
	}
	return role
}

// authorize checks caller against the role cmd requires on account
func authorize(account *models.GuardedAccount, caller string, cmd Command) error {
	switch RequiredRole(cmd) {
	case RoleOwner:
		if !account.IsOwner(caller) {
			return services.ErrNotOwner
		}
	case RoleAgent:
		if !account.IsAgent(caller) {
			return services.ErrNotAgent
		}
	}
	return nil
}
