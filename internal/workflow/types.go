// Package workflow implements the aid request, disbursement and liquidation state
// machines. Every type here is a pure value: persistence, authorization against
// the identity service, and notifications live in the service layer.
package workflow

import (
	"strings"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
)

// Role is the organisational role an actor acts in.
type Role string

const (
	RoleBeneficiary Role = "beneficiary"
	RoleCaseworker  Role = "caseworker"
	RoleFinance     Role = "finance"
	RoleDirector    Role = "director"
)

// ParseRole normalises and validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleBeneficiary, RoleCaseworker, RoleFinance, RoleDirector:
		return r, nil
	}
	return "", errors.InvalidInput("role", "unknown role '"+s+"'")
}

// Gate is one of the three sequential approval checkpoints.
type Gate string

const (
	GateCaseworker Gate = "caseworker"
	GateFinance    Gate = "finance"
	GateDirector   Gate = "director"
)

// Gates lists the approval gates in the order they must be passed.
var Gates = [...]Gate{GateCaseworker, GateFinance, GateDirector}

// ParseGate normalises and validates a gate name.
func ParseGate(s string) (Gate, error) {
	g := Gate(strings.ToLower(strings.TrimSpace(s)))
	switch g {
	case GateCaseworker, GateFinance, GateDirector:
		return g, nil
	}
	return "", errors.InvalidInput("gate", "unknown gate '"+s+"'")
}

// Role is the role required to act at the gate.
func (g Gate) Role() Role {
	switch g {
	case GateCaseworker:
		return RoleCaseworker
	case GateFinance:
		return RoleFinance
	case GateDirector:
		return RoleDirector
	}
	return ""
}

// Index is the zero-based position of the gate in the chain, or -1.
func (g Gate) Index() int {
	for i, gate := range Gates {
		if gate == g {
			return i
		}
	}
	return -1
}

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ParseDecision normalises and validates a decision.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionApproved, DecisionRejected:
		return d, nil
	}
	return "", errors.InvalidInput("decision", "decision must be 'approved' or 'rejected'")
}

// FundType classifies what an aid request is for.
type FundType string

const (
	FundMedical     FundType = "medical"
	FundEducational FundType = "educational"
	FundBurial      FundType = "burial"
	FundLivelihood  FundType = "livelihood"
	FundEmergency   FundType = "emergency"
	FundFood        FundType = "food"
)

// ParseFundType normalises and validates a fund type.
func ParseFundType(s string) (FundType, error) {
	f := FundType(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FundMedical, FundEducational, FundBurial, FundLivelihood, FundEmergency, FundFood:
		return f, nil
	}
	return "", errors.InvalidInput("fund_type", "unrecognized fund type '"+s+"'")
}

// EntityType names the aggregate an audit record belongs to.
type EntityType string

const (
	EntityAidRequest   EntityType = "aid_request"
	EntityDisbursement EntityType = "disbursement"
	EntityLiquidation  EntityType = "liquidation"
)

// ParseEntityType validates an entity type name.
func ParseEntityType(s string) (EntityType, error) {
	e := EntityType(strings.ToLower(strings.TrimSpace(s)))
	switch e {
	case EntityAidRequest, EntityDisbursement, EntityLiquidation:
		return e, nil
	}
	return "", errors.InvalidInput("entity_type", "unknown entity type '"+s+"'")
}
