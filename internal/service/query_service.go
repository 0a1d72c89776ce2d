package service

import (
	"context"

	"github.com/pesio-ai/be-aid-workflow/internal/client"
	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/repository"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// PendingItems is the caller's review queue.
type PendingItems struct {
	Gate         workflow.Gate           `json:"gate"`
	AidRequests  []*workflow.AidRequest  `json:"aid_requests"`
	Liquidations []*workflow.Liquidation `json:"liquidations"`
}

// ListAidRequestsInput narrows ListAidRequests.
type ListAidRequestsInput struct {
	Status string
	Limit  int
	Offset int
}

// GetAidRequest returns one aid request.
func (g *WorkflowGateway) GetAidRequest(ctx context.Context, token, id string) (*workflow.AidRequest, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	req, err := g.store.GetAidRequest(ctx, id)
	if err != nil {
		return nil, storeErr(err, "aid request", id)
	}
	if err := authorizeRead(actor, req.FacilityID, req.BeneficiaryID, req.CaseworkerID); err != nil {
		return nil, err
	}
	return req, nil
}

// ListAidRequests returns the requests visible to the caller, newest first.
func (g *WorkflowGateway) ListAidRequests(ctx context.Context, token string, in ListAidRequestsInput) ([]*workflow.AidRequest, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	filter := visibleTo(actor)
	filter.Limit, filter.Offset = in.Limit, in.Offset
	if in.Status != "" {
		status, err := workflow.ParseApprovalStatus(in.Status)
		if err != nil {
			return nil, err
		}
		filter.Statuses = []workflow.ApprovalStatus{status}
	}

	reqs, err := g.store.ListAidRequests(ctx, filter)
	if err != nil {
		return nil, storeErr(err, "aid request", "")
	}
	return reqs, nil
}

// GetDisbursement returns one disbursement.
func (g *WorkflowGateway) GetDisbursement(ctx context.Context, token, id string) (*workflow.Disbursement, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	d, err := g.store.GetDisbursement(ctx, id)
	if err != nil {
		return nil, storeErr(err, "disbursement", id)
	}
	if err := authorizeRead(actor, d.FacilityID, d.BeneficiaryID, ""); err != nil {
		return nil, err
	}
	return d, nil
}

// GetLiquidation returns one liquidation.
func (g *WorkflowGateway) GetLiquidation(ctx context.Context, token, id string) (*workflow.Liquidation, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	l, err := g.store.GetLiquidation(ctx, id)
	if err != nil {
		return nil, storeErr(err, "liquidation", id)
	}
	if err := authorizeRead(actor, l.FacilityID, l.BeneficiaryID, l.CaseworkerID); err != nil {
		return nil, err
	}
	return l, nil
}

// ListLiquidations returns every liquidation filed against a disbursement,
// rejected ones included, newest first.
func (g *WorkflowGateway) ListLiquidations(ctx context.Context, token, disbursementID string) ([]*workflow.Liquidation, error) {
	d, err := g.GetDisbursement(ctx, token, disbursementID)
	if err != nil {
		return nil, err
	}
	out, err := g.store.ListLiquidations(ctx, repository.ListFilter{DisbursementID: d.ID})
	if err != nil {
		return nil, storeErr(err, "liquidation", d.ID)
	}
	return out, nil
}

// ListPending returns the aid requests and liquidations waiting on the
// caller's gate. Caseworkers see what is assigned to them; finance and
// director see their facility scope.
func (g *WorkflowGateway) ListPending(ctx context.Context, token string) (*PendingItems, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	gate := gateFor(actor.Role)
	if gate == "" {
		return nil, errors.Forbidden("role '" + string(actor.Role) + "' has no review queue")
	}

	filter := visibleTo(actor)
	filter.Statuses = []workflow.ApprovalStatus{workflow.PendingStatusFor(gate)}

	reqs, err := g.store.ListAidRequests(ctx, filter)
	if err != nil {
		return nil, storeErr(err, "aid request", "")
	}
	liqs, err := g.store.ListLiquidations(ctx, filter)
	if err != nil {
		return nil, storeErr(err, "liquidation", "")
	}
	return &PendingItems{Gate: gate, AidRequests: reqs, Liquidations: liqs}, nil
}

// History returns the audit trail of one entity, oldest first.
func (g *WorkflowGateway) History(ctx context.Context, token string, entityType workflow.EntityType, id string) ([]*repository.AuditEntry, error) {
	var err error
	switch entityType {
	case workflow.EntityAidRequest:
		_, err = g.GetAidRequest(ctx, token, id)
	case workflow.EntityDisbursement:
		_, err = g.GetDisbursement(ctx, token, id)
	case workflow.EntityLiquidation:
		_, err = g.GetLiquidation(ctx, token, id)
	default:
		err = errors.InvalidInput("entity_type", "unknown entity type '"+string(entityType)+"'")
	}
	if err != nil {
		return nil, err
	}

	entries, err := g.store.ListAudit(ctx, entityType, id)
	if err != nil {
		return nil, storeErr(err, string(entityType), id)
	}
	return entries, nil
}

func gateFor(role workflow.Role) workflow.Gate {
	for _, g := range workflow.Gates {
		if g.Role() == role {
			return g
		}
	}
	return ""
}

// visibleTo is the list filter matching what the actor may read.
func visibleTo(actor *client.Identity) repository.ListFilter {
	switch actor.Role {
	case workflow.RoleBeneficiary:
		return repository.ListFilter{BeneficiaryID: actor.UserID}
	case workflow.RoleCaseworker:
		return repository.ListFilter{CaseworkerID: actor.UserID}
	}
	for _, f := range actor.FacilityScope {
		if f == client.AllFacilities {
			return repository.ListFilter{}
		}
	}
	// An empty scope must match nothing, not everything.
	if len(actor.FacilityScope) == 0 {
		return repository.ListFilter{FacilityIDs: []string{""}}
	}
	return repository.ListFilter{FacilityIDs: actor.FacilityScope}
}
