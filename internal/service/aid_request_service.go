package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pesio-ai/be-aid-workflow/internal/client"
	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
	"github.com/pesio-ai/be-aid-workflow/internal/repository"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// SubmitAidRequestInput is a beneficiary's new aid request. BeneficiaryID
// defaults to the caller. RequestMonth and RequestYear name the month the aid
// is for; both zero means the submission month.
type SubmitAidRequestInput struct {
	BeneficiaryID string
	FundType      string
	Amount        ledger.Amount
	Purpose       string
	RequestMonth  int
	RequestYear   int
}

func (in SubmitAidRequestInput) period() *ledger.Period {
	if in.RequestMonth == 0 && in.RequestYear == 0 {
		return nil
	}
	return &ledger.Period{Month: time.Month(in.RequestMonth), Year: in.RequestYear}
}

// SubmitAidRequest files a new aid request waiting on the beneficiary's
// assigned caseworker.
func (g *WorkflowGateway) SubmitAidRequest(ctx context.Context, token string, in SubmitAidRequestInput) (*workflow.AidRequest, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := requireRole(actor, workflow.RoleBeneficiary, "submit an aid request"); err != nil {
		return nil, err
	}
	if in.BeneficiaryID == "" {
		in.BeneficiaryID = actor.UserID
	}
	if in.BeneficiaryID != actor.UserID {
		return nil, errors.Forbidden("beneficiaries can only submit requests for themselves")
	}

	assignment, err := g.store.GetAssignment(ctx, in.BeneficiaryID)
	if stderrors.Is(err, repository.ErrNotFound) {
		return nil, errors.InvalidInput("beneficiary_id", "beneficiary has no assigned caseworker")
	}
	if err != nil {
		return nil, storeErr(err, "assignment", in.BeneficiaryID)
	}

	now := g.now()
	req, err := workflow.NewAidRequest(workflow.SubmitAidRequest{
		ID:            g.newID(),
		BeneficiaryID: in.BeneficiaryID,
		FacilityID:    assignment.FacilityID,
		CaseworkerID:  assignment.CaseworkerID,
		FundType:      in.FundType,
		Amount:        in.Amount,
		Purpose:       in.Purpose,
		Period:        in.period(),
	}, now)
	if err != nil {
		return nil, err
	}

	audit := auditEntry(workflow.EntityAidRequest, req.ID, repository.ActionSubmitted, actor.UserID, now,
		"", string(req.Status()), map[string]any{
			"fund_type": string(req.FundType),
			"amount":    req.Amount.String(),
			"period":    req.Period.String(),
		})
	if err := g.store.CreateAidRequest(ctx, req, audit); err != nil {
		return nil, storeErr(err, "aid request", req.ID)
	}

	g.log.Info().
		Str("aid_request_id", req.ID).
		Str("beneficiary_id", req.BeneficiaryID).
		Str("caseworker_id", req.CaseworkerID).
		Str("amount", req.Amount.String()).
		Msg("Aid request submitted")

	g.publish(ctx, client.NotificationEvent{
		EventType:    client.EventAidRequestSubmitted,
		FacilityID:   req.FacilityID,
		ActorID:      actor.UserID,
		Recipients:   []string{req.CaseworkerID},
		ResourceType: string(workflow.EntityAidRequest),
		ResourceID:   req.ID,
		IsActionable: true,
		Severity:     "info",
		Category:     "approval",
		Payload:      map[string]any{"amount": req.Amount.String(), "fund_type": string(req.FundType)},
	})

	return req, nil
}

// ReviewAidRequest records the caller's decision at gate. The request must be
// waiting on that gate.
func (g *WorkflowGateway) ReviewAidRequest(ctx context.Context, token string, gate workflow.Gate, in ReviewInput) (*workflow.AidRequest, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	decision, err := workflow.ParseDecision(in.Decision)
	if err != nil {
		return nil, err
	}

	req, err := g.store.GetAidRequest(ctx, in.ID)
	if err != nil {
		return nil, storeErr(err, "aid request", in.ID)
	}
	if err := authorizeGate(actor, gate, req.FacilityID, req.CaseworkerID); err != nil {
		return nil, err
	}

	before := req.Status()
	rec, err := req.Review(gate, actor.UserID, actor.Role, decision, in.Notes, g.now())
	if err != nil {
		return nil, err
	}

	audit := auditEntry(workflow.EntityAidRequest, req.ID, repository.ActionReviewed, actor.UserID, rec.ReviewedAt,
		string(before), string(req.Status()), map[string]any{
			"gate":     string(gate),
			"decision": string(decision),
			"notes":    in.Notes,
		})
	if err := g.store.SaveAidRequestReview(ctx, req, rec, audit); err != nil {
		if stderrors.Is(err, repository.ErrStaleVersion) {
			return nil, g.aidRequestRaceLost(ctx, req.ID, "review at "+string(gate)+" gate")
		}
		return nil, storeErr(err, "aid request", req.ID)
	}

	g.log.Info().
		Str("aid_request_id", req.ID).
		Str("gate", string(gate)).
		Str("decision", string(decision)).
		Str("reviewer_id", actor.UserID).
		Str("status_before", string(before)).
		Str("status_after", string(req.Status())).
		Msg("Aid request reviewed")

	eventType, nextRole, actionable := reviewEvent(req.ApprovalChain,
		client.EventAidRequestAdvanced, client.EventAidRequestApproved, client.EventAidRequestRejected)
	recipients := []string{req.BeneficiaryID}
	if actionable {
		recipients = nil
	}
	g.publish(ctx, client.NotificationEvent{
		EventType:     eventType,
		FacilityID:    req.FacilityID,
		ActorID:       actor.UserID,
		Recipients:    recipients,
		RecipientRole: nextRole,
		ResourceType:  string(workflow.EntityAidRequest),
		ResourceID:    req.ID,
		IsActionable:  actionable,
		Severity:      "info",
		Category:      "approval",
		Payload: map[string]any{
			"gate":              string(gate),
			"decision":          string(decision),
			"status":            string(req.Status()),
			"rejected_at_level": string(req.RejectedAtLevel()),
		},
	})

	return req, nil
}

func (g *WorkflowGateway) aidRequestRaceLost(ctx context.Context, id, action string) error {
	current, err := g.store.GetAidRequest(ctx, id)
	if err != nil {
		return storeErr(err, "aid request", id)
	}
	return raceLost(action, string(current.Status()))
}

// ReviewAsCaseworker records the assigned caseworker's decision.
func (g *WorkflowGateway) ReviewAsCaseworker(ctx context.Context, token string, in ReviewInput) (*workflow.AidRequest, error) {
	return g.ReviewAidRequest(ctx, token, workflow.GateCaseworker, in)
}

// ReviewAsFinance records a finance officer's decision.
func (g *WorkflowGateway) ReviewAsFinance(ctx context.Context, token string, in ReviewInput) (*workflow.AidRequest, error) {
	return g.ReviewAidRequest(ctx, token, workflow.GateFinance, in)
}

// ReviewAsDirector records the director's final decision.
func (g *WorkflowGateway) ReviewAsDirector(ctx context.Context, token string, in ReviewInput) (*workflow.AidRequest, error) {
	return g.ReviewAidRequest(ctx, token, workflow.GateDirector, in)
}
