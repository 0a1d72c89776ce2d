package service

import (
	"context"
	stderrors "errors"

	"github.com/pesio-ai/be-aid-workflow/internal/client"
	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
	"github.com/pesio-ai/be-aid-workflow/internal/repository"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// OpenDisbursementInput releases funds for an approved aid request. A nil
// Amount means the approved amount.
type OpenDisbursementInput struct {
	AidRequestID string
	Amount       *ledger.Amount
	ReferenceNo  string
}

// CheckpointResult is the outcome of a checkpoint confirmation.
// AlreadyApplied is set when the same actor had already confirmed the
// checkpoint and nothing changed.
type CheckpointResult struct {
	Disbursement   *workflow.Disbursement `json:"disbursement"`
	AlreadyApplied bool                   `json:"already_applied"`
}

// OpenDisbursement records that finance has released the funds. Each aid
// request gets at most one disbursement.
func (g *WorkflowGateway) OpenDisbursement(ctx context.Context, token string, in OpenDisbursementInput) (*workflow.Disbursement, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := requireRole(actor, workflow.RoleFinance, "open a disbursement"); err != nil {
		return nil, err
	}
	if in.Amount != nil && !in.Amount.IsPositive() {
		return nil, errors.InvalidInput("amount", "amount must be positive")
	}

	req, err := g.store.GetAidRequest(ctx, in.AidRequestID)
	if err != nil {
		return nil, storeErr(err, "aid request", in.AidRequestID)
	}
	if err := requireScope(actor, req.FacilityID); err != nil {
		return nil, err
	}

	existing, err := g.store.GetDisbursementByAidRequest(ctx, req.ID)
	switch {
	case err == nil:
		return nil, errors.Conflict("aid request already has a disbursement").
			WithDetail("disbursement_id", existing.ID)
	case !stderrors.Is(err, repository.ErrNotFound):
		return nil, storeErr(err, "disbursement", req.ID)
	}

	amount := req.Amount
	if in.Amount != nil {
		amount = *in.Amount
	}
	d, err := workflow.OpenDisbursement(g.newID(), req, amount, in.ReferenceNo, actor.UserID, g.now())
	if err != nil {
		return nil, err
	}

	audit := auditEntry(workflow.EntityDisbursement, d.ID, repository.ActionDisbursementOpened, actor.UserID, d.CreatedAt,
		"", string(d.Status()), map[string]any{
			"aid_request_id": req.ID,
			"amount":         d.Amount.String(),
			"reference_no":   d.ReferenceNo,
		})
	if err := g.store.CreateDisbursement(ctx, d, audit); err != nil {
		if stderrors.Is(err, repository.ErrDuplicate) {
			return nil, errors.Conflict("aid request already has a disbursement").
				WithDetail("aid_request_id", req.ID)
		}
		return nil, storeErr(err, "disbursement", d.ID)
	}

	g.log.Info().
		Str("disbursement_id", d.ID).
		Str("aid_request_id", req.ID).
		Str("amount", d.Amount.String()).
		Str("opened_by", actor.UserID).
		Msg("Disbursement opened")

	g.publish(ctx, client.NotificationEvent{
		EventType:    client.EventDisbursementOpened,
		FacilityID:   d.FacilityID,
		ActorID:      actor.UserID,
		Recipients:   []string{req.CaseworkerID, req.BeneficiaryID},
		ResourceType: string(workflow.EntityDisbursement),
		ResourceID:   d.ID,
		IsActionable: true,
		Severity:     "info",
		Category:     "disbursement",
		Payload:      map[string]any{"aid_request_id": req.ID, "amount": d.Amount.String()},
	})

	return d, nil
}

// ConfirmCheckpoint advances the disbursement to cp. Confirming a checkpoint
// the same actor already confirmed returns the current state with
// AlreadyApplied set.
func (g *WorkflowGateway) ConfirmCheckpoint(ctx context.Context, token, disbursementID string, cp workflow.Checkpoint) (*CheckpointResult, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	d, err := g.store.GetDisbursement(ctx, disbursementID)
	if err != nil {
		return nil, storeErr(err, "disbursement", disbursementID)
	}
	if err := authorizeCheckpoint(actor, d, cp); err != nil {
		return nil, err
	}

	before := d.Status()
	applied, err := d.Confirm(cp, actor.UserID, g.now(), g.mode)
	if err != nil {
		return nil, err
	}
	if !applied {
		return &CheckpointResult{Disbursement: d, AlreadyApplied: true}, nil
	}

	at := d.Checkpoint(cp).At
	audit := auditEntry(workflow.EntityDisbursement, d.ID, repository.ActionCheckpointConfirmed, actor.UserID, at,
		string(before), string(d.Status()), map[string]any{
			"checkpoint": string(cp),
			"mode":       string(g.mode),
		})
	if err := g.store.UpdateDisbursement(ctx, d, audit); err != nil {
		if stderrors.Is(err, repository.ErrStaleVersion) {
			return g.checkpointRaceLost(ctx, d.ID, cp, actor.UserID)
		}
		return nil, storeErr(err, "disbursement", d.ID)
	}

	g.log.Info().
		Str("disbursement_id", d.ID).
		Str("checkpoint", string(cp)).
		Str("actor_id", actor.UserID).
		Str("status_before", string(before)).
		Str("status_after", string(d.Status())).
		Msg("Disbursement checkpoint confirmed")

	event := client.NotificationEvent{
		EventType:    client.EventCheckpointConfirmed,
		FacilityID:   d.FacilityID,
		ActorID:      actor.UserID,
		Recipients:   []string{d.BeneficiaryID},
		ResourceType: string(workflow.EntityDisbursement),
		ResourceID:   d.ID,
		Severity:     "info",
		Category:     "disbursement",
		Payload:      map[string]any{"checkpoint": string(cp), "status": string(d.Status())},
	}
	if d.IsTerminal() {
		event.IsActionable = true
		event.Payload["liquidation_due"] = true
	}
	g.publish(ctx, event)

	return &CheckpointResult{Disbursement: d}, nil
}

// checkpointRaceLost resolves a lost update. If the winner confirmed the same
// checkpoint as the same actor, the caller's retry already happened.
func (g *WorkflowGateway) checkpointRaceLost(ctx context.Context, id string, cp workflow.Checkpoint, actorID string) (*CheckpointResult, error) {
	current, err := g.store.GetDisbursement(ctx, id)
	if err != nil {
		return nil, storeErr(err, "disbursement", id)
	}
	if a := current.Checkpoint(cp); a != nil && a.ActorID == actorID {
		return &CheckpointResult{Disbursement: current, AlreadyApplied: true}, nil
	}
	return nil, raceLost("confirm "+string(cp), string(current.Status()))
}

// authorizeCheckpoint: caseworker hops belong to caseworkers of the facility,
// the final hop to the beneficiary. finance_disbursed is set only by opening.
func authorizeCheckpoint(actor *client.Identity, d *workflow.Disbursement, cp workflow.Checkpoint) error {
	switch cp {
	case workflow.CheckpointCaseworkerReceived, workflow.CheckpointCaseworkerDisbursed:
		if err := requireRole(actor, workflow.RoleCaseworker, "confirm "+string(cp)); err != nil {
			return err
		}
		return requireScope(actor, d.FacilityID)
	case workflow.CheckpointBeneficiaryReceived:
		if actor.UserID != d.BeneficiaryID {
			return errors.Forbidden("only the beneficiary can confirm receipt of funds")
		}
		return nil
	case workflow.CheckpointFinanceDisbursed:
		return errors.InvalidInput("checkpoint", "finance_disbursed is recorded when the disbursement is opened")
	}
	return errors.InvalidInput("checkpoint", "unknown checkpoint '"+string(cp)+"'")
}

// ConfirmCaseworkerReceived records that the caseworker holds the funds.
func (g *WorkflowGateway) ConfirmCaseworkerReceived(ctx context.Context, token, disbursementID string) (*CheckpointResult, error) {
	return g.ConfirmCheckpoint(ctx, token, disbursementID, workflow.CheckpointCaseworkerReceived)
}

// ConfirmCaseworkerDisbursed records that the caseworker handed the funds on.
// In permissive mode this may skip the caseworker_received confirmation.
func (g *WorkflowGateway) ConfirmCaseworkerDisbursed(ctx context.Context, token, disbursementID string) (*CheckpointResult, error) {
	return g.ConfirmCheckpoint(ctx, token, disbursementID, workflow.CheckpointCaseworkerDisbursed)
}

// ConfirmBeneficiaryReceived records that the beneficiary has the funds.
func (g *WorkflowGateway) ConfirmBeneficiaryReceived(ctx context.Context, token, disbursementID string) (*CheckpointResult, error) {
	return g.ConfirmCheckpoint(ctx, token, disbursementID, workflow.CheckpointBeneficiaryReceived)
}
