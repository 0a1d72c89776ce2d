package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pesio-ai/be-aid-workflow/internal/client"
	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
	"github.com/pesio-ai/be-aid-workflow/internal/repository"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// MaxReceiptSize is the largest receipt file UploadReceipt accepts.
const MaxReceiptSize = 10 << 20

var receiptContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"application/pdf": true,
}

// FileLiquidationInput accounts for a disbursement with receipts.
type FileLiquidationInput struct {
	DisbursementID string
	Receipts       []workflow.Receipt
}

// LiquidationPreview is the reconciliation outcome for a draft that passes
// every rule.
type LiquidationPreview struct {
	DisbursementID string        `json:"disbursement_id"`
	ReceiptTotal   ledger.Amount `json:"receipt_total"`
	Limit          ledger.Amount `json:"limit"`
	Remaining      ledger.Amount `json:"remaining"`
	AllowedFrom    string        `json:"allowed_from"`
	AllowedTo      string        `json:"allowed_to"`
}

// UploadReceiptInput is one receipt file.
type UploadReceiptInput struct {
	FileName    string
	ContentType string
	Data        []byte
}

// UploadedReceipt identifies a stored receipt file.
type UploadedReceipt struct {
	FileRef     string `json:"file_ref"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// liquidationContext is everything the reconciliation rules need.
type liquidationContext struct {
	actor        *client.Identity
	disbursement *workflow.Disbursement
	request      *workflow.AidRequest
	prior        []*workflow.Liquidation
}

func (g *WorkflowGateway) loadLiquidationContext(ctx context.Context, token, disbursementID string) (*liquidationContext, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	d, err := g.store.GetDisbursement(ctx, disbursementID)
	if err != nil {
		return nil, storeErr(err, "disbursement", disbursementID)
	}
	req, err := g.store.GetAidRequest(ctx, d.AidRequestID)
	if err != nil {
		return nil, storeErr(err, "aid request", d.AidRequestID)
	}
	if err := g.authorizeFiler(actor, req); err != nil {
		return nil, err
	}

	prior, err := g.store.ListLiquidations(ctx, repository.ListFilter{DisbursementID: d.ID})
	if err != nil {
		return nil, storeErr(err, "liquidation", d.ID)
	}
	return &liquidationContext{actor: actor, disbursement: d, request: req, prior: prior}, nil
}

// authorizeFiler applies the configured filer policy.
func (g *WorkflowGateway) authorizeFiler(actor *client.Identity, req *workflow.AidRequest) error {
	beneficiaryMay := g.filer == FilerBeneficiary || g.filer == FilerEither
	caseworkerMay := g.filer == FilerCaseworker || g.filer == FilerEither

	switch {
	case beneficiaryMay && actor.Role == workflow.RoleBeneficiary && actor.UserID == req.BeneficiaryID:
		return nil
	case caseworkerMay && actor.Role == workflow.RoleCaseworker && actor.UserID == req.CaseworkerID:
		return nil
	}
	return errors.Forbidden("not permitted to file a liquidation for this disbursement").
		WithDetail("liquidation_filer", g.filer)
}

// FileLiquidation reconciles the receipts against the disbursement and files
// a liquidation waiting on the caseworker gate.
func (g *WorkflowGateway) FileLiquidation(ctx context.Context, token string, in FileLiquidationInput) (*workflow.Liquidation, error) {
	lc, err := g.loadLiquidationContext(ctx, token, in.DisbursementID)
	if err != nil {
		return nil, err
	}

	l, err := workflow.NewLiquidation(workflow.FileLiquidation{
		ID:       g.newID(),
		FiledBy:  lc.actor.UserID,
		Receipts: in.Receipts,
	}, lc.disbursement, lc.request, lc.prior, g.now())
	if err != nil {
		return nil, err
	}
	if err := g.verifyReceiptFiles(ctx, l.Receipts); err != nil {
		return nil, err
	}

	audit := auditEntry(workflow.EntityLiquidation, l.ID, repository.ActionLiquidationFiled, lc.actor.UserID, l.CreatedAt,
		"", string(l.Status()), map[string]any{
			"disbursement_id": l.DisbursementID,
			"receipt_count":   len(l.Receipts),
			"receipt_total":   l.Total().String(),
		})
	if err := g.store.CreateLiquidation(ctx, l, audit); err != nil {
		if stderrors.Is(err, repository.ErrDuplicate) {
			return nil, errors.Conflict("disbursement already has an open liquidation").
				WithDetail("disbursement_id", l.DisbursementID)
		}
		return nil, storeErr(err, "liquidation", l.ID)
	}

	g.log.Info().
		Str("liquidation_id", l.ID).
		Str("disbursement_id", l.DisbursementID).
		Str("filed_by", l.FiledBy).
		Int("receipts", len(l.Receipts)).
		Str("total", l.Total().String()).
		Msg("Liquidation filed")

	g.publish(ctx, client.NotificationEvent{
		EventType:    client.EventLiquidationFiled,
		FacilityID:   l.FacilityID,
		ActorID:      lc.actor.UserID,
		Recipients:   []string{l.CaseworkerID},
		ResourceType: string(workflow.EntityLiquidation),
		ResourceID:   l.ID,
		IsActionable: true,
		Severity:     "info",
		Category:     "liquidation",
		Payload:      map[string]any{"disbursement_id": l.DisbursementID, "total": l.Total().String()},
	})

	return l, nil
}

// PreviewLiquidation runs the filing rules without persisting anything, so a
// client can check a draft before submitting it.
func (g *WorkflowGateway) PreviewLiquidation(ctx context.Context, token string, in FileLiquidationInput) (*LiquidationPreview, error) {
	lc, err := g.loadLiquidationContext(ctx, token, in.DisbursementID)
	if err != nil {
		return nil, err
	}
	if err := workflow.Reconcile(in.Receipts, lc.disbursement, lc.request, lc.prior); err != nil {
		return nil, err
	}

	total := workflow.ReceiptTotal(in.Receipts)
	period := lc.request.Period
	return &LiquidationPreview{
		DisbursementID: lc.disbursement.ID,
		ReceiptTotal:   total,
		Limit:          lc.disbursement.Amount,
		Remaining:      lc.disbursement.Amount.Sub(total),
		AllowedFrom:    period.Start().Format("2006-01-02"),
		AllowedTo:      period.End().Format("2006-01-02"),
	}, nil
}

// verifyReceiptFiles checks that every file_ref names an uploaded file.
func (g *WorkflowGateway) verifyReceiptFiles(ctx context.Context, receipts []workflow.Receipt) error {
	if g.blobs == nil {
		return nil
	}
	for i, r := range receipts {
		ok, err := g.blobs.Exists(ctx, r.FileRef)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "could not verify receipt file")
		}
		if !ok {
			return errors.InvalidInput(fmt.Sprintf("receipts[%d].file_ref", i), "receipt file has not been uploaded").
				WithDetail("receipt_index", i)
		}
	}
	return nil
}

// ReviewLiquidation records the caller's decision at gate. A rejected
// liquidation stays rejected; the filer submits a new one.
func (g *WorkflowGateway) ReviewLiquidation(ctx context.Context, token string, gate workflow.Gate, in ReviewInput) (*workflow.Liquidation, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	decision, err := workflow.ParseDecision(in.Decision)
	if err != nil {
		return nil, err
	}

	l, err := g.store.GetLiquidation(ctx, in.ID)
	if err != nil {
		return nil, storeErr(err, "liquidation", in.ID)
	}
	if err := authorizeGate(actor, gate, l.FacilityID, l.CaseworkerID); err != nil {
		return nil, err
	}

	before := l.Status()
	rec, err := l.Review(gate, actor.UserID, actor.Role, decision, in.Notes, g.now())
	if err != nil {
		return nil, err
	}

	audit := auditEntry(workflow.EntityLiquidation, l.ID, repository.ActionReviewed, actor.UserID, rec.ReviewedAt,
		string(before), string(l.Status()), map[string]any{
			"gate":     string(gate),
			"decision": string(decision),
			"notes":    in.Notes,
		})
	if err := g.store.SaveLiquidationReview(ctx, l, rec, audit); err != nil {
		if stderrors.Is(err, repository.ErrStaleVersion) {
			current, getErr := g.store.GetLiquidation(ctx, l.ID)
			if getErr != nil {
				return nil, storeErr(getErr, "liquidation", l.ID)
			}
			return nil, raceLost("review at "+string(gate)+" gate", string(current.Status()))
		}
		return nil, storeErr(err, "liquidation", l.ID)
	}

	g.log.Info().
		Str("liquidation_id", l.ID).
		Str("gate", string(gate)).
		Str("decision", string(decision)).
		Str("reviewer_id", actor.UserID).
		Str("status_before", string(before)).
		Str("status_after", string(l.Status())).
		Msg("Liquidation reviewed")

	eventType, nextRole, actionable := reviewEvent(l.ApprovalChain,
		client.EventLiquidationAdvanced, client.EventLiquidationApproved, client.EventLiquidationRejected)
	recipients := []string{l.BeneficiaryID}
	if actionable {
		recipients = nil
	}
	payload := map[string]any{
		"gate":     string(gate),
		"decision": string(decision),
		"status":   string(l.Status()),
	}
	if l.Status() == workflow.StatusRejected {
		payload["refile"] = true
	}
	g.publish(ctx, client.NotificationEvent{
		EventType:     eventType,
		FacilityID:    l.FacilityID,
		ActorID:       actor.UserID,
		Recipients:    recipients,
		RecipientRole: nextRole,
		ResourceType:  string(workflow.EntityLiquidation),
		ResourceID:    l.ID,
		IsActionable:  actionable || l.Status() == workflow.StatusRejected,
		Severity:      "info",
		Category:      "liquidation",
		Payload:       payload,
	})

	return l, nil
}

// ReviewLiquidationAsCaseworker records the assigned caseworker's decision.
func (g *WorkflowGateway) ReviewLiquidationAsCaseworker(ctx context.Context, token string, in ReviewInput) (*workflow.Liquidation, error) {
	return g.ReviewLiquidation(ctx, token, workflow.GateCaseworker, in)
}

// ReviewLiquidationAsFinance records a finance officer's decision.
func (g *WorkflowGateway) ReviewLiquidationAsFinance(ctx context.Context, token string, in ReviewInput) (*workflow.Liquidation, error) {
	return g.ReviewLiquidation(ctx, token, workflow.GateFinance, in)
}

// ReviewLiquidationAsDirector records the director's final decision.
func (g *WorkflowGateway) ReviewLiquidationAsDirector(ctx context.Context, token string, in ReviewInput) (*workflow.Liquidation, error) {
	return g.ReviewLiquidation(ctx, token, workflow.GateDirector, in)
}

// UploadReceipt stores a receipt file and returns the file_ref a liquidation
// cites. Uploading identical content twice returns the same file_ref.
func (g *WorkflowGateway) UploadReceipt(ctx context.Context, token string, in UploadReceiptInput) (*UploadedReceipt, error) {
	actor, err := g.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if actor.Role != workflow.RoleBeneficiary && actor.Role != workflow.RoleCaseworker {
		return nil, errors.Forbidden(fmt.Sprintf("role '%s' cannot upload receipts", actor.Role))
	}
	if g.blobs == nil {
		return nil, errors.New(errors.ErrCodeInternal, "receipt storage is not configured")
	}

	if len(in.Data) == 0 {
		return nil, errors.InvalidInput("file", "file is empty")
	}
	if len(in.Data) > MaxReceiptSize {
		return nil, errors.InvalidInput("file", "file exceeds the 10MB limit").
			WithDetail("max_bytes", MaxReceiptSize)
	}
	contentType := in.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(in.Data)
	}
	contentType, _, _ = strings.Cut(contentType, ";")
	if !receiptContentTypes[contentType] {
		return nil, errors.InvalidInput("file", "receipts must be JPEG, PNG or PDF").
			WithDetail("content_type", contentType)
	}

	ref, err := g.blobs.Put(ctx, in.FileName, contentType, in.Data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to store receipt")
	}

	g.log.Info().
		Str("file_ref", ref).
		Str("uploaded_by", actor.UserID).
		Int("size", len(in.Data)).
		Msg("Receipt uploaded")

	return &UploadedReceipt{FileRef: ref, FileName: in.FileName, ContentType: contentType, Size: len(in.Data)}, nil
}
