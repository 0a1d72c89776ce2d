package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-aid-workflow/internal/client"
	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
	"github.com/pesio-ai/be-aid-workflow/internal/logger"
	"github.com/pesio-ai/be-aid-workflow/internal/repository"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

type recordingSink struct {
	mu     sync.Mutex
	events []client.NotificationEvent
}

func (s *recordingSink) Publish(_ context.Context, e client.NotificationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) ofType(eventType string) []client.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []client.NotificationEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	gw     *WorkflowGateway
	store  *repository.MemoryStore
	events *recordingSink
	ctx    context.Context
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()

	ids := client.NewStaticIdentityResolver()
	fac1 := []string{"fac-1"}
	ids.Add("ben-1", client.Identity{UserID: "ben-1", Role: workflow.RoleBeneficiary})
	ids.Add("ben-2", client.Identity{UserID: "ben-2", Role: workflow.RoleBeneficiary})
	ids.Add("cw-1", client.Identity{UserID: "cw-1", Role: workflow.RoleCaseworker, FacilityScope: fac1})
	ids.Add("cw-2", client.Identity{UserID: "cw-2", Role: workflow.RoleCaseworker, FacilityScope: fac1})
	ids.Add("fin-1", client.Identity{UserID: "fin-1", Role: workflow.RoleFinance, FacilityScope: fac1})
	ids.Add("fin-2", client.Identity{UserID: "fin-2", Role: workflow.RoleFinance, FacilityScope: fac1})
	ids.Add("fin-9", client.Identity{UserID: "fin-9", Role: workflow.RoleFinance, FacilityScope: []string{"fac-2"}})
	ids.Add("dir-1", client.Identity{UserID: "dir-1", Role: workflow.RoleDirector, FacilityScope: []string{client.AllFacilities}})

	store := repository.NewMemoryStore()
	require.NoError(t, store.SaveAssignment(ctx, &repository.Assignment{BeneficiaryID: "ben-1", CaseworkerID: "cw-1", FacilityID: "fac-1"}))
	require.NoError(t, store.SaveAssignment(ctx, &repository.Assignment{BeneficiaryID: "ben-2", CaseworkerID: "cw-2", FacilityID: "fac-1"}))

	if opts.Clock == nil {
		clock := &stepClock{t: time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)}
		opts.Clock = clock.Now
	}
	events := &recordingSink{}
	gw := NewWorkflowGateway(store, ids, client.NewMemoryBlobStore(), events, opts, logger.Nop())
	return &harness{gw: gw, store: store, events: events, ctx: ctx}
}

func (h *harness) submit(t *testing.T) *workflow.AidRequest {
	t.Helper()
	req, err := h.gw.SubmitAidRequest(h.ctx, "ben-1", SubmitAidRequestInput{
		FundType: "medical",
		Amount:   ledger.MustAmount("5000.00"),
		Purpose:  "hospital bill",
	})
	require.NoError(t, err)
	return req
}

func (h *harness) approved(t *testing.T) *workflow.AidRequest {
	t.Helper()
	req := h.submit(t)
	var err error
	req, err = h.gw.ReviewAsCaseworker(h.ctx, "cw-1", ReviewInput{ID: req.ID, Decision: "approved"})
	require.NoError(t, err)
	req, err = h.gw.ReviewAsFinance(h.ctx, "fin-1", ReviewInput{ID: req.ID, Decision: "approved"})
	require.NoError(t, err)
	req, err = h.gw.ReviewAsDirector(h.ctx, "dir-1", ReviewInput{ID: req.ID, Decision: "approved"})
	require.NoError(t, err)
	return req
}

func (h *harness) received(t *testing.T) *workflow.Disbursement {
	t.Helper()
	req := h.approved(t)
	d, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID, ReferenceNo: "CHK-1"})
	require.NoError(t, err)
	_, err = h.gw.ConfirmCaseworkerDisbursed(h.ctx, "cw-1", d.ID)
	require.NoError(t, err)
	res, err := h.gw.ConfirmBeneficiaryReceived(h.ctx, "ben-1", d.ID)
	require.NoError(t, err)
	return res.Disbursement
}

func amountPtr(s string) *ledger.Amount {
	a := ledger.MustAmount(s)
	return &a
}

func (h *harness) receipt(t *testing.T, number, amount string, date time.Time) workflow.Receipt {
	t.Helper()
	up, err := h.gw.UploadReceipt(h.ctx, "ben-1", UploadReceiptInput{
		FileName:    number + ".pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.4 " + number),
	})
	require.NoError(t, err)
	return workflow.Receipt{FileRef: up.FileRef, Amount: ledger.MustAmount(amount), ReceiptNumber: number, ReceiptDate: date}
}

func march(day int) time.Time {
	return time.Date(2026, time.March, day, 0, 0, 0, 0, time.UTC)
}

func TestGateway_ApproveAndDisburse(t *testing.T) {
	h := newHarness(t, Options{DisbursementMode: workflow.ModeStrict})

	req := h.approved(t)
	assert.Equal(t, workflow.StatusApproved, req.Status())
	assert.Equal(t, "cw-1", req.Slot(workflow.GateCaseworker).ReviewerID)
	assert.Equal(t, "dir-1", req.Slot(workflow.GateDirector).ReviewerID)

	d, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{
		AidRequestID: req.ID,
		Amount:       amountPtr("5000"),
		ReferenceNo:  "CHK-1",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.CheckpointFinanceDisbursed, d.Status())

	res, err := h.gw.ConfirmCaseworkerReceived(h.ctx, "cw-1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.CheckpointCaseworkerReceived, res.Disbursement.Status())

	res, err = h.gw.ConfirmCaseworkerDisbursed(h.ctx, "cw-1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.CheckpointCaseworkerDisbursed, res.Disbursement.Status())

	res, err = h.gw.ConfirmBeneficiaryReceived(h.ctx, "ben-1", d.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.CheckpointBeneficiaryReceived, res.Disbursement.Status())
	assert.False(t, res.AlreadyApplied)

	stored, err := h.gw.GetDisbursement(h.ctx, "ben-1", d.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsTerminal())

	var prev time.Time
	for _, cp := range workflow.Checkpoints {
		a := stored.Checkpoint(cp)
		require.NotNil(t, a, "checkpoint %s", cp)
		assert.False(t, a.At.Before(prev))
		prev = a.At
	}
}

func TestGateway_FinanceRejection(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.submit(t)

	_, err := h.gw.ReviewAsCaseworker(h.ctx, "cw-1", ReviewInput{ID: req.ID, Decision: "approved"})
	require.NoError(t, err)
	req, err = h.gw.ReviewAsFinance(h.ctx, "fin-1", ReviewInput{ID: req.ID, Decision: "rejected", Notes: "insufficient documents"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, req.Status())
	assert.Equal(t, workflow.GateFinance, req.RejectedAtLevel())

	_, err = h.gw.ReviewAsDirector(h.ctx, "dir-1", ReviewInput{ID: req.ID, Decision: "approved"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition), "got %v", err)

	_, err = h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition), "got %v", err)

	rejected := h.events.ofType(client.EventAidRequestRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, []string{"ben-1"}, rejected[0].Recipients)
}

func TestGateway_LiquidationOverLimit(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.received(t)

	_, err := h.gw.FileLiquidation(h.ctx, "ben-1", FileLiquidationInput{
		DisbursementID: d.ID,
		Receipts: []workflow.Receipt{
			h.receipt(t, "OR-1", "3000.00", march(12)),
			h.receipt(t, "OR-2", "2200.00", march(14)),
		},
	})
	appErr, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errors.ErrCodeOverLimit, appErr.Code)
	assert.Equal(t, "200.00", appErr.Details["excess"])

	l, err := h.gw.FileLiquidation(h.ctx, "ben-1", FileLiquidationInput{
		DisbursementID: d.ID,
		Receipts: []workflow.Receipt{
			h.receipt(t, "OR-1", "3000.00", march(12)),
			h.receipt(t, "OR-3", "1800.00", march(14)),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingCaseworker, l.Status())
	assert.Equal(t, "4800.00", l.Total().String())

	all, err := h.gw.ListLiquidations(h.ctx, "cw-1", d.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1, "a failed filing leaves nothing behind")
}

func TestGateway_LiquidationDateOutOfRange(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.received(t)

	_, err := h.gw.FileLiquidation(h.ctx, "ben-1", FileLiquidationInput{
		DisbursementID: d.ID,
		Receipts: []workflow.Receipt{
			h.receipt(t, "OR-1", "100.00", march(31)),
			h.receipt(t, "OR-2", "100.00", time.Date(2026, time.April, 2, 0, 0, 0, 0, time.UTC)),
		},
	})
	appErr, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errors.ErrCodeDateOutOfRange, appErr.Code)
	assert.Equal(t, 1, appErr.Details["receipt_index"])
	assert.Equal(t, "OR-2", appErr.Details["receipt_number"])
}

func TestGateway_LiquidationNotReady(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.approved(t)
	d, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID})
	require.NoError(t, err)

	_, err = h.gw.FileLiquidation(h.ctx, "ben-1", FileLiquidationInput{
		DisbursementID: d.ID,
		Receipts:       []workflow.Receipt{h.receipt(t, "OR-1", "100.00", march(12))},
	})
	assert.True(t, errors.Is(err, errors.ErrCodeNotReady), "got %v", err)
}

func TestGateway_ConcurrentFinanceReviews(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, Options{})
		req := h.submit(t)
		_, err := h.gw.ReviewAsCaseworker(h.ctx, "cw-1", ReviewInput{ID: req.ID, Decision: "approved"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for i, token := range []string{"fin-1", "fin-2"} {
			wg.Add(1)
			go func(i int, token string) {
				defer wg.Done()
				<-start
				_, errs[i] = h.gw.ReviewAsFinance(h.ctx, token, ReviewInput{ID: req.ID, Decision: "approved"})
			}(i, token)
		}
		close(start)
		wg.Wait()

		var wins, losses int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, errors.ErrCodeInvalidTransition):
				losses++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, wins)
		require.Equal(t, 1, losses)

		stored, err := h.gw.GetAidRequest(h.ctx, "dir-1", req.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusPendingDirector, stored.Status())

		history, err := h.gw.History(h.ctx, "dir-1", workflow.EntityAidRequest, req.ID)
		require.NoError(t, err)
		assert.Len(t, history, 3, "submitted plus two reviews")
	}
}

func TestGateway_Authorization(t *testing.T) {
	h := newHarness(t, Options{})
	pending := h.submit(t)
	approved := h.approved(t)
	d, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: approved.ID})
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
		code errors.ErrorCode
	}{
		{
			name: "unknown token",
			call: func() error { _, err := h.gw.GetAidRequest(h.ctx, "nobody", pending.ID); return err },
			code: errors.ErrCodeUnauthorized,
		},
		{
			name: "caseworker cannot submit",
			call: func() error {
				_, err := h.gw.SubmitAidRequest(h.ctx, "cw-1", SubmitAidRequestInput{FundType: "food", Amount: ledger.MustAmount("10"), Purpose: "x"})
				return err
			},
			code: errors.ErrCodeForbidden,
		},
		{
			name: "beneficiary cannot submit for someone else",
			call: func() error {
				_, err := h.gw.SubmitAidRequest(h.ctx, "ben-1", SubmitAidRequestInput{BeneficiaryID: "ben-2", FundType: "food", Amount: ledger.MustAmount("10"), Purpose: "x"})
				return err
			},
			code: errors.ErrCodeForbidden,
		},
		{
			name: "unassigned caseworker cannot review",
			call: func() error { _, err := h.gw.ReviewAsCaseworker(h.ctx, "cw-2", ReviewInput{ID: pending.ID, Decision: "approved"}); return err },
			code: errors.ErrCodeForbidden,
		},
		{
			name: "director cannot act at caseworker gate",
			call: func() error { _, err := h.gw.ReviewAsCaseworker(h.ctx, "dir-1", ReviewInput{ID: pending.ID, Decision: "approved"}); return err },
			code: errors.ErrCodeForbidden,
		},
		{
			name: "finance outside facility scope",
			call: func() error { _, err := h.gw.GetAidRequest(h.ctx, "fin-9", pending.ID); return err },
			code: errors.ErrCodeForbidden,
		},
		{
			name: "finance early is an invalid transition",
			call: func() error { _, err := h.gw.ReviewAsFinance(h.ctx, "fin-1", ReviewInput{ID: pending.ID, Decision: "approved"}); return err },
			code: errors.ErrCodeInvalidTransition,
		},
		{
			name: "unknown decision",
			call: func() error { _, err := h.gw.ReviewAsCaseworker(h.ctx, "cw-1", ReviewInput{ID: pending.ID, Decision: "maybe"}); return err },
			code: errors.ErrCodeValidation,
		},
		{
			name: "caseworker cannot open disbursement",
			call: func() error { _, err := h.gw.OpenDisbursement(h.ctx, "cw-1", OpenDisbursementInput{AidRequestID: approved.ID}); return err },
			code: errors.ErrCodeForbidden,
		},
		{
			name: "another beneficiary cannot confirm receipt",
			call: func() error { _, err := h.gw.ConfirmBeneficiaryReceived(h.ctx, "ben-2", d.ID); return err },
			code: errors.ErrCodeForbidden,
		},
		{
			name: "beneficiary cannot confirm caseworker hop",
			call: func() error { _, err := h.gw.ConfirmCaseworkerReceived(h.ctx, "ben-1", d.ID); return err },
			code: errors.ErrCodeForbidden,
		},
		{
			name: "beneficiary receipt before caseworker disbursed",
			call: func() error { _, err := h.gw.ConfirmBeneficiaryReceived(h.ctx, "ben-1", d.ID); return err },
			code: errors.ErrCodeInvalidTransition,
		},
		{
			name: "finance has no liquidation filing rights",
			call: func() error {
				_, err := h.gw.FileLiquidation(h.ctx, "fin-1", FileLiquidationInput{DisbursementID: d.ID})
				return err
			},
			code: errors.ErrCodeForbidden,
		},
		{
			name: "beneficiary has no review queue",
			call: func() error { _, err := h.gw.ListPending(h.ctx, "ben-1"); return err },
			code: errors.ErrCodeForbidden,
		},
		{
			name: "missing aid request",
			call: func() error { _, err := h.gw.GetAidRequest(h.ctx, "dir-1", "missing"); return err },
			code: errors.ErrCodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.Equal(t, tt.code, errors.CodeOf(err), "got %v", err)
		})
	}
}

func TestGateway_OpenDisbursementTwice(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.approved(t)

	first, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID})
	require.NoError(t, err)
	assert.Equal(t, "5000.00", first.Amount.String())

	_, err = h.gw.OpenDisbursement(h.ctx, "fin-2", OpenDisbursementInput{AidRequestID: req.ID})
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeConflict, appErr.Code)
	assert.Equal(t, first.ID, appErr.Details["disbursement_id"])

	_, err = h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID, Amount: amountPtr("4000")})
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))
}

func TestGateway_OpenDisbursementAmountMismatch(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.approved(t)

	_, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID, Amount: amountPtr("4999.99")})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation), "got %v", err)
}

func TestGateway_OpenDisbursementRejectsNonPositiveAmount(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.approved(t)

	for _, amount := range []string{"0", "-5000"} {
		_, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID, Amount: amountPtr(amount)})
		appErr, ok := errors.As(err)
		require.True(t, ok, "amount %s: got %v", amount, err)
		assert.Equal(t, errors.ErrCodeValidation, appErr.Code)
		assert.Equal(t, "amount", appErr.Field)
	}

	d, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID})
	require.NoError(t, err, "rejected amounts leave the request open for disbursement")
	assert.Equal(t, "5000.00", d.Amount.String())
}

func TestGateway_CheckpointIdempotence(t *testing.T) {
	h := newHarness(t, Options{DisbursementMode: workflow.ModeStrict})
	req := h.approved(t)
	d, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID})
	require.NoError(t, err)

	first, err := h.gw.ConfirmCaseworkerReceived(h.ctx, "cw-1", d.ID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyApplied)

	again, err := h.gw.ConfirmCaseworkerReceived(h.ctx, "cw-1", d.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyApplied)
	assert.Equal(t, first.Disbursement.Checkpoint(workflow.CheckpointCaseworkerReceived), again.Disbursement.Checkpoint(workflow.CheckpointCaseworkerReceived))

	_, err = h.gw.ConfirmCaseworkerReceived(h.ctx, "cw-2", d.ID)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeInvalidTransition, appErr.Code)
	assert.Equal(t, "cw-1", appErr.Details["confirmed_by"])

	history, err := h.gw.History(h.ctx, "fin-1", workflow.EntityDisbursement, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 2, "a repeated confirmation writes no audit entry")
	assert.Equal(t, repository.ActionDisbursementOpened, history[0].Action)
	assert.Equal(t, repository.ActionCheckpointConfirmed, history[1].Action)
}

func TestGateway_StrictModeRequiresReceipt(t *testing.T) {
	h := newHarness(t, Options{DisbursementMode: workflow.ModeStrict})
	req := h.approved(t)
	d, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID})
	require.NoError(t, err)

	_, err = h.gw.ConfirmCaseworkerDisbursed(h.ctx, "cw-1", d.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition), "got %v", err)
}

func TestGateway_PermissiveModeStampsReceipt(t *testing.T) {
	h := newHarness(t, Options{DisbursementMode: workflow.ModePermissive})
	req := h.approved(t)
	d, err := h.gw.OpenDisbursement(h.ctx, "fin-1", OpenDisbursementInput{AidRequestID: req.ID})
	require.NoError(t, err)

	res, err := h.gw.ConfirmCaseworkerDisbursed(h.ctx, "cw-1", d.ID)
	require.NoError(t, err)
	received := res.Disbursement.Checkpoint(workflow.CheckpointCaseworkerReceived)
	require.NotNil(t, received)
	assert.Equal(t, "cw-1", received.ActorID)

	history, err := h.gw.History(h.ctx, "cw-1", workflow.EntityDisbursement, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "finance_disbursed", *history[1].StatusBefore)
	assert.Equal(t, "caseworker_disbursed", *history[1].StatusAfter)
}

func TestGateway_AuditTrail(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.approved(t)

	history, err := h.gw.History(h.ctx, "ben-1", workflow.EntityAidRequest, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)

	wantActions := []string{repository.ActionSubmitted, repository.ActionReviewed, repository.ActionReviewed, repository.ActionReviewed}
	wantActors := []string{"ben-1", "cw-1", "fin-1", "dir-1"}
	wantAfter := []string{"pending_caseworker", "pending_finance", "pending_director", "approved"}
	for i, e := range history {
		assert.Equal(t, wantActions[i], e.Action)
		assert.Equal(t, wantActors[i], e.PerformedBy)
		require.NotNil(t, e.StatusAfter)
		assert.Equal(t, wantAfter[i], *e.StatusAfter)
	}
	assert.Nil(t, history[0].StatusBefore)
	assert.Equal(t, "director", history[3].Metadata["gate"])

	_, err = h.gw.History(h.ctx, "ben-1", "invoice", req.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestGateway_Notifications(t *testing.T) {
	h := newHarness(t, Options{Currency: "PHP"})
	req := h.approved(t)

	submitted := h.events.ofType(client.EventAidRequestSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"cw-1"}, submitted[0].Recipients)
	assert.True(t, submitted[0].IsActionable)
	assert.Equal(t, "PHP", submitted[0].Payload["currency"])

	advanced := h.events.ofType(client.EventAidRequestAdvanced)
	require.Len(t, advanced, 2)
	assert.Equal(t, "finance", advanced[0].RecipientRole)
	assert.Equal(t, "director", advanced[1].RecipientRole)

	approvedEvents := h.events.ofType(client.EventAidRequestApproved)
	require.Len(t, approvedEvents, 1)
	assert.Equal(t, req.ID, approvedEvents[0].ResourceID)
	assert.Equal(t, []string{"ben-1"}, approvedEvents[0].Recipients)
}

func TestGateway_LiquidationReviewAndRefile(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.received(t)
	in := FileLiquidationInput{
		DisbursementID: d.ID,
		Receipts:       []workflow.Receipt{h.receipt(t, "OR-1", "4800.00", march(20))},
	}

	first, err := h.gw.FileLiquidation(h.ctx, "ben-1", in)
	require.NoError(t, err)

	_, err = h.gw.FileLiquidation(h.ctx, "ben-1", in)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict), "got %v", err)

	first, err = h.gw.ReviewLiquidationAsCaseworker(h.ctx, "cw-1", ReviewInput{ID: first.ID, Decision: "approved"})
	require.NoError(t, err)
	first, err = h.gw.ReviewLiquidationAsFinance(h.ctx, "fin-1", ReviewInput{ID: first.ID, Decision: "rejected", Notes: "receipt unreadable"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, first.Status())

	rejected := h.events.ofType(client.EventLiquidationRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, true, rejected[0].Payload["refile"])

	_, err = h.gw.ReviewLiquidationAsDirector(h.ctx, "dir-1", ReviewInput{ID: first.ID, Decision: "approved"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidTransition))

	second, err := h.gw.FileLiquidation(h.ctx, "ben-1", in)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	for _, step := range []struct {
		token string
		fn    func(context.Context, string, ReviewInput) (*workflow.Liquidation, error)
	}{
		{"cw-1", h.gw.ReviewLiquidationAsCaseworker},
		{"fin-2", h.gw.ReviewLiquidationAsFinance},
		{"dir-1", h.gw.ReviewLiquidationAsDirector},
	} {
		second, err = step.fn(h.ctx, step.token, ReviewInput{ID: second.ID, Decision: "approved"})
		require.NoError(t, err)
	}
	assert.Equal(t, workflow.StatusApproved, second.Status())

	all, err := h.gw.ListLiquidations(h.ctx, "ben-1", d.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	reread, err := h.gw.GetLiquidation(h.ctx, "ben-1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, reread.Status(), "a rejected liquidation is never reopened")
}

func TestGateway_LiquidationFilerPolicy(t *testing.T) {
	tests := []struct {
		filer string
		token string
		ok    bool
	}{
		{FilerBeneficiary, "ben-1", true},
		{FilerBeneficiary, "cw-1", false},
		{FilerCaseworker, "cw-1", true},
		{FilerCaseworker, "ben-1", false},
		{FilerCaseworker, "cw-2", false},
		{FilerEither, "ben-1", true},
		{FilerEither, "cw-1", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.filer, tt.token), func(t *testing.T) {
			h := newHarness(t, Options{LiquidationFiler: tt.filer})
			d := h.received(t)
			_, err := h.gw.FileLiquidation(h.ctx, tt.token, FileLiquidationInput{
				DisbursementID: d.ID,
				Receipts:       []workflow.Receipt{h.receipt(t, "OR-1", "10.00", march(15))},
			})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, errors.ErrCodeForbidden), "got %v", err)
			}
		})
	}
}

func TestGateway_PreviewLiquidation(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.received(t)

	preview, err := h.gw.PreviewLiquidation(h.ctx, "ben-1", FileLiquidationInput{
		DisbursementID: d.ID,
		Receipts:       []workflow.Receipt{h.receipt(t, "OR-1", "1250.50", march(3))},
	})
	require.NoError(t, err)
	assert.Equal(t, "1250.50", preview.ReceiptTotal.String())
	assert.Equal(t, "3749.50", preview.Remaining.String())
	assert.Equal(t, "2026-03-01", preview.AllowedFrom)
	assert.Equal(t, "2026-03-31", preview.AllowedTo)

	all, err := h.gw.ListLiquidations(h.ctx, "ben-1", d.ID)
	require.NoError(t, err)
	assert.Empty(t, all, "preview persists nothing")

	_, err = h.gw.PreviewLiquidation(h.ctx, "ben-1", FileLiquidationInput{
		DisbursementID: d.ID,
		Receipts:       []workflow.Receipt{h.receipt(t, "OR-1", "6000.00", march(3))},
	})
	assert.True(t, errors.Is(err, errors.ErrCodeOverLimit))
}

func TestGateway_UploadReceipt(t *testing.T) {
	h := newHarness(t, Options{})

	pdf := []byte("%PDF-1.4 receipt")
	up, err := h.gw.UploadReceipt(h.ctx, "ben-1", UploadReceiptInput{FileName: "a.pdf", Data: pdf})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", up.ContentType)

	again, err := h.gw.UploadReceipt(h.ctx, "cw-1", UploadReceiptInput{FileName: "b.pdf", ContentType: "application/pdf", Data: pdf})
	require.NoError(t, err)
	assert.Equal(t, up.FileRef, again.FileRef)

	_, err = h.gw.UploadReceipt(h.ctx, "ben-1", UploadReceiptInput{FileName: "a.txt", ContentType: "text/plain", Data: []byte("hello")})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = h.gw.UploadReceipt(h.ctx, "ben-1", UploadReceiptInput{FileName: "big.pdf", ContentType: "application/pdf", Data: make([]byte, MaxReceiptSize+1)})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = h.gw.UploadReceipt(h.ctx, "fin-1", UploadReceiptInput{FileName: "a.pdf", Data: pdf})
	assert.True(t, errors.Is(err, errors.ErrCodeForbidden))
}

func TestGateway_FileRequiresUploadedReceipts(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.received(t)

	_, err := h.gw.FileLiquidation(h.ctx, "ben-1", FileLiquidationInput{
		DisbursementID: d.ID,
		Receipts: []workflow.Receipt{{
			FileRef:       "sha256:0000000000000000000000000000000000000000000000000000000000000000",
			Amount:        ledger.MustAmount("10.00"),
			ReceiptNumber: "OR-1",
			ReceiptDate:   march(4),
		}},
	})
	appErr, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errors.ErrCodeValidation, appErr.Code)
	assert.Equal(t, "receipts[0].file_ref", appErr.Field)
}

func TestGateway_ListPending(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.submit(t)

	pending, err := h.gw.ListPending(h.ctx, "cw-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.GateCaseworker, pending.Gate)
	require.Len(t, pending.AidRequests, 1)

	pending, err = h.gw.ListPending(h.ctx, "cw-2")
	require.NoError(t, err)
	assert.Empty(t, pending.AidRequests, "not assigned to cw-2")

	_, err = h.gw.ReviewAsCaseworker(h.ctx, "cw-1", ReviewInput{ID: req.ID, Decision: "approved"})
	require.NoError(t, err)

	pending, err = h.gw.ListPending(h.ctx, "fin-1")
	require.NoError(t, err)
	require.Len(t, pending.AidRequests, 1)
	assert.Equal(t, req.ID, pending.AidRequests[0].ID)

	pending, err = h.gw.ListPending(h.ctx, "fin-9")
	require.NoError(t, err)
	assert.Empty(t, pending.AidRequests, "outside fac-2 scope")

	mine, err := h.gw.ListAidRequests(h.ctx, "ben-1", ListAidRequestsInput{})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	others, err := h.gw.ListAidRequests(h.ctx, "ben-2", ListAidRequestsInput{})
	require.NoError(t, err)
	assert.Empty(t, others)

	_, err = h.gw.ListAidRequests(h.ctx, "dir-1", ListAidRequestsInput{Status: "bogus"})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestGateway_SubmitValidation(t *testing.T) {
	h := newHarness(t, Options{})

	tests := []struct {
		name  string
		in    SubmitAidRequestInput
		field string
	}{
		{"zero amount", SubmitAidRequestInput{FundType: "medical", Amount: ledger.Zero, Purpose: "x"}, "amount"},
		{"unknown fund", SubmitAidRequestInput{FundType: "travel", Amount: ledger.MustAmount("1"), Purpose: "x"}, "fund_type"},
		{"bad month", SubmitAidRequestInput{FundType: "food", Amount: ledger.MustAmount("1"), Purpose: "x", RequestMonth: 13, RequestYear: 2026}, "request_month"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.gw.SubmitAidRequest(h.ctx, "ben-1", tt.in)
			appErr, ok := errors.As(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, errors.ErrCodeValidation, appErr.Code)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}

	list, err := h.gw.ListAidRequests(h.ctx, "ben-1", ListAidRequestsInput{})
	require.NoError(t, err)
	assert.Empty(t, list, "failed submissions leave no state")

	req, err := h.gw.SubmitAidRequest(h.ctx, "ben-1", SubmitAidRequestInput{
		FundType: "educational", Amount: ledger.MustAmount("1500"), Purpose: "tuition", RequestMonth: 4, RequestYear: 2026,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.Period{Month: time.April, Year: 2026}, req.Period)
}
