package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

var baseTime = time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)

// fixture builds entities with ids unique to one test run so the suite can
// share a database with other runs.
type fixture struct {
	t      *testing.T
	prefix string
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, prefix: uuid.NewString()[:8]}
}

func (f *fixture) id(name string) string {
	return f.prefix + "-" + name
}

func (f *fixture) aidRequest(name string) *workflow.AidRequest {
	f.t.Helper()
	req, err := workflow.NewAidRequest(workflow.SubmitAidRequest{
		ID:            f.id(name),
		BeneficiaryID: f.id("ben"),
		FacilityID:    f.id("fac"),
		CaseworkerID:  f.id("cw"),
		FundType:      "livelihood",
		Amount:        ledger.MustAmount("2500.00"),
		Purpose:       "sewing machine",
	}, baseTime)
	require.NoError(f.t, err)
	return req
}

func (f *fixture) review(c *workflow.ApprovalChain, g workflow.Gate, d workflow.Decision) workflow.ReviewRecord {
	f.t.Helper()
	rec, err := c.Review(g, f.id(string(g)), g.Role(), d, "", baseTime.Add(time.Hour))
	require.NoError(f.t, err)
	return rec
}

func audit(entityType workflow.EntityType, id, action string) *AuditEntry {
	return &AuditEntry{EntityType: entityType, EntityID: id, Action: action, PerformedBy: "tester", Metadata: map[string]any{"k": "v"}}
}

// approvedRequest stores a request and walks it through all three gates.
func (f *fixture) approvedRequest(ctx context.Context, s Store, name string) *workflow.AidRequest {
	f.t.Helper()
	req := f.aidRequest(name)
	require.NoError(f.t, s.CreateAidRequest(ctx, req, audit(workflow.EntityAidRequest, req.ID, ActionSubmitted)))
	for _, g := range workflow.Gates {
		rec := f.review(&req.ApprovalChain, g, workflow.DecisionApproved)
		require.NoError(f.t, s.SaveAidRequestReview(ctx, req, rec, audit(workflow.EntityAidRequest, req.ID, ActionReviewed)))
	}
	return req
}

func (f *fixture) receivedDisbursement(ctx context.Context, s Store, req *workflow.AidRequest) *workflow.Disbursement {
	f.t.Helper()
	d, err := workflow.OpenDisbursement(f.id("disb-"+req.ID), req, req.Amount, "REF-1", f.id("fin"), baseTime.Add(2*time.Hour))
	require.NoError(f.t, err)
	require.NoError(f.t, s.CreateDisbursement(ctx, d, nil))
	for _, cp := range []workflow.Checkpoint{workflow.CheckpointCaseworkerDisbursed, workflow.CheckpointBeneficiaryReceived} {
		_, err := d.Confirm(cp, f.id("actor"), baseTime.Add(3*time.Hour), workflow.ModePermissive)
		require.NoError(f.t, err)
		require.NoError(f.t, s.UpdateDisbursement(ctx, d, nil))
	}
	return d
}

func (f *fixture) liquidation(name string, d *workflow.Disbursement, req *workflow.AidRequest, prior []*workflow.Liquidation) *workflow.Liquidation {
	f.t.Helper()
	l, err := workflow.NewLiquidation(workflow.FileLiquidation{
		ID:      f.id(name),
		FiledBy: req.BeneficiaryID,
		Receipts: []workflow.Receipt{
			{FileRef: "r/1.pdf", Amount: ledger.MustAmount("1000.00"), ReceiptNumber: "A-1", ReceiptDate: time.Date(2026, time.May, 2, 0, 0, 0, 0, time.UTC), Description: "fabric"},
			{FileRef: "r/2.pdf", Amount: ledger.MustAmount("1499.50"), ReceiptNumber: "A-2", ReceiptDate: time.Date(2026, time.May, 20, 0, 0, 0, 0, time.UTC)},
		},
	}, d, req, prior, baseTime.Add(4*time.Hour))
	require.NoError(f.t, err)
	return l
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("assignments", func(t *testing.T) {
		s, f := newStore(t), newFixture(t)

		_, err := s.GetAssignment(ctx, f.id("nobody"))
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SaveAssignment(ctx, &Assignment{BeneficiaryID: f.id("ben"), CaseworkerID: f.id("cw-1"), FacilityID: f.id("fac")}))
		require.NoError(t, s.SaveAssignment(ctx, &Assignment{BeneficiaryID: f.id("ben"), CaseworkerID: f.id("cw-2"), FacilityID: f.id("fac")}))

		a, err := s.GetAssignment(ctx, f.id("ben"))
		require.NoError(t, err)
		assert.Equal(t, f.id("cw-2"), a.CaseworkerID)
		assert.False(t, a.AssignedAt.IsZero())
	})

	t.Run("aid request lifecycle", func(t *testing.T) {
		s, f := newStore(t), newFixture(t)
		req := f.aidRequest("req")

		require.NoError(t, s.CreateAidRequest(ctx, req, audit(workflow.EntityAidRequest, req.ID, ActionSubmitted)))
		assert.Equal(t, int64(1), req.Version)
		assert.ErrorIs(t, s.CreateAidRequest(ctx, f.aidRequest("req"), nil), ErrDuplicate)

		loaded, err := s.GetAidRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusPendingCaseworker, loaded.Status())
		assert.Equal(t, "2500.00", loaded.Amount.String())
		assert.Equal(t, ledger.Period{Month: time.May, Year: 2026}, loaded.Period)

		rec := f.review(&loaded.ApprovalChain, workflow.GateCaseworker, workflow.DecisionApproved)
		require.NoError(t, s.SaveAidRequestReview(ctx, loaded, rec, audit(workflow.EntityAidRequest, req.ID, ActionReviewed)))
		assert.Equal(t, int64(2), loaded.Version)

		reloaded, err := s.GetAidRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusPendingFinance, reloaded.Status())
		assert.Equal(t, int64(2), reloaded.Version)
		require.NotNil(t, reloaded.Slot(workflow.GateCaseworker))
		assert.Equal(t, f.id("caseworker"), reloaded.Slot(workflow.GateCaseworker).ReviewerID)

		entries, err := s.ListAudit(ctx, workflow.EntityAidRequest, req.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ActionSubmitted, entries[0].Action)
		assert.Equal(t, ActionReviewed, entries[1].Action)
		assert.Equal(t, "v", entries[1].Metadata["k"])
		assert.NotEmpty(t, entries[1].ID)

		_, err = s.GetAidRequest(ctx, f.id("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stale review loses", func(t *testing.T) {
		s, f := newStore(t), newFixture(t)
		req := f.aidRequest("req")
		require.NoError(t, s.CreateAidRequest(ctx, req, nil))

		first, err := s.GetAidRequest(ctx, req.ID)
		require.NoError(t, err)
		second, err := s.GetAidRequest(ctx, req.ID)
		require.NoError(t, err)

		rec := f.review(&first.ApprovalChain, workflow.GateCaseworker, workflow.DecisionApproved)
		require.NoError(t, s.SaveAidRequestReview(ctx, first, rec, nil))

		rec = f.review(&second.ApprovalChain, workflow.GateCaseworker, workflow.DecisionRejected)
		assert.ErrorIs(t, s.SaveAidRequestReview(ctx, second, rec, audit(workflow.EntityAidRequest, req.ID, ActionReviewed)), ErrStaleVersion)

		stored, err := s.GetAidRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusPendingFinance, stored.Status())

		entries, err := s.ListAudit(ctx, workflow.EntityAidRequest, req.ID)
		require.NoError(t, err)
		assert.Empty(t, entries, "losing write leaves no audit entry")
	})

	t.Run("list aid requests", func(t *testing.T) {
		s, f := newStore(t), newFixture(t)
		pending := f.aidRequest("pending")
		require.NoError(t, s.CreateAidRequest(ctx, pending, nil))
		approved := f.approvedRequest(ctx, s, "approved")

		got, err := s.ListAidRequests(ctx, ListFilter{FacilityIDs: []string{f.id("fac")}, Statuses: []workflow.ApprovalStatus{workflow.StatusPendingCaseworker}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, pending.ID, got[0].ID)

		got, err = s.ListAidRequests(ctx, ListFilter{BeneficiaryID: f.id("ben")})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.ListAidRequests(ctx, ListFilter{BeneficiaryID: f.id("ben"), Statuses: []workflow.ApprovalStatus{workflow.StatusApproved}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, approved.ID, got[0].ID)
		assert.Len(t, got[0].Reviews(), 3)

		got, err = s.ListAidRequests(ctx, ListFilter{FacilityIDs: []string{f.id("elsewhere")}})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("disbursement", func(t *testing.T) {
		s, f := newStore(t), newFixture(t)
		req := f.approvedRequest(ctx, s, "req")

		d, err := workflow.OpenDisbursement(f.id("disb"), req, req.Amount, "REF-9", f.id("fin"), baseTime)
		require.NoError(t, err)
		require.NoError(t, s.CreateDisbursement(ctx, d, audit(workflow.EntityDisbursement, d.ID, ActionDisbursementOpened)))

		again, err := workflow.OpenDisbursement(f.id("disb-2"), req, req.Amount, "", f.id("fin"), baseTime)
		require.NoError(t, err)
		assert.ErrorIs(t, s.CreateDisbursement(ctx, again, nil), ErrDuplicate)

		stale := d.Clone()
		_, err = d.Confirm(workflow.CheckpointCaseworkerReceived, f.id("cw"), baseTime.Add(time.Hour), workflow.ModeStrict)
		require.NoError(t, err)
		require.NoError(t, s.UpdateDisbursement(ctx, d, audit(workflow.EntityDisbursement, d.ID, ActionCheckpointConfirmed)))

		_, err = stale.Confirm(workflow.CheckpointCaseworkerReceived, f.id("cw-other"), baseTime.Add(time.Hour), workflow.ModeStrict)
		require.NoError(t, err)
		assert.ErrorIs(t, s.UpdateDisbursement(ctx, stale, nil), ErrStaleVersion)

		loaded, err := s.GetDisbursementByAidRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, d.ID, loaded.ID)
		assert.Equal(t, workflow.CheckpointCaseworkerReceived, loaded.Status())
		assert.Equal(t, f.id("cw"), loaded.CaseworkerReceived.ActorID)
		assert.Equal(t, "REF-9", loaded.ReferenceNo)
		assert.Equal(t, int64(2), loaded.Version)

		_, err = s.GetDisbursement(ctx, f.id("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("liquidation", func(t *testing.T) {
		s, f := newStore(t), newFixture(t)
		req := f.approvedRequest(ctx, s, "req")
		d := f.receivedDisbursement(ctx, s, req)

		first := f.liquidation("liq-1", d, req, nil)
		require.NoError(t, s.CreateLiquidation(ctx, first, audit(workflow.EntityLiquidation, first.ID, ActionLiquidationFiled)))

		blocked := f.liquidation("liq-2", d, req, nil)
		assert.ErrorIs(t, s.CreateLiquidation(ctx, blocked, nil), ErrDuplicate)

		loaded, err := s.GetLiquidation(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, loaded.Receipts, 2)
		assert.Equal(t, "A-2", loaded.Receipts[1].ReceiptNumber)
		assert.Equal(t, "2499.50", loaded.Total().String())
		assert.Equal(t, 20, loaded.Receipts[1].ReceiptDate.Day())

		rec := f.review(&loaded.ApprovalChain, workflow.GateCaseworker, workflow.DecisionRejected)
		require.NoError(t, s.SaveLiquidationReview(ctx, loaded, rec, nil))

		retry := f.liquidation("liq-3", d, req, []*workflow.Liquidation{loaded})
		require.NoError(t, s.CreateLiquidation(ctx, retry, nil))

		all, err := s.ListLiquidations(ctx, ListFilter{DisbursementID: d.ID})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		pending, err := s.ListLiquidations(ctx, ListFilter{FacilityIDs: []string{f.id("fac")}, Statuses: []workflow.ApprovalStatus{workflow.StatusPendingCaseworker}})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, retry.ID, pending[0].ID)
	})
}
