package repository

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-aid-workflow/internal/database"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("AID_WORKFLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("AID_WORKFLOW_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := database.NewFromURL(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, Migrate(ctx, db))
	return db
}

// TestPostgresStore runs the store contract against a real database. Set
// AID_WORKFLOW_TEST_DATABASE_URL to enable it.
func TestPostgresStore(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(context.Background(), db), "schema must be re-applicable")

	store := NewPostgresStore(db)
	runStoreContract(t, func(t *testing.T) Store { return store })
}

// A review committed while a snapshot is open must not leak into a second
// read inside it: the header Version and review rows stay in step.
func TestPostgresStore_ReadsAreSnapshotConsistent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := NewPostgresStore(db)
	f := newFixture(t)

	req := f.aidRequest("snapshot")
	require.NoError(t, store.CreateAidRequest(ctx, req, audit(workflow.EntityAidRequest, req.ID, ActionSubmitted)))

	err := db.InSnapshot(ctx, func(tx pgx.Tx) error {
		before, err := store.aidRequests.GetByID(ctx, tx, req.ID)
		require.NoError(t, err)

		rec := f.review(&req.ApprovalChain, workflow.GateCaseworker, workflow.DecisionApproved)
		require.NoError(t, store.SaveAidRequestReview(ctx, req, rec, audit(workflow.EntityAidRequest, req.ID, ActionReviewed)))

		after, err := store.aidRequests.GetByID(ctx, tx, req.ID)
		require.NoError(t, err)
		require.Equal(t, before.Version, after.Version)
		require.Len(t, after.Reviews(), len(before.Reviews()))
		return nil
	})
	require.NoError(t, err)

	got, err := store.GetAidRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, req.Version, got.Version)
	require.Len(t, got.Reviews(), 1)
}

func TestFilterQuery(t *testing.T) {
	query, args := filterQuery("SELECT id FROM liquidations", nil, ListFilter{
		FacilityIDs:    []string{"f1", "f2"},
		DisbursementID: "d1",
		Limit:          10,
	})

	require.Equal(t, "SELECT id FROM liquidations WHERE facility_id = ANY($1) AND disbursement_id = $2 ORDER BY created_at DESC, id LIMIT $3", query)
	require.Equal(t, []any{[]string{"f1", "f2"}, "d1", 10}, args)
}
