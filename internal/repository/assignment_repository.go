package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
)

// AssignmentRepository maps beneficiaries to their caseworkers.
type AssignmentRepository struct{}

// Get returns the current assignment for a beneficiary.
func (r *AssignmentRepository) Get(ctx context.Context, q querier, beneficiaryID string) (*Assignment, error) {
	query := `
		SELECT beneficiary_id, caseworker_id, facility_id, assigned_at
		FROM caseworker_assignments
		WHERE beneficiary_id = $1
	`

	a := &Assignment{}
	err := q.QueryRow(ctx, query, beneficiaryID).Scan(&a.BeneficiaryID, &a.CaseworkerID, &a.FacilityID, &a.AssignedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get caseworker assignment")
	}
	return a, nil
}

// Upsert sets or replaces a beneficiary's assignment. Requests already
// submitted keep the caseworker they were submitted with.
func (r *AssignmentRepository) Upsert(ctx context.Context, q querier, a *Assignment) error {
	query := `
		INSERT INTO caseworker_assignments (beneficiary_id, caseworker_id, facility_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (beneficiary_id) DO UPDATE
		SET caseworker_id = EXCLUDED.caseworker_id,
		    facility_id   = EXCLUDED.facility_id,
		    assigned_at   = NOW()
		RETURNING assigned_at
	`

	if err := q.QueryRow(ctx, query, a.BeneficiaryID, a.CaseworkerID, a.FacilityID).Scan(&a.AssignedAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save caseworker assignment")
	}
	return nil
}
