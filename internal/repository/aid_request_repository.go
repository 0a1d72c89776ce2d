package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// AidRequestRepository persists aid request headers. Review slots live in
// review_records and are attached on load.
type AidRequestRepository struct {
	reviews *ReviewRepository
}

const aidRequestColumns = `
	id, beneficiary_id, facility_id, caseworker_id,
	fund_type, amount, purpose, request_month, request_year,
	version, created_at
`

// Insert creates the request row at version 1.
func (r *AidRequestRepository) Insert(ctx context.Context, q querier, req *workflow.AidRequest) error {
	query := `
		INSERT INTO aid_requests
		    (id, beneficiary_id, facility_id, caseworker_id,
		     fund_type, amount, purpose, request_month, request_year,
		     status, version, created_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9,
		        $10, 1, $11)
	`

	_, err := q.Exec(ctx, query,
		req.ID,
		req.BeneficiaryID,
		req.FacilityID,
		req.CaseworkerID,
		string(req.FundType),
		req.Amount,
		req.Purpose,
		int(req.Period.Month),
		req.Period.Year,
		string(req.Status()),
		req.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create aid request")
	}
	req.Version = 1
	return nil
}

// GetByID loads a request and its approval chain.
func (r *AidRequestRepository) GetByID(ctx context.Context, q querier, id string) (*workflow.AidRequest, error) {
	query := `SELECT ` + aidRequestColumns + ` FROM aid_requests WHERE id = $1`

	req, err := r.scan(q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get aid request")
	}
	if req.ApprovalChain, err = r.reviews.Chain(ctx, q, workflow.EntityAidRequest, id); err != nil {
		return nil, err
	}
	return req, nil
}

// List returns requests matching filter, newest first.
func (r *AidRequestRepository) List(ctx context.Context, q querier, filter ListFilter) ([]*workflow.AidRequest, error) {
	filter.DisbursementID = ""
	query, args := filterQuery(`SELECT `+aidRequestColumns+` FROM aid_requests`, nil, filter)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list aid requests")
	}
	var out []*workflow.AidRequest
	for rows.Next() {
		req, err := r.scan(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan aid request")
		}
		out = append(out, req)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list aid requests")
	}

	for _, req := range out {
		if req.ApprovalChain, err = r.reviews.Chain(ctx, q, workflow.EntityAidRequest, req.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateStatus bumps the version and stores the derived status, guarded by the
// version the caller loaded.
func (r *AidRequestRepository) UpdateStatus(ctx context.Context, q querier, req *workflow.AidRequest) error {
	query := `
		UPDATE aid_requests
		SET status            = $3,
		    rejected_at_level = $4,
		    version           = version + 1,
		    updated_at        = NOW()
		WHERE id = $1 AND version = $2
	`

	tag, err := q.Exec(ctx, query, req.ID, req.Version, string(req.Status()), strPtr(string(req.RejectedAtLevel())))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update aid request")
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r *AidRequestRepository) scan(row rowScanner) (*workflow.AidRequest, error) {
	req := &workflow.AidRequest{}
	var fundType string
	var month int
	err := row.Scan(
		&req.ID,
		&req.BeneficiaryID,
		&req.FacilityID,
		&req.CaseworkerID,
		&fundType,
		&req.Amount,
		&req.Purpose,
		&month,
		&req.Period.Year,
		&req.Version,
		&req.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.FundType = workflow.FundType(fundType)
	req.Period.Month = time.Month(month)
	req.CreatedAt = req.CreatedAt.UTC()
	return req, nil
}

