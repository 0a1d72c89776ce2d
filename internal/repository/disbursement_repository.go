package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// DisbursementRepository persists disbursements and their four checkpoints.
type DisbursementRepository struct{}

const disbursementColumns = `
	id, aid_request_id, beneficiary_id, facility_id, amount, reference_no,
	finance_disbursed_at, finance_disbursed_by,
	caseworker_received_at, caseworker_received_by,
	caseworker_disbursed_at, caseworker_disbursed_by,
	beneficiary_received_at, beneficiary_received_by,
	version, created_at
`

// Insert creates the disbursement at version 1. The unique aid_request_id
// column turns a second open into ErrDuplicate.
func (r *DisbursementRepository) Insert(ctx context.Context, q querier, d *workflow.Disbursement) error {
	query := `
		INSERT INTO disbursements
		    (id, aid_request_id, beneficiary_id, facility_id, amount, reference_no,
		     status, finance_disbursed_at, finance_disbursed_by, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, 1, $10)
	`

	_, err := q.Exec(ctx, query,
		d.ID,
		d.AidRequestID,
		d.BeneficiaryID,
		d.FacilityID,
		d.Amount,
		d.ReferenceNo,
		string(d.Status()),
		d.FinanceDisbursed.At,
		d.FinanceDisbursed.ActorID,
		d.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create disbursement")
	}
	d.Version = 1
	return nil
}

// GetByID loads a disbursement.
func (r *DisbursementRepository) GetByID(ctx context.Context, q querier, id string) (*workflow.Disbursement, error) {
	return r.getOne(ctx, q, `SELECT `+disbursementColumns+` FROM disbursements WHERE id = $1`, id)
}

// GetByAidRequestID loads the disbursement opened for an aid request.
func (r *DisbursementRepository) GetByAidRequestID(ctx context.Context, q querier, aidRequestID string) (*workflow.Disbursement, error) {
	return r.getOne(ctx, q, `SELECT `+disbursementColumns+` FROM disbursements WHERE aid_request_id = $1`, aidRequestID)
}

func (r *DisbursementRepository) getOne(ctx context.Context, q querier, query, arg string) (*workflow.Disbursement, error) {
	d, err := r.scan(q.QueryRow(ctx, query, arg))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get disbursement")
	}
	return d, nil
}

// UpdateCheckpoints writes every checkpoint column, guarded by the version the
// caller loaded. Checkpoints already set are never cleared.
func (r *DisbursementRepository) UpdateCheckpoints(ctx context.Context, q querier, d *workflow.Disbursement) error {
	query := `
		UPDATE disbursements
		SET status                  = $3,
		    caseworker_received_at  = COALESCE(caseworker_received_at, $4),
		    caseworker_received_by  = COALESCE(caseworker_received_by, $5),
		    caseworker_disbursed_at = COALESCE(caseworker_disbursed_at, $6),
		    caseworker_disbursed_by = COALESCE(caseworker_disbursed_by, $7),
		    beneficiary_received_at = COALESCE(beneficiary_received_at, $8),
		    beneficiary_received_by = COALESCE(beneficiary_received_by, $9),
		    version                 = version + 1,
		    updated_at              = NOW()
		WHERE id = $1 AND version = $2
	`

	cwRecvAt, cwRecvBy := attributionColumns(d.CaseworkerReceived)
	cwDisbAt, cwDisbBy := attributionColumns(d.CaseworkerDisbursed)
	benRecvAt, benRecvBy := attributionColumns(d.BeneficiaryReceived)

	tag, err := q.Exec(ctx, query,
		d.ID, d.Version, string(d.Status()),
		cwRecvAt, cwRecvBy,
		cwDisbAt, cwDisbBy,
		benRecvAt, benRecvBy,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update disbursement")
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r *DisbursementRepository) scan(row rowScanner) (*workflow.Disbursement, error) {
	d := &workflow.Disbursement{}
	var finAt time.Time
	var finBy string
	var cwRecvAt, cwDisbAt, benRecvAt *time.Time
	var cwRecvBy, cwDisbBy, benRecvBy *string

	err := row.Scan(
		&d.ID,
		&d.AidRequestID,
		&d.BeneficiaryID,
		&d.FacilityID,
		&d.Amount,
		&d.ReferenceNo,
		&finAt, &finBy,
		&cwRecvAt, &cwRecvBy,
		&cwDisbAt, &cwDisbBy,
		&benRecvAt, &benRecvBy,
		&d.Version,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.CreatedAt = d.CreatedAt.UTC()
	d.FinanceDisbursed = &ledger.Attribution{ActorID: finBy, At: finAt.UTC()}
	d.CaseworkerReceived = attributionFrom(cwRecvAt, cwRecvBy)
	d.CaseworkerDisbursed = attributionFrom(cwDisbAt, cwDisbBy)
	d.BeneficiaryReceived = attributionFrom(benRecvAt, benRecvBy)
	return d, nil
}

func attributionColumns(a *ledger.Attribution) (*time.Time, *string) {
	if a == nil {
		return nil, nil
	}
	at, by := a.At, a.ActorID
	return &at, &by
}

func attributionFrom(at *time.Time, by *string) *ledger.Attribution {
	if at == nil {
		return nil
	}
	a := &ledger.Attribution{At: at.UTC()}
	if by != nil {
		a.ActorID = *by
	}
	return a
}
