package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// LiquidationRepository persists liquidations and their receipts.
type LiquidationRepository struct {
	reviews *ReviewRepository
}

const liquidationColumns = `
	id, disbursement_id, aid_request_id, beneficiary_id, facility_id,
	caseworker_id, filed_by, version, created_at
`

// Insert creates the liquidation and its receipts. The partial unique index on
// open liquidations turns a concurrent second filing into ErrDuplicate.
func (r *LiquidationRepository) Insert(ctx context.Context, q querier, l *workflow.Liquidation) error {
	query := `
		INSERT INTO liquidations
		    (id, disbursement_id, aid_request_id, beneficiary_id, facility_id,
		     caseworker_id, filed_by, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, 1, $9)
	`

	_, err := q.Exec(ctx, query,
		l.ID,
		l.DisbursementID,
		l.AidRequestID,
		l.BeneficiaryID,
		l.FacilityID,
		l.CaseworkerID,
		l.FiledBy,
		string(l.Status()),
		l.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create liquidation")
	}

	receiptQuery := `
		INSERT INTO liquidation_receipts
		    (liquidation_id, position, file_ref, amount,
		     receipt_number, receipt_date, description)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
	`

	for i, rc := range l.Receipts {
		_, err := q.Exec(ctx, receiptQuery,
			l.ID,
			i,
			rc.FileRef,
			rc.Amount,
			rc.ReceiptNumber,
			rc.ReceiptDate,
			rc.Description,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create liquidation receipt")
		}
	}

	l.Version = 1
	return nil
}

// GetByID loads a liquidation with its receipts and approval chain.
func (r *LiquidationRepository) GetByID(ctx context.Context, q querier, id string) (*workflow.Liquidation, error) {
	query := `SELECT ` + liquidationColumns + ` FROM liquidations WHERE id = $1`

	l, err := r.scan(q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get liquidation")
	}
	if err := r.attach(ctx, q, l); err != nil {
		return nil, err
	}
	return l, nil
}

// List returns liquidations matching filter, newest first.
func (r *LiquidationRepository) List(ctx context.Context, q querier, filter ListFilter) ([]*workflow.Liquidation, error) {
	query, args := filterQuery(`SELECT `+liquidationColumns+` FROM liquidations`, nil, filter)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list liquidations")
	}
	var out []*workflow.Liquidation
	for rows.Next() {
		l, err := r.scan(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan liquidation")
		}
		out = append(out, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list liquidations")
	}

	for _, l := range out {
		if err := r.attach(ctx, q, l); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateStatus bumps the version and stores the derived status, guarded by the
// version the caller loaded.
func (r *LiquidationRepository) UpdateStatus(ctx context.Context, q querier, l *workflow.Liquidation) error {
	query := `
		UPDATE liquidations
		SET status            = $3,
		    rejected_at_level = $4,
		    version           = version + 1,
		    updated_at        = NOW()
		WHERE id = $1 AND version = $2
	`

	tag, err := q.Exec(ctx, query, l.ID, l.Version, string(l.Status()), strPtr(string(l.RejectedAtLevel())))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update liquidation")
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r *LiquidationRepository) attach(ctx context.Context, q querier, l *workflow.Liquidation) error {
	receipts, err := r.receipts(ctx, q, l.ID)
	if err != nil {
		return err
	}
	l.Receipts = receipts
	l.ApprovalChain, err = r.reviews.Chain(ctx, q, workflow.EntityLiquidation, l.ID)
	return err
}

func (r *LiquidationRepository) receipts(ctx context.Context, q querier, liquidationID string) ([]workflow.Receipt, error) {
	query := `
		SELECT file_ref, amount, receipt_number, receipt_date, description
		FROM liquidation_receipts
		WHERE liquidation_id = $1
		ORDER BY position ASC
	`

	rows, err := q.Query(ctx, query, liquidationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get liquidation receipts")
	}
	defer rows.Close()

	receipts := make([]workflow.Receipt, 0)
	for rows.Next() {
		var rc workflow.Receipt
		if err := rows.Scan(&rc.FileRef, &rc.Amount, &rc.ReceiptNumber, &rc.ReceiptDate, &rc.Description); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan liquidation receipt")
		}
		receipts = append(receipts, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read liquidation receipts")
	}
	return receipts, nil
}

func (r *LiquidationRepository) scan(row rowScanner) (*workflow.Liquidation, error) {
	l := &workflow.Liquidation{}
	err := row.Scan(
		&l.ID,
		&l.DisbursementID,
		&l.AidRequestID,
		&l.BeneficiaryID,
		&l.FacilityID,
		&l.CaseworkerID,
		&l.FiledBy,
		&l.Version,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}
