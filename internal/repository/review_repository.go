package repository

import (
	"context"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// ReviewRepository stores the append-only review records behind every
// approval chain. (entity_type, entity_id, gate) is unique, so two reviewers
// racing for the same gate cannot both land.
type ReviewRepository struct{}

// Insert appends one review. A unique violation means the gate was already
// decided and is reported as ErrStaleVersion.
func (r *ReviewRepository) Insert(ctx context.Context, q querier, entityType workflow.EntityType, entityID string, rec workflow.ReviewRecord) error {
	query := `
		INSERT INTO review_records
		    (entity_type, entity_id, gate, position,
		     reviewer_id, role, decision, notes, reviewed_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9)
	`

	_, err := q.Exec(ctx, query,
		string(entityType),
		entityID,
		string(rec.Gate),
		rec.Gate.Index(),
		rec.ReviewerID,
		string(rec.Role),
		string(rec.Decision),
		rec.Notes,
		rec.ReviewedAt,
	)
	if isUniqueViolation(err) {
		return ErrStaleVersion
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert review record")
	}
	return nil
}

// Chain loads and validates the approval chain of an entity.
func (r *ReviewRepository) Chain(ctx context.Context, q querier, entityType workflow.EntityType, entityID string) (workflow.ApprovalChain, error) {
	query := `
		SELECT gate, reviewer_id, role, decision, notes, reviewed_at
		FROM review_records
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY position ASC
	`

	rows, err := q.Query(ctx, query, string(entityType), entityID)
	if err != nil {
		return workflow.ApprovalChain{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to get review records")
	}
	defer rows.Close()

	var records []workflow.ReviewRecord
	for rows.Next() {
		var rec workflow.ReviewRecord
		var gate, role, decision string
		if err := rows.Scan(&gate, &rec.ReviewerID, &role, &decision, &rec.Notes, &rec.ReviewedAt); err != nil {
			return workflow.ApprovalChain{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan review record")
		}
		rec.Gate = workflow.Gate(gate)
		rec.Role = workflow.Role(role)
		rec.Decision = workflow.Decision(decision)
		rec.ReviewedAt = rec.ReviewedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return workflow.ApprovalChain{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to read review records")
	}

	chain, err := workflow.RestoreChain(records)
	if err != nil {
		return workflow.ApprovalChain{}, errors.Wrap(err, errors.ErrCodeInternal, "corrupt approval chain for "+entityID)
	}
	return chain, nil
}
