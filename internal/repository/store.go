package repository

import (
	"context"

	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// Store persists workflow entities. Every write method is one atomic unit: the
// entity change and its audit entry either both land or neither does. Update
// methods compare the entity's Version against the stored version, fail with
// ErrStaleVersion on mismatch, and increment Version on success.
type Store interface {
	GetAssignment(ctx context.Context, beneficiaryID string) (*Assignment, error)
	SaveAssignment(ctx context.Context, a *Assignment) error

	CreateAidRequest(ctx context.Context, req *workflow.AidRequest, audit *AuditEntry) error
	GetAidRequest(ctx context.Context, id string) (*workflow.AidRequest, error)
	ListAidRequests(ctx context.Context, filter ListFilter) ([]*workflow.AidRequest, error)
	// SaveAidRequestReview persists rec, which must be the newest review on req.
	SaveAidRequestReview(ctx context.Context, req *workflow.AidRequest, rec workflow.ReviewRecord, audit *AuditEntry) error

	// CreateDisbursement fails with ErrDuplicate when the aid request already
	// has a disbursement.
	CreateDisbursement(ctx context.Context, d *workflow.Disbursement, audit *AuditEntry) error
	GetDisbursement(ctx context.Context, id string) (*workflow.Disbursement, error)
	GetDisbursementByAidRequest(ctx context.Context, aidRequestID string) (*workflow.Disbursement, error)
	UpdateDisbursement(ctx context.Context, d *workflow.Disbursement, audit *AuditEntry) error

	// CreateLiquidation fails with ErrDuplicate when the disbursement already
	// has a liquidation that is not rejected.
	CreateLiquidation(ctx context.Context, l *workflow.Liquidation, audit *AuditEntry) error
	GetLiquidation(ctx context.Context, id string) (*workflow.Liquidation, error)
	ListLiquidations(ctx context.Context, filter ListFilter) ([]*workflow.Liquidation, error)
	SaveLiquidationReview(ctx context.Context, l *workflow.Liquidation, rec workflow.ReviewRecord, audit *AuditEntry) error

	ListAudit(ctx context.Context, entityType workflow.EntityType, entityID string) ([]*AuditEntry, error)
}
