package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-aid-workflow/internal/database"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// PostgresStore is the Store backed by PostgreSQL. Each write runs in one
// transaction covering the entity row, any review or receipt rows, and the
// audit entry.
type PostgresStore struct {
	db            *database.DB
	assignments   *AssignmentRepository
	aidRequests   *AidRequestRepository
	disbursements *DisbursementRepository
	liquidations  *LiquidationRepository
	reviews       *ReviewRepository
	audit         *AuditRepository
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	reviews := &ReviewRepository{}
	return &PostgresStore{
		db:            db,
		assignments:   &AssignmentRepository{},
		aidRequests:   &AidRequestRepository{reviews: reviews},
		disbursements: &DisbursementRepository{},
		liquidations:  &LiquidationRepository{reviews: reviews},
		reviews:       reviews,
		audit:         &AuditRepository{},
	}
}

func (s *PostgresStore) GetAssignment(ctx context.Context, beneficiaryID string) (*Assignment, error) {
	return s.assignments.Get(ctx, s.db, beneficiaryID)
}

func (s *PostgresStore) SaveAssignment(ctx context.Context, a *Assignment) error {
	return s.assignments.Upsert(ctx, s.db, a)
}

func (s *PostgresStore) CreateAidRequest(ctx context.Context, req *workflow.AidRequest, audit *AuditEntry) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.aidRequests.Insert(ctx, tx, req); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
}

// GetAidRequest reads the header and its review rows from one snapshot, so
// the chain always matches the loaded Version.
func (s *PostgresStore) GetAidRequest(ctx context.Context, id string) (req *workflow.AidRequest, err error) {
	err = s.db.InSnapshot(ctx, func(tx pgx.Tx) error {
		req, err = s.aidRequests.GetByID(ctx, tx, id)
		return err
	})
	return req, err
}

func (s *PostgresStore) ListAidRequests(ctx context.Context, filter ListFilter) (out []*workflow.AidRequest, err error) {
	err = s.db.InSnapshot(ctx, func(tx pgx.Tx) error {
		out, err = s.aidRequests.List(ctx, tx, filter)
		return err
	})
	return out, err
}

func (s *PostgresStore) SaveAidRequestReview(ctx context.Context, req *workflow.AidRequest, rec workflow.ReviewRecord, audit *AuditEntry) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.aidRequests.UpdateStatus(ctx, tx, req); err != nil {
			return err
		}
		if err := s.reviews.Insert(ctx, tx, workflow.EntityAidRequest, req.ID, rec); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
	if err == nil {
		req.Version++
	}
	return err
}

func (s *PostgresStore) CreateDisbursement(ctx context.Context, d *workflow.Disbursement, audit *AuditEntry) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.disbursements.Insert(ctx, tx, d); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
}

func (s *PostgresStore) GetDisbursement(ctx context.Context, id string) (*workflow.Disbursement, error) {
	return s.disbursements.GetByID(ctx, s.db, id)
}

func (s *PostgresStore) GetDisbursementByAidRequest(ctx context.Context, aidRequestID string) (*workflow.Disbursement, error) {
	return s.disbursements.GetByAidRequestID(ctx, s.db, aidRequestID)
}

func (s *PostgresStore) UpdateDisbursement(ctx context.Context, d *workflow.Disbursement, audit *AuditEntry) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.disbursements.UpdateCheckpoints(ctx, tx, d); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
	if err == nil {
		d.Version++
	}
	return err
}

func (s *PostgresStore) CreateLiquidation(ctx context.Context, l *workflow.Liquidation, audit *AuditEntry) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.liquidations.Insert(ctx, tx, l); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
}

// GetLiquidation reads the header, receipts and review rows from one snapshot.
func (s *PostgresStore) GetLiquidation(ctx context.Context, id string) (l *workflow.Liquidation, err error) {
	err = s.db.InSnapshot(ctx, func(tx pgx.Tx) error {
		l, err = s.liquidations.GetByID(ctx, tx, id)
		return err
	})
	return l, err
}

func (s *PostgresStore) ListLiquidations(ctx context.Context, filter ListFilter) (out []*workflow.Liquidation, err error) {
	err = s.db.InSnapshot(ctx, func(tx pgx.Tx) error {
		out, err = s.liquidations.List(ctx, tx, filter)
		return err
	})
	return out, err
}

func (s *PostgresStore) SaveLiquidationReview(ctx context.Context, l *workflow.Liquidation, rec workflow.ReviewRecord, audit *AuditEntry) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.liquidations.UpdateStatus(ctx, tx, l); err != nil {
			return err
		}
		if err := s.reviews.Insert(ctx, tx, workflow.EntityLiquidation, l.ID, rec); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
	if err == nil {
		l.Version++
	}
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityType workflow.EntityType, entityID string) ([]*AuditEntry, error) {
	return s.audit.ListByEntity(ctx, s.db, entityType, entityID)
}

func (s *PostgresStore) appendAudit(ctx context.Context, tx pgx.Tx, entry *AuditEntry) error {
	if entry == nil {
		return nil
	}
	return s.audit.Append(ctx, tx, entry)
}
