package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// MemoryStore is an in-memory Store. Entities are cloned on the way in and on
// the way out so callers never share state with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	assignments   map[string]*Assignment
	aidRequests   map[string]*workflow.AidRequest
	disbursements map[string]*workflow.Disbursement
	liquidations  map[string]*workflow.Liquidation
	audit         []*AuditEntry
	now           func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments:   make(map[string]*Assignment),
		aidRequests:   make(map[string]*workflow.AidRequest),
		disbursements: make(map[string]*workflow.Disbursement),
		liquidations:  make(map[string]*workflow.Liquidation),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetAssignment(_ context.Context, beneficiaryID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[beneficiaryID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) SaveAssignment(_ context.Context, a *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *a
	if stored.AssignedAt.IsZero() {
		stored.AssignedAt = s.now()
	}
	s.assignments[a.BeneficiaryID] = &stored
	return nil
}

func (s *MemoryStore) CreateAidRequest(_ context.Context, req *workflow.AidRequest, audit *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aidRequests[req.ID]; ok {
		return ErrDuplicate
	}
	req.Version = 1
	s.aidRequests[req.ID] = req.Clone()
	s.appendAudit(audit)
	return nil
}

func (s *MemoryStore) GetAidRequest(_ context.Context, id string) (*workflow.AidRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.aidRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) ListAidRequests(_ context.Context, filter ListFilter) ([]*workflow.AidRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.AidRequest
	for _, req := range s.aidRequests {
		if filter.matches(req.FacilityID, req.BeneficiaryID, req.CaseworkerID, req.Status()) {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter), nil
}

func (s *MemoryStore) SaveAidRequestReview(_ context.Context, req *workflow.AidRequest, rec workflow.ReviewRecord, audit *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.aidRequests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != req.Version {
		return ErrStaleVersion
	}
	if err := checkNewestReview(req.ApprovalChain, current.ApprovalChain, rec); err != nil {
		return err
	}
	req.Version++
	s.aidRequests[req.ID] = req.Clone()
	s.appendAudit(audit)
	return nil
}

func (s *MemoryStore) CreateDisbursement(_ context.Context, d *workflow.Disbursement, audit *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disbursements[d.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.disbursements {
		if existing.AidRequestID == d.AidRequestID {
			return ErrDuplicate
		}
	}
	d.Version = 1
	s.disbursements[d.ID] = d.Clone()
	s.appendAudit(audit)
	return nil
}

func (s *MemoryStore) GetDisbursement(_ context.Context, id string) (*workflow.Disbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disbursements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) GetDisbursementByAidRequest(_ context.Context, aidRequestID string) (*workflow.Disbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disbursements {
		if d.AidRequestID == aidRequestID {
			return d.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateDisbursement(_ context.Context, d *workflow.Disbursement, audit *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.disbursements[d.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != d.Version {
		return ErrStaleVersion
	}
	d.Version++
	s.disbursements[d.ID] = d.Clone()
	s.appendAudit(audit)
	return nil
}

func (s *MemoryStore) CreateLiquidation(_ context.Context, l *workflow.Liquidation, audit *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liquidations[l.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.liquidations {
		if existing.DisbursementID == l.DisbursementID && existing.Status() != workflow.StatusRejected {
			return ErrDuplicate
		}
	}
	l.Version = 1
	s.liquidations[l.ID] = l.Clone()
	s.appendAudit(audit)
	return nil
}

func (s *MemoryStore) GetLiquidation(_ context.Context, id string) (*workflow.Liquidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.liquidations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (s *MemoryStore) ListLiquidations(_ context.Context, filter ListFilter) ([]*workflow.Liquidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Liquidation
	for _, l := range s.liquidations {
		if filter.DisbursementID != "" && filter.DisbursementID != l.DisbursementID {
			continue
		}
		if filter.matches(l.FacilityID, l.BeneficiaryID, l.CaseworkerID, l.Status()) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter), nil
}

func (s *MemoryStore) SaveLiquidationReview(_ context.Context, l *workflow.Liquidation, rec workflow.ReviewRecord, audit *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liquidations[l.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != l.Version {
		return ErrStaleVersion
	}
	if err := checkNewestReview(l.ApprovalChain, current.ApprovalChain, rec); err != nil {
		return err
	}
	l.Version++
	s.liquidations[l.ID] = l.Clone()
	s.appendAudit(audit)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, entityType workflow.EntityType, entityID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuditEntry
	for _, e := range s.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, copyAudit(e))
		}
	}
	return out, nil
}

// appendAudit must be called with the write lock held.
func (s *MemoryStore) appendAudit(entry *AuditEntry) {
	if entry == nil {
		return
	}
	entry.ID = uuid.NewString()
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = s.now()
	}
	s.audit = append(s.audit, copyAudit(entry))
}

func copyAudit(e *AuditEntry) *AuditEntry {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// checkNewestReview verifies that next is stored plus exactly rec.
func checkNewestReview(next, stored workflow.ApprovalChain, rec workflow.ReviewRecord) error {
	reviews := next.Reviews()
	if len(reviews) != len(stored.Reviews())+1 || reviews[len(reviews)-1] != rec {
		return fmt.Errorf("review at %s gate is not the newest review", rec.Gate)
	}
	return nil
}

func page[T any](items []T, filter ListFilter) []T {
	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return nil
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(items) {
		items = items[:filter.Limit]
	}
	return items
}
