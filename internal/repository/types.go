package repository

import (
	stderrors "errors"
	"time"

	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// Storage-level failures. The service layer maps them onto application errors.
var (
	ErrNotFound     = stderrors.New("repository: not found")
	ErrStaleVersion = stderrors.New("repository: stale version")
	ErrDuplicate    = stderrors.New("repository: duplicate")
)

// Audit actions.
const (
	ActionSubmitted           = "submitted"
	ActionReviewed            = "reviewed"
	ActionDisbursementOpened  = "disbursement_opened"
	ActionCheckpointConfirmed = "checkpoint_confirmed"
	ActionLiquidationFiled    = "liquidation_filed"
)

// AuditEntry is one immutable record in the workflow audit log. Exactly one is
// written per successful transition, in the same unit of work as the entity.
type AuditEntry struct {
	ID           string              `json:"id"`
	EntityType   workflow.EntityType `json:"entity_type"`
	EntityID     string              `json:"entity_id"`
	Action       string              `json:"action"`
	PerformedBy  string              `json:"performed_by"`
	PerformedAt  time.Time           `json:"performed_at"`
	StatusBefore *string             `json:"status_before,omitempty"`
	StatusAfter  *string             `json:"status_after,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"` // arbitrary JSON context
}

// Assignment links a beneficiary to the caseworker responsible for them.
type Assignment struct {
	BeneficiaryID string
	CaseworkerID  string
	FacilityID    string
	AssignedAt    time.Time
}

// ListFilter narrows list queries. Zero values match everything.
type ListFilter struct {
	FacilityIDs    []string
	BeneficiaryID  string
	CaseworkerID   string
	DisbursementID string // liquidations only
	Statuses       []workflow.ApprovalStatus
	Limit          int
	Offset         int
}

func (f ListFilter) matches(facilityID, beneficiaryID, caseworkerID string, status workflow.ApprovalStatus) bool {
	if len(f.FacilityIDs) > 0 && !contains(f.FacilityIDs, facilityID) {
		return false
	}
	if f.BeneficiaryID != "" && f.BeneficiaryID != beneficiaryID {
		return false
	}
	if f.CaseworkerID != "" && f.CaseworkerID != caseworkerID {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, status) {
		return false
	}
	return true
}

func contains[T comparable](values []T, v T) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StatusPtr is a convenience for AuditEntry status fields.
func StatusPtr[S ~string](s S) *string {
	return strPtr(string(s))
}
