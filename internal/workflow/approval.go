package workflow

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
)

// ApprovalStatus is the derived state of a three-gate approval chain.
type ApprovalStatus string

const (
	StatusPendingCaseworker ApprovalStatus = "pending_caseworker"
	StatusPendingFinance    ApprovalStatus = "pending_finance"
	StatusPendingDirector   ApprovalStatus = "pending_director"
	StatusApproved          ApprovalStatus = "approved"
	StatusRejected          ApprovalStatus = "rejected"
)

// PendingGate returns the gate the chain is waiting on, or "" when terminal.
func (s ApprovalStatus) PendingGate() Gate {
	switch s {
	case StatusPendingCaseworker:
		return GateCaseworker
	case StatusPendingFinance:
		return GateFinance
	case StatusPendingDirector:
		return GateDirector
	}
	return ""
}

// IsTerminal reports whether no further review is possible.
func (s ApprovalStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ParseApprovalStatus validates a status name.
func ParseApprovalStatus(s string) (ApprovalStatus, error) {
	switch st := ApprovalStatus(s); st {
	case StatusPendingCaseworker, StatusPendingFinance, StatusPendingDirector, StatusApproved, StatusRejected:
		return st, nil
	}
	return "", errors.InvalidInput("status", "unknown approval status '"+s+"'")
}

// PendingStatusFor is the status in which the chain waits on gate g.
func PendingStatusFor(g Gate) ApprovalStatus {
	switch g {
	case GateCaseworker:
		return StatusPendingCaseworker
	case GateFinance:
		return StatusPendingFinance
	case GateDirector:
		return StatusPendingDirector
	}
	return ""
}

// ReviewRecord is one immutable gate decision.
type ReviewRecord struct {
	Gate       Gate      `json:"gate"`
	ReviewerID string    `json:"reviewer_id"`
	Role       Role      `json:"role"`
	Decision   Decision  `json:"decision"`
	Notes      string    `json:"notes,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// ApprovalChain is the three-gate approval shared by aid requests and
// liquidations. Reviews are append-only and position i always belongs to
// Gates[i], so a later slot cannot exist without every earlier one.
type ApprovalChain struct {
	reviews []ReviewRecord
}

// RestoreChain rebuilds a chain from persisted records, rejecting any sequence
// the chain itself could not have produced.
func RestoreChain(records []ReviewRecord) (ApprovalChain, error) {
	if len(records) > len(Gates) {
		return ApprovalChain{}, fmt.Errorf("approval chain has %d reviews, at most %d allowed", len(records), len(Gates))
	}
	for i, rec := range records {
		if rec.Gate != Gates[i] {
			return ApprovalChain{}, fmt.Errorf("review %d is for gate %q, expected %q", i, rec.Gate, Gates[i])
		}
		if rec.Decision == DecisionRejected && i != len(records)-1 {
			return ApprovalChain{}, fmt.Errorf("review after rejection at gate %q", rec.Gate)
		}
	}
	out := make([]ReviewRecord, len(records))
	copy(out, records)
	return ApprovalChain{reviews: out}, nil
}

// Status derives the chain state from its reviews.
func (c ApprovalChain) Status() ApprovalStatus {
	n := len(c.reviews)
	if n == 0 {
		return StatusPendingCaseworker
	}
	if c.reviews[n-1].Decision == DecisionRejected {
		return StatusRejected
	}
	if n == len(Gates) {
		return StatusApproved
	}
	return PendingStatusFor(Gates[n])
}

// RejectedAtLevel returns the gate that rejected the chain, or "".
func (c ApprovalChain) RejectedAtLevel() Gate {
	n := len(c.reviews)
	if n > 0 && c.reviews[n-1].Decision == DecisionRejected {
		return c.reviews[n-1].Gate
	}
	return ""
}

// Slot returns the review recorded at gate g, or nil if the slot is empty or
// not applicable.
func (c ApprovalChain) Slot(g Gate) *ReviewRecord {
	i := g.Index()
	if i < 0 || i >= len(c.reviews) {
		return nil
	}
	rec := c.reviews[i]
	return &rec
}

// Reviews returns a copy of the recorded reviews in gate order.
func (c ApprovalChain) Reviews() []ReviewRecord {
	out := make([]ReviewRecord, len(c.reviews))
	copy(out, c.reviews)
	return out
}

// Review records a decision at gate g. The chain must currently be waiting on g
// and the reviewer must hold the gate's role.
func (c *ApprovalChain) Review(g Gate, reviewerID string, role Role, decision Decision, notes string, at time.Time) (ReviewRecord, error) {
	status := c.Status()
	if status.PendingGate() != g {
		return ReviewRecord{}, errors.InvalidTransition(string(status), "review at "+string(g)+" gate")
	}
	if role != g.Role() {
		return ReviewRecord{}, errors.Forbidden(fmt.Sprintf("role '%s' cannot review at the %s gate", role, g))
	}
	if reviewerID == "" {
		return ReviewRecord{}, errors.InvalidInput("reviewer_id", "reviewer is required")
	}
	if decision != DecisionApproved && decision != DecisionRejected {
		return ReviewRecord{}, errors.InvalidInput("decision", "decision must be 'approved' or 'rejected'")
	}

	if n := len(c.reviews); n > 0 {
		at = ledger.MonotonicAfter(c.reviews[n-1].ReviewedAt, at)
	}

	rec := ReviewRecord{
		Gate:       g,
		ReviewerID: reviewerID,
		Role:       role,
		Decision:   decision,
		Notes:      notes,
		ReviewedAt: at,
	}
	c.reviews = append(c.reviews, rec)
	return rec, nil
}

// chainJSON is the wire view of a chain: one field per slot.
type chainJSON struct {
	Status           ApprovalStatus `json:"status"`
	CaseworkerReview *ReviewRecord  `json:"caseworker_review"`
	FinanceReview    *ReviewRecord  `json:"finance_review"`
	DirectorReview   *ReviewRecord  `json:"director_review"`
	RejectedAtLevel  Gate           `json:"rejected_at_level,omitempty"`
}

func (c ApprovalChain) view() chainJSON {
	return chainJSON{
		Status:           c.Status(),
		CaseworkerReview: c.Slot(GateCaseworker),
		FinanceReview:    c.Slot(GateFinance),
		DirectorReview:   c.Slot(GateDirector),
		RejectedAtLevel:  c.RejectedAtLevel(),
	}
}

func (c ApprovalChain) clone() ApprovalChain {
	return ApprovalChain{reviews: c.Reviews()}
}
