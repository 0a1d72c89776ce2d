package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
)

// Checkpoint is one hop of the physical fund hand-off.
type Checkpoint string

const (
	CheckpointFinanceDisbursed    Checkpoint = "finance_disbursed"
	CheckpointCaseworkerReceived  Checkpoint = "caseworker_received"
	CheckpointCaseworkerDisbursed Checkpoint = "caseworker_disbursed"
	CheckpointBeneficiaryReceived Checkpoint = "beneficiary_received"
)

// Checkpoints lists the hand-off hops in their fixed order.
var Checkpoints = [...]Checkpoint{
	CheckpointFinanceDisbursed,
	CheckpointCaseworkerReceived,
	CheckpointCaseworkerDisbursed,
	CheckpointBeneficiaryReceived,
}

// ParseCheckpoint validates a checkpoint name.
func ParseCheckpoint(s string) (Checkpoint, error) {
	c := Checkpoint(strings.ToLower(strings.TrimSpace(s)))
	for _, cp := range Checkpoints {
		if cp == c {
			return c, nil
		}
	}
	return "", errors.InvalidInput("checkpoint", "unknown checkpoint '"+s+"'")
}

// DisbursementStatus is the latest checkpoint reached. It shares its values
// with Checkpoint.
type DisbursementStatus = Checkpoint

// DisbursementMode selects whether the caseworker may disburse without first
// acknowledging receipt.
type DisbursementMode string

const (
	// ModeStrict requires all four checkpoints in order.
	ModeStrict DisbursementMode = "strict"
	// ModePermissive lets the caseworker disburse straight from FinanceDisbursed.
	ModePermissive DisbursementMode = "permissive"
)

// Disbursement tracks the hand-off of an approved aid request's funds.
type Disbursement struct {
	ID            string
	AidRequestID  string
	BeneficiaryID string
	FacilityID    string
	Amount        ledger.Amount
	ReferenceNo   string
	CreatedAt     time.Time
	Version       int64

	FinanceDisbursed    *ledger.Attribution
	CaseworkerReceived  *ledger.Attribution
	CaseworkerDisbursed *ledger.Attribution
	BeneficiaryReceived *ledger.Attribution
}

// OpenDisbursement creates the disbursement for an approved request. The
// amount must match the approved amount exactly.
func OpenDisbursement(id string, req *AidRequest, amount ledger.Amount, referenceNo, actorID string, at time.Time) (*Disbursement, error) {
	if status := req.Status(); status != StatusApproved {
		return nil, errors.InvalidTransition(string(status), "open disbursement")
	}
	if !amount.Equal(req.Amount) {
		return nil, errors.InvalidInput("amount",
			fmt.Sprintf("disbursement amount %s must equal approved amount %s", amount, req.Amount)).
			WithDetail("approved_amount", req.Amount.String())
	}
	if actorID == "" {
		return nil, errors.InvalidInput("actor_id", "actor is required")
	}
	if d := req.Slot(GateDirector); d != nil {
		at = ledger.MonotonicAfter(d.ReviewedAt, at)
	}

	return &Disbursement{
		ID:               id,
		AidRequestID:     req.ID,
		BeneficiaryID:    req.BeneficiaryID,
		FacilityID:       req.FacilityID,
		Amount:           amount,
		ReferenceNo:      referenceNo,
		CreatedAt:        at,
		FinanceDisbursed: &ledger.Attribution{ActorID: actorID, At: at},
	}, nil
}

// Status is the latest checkpoint set.
func (d *Disbursement) Status() DisbursementStatus {
	status := CheckpointFinanceDisbursed
	for _, cp := range Checkpoints {
		if d.slot(cp) != nil {
			status = cp
		}
	}
	return status
}

// IsTerminal reports whether the beneficiary has received the funds.
func (d *Disbursement) IsTerminal() bool {
	return d.BeneficiaryReceived != nil
}

// Checkpoint returns the attribution recorded at cp, or nil.
func (d *Disbursement) Checkpoint(cp Checkpoint) *ledger.Attribution {
	return copyAttribution(d.slot(cp))
}

func (d *Disbursement) slot(cp Checkpoint) *ledger.Attribution {
	switch cp {
	case CheckpointFinanceDisbursed:
		return d.FinanceDisbursed
	case CheckpointCaseworkerReceived:
		return d.CaseworkerReceived
	case CheckpointCaseworkerDisbursed:
		return d.CaseworkerDisbursed
	case CheckpointBeneficiaryReceived:
		return d.BeneficiaryReceived
	}
	return nil
}

func (d *Disbursement) set(cp Checkpoint, a *ledger.Attribution) {
	switch cp {
	case CheckpointCaseworkerReceived:
		d.CaseworkerReceived = a
	case CheckpointCaseworkerDisbursed:
		d.CaseworkerDisbursed = a
	case CheckpointBeneficiaryReceived:
		d.BeneficiaryReceived = a
	}
}

// Confirm sets checkpoint cp. It returns applied=false with no error when the
// same actor already confirmed cp, so retries observe the current state. A
// checkpoint confirmed by someone else, or one whose predecessor is missing,
// is an invalid transition.
func (d *Disbursement) Confirm(cp Checkpoint, actorID string, at time.Time, mode DisbursementMode) (applied bool, err error) {
	if actorID == "" {
		return false, errors.InvalidInput("actor_id", "actor is required")
	}
	status := d.Status()
	action := "confirm " + string(cp)

	if existing := d.slot(cp); existing != nil {
		if existing.ActorID == actorID {
			return false, nil
		}
		return false, errors.InvalidTransition(string(status), action).
			WithDetail("confirmed_by", existing.ActorID)
	}

	var implicit []Checkpoint
	switch cp {
	case CheckpointCaseworkerReceived:
		if status != CheckpointFinanceDisbursed {
			return false, errors.InvalidTransition(string(status), action)
		}
	case CheckpointCaseworkerDisbursed:
		switch {
		case status == CheckpointCaseworkerReceived:
		case status == CheckpointFinanceDisbursed && mode == ModePermissive:
			implicit = append(implicit, CheckpointCaseworkerReceived)
		default:
			return false, errors.InvalidTransition(string(status), action)
		}
	case CheckpointBeneficiaryReceived:
		if status != CheckpointCaseworkerDisbursed {
			return false, errors.InvalidTransition(string(status), action)
		}
	default:
		return false, errors.InvalidTransition(string(status), action)
	}

	if prev := d.slot(status); prev != nil {
		at = ledger.MonotonicAfter(prev.At, at)
	}
	for _, skipped := range implicit {
		d.set(skipped, &ledger.Attribution{ActorID: actorID, At: at})
	}
	d.set(cp, &ledger.Attribution{ActorID: actorID, At: at})
	return true, nil
}

// Clone returns a deep copy.
func (d *Disbursement) Clone() *Disbursement {
	out := *d
	out.FinanceDisbursed = copyAttribution(d.FinanceDisbursed)
	out.CaseworkerReceived = copyAttribution(d.CaseworkerReceived)
	out.CaseworkerDisbursed = copyAttribution(d.CaseworkerDisbursed)
	out.BeneficiaryReceived = copyAttribution(d.BeneficiaryReceived)
	return &out
}

func copyAttribution(a *ledger.Attribution) *ledger.Attribution {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

type disbursementJSON struct {
	ID                    string             `json:"id"`
	AidRequestID          string             `json:"aid_request_id"`
	BeneficiaryID         string             `json:"beneficiary_id"`
	FacilityID            string             `json:"facility_id"`
	Amount                ledger.Amount      `json:"amount"`
	ReferenceNo           string             `json:"reference_no"`
	Status                DisbursementStatus `json:"status"`
	CreatedAt             time.Time          `json:"created_at"`
	Version               int64              `json:"version"`
	FinanceDisbursedAt    *time.Time         `json:"finance_disbursed_at"`
	FinanceDisbursedBy    string             `json:"finance_disbursed_by,omitempty"`
	CaseworkerReceivedAt  *time.Time         `json:"caseworker_received_at"`
	CaseworkerReceivedBy  string             `json:"caseworker_received_by,omitempty"`
	CaseworkerDisbursedAt *time.Time         `json:"caseworker_disbursed_at"`
	CaseworkerDisbursedBy string             `json:"caseworker_disbursed_by,omitempty"`
	BeneficiaryReceivedAt *time.Time         `json:"beneficiary_received_at"`
}

// MarshalJSON renders checkpoints as *_at / *_by pairs.
func (d *Disbursement) MarshalJSON() ([]byte, error) {
	at := func(a *ledger.Attribution) *time.Time {
		if a == nil {
			return nil
		}
		t := a.At
		return &t
	}
	by := func(a *ledger.Attribution) string {
		if a == nil {
			return ""
		}
		return a.ActorID
	}
	return json.Marshal(disbursementJSON{
		ID:                    d.ID,
		AidRequestID:          d.AidRequestID,
		BeneficiaryID:         d.BeneficiaryID,
		FacilityID:            d.FacilityID,
		Amount:                d.Amount,
		ReferenceNo:           d.ReferenceNo,
		Status:                d.Status(),
		CreatedAt:             d.CreatedAt,
		Version:               d.Version,
		FinanceDisbursedAt:    at(d.FinanceDisbursed),
		FinanceDisbursedBy:    by(d.FinanceDisbursed),
		CaseworkerReceivedAt:  at(d.CaseworkerReceived),
		CaseworkerReceivedBy:  by(d.CaseworkerReceived),
		CaseworkerDisbursedAt: at(d.CaseworkerDisbursed),
		CaseworkerDisbursedBy: by(d.CaseworkerDisbursed),
		BeneficiaryReceivedAt: at(d.BeneficiaryReceived),
	})
}
