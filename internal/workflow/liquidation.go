package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
)

const receiptDateLayout = "2006-01-02"

// Receipt is one piece of spending evidence in a liquidation.
type Receipt struct {
	FileRef       string
	Amount        ledger.Amount
	ReceiptNumber string
	ReceiptDate   time.Time
	Description   string
}

type receiptJSON struct {
	FileRef       string        `json:"file_ref"`
	Amount        ledger.Amount `json:"amount"`
	ReceiptNumber string        `json:"receipt_number"`
	ReceiptDate   string        `json:"receipt_date"`
	Description   string        `json:"description,omitempty"`
}

// MarshalJSON renders the receipt date as YYYY-MM-DD.
func (r Receipt) MarshalJSON() ([]byte, error) {
	return json.Marshal(receiptJSON{
		FileRef:       r.FileRef,
		Amount:        r.Amount,
		ReceiptNumber: r.ReceiptNumber,
		ReceiptDate:   r.ReceiptDate.Format(receiptDateLayout),
		Description:   r.Description,
	})
}

// UnmarshalJSON accepts YYYY-MM-DD or RFC 3339 receipt dates.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	var raw receiptJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	date, err := ParseReceiptDate(raw.ReceiptDate)
	if err != nil {
		return err
	}
	*r = Receipt{
		FileRef:       raw.FileRef,
		Amount:        raw.Amount,
		ReceiptNumber: raw.ReceiptNumber,
		ReceiptDate:   date,
		Description:   raw.Description,
	}
	return nil
}

// ParseReceiptDate parses YYYY-MM-DD or RFC 3339. The result is in UTC.
func ParseReceiptDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(receiptDateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid receipt_date %q, expected YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

// Liquidation is the beneficiary's accounting of how disbursed funds were spent.
type Liquidation struct {
	ID             string
	DisbursementID string
	AidRequestID   string
	BeneficiaryID  string
	FacilityID     string
	CaseworkerID   string
	FiledBy        string
	Receipts       []Receipt
	CreatedAt      time.Time
	Version        int64

	ApprovalChain
}

// FileLiquidation is the input to NewLiquidation.
type FileLiquidation struct {
	ID       string
	FiledBy  string
	Receipts []Receipt
}

// NewLiquidation runs the reconciliation rules against the disbursement and the
// aid request it came from, and returns a liquidation waiting on the
// caseworker gate. prior holds the liquidations already filed against the
// same disbursement.
func NewLiquidation(in FileLiquidation, d *Disbursement, req *AidRequest, prior []*Liquidation, now time.Time) (*Liquidation, error) {
	if err := Reconcile(in.Receipts, d, req, prior); err != nil {
		return nil, err
	}

	receipts := make([]Receipt, len(in.Receipts))
	copy(receipts, in.Receipts)

	if d.BeneficiaryReceived != nil {
		now = ledger.MonotonicAfter(d.BeneficiaryReceived.At, now)
	}

	return &Liquidation{
		ID:             in.ID,
		DisbursementID: d.ID,
		AidRequestID:   req.ID,
		BeneficiaryID:  req.BeneficiaryID,
		FacilityID:     req.FacilityID,
		CaseworkerID:   req.CaseworkerID,
		FiledBy:        in.FiledBy,
		Receipts:       receipts,
		CreatedAt:      now,
	}, nil
}

// Total is the sum of all receipt amounts.
func (l *Liquidation) Total() ledger.Amount {
	return ReceiptTotal(l.Receipts)
}

// Clone returns a deep copy.
func (l *Liquidation) Clone() *Liquidation {
	out := *l
	out.Receipts = make([]Receipt, len(l.Receipts))
	copy(out.Receipts, l.Receipts)
	out.ApprovalChain = l.ApprovalChain.clone()
	return &out
}

type liquidationJSON struct {
	ID             string        `json:"id"`
	DisbursementID string        `json:"disbursement_id"`
	AidRequestID   string        `json:"aid_request_id"`
	BeneficiaryID  string        `json:"beneficiary_id"`
	FacilityID     string        `json:"facility_id"`
	FiledBy        string        `json:"filed_by"`
	Receipts       []Receipt     `json:"receipts"`
	Total          ledger.Amount `json:"total"`
	CreatedAt      time.Time     `json:"created_at"`
	Version        int64         `json:"version"`
	chainJSON
}

// MarshalJSON renders the liquidation with its receipts and review slots.
func (l *Liquidation) MarshalJSON() ([]byte, error) {
	receipts := l.Receipts
	if receipts == nil {
		receipts = []Receipt{}
	}
	return json.Marshal(liquidationJSON{
		ID:             l.ID,
		DisbursementID: l.DisbursementID,
		AidRequestID:   l.AidRequestID,
		BeneficiaryID:  l.BeneficiaryID,
		FacilityID:     l.FacilityID,
		FiledBy:        l.FiledBy,
		Receipts:       receipts,
		Total:          l.Total(),
		CreatedAt:      l.CreatedAt,
		Version:        l.Version,
		chainJSON:      l.view(),
	})
}
