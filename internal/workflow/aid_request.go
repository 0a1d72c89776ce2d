package workflow

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
)

// AidRequest is a beneficiary's request for funds.
type AidRequest struct {
	ID            string
	BeneficiaryID string
	FacilityID    string
	CaseworkerID  string // caseworker assigned to the beneficiary at submission
	FundType      FundType
	Amount        ledger.Amount
	Purpose       string
	Period        ledger.Period // month the aid is designated for
	CreatedAt     time.Time
	Version       int64

	ApprovalChain
}

// SubmitAidRequest is the input to NewAidRequest.
type SubmitAidRequest struct {
	ID            string
	BeneficiaryID string
	FacilityID    string
	CaseworkerID  string
	FundType      string
	Amount        ledger.Amount
	Purpose       string
	Period        *ledger.Period
}

// NewAidRequest validates the submission and returns a request waiting on the
// caseworker gate.
func NewAidRequest(in SubmitAidRequest, now time.Time) (*AidRequest, error) {
	if in.BeneficiaryID == "" {
		return nil, errors.InvalidInput("beneficiary_id", "beneficiary is required")
	}
	fundType, err := ParseFundType(in.FundType)
	if err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() {
		return nil, errors.InvalidInput("amount", "amount must be greater than zero")
	}
	purpose := strings.TrimSpace(in.Purpose)
	if purpose == "" {
		return nil, errors.InvalidInput("purpose", "purpose is required")
	}
	if in.CaseworkerID == "" {
		return nil, errors.InvalidInput("beneficiary_id", "beneficiary has no assigned caseworker")
	}

	period := ledger.PeriodOf(now)
	if in.Period != nil {
		if err := in.Period.Validate(); err != nil {
			return nil, errors.InvalidInput("request_month", err.Error())
		}
		period = *in.Period
	}

	return &AidRequest{
		ID:            in.ID,
		BeneficiaryID: in.BeneficiaryID,
		FacilityID:    in.FacilityID,
		CaseworkerID:  in.CaseworkerID,
		FundType:      fundType,
		Amount:        in.Amount,
		Purpose:       purpose,
		Period:        period,
		CreatedAt:     now,
	}, nil
}

// Clone returns a deep copy.
func (r *AidRequest) Clone() *AidRequest {
	out := *r
	out.ApprovalChain = r.ApprovalChain.clone()
	return &out
}

type aidRequestJSON struct {
	ID            string        `json:"id"`
	BeneficiaryID string        `json:"beneficiary_id"`
	FacilityID    string        `json:"facility_id"`
	CaseworkerID  string        `json:"caseworker_id"`
	FundType      FundType      `json:"fund_type"`
	Amount        ledger.Amount `json:"amount"`
	Purpose       string        `json:"purpose"`
	RequestMonth  int           `json:"request_month"`
	RequestYear   int           `json:"request_year"`
	CreatedAt     time.Time     `json:"created_at"`
	Version       int64         `json:"version"`
	chainJSON
}

// MarshalJSON renders the request with its three review slots.
func (r *AidRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(aidRequestJSON{
		ID:            r.ID,
		BeneficiaryID: r.BeneficiaryID,
		FacilityID:    r.FacilityID,
		CaseworkerID:  r.CaseworkerID,
		FundType:      r.FundType,
		Amount:        r.Amount,
		Purpose:       r.Purpose,
		RequestMonth:  int(r.Period.Month),
		RequestYear:   r.Period.Year,
		CreatedAt:     r.CreatedAt,
		Version:       r.Version,
		chainJSON:     r.view(),
	})
}
