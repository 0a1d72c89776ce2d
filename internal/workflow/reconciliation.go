package workflow

import (
	"fmt"
	"strings"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
)

// Reconcile applies every liquidation filing rule in order: the disbursement
// must be complete, no other liquidation may be open, each receipt must be
// well formed, the total must fit the disbursement, and every receipt must be
// dated inside the request's designated month.
func Reconcile(receipts []Receipt, d *Disbursement, req *AidRequest, prior []*Liquidation) error {
	if d.AidRequestID != req.ID {
		return errors.New(errors.ErrCodeInternal, "disbursement does not belong to aid request")
	}
	if err := CheckReadyForLiquidation(d); err != nil {
		return err
	}
	if err := CheckNoOpenLiquidation(prior); err != nil {
		return err
	}
	if err := ValidateReceipts(receipts); err != nil {
		return err
	}
	if err := CheckReceiptTotal(receipts, d.Amount); err != nil {
		return err
	}
	return CheckReceiptDates(receipts, req.Period)
}

// CheckReadyForLiquidation requires the funds to have reached the beneficiary.
func CheckReadyForLiquidation(d *Disbursement) error {
	if status := d.Status(); status != CheckpointBeneficiaryReceived {
		return errors.Newf(errors.ErrCodeNotReady,
			"disbursement is at '%s'; liquidation requires '%s'", status, CheckpointBeneficiaryReceived).
			WithDetail("disbursement_status", string(status))
	}
	return nil
}

// CheckNoOpenLiquidation allows a new filing only when every earlier filing
// against the disbursement was rejected.
func CheckNoOpenLiquidation(prior []*Liquidation) error {
	for _, l := range prior {
		if l.Status() != StatusRejected {
			return errors.Conflict("disbursement already has a liquidation that is not rejected").
				WithDetail("liquidation_id", l.ID).
				WithDetail("liquidation_status", string(l.Status()))
		}
	}
	return nil
}

// ValidateReceipts checks each receipt in isolation.
func ValidateReceipts(receipts []Receipt) error {
	if len(receipts) == 0 {
		return errors.InvalidInput("receipts", "at least one receipt is required")
	}
	seen := make(map[string]int, len(receipts))
	for i, r := range receipts {
		field := fmt.Sprintf("receipts[%d]", i)
		if strings.TrimSpace(r.FileRef) == "" {
			return errors.InvalidInput(field+".file_ref", "file reference is required").WithDetail("receipt_index", i)
		}
		if !r.Amount.IsPositive() {
			return errors.InvalidInput(field+".amount", "amount must be greater than zero").WithDetail("receipt_index", i)
		}
		number := strings.TrimSpace(r.ReceiptNumber)
		if number == "" {
			return errors.InvalidInput(field+".receipt_number", "receipt number is required").WithDetail("receipt_index", i)
		}
		if first, dup := seen[number]; dup {
			return errors.InvalidInput(field+".receipt_number",
				fmt.Sprintf("receipt number %q duplicates receipts[%d]", number, first)).WithDetail("receipt_index", i)
		}
		seen[number] = i
		if r.ReceiptDate.IsZero() {
			return errors.InvalidInput(field+".receipt_date", "receipt date is required").WithDetail("receipt_index", i)
		}
	}
	return nil
}

// ReceiptTotal sums receipt amounts.
func ReceiptTotal(receipts []Receipt) ledger.Amount {
	total := ledger.Zero
	for _, r := range receipts {
		total = total.Add(r.Amount)
	}
	return total
}

// CheckReceiptTotal rejects receipts whose total exceeds limit. The input is
// never clamped.
func CheckReceiptTotal(receipts []Receipt, limit ledger.Amount) error {
	total := ReceiptTotal(receipts)
	if total.GreaterThan(limit) {
		return errors.Newf(errors.ErrCodeOverLimit,
			"receipts total %s exceeds disbursed amount %s", total, limit).
			WithDetail("receipt_total", total.String()).
			WithDetail("limit", limit.String()).
			WithDetail("excess", total.Sub(limit).String())
	}
	return nil
}

// CheckReceiptDates requires every receipt to fall inside period.
func CheckReceiptDates(receipts []Receipt, period ledger.Period) error {
	from := period.Start().Format(receiptDateLayout)
	to := period.End().Format(receiptDateLayout)
	for i, r := range receipts {
		if !period.Contains(r.ReceiptDate) {
			return errors.Newf(errors.ErrCodeDateOutOfRange,
				"receipts[%d] dated %s is outside %s to %s", i, r.ReceiptDate.UTC().Format(receiptDateLayout), from, to).
				WithDetail("receipt_index", i).
				WithDetail("receipt_number", r.ReceiptNumber).
				WithDetail("receipt_date", r.ReceiptDate.UTC().Format(receiptDateLayout)).
				WithDetail("allowed_from", from).
				WithDetail("allowed_to", to)
		}
	}
	return nil
}
