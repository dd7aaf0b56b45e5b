// Package extraction holds the checks every AI extraction result must pass
// before it may become a transaction.
package extraction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/internal/redact"
	"github.com/garyjia/receipt-pipeline/pkg/utils"
)

const opValidate = "extraction.validate"

// Validate checks r against the receipt field rules. Any violation is reported
// as failure.KindValidationFailed so the caller's retry policy can ask the
// model again.
func Validate(r *entity.ReceiptData) error {
	if r == nil {
		return failure.New(failure.KindValidationFailed, opValidate, "no receipt data")
	}

	var errs []error
	if err := utils.ValidateAmount(r.Amount); err != nil {
		errs = append(errs, err)
	}
	if err := utils.ValidateConfidence(r.Confidence); err != nil {
		errs = append(errs, err)
	}
	if err := utils.ValidateCurrency(r.Currency); err != nil {
		errs = append(errs, err)
	}
	if err := utils.ValidateISODate(r.Date); err != nil {
		errs = append(errs, err)
	}
	if err := utils.ValidateLast4(r.Last4); err != nil {
		errs = append(errs, err)
	}
	for name, v := range textFields(r) {
		if redact.ContainsPAN(v) {
			errs = append(errs, fmt.Errorf("%s contains a full card number", name))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return failure.Wrap(failure.KindValidationFailed, opValidate, errors.New(strings.Join(msgs, "; ")))
}

func textFields(r *entity.ReceiptData) map[string]string {
	return map[string]string{
		"merchant":    r.Merchant,
		"category":    r.Category,
		"subcategory": r.Subcategory,
		"notes":       r.Notes,
		"explanation": r.Explanation,
		"date":        r.Date,
		"currency":    r.Currency,
		"last4":       r.Last4Value(),
	}
}

// Normalize tidies fields the model commonly gets slightly wrong without
// changing their meaning: whitespace, currency case, missing category.
func Normalize(r *entity.ReceiptData) {
	r.Merchant = strings.TrimSpace(utils.SanitizeString(r.Merchant))
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Category = strings.TrimSpace(r.Category)
	r.Subcategory = strings.TrimSpace(r.Subcategory)
	r.Date = strings.TrimSpace(r.Date)
	if r.Category == "" {
		r.Category = entity.CategoryOther
	}
	if r.Merchant == "" {
		r.Merchant = entity.MerchantUnknown
	}
	if r.Last4 != nil {
		v := strings.TrimSpace(*r.Last4)
		if v == "" {
			r.Last4 = nil
		} else {
			r.Last4 = &v
		}
	}
}
