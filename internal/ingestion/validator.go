// Package ingestion provides submission validation. Strategy follows the rest
// of the domain: semantic validation with sentinel errors rather than schema
// validation, so the API layer can classify per-element failures with
// errors.Is().
package ingestion

import (
	"fmt"
	"strings"
)

// Validator performs semantic validation of inbound submissions and error
// reports before they reach the apply pipeline.
//
// Value extraction is deliberately not part of validation: a structurally
// valid submission can still fail extraction (ErrMalformedValue), and that
// outcome is reported per element by the service.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateSubmission validates that a submission carries the fields the apply
// pipeline depends on.
//
// Required fields:
//   - runId: join key to the job record
//   - kpiId: series identity (or kpiIds for multi-KPI payloads)
//   - timestamp: collection instant, drives ordering and idempotency
//   - data: the payload a value is extracted from
//
// Multi-KPI submissions must carry an object payload keyed by KPI id; the
// fan-out step indexes into it per listed id.
func (v *Validator) ValidateSubmission(sub *Submission) error {
	if sub == nil {
		return ErrNilSubmission
	}

	if strings.TrimSpace(sub.RunID) == "" {
		return fmt.Errorf("%w: %s", ErrValidation, ErrMissingRunID)
	}

	if sub.Timestamp.IsZero() {
		return fmt.Errorf("%w: %s", ErrValidation, ErrMissingTimestamp)
	}

	if sub.Data == nil {
		return fmt.Errorf("%w: %s", ErrValidation, ErrMissingData)
	}

	if sub.IsMulti() {
		return v.validateMulti(sub)
	}

	if strings.TrimSpace(sub.KPIID) == "" {
		return fmt.Errorf("%w: %s", ErrValidation, ErrMissingKPIID)
	}

	return nil
}

// validateMulti checks the fan-out shape: kpiIds entries must be non-empty
// and data must be an object so per-KPI values can be indexed out of it.
func (v *Validator) validateMulti(sub *Submission) error {
	for i, kpiID := range sub.KPIIDs {
		if strings.TrimSpace(kpiID) == "" {
			return fmt.Errorf("%w: kpiIds[%d] is empty", ErrValidation, i)
		}
	}

	if _, ok := sub.Data.(map[string]interface{}); !ok {
		return fmt.Errorf("%w: %s (got %T)", ErrValidation, ErrMultiDataNotObject, sub.Data)
	}

	return nil
}

// ValidateErrorReport validates an out-of-band failure report.
//
// Required fields:
//   - runId: the run the failure belongs to
//   - message: the extracted failure description
//
// KPI ids are optional: reports without them are recorded for audit only and
// mutate no job record.
func (v *Validator) ValidateErrorReport(report *ErrorReport) error {
	if report == nil {
		return ErrNilErrorReport
	}

	if strings.TrimSpace(report.RunID) == "" {
		return fmt.Errorf("%w: %s", ErrValidation, ErrMissingRunID)
	}

	if strings.TrimSpace(report.Message) == "" {
		return fmt.Errorf("%w: %s", ErrValidation, ErrMissingMessage)
	}

	return nil
}
