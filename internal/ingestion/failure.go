package ingestion

import (
	"errors"
	"fmt"

	"github.com/medstore-io/medstore/internal/dicom"
)

// FailureKind is the closed set of per-instance failure classes.
type FailureKind int

const (
	// FailureMalformed means the entry content could not be parsed.
	FailureMalformed FailureKind = iota + 1

	// FailureGeneric is any failure without a more specific classification.
	FailureGeneric

	// FailureStructuredValidation means the validator reported an explicit reason code.
	FailureStructuredValidation

	// FailureConflict means an identical instance is already stored.
	FailureConflict
)

// String returns the kind name used in logs.
func (k FailureKind) String() string {
	switch k {
	case FailureMalformed:
		return "malformed"
	case FailureGeneric:
		return "generic"
	case FailureStructuredValidation:
		return "structured_validation"
	case FailureConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// ValidationError is a validation failure carrying an explicit reason code.
type ValidationError struct {
	Code    dicom.FailureReasonCode
	Message string
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(code dicom.FailureReasonCode, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%d): %s", e.Code, e.Message)
}

// Failure is a classified per-instance failure.
type Failure struct {
	Kind FailureKind
	// Code is only meaningful for FailureStructuredValidation.
	Code dicom.FailureReasonCode
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}

	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ReasonCode maps the failure to the code reported to clients.
func (f *Failure) ReasonCode() dicom.FailureReasonCode {
	return ReasonCodeFor(f.Kind, f.Code)
}

// ReasonCodeFor is the mapping table from failure kind to reason code. code is
// used only for FailureStructuredValidation.
func ReasonCodeFor(kind FailureKind, code dicom.FailureReasonCode) dicom.FailureReasonCode {
	switch kind {
	case FailureMalformed:
		return dicom.ValidationFailure
	case FailureStructuredValidation:
		return code
	case FailureConflict:
		return dicom.SOPInstanceAlreadyExists
	default:
		return dicom.ProcessingFailure
	}
}

// ClassifyRetrieveError classifies an error returned by InstanceEntry.GetDataset.
func ClassifyRetrieveError(err error) *Failure {
	if errors.Is(err, dicom.ErrMalformedContent) {
		return &Failure{Kind: FailureMalformed, Err: err}
	}

	return &Failure{Kind: FailureGeneric, Err: err}
}

// ClassifyValidateError classifies an error returned by a DatasetValidator.
// Only a *ValidationError with a non-zero code is structured.
func ClassifyValidateError(err error) *Failure {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Code != 0 {
		return &Failure{Kind: FailureStructuredValidation, Code: ve.Code, Err: err}
	}

	return &Failure{Kind: FailureGeneric, Err: err}
}

// ClassifyStoreError classifies an error returned by an InstanceStorer.
func ClassifyStoreError(err error) *Failure {
	if errors.Is(err, ErrInstanceAlreadyExists) {
		return &Failure{Kind: FailureConflict, Err: err}
	}

	return &Failure{Kind: FailureGeneric, Err: err}
}
