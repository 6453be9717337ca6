package dicom

// FailureReasonCode is the value written to the FailureReason (0008,1197) attribute of a
// failed instance. The numbers come from the store-instances transaction defined in
// PS3.18 and are part of the external contract: never renumber them.
type FailureReasonCode uint16

const (
	// ProcessingFailure is reported for any failure not covered by a more specific code.
	ProcessingFailure FailureReasonCode = 272

	// SOPClassNotSupported is reported when the instance SOP class is refused by the store.
	SOPClassNotSupported FailureReasonCode = 290

	// ValidationFailure is reported when an instance fails structural validation,
	// including content that could not be parsed at all.
	ValidationFailure FailureReasonCode = 43264

	// MismatchStudyInstanceUID is reported when the instance belongs to a different study
	// than the one the request was scoped to.
	MismatchStudyInstanceUID FailureReasonCode = 43265

	// SOPInstanceAlreadyExists is reported when an identical instance is already stored.
	SOPInstanceAlreadyExists FailureReasonCode = 45070
)

// String returns a short human-readable name for logs.
func (c FailureReasonCode) String() string {
	switch c {
	case ProcessingFailure:
		return "processing_failure"
	case SOPClassNotSupported:
		return "sop_class_not_supported"
	case ValidationFailure:
		return "validation_failure"
	case MismatchStudyInstanceUID:
		return "mismatch_study_instance_uid"
	case SOPInstanceAlreadyExists:
		return "sop_instance_already_exists"
	default:
		return "unknown"
	}
}
