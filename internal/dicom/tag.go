// Package dicom provides the attribute-keyed dataset model used by the ingestion path.
//
// A Dataset is the parsed metadata of one imaging instance. It is decoded from the
// DICOM JSON model (PS3.18 Annex F) and carries no pixel data. The wire encoding of
// binary Part 10 files is intentionally not handled here.
package dicom

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	tagKeywordLength = 8
	groupShift       = 16
	elementMask      = 0xFFFF
)

// ErrInvalidTag indicates a tag key that is not eight hexadecimal characters.
var ErrInvalidTag = errors.New("invalid tag")

// Tag identifies a data element by group and element number.
type Tag uint32

// Well-known tags used by validation and response assembly.
const (
	SOPClassUID              Tag = 0x00080016
	SOPInstanceUID           Tag = 0x00080018
	Modality                 Tag = 0x00080060
	RetrieveURL              Tag = 0x00081190
	FailureReason            Tag = 0x00081197
	FailedSOPSequence        Tag = 0x00081198
	ReferencedSOPSequence    Tag = 0x00081199
	ReferencedSOPClassUID    Tag = 0x00081150
	ReferencedSOPInstanceUID Tag = 0x00081155
	PatientID                Tag = 0x00100020
	StudyInstanceUID         Tag = 0x0020000D
	SeriesInstanceUID        Tag = 0x0020000E
)

// NewTag builds a Tag from its group and element numbers.
func NewTag(group, element uint16) Tag {
	return Tag(uint32(group)<<groupShift | uint32(element))
}

// Group returns the group number.
func (t Tag) Group() uint16 {
	return uint16(uint32(t) >> groupShift)
}

// Element returns the element number.
func (t Tag) Element() uint16 {
	return uint16(uint32(t) & elementMask)
}

// String returns the conventional (GGGG,EEEE) form.
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group(), t.Element())
}

// Keyword returns the eight character key used by the DICOM JSON model, e.g. "0020000D".
func (t Tag) Keyword() string {
	return fmt.Sprintf("%08X", uint32(t))
}

// ParseTag parses a DICOM JSON key ("0020000D") or the parenthesised form ("(0020,000D)").
func ParseTag(s string) (Tag, error) {
	cleaned := strings.NewReplacer("(", "", ")", "", ",", "").Replace(strings.TrimSpace(s))

	if len(cleaned) != tagKeywordLength {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTag, s)
	}

	value, err := strconv.ParseUint(cleaned, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTag, s)
	}

	return Tag(value), nil
}
