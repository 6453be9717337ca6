package ingestion

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/medstore-io/medstore/internal/config"
	"github.com/medstore-io/medstore/internal/dicom"
)

// DefaultRulesPath is the default location of the validation rules file.
const DefaultRulesPath = ".medstore.yaml"

// RulesPathEnvVar names the environment variable overriding DefaultRulesPath.
const RulesPathEnvVar = "MEDSTORE_VALIDATION_RULES_PATH"

// DefaultRequiredTags are the attributes every stored instance must carry.
var DefaultRequiredTags = []dicom.Tag{
	dicom.SOPClassUID,
	dicom.SOPInstanceUID,
	dicom.StudyInstanceUID,
	dicom.SeriesInstanceUID,
	dicom.PatientID,
}

// maxValueLength bounds the indexed attributes by their VR: LO holds 64
// characters and CS 16. The instances table uses the same widths.
var maxValueLength = []struct {
	tag dicom.Tag
	max int
}{
	{dicom.PatientID, 64},
	{dicom.Modality, 16},
}

// ErrNilDataset is returned when a validator or store is handed no dataset.
var ErrNilDataset = errors.New("dataset cannot be nil")

// DatasetValidator checks a dataset before it is stored. A rejection carrying a
// reason code is returned as *ValidationError.
type DatasetValidator interface {
	Validate(ds *dicom.Dataset, requiredStudyInstanceUID string) error
}

// ValidationRules is the optional YAML rules file.
type ValidationRules struct {
	// RequiredTags lists tag keys ("00100020" or "(0010,0020)"). Empty means defaults.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	RequiredTags []string `yaml:"required_tags"`

	// DeniedSOPClasses lists SOP class UIDs the store refuses.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	DeniedSOPClasses []string `yaml:"denied_sop_classes"`
}

// LoadValidationRules reads rules from path.
//
// A missing, unreadable or unparsable file yields empty rules and a log line,
// so the service still starts with the built-in requirements.
func LoadValidationRules(path string) *ValidationRules {
	rules := &ValidationRules{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Validation rules file not found, using defaults",
				slog.String("path", path))

			return rules
		}

		slog.Warn("Failed to read validation rules file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return rules
	}

	if len(data) == 0 {
		return rules
	}

	if err := yaml.Unmarshal(data, rules); err != nil {
		slog.Warn("Failed to parse validation rules file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &ValidationRules{}
	}

	return rules
}

// LoadValidationRulesFromEnv loads rules from MEDSTORE_VALIDATION_RULES_PATH,
// falling back to DefaultRulesPath.
func LoadValidationRulesFromEnv() *ValidationRules {
	return LoadValidationRules(config.GetEnvStr(RulesPathEnvVar, DefaultRulesPath))
}

// Validator enforces the minimum requirements for a storable instance.
type Validator struct {
	requiredTags []dicom.Tag
	deniedSOP    map[string]struct{}
}

// NewValidator builds a Validator. Nil rules mean defaults.
func NewValidator(rules *ValidationRules) (*Validator, error) {
	v := &Validator{
		requiredTags: DefaultRequiredTags,
		deniedSOP:    make(map[string]struct{}),
	}

	if rules == nil {
		return v, nil
	}

	if len(rules.RequiredTags) > 0 {
		tags := make([]dicom.Tag, 0, len(rules.RequiredTags))

		for _, key := range rules.RequiredTags {
			tag, err := dicom.ParseTag(key)
			if err != nil {
				return nil, fmt.Errorf("required_tags: %w", err)
			}

			tags = append(tags, tag)
		}

		v.requiredTags = tags
	}

	for _, uid := range rules.DeniedSOPClasses {
		if uid = strings.TrimSpace(uid); uid != "" {
			v.deniedSOP[uid] = struct{}{}
		}
	}

	return v, nil
}

// Validate checks ds. requiredStudyInstanceUID may be empty.
func (v *Validator) Validate(ds *dicom.Dataset, requiredStudyInstanceUID string) error {
	if ds == nil {
		return ErrNilDataset
	}

	for _, tag := range v.requiredTags {
		if ds.String(tag) == "" {
			return NewValidationError(dicom.ValidationFailure, "required attribute %s is missing or empty", tag)
		}
	}

	for _, limit := range maxValueLength {
		if n := utf8.RuneCountInString(ds.String(limit.tag)); n > limit.max {
			return NewValidationError(dicom.ValidationFailure,
				"attribute %s is %d characters long, limit is %d", limit.tag, n, limit.max)
		}
	}

	id := dicom.IdentifierOf(ds)
	sopClass := ds.String(dicom.SOPClassUID)

	uids := []struct {
		tag   dicom.Tag
		value string
	}{
		{dicom.StudyInstanceUID, id.StudyInstanceUID},
		{dicom.SeriesInstanceUID, id.SeriesInstanceUID},
		{dicom.SOPInstanceUID, id.SOPInstanceUID},
		{dicom.SOPClassUID, sopClass},
	}

	for _, u := range uids {
		if !dicom.IsValidUID(u.value) {
			return NewValidationError(dicom.ValidationFailure, "attribute %s has invalid UID %q", u.tag, u.value)
		}
	}

	if id.StudyInstanceUID == id.SeriesInstanceUID ||
		id.StudyInstanceUID == id.SOPInstanceUID ||
		id.SeriesInstanceUID == id.SOPInstanceUID {
		return NewValidationError(dicom.ValidationFailure, "study, series and SOP instance UIDs must be distinct")
	}

	if requiredStudyInstanceUID != "" && id.StudyInstanceUID != requiredStudyInstanceUID {
		return NewValidationError(dicom.MismatchStudyInstanceUID,
			"study instance UID %s does not match %s", id.StudyInstanceUID, requiredStudyInstanceUID)
	}

	if _, denied := v.deniedSOP[sopClass]; denied {
		return NewValidationError(dicom.SOPClassNotSupported, "SOP class %s is not supported", sopClass)
	}

	return nil
}
