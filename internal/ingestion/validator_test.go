package ingestion

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medstore-io/medstore/internal/dicom"
)

func validDataset() *dicom.Dataset {
	return testDataset(0)
}

func requireValidationCode(t *testing.T, err error, want dicom.FailureReasonCode) {
	t.Helper()

	var ve *ValidationError

	require.True(t, errors.As(err, &ve), "expected *ValidationError, got %v", err)
	assert.Equal(t, want, ve.Code)
}

func TestValidator_Valid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v, err := NewValidator(nil)
	require.NoError(t, err)

	assert.NoError(t, v.Validate(validDataset(), ""))
	assert.NoError(t, v.Validate(validDataset(), "1.2.3"))

	ds := validDataset()
	ds.Add(dicom.PatientID, dicom.VRLO, strings.Repeat("Ä", 64))
	ds.Add(dicom.Modality, dicom.VRCS, "CT")
	assert.NoError(t, v.Validate(ds, ""), "limits count characters, not bytes")
}

func TestValidator_Rejections(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		mutate   func(ds *dicom.Dataset)
		required string
		want     dicom.FailureReasonCode
	}{
		{
			name:   "missing patient id",
			mutate: func(ds *dicom.Dataset) { ds.Remove(dicom.PatientID) },
			want:   dicom.ValidationFailure,
		},
		{
			name:   "empty sop instance uid",
			mutate: func(ds *dicom.Dataset) { ds.Add(dicom.SOPInstanceUID, dicom.VRUI, "  ") },
			want:   dicom.ValidationFailure,
		},
		{
			name:   "malformed series uid",
			mutate: func(ds *dicom.Dataset) { ds.Add(dicom.SeriesInstanceUID, dicom.VRUI, "1.02.3") },
			want:   dicom.ValidationFailure,
		},
		{
			name:   "series equals study",
			mutate: func(ds *dicom.Dataset) { ds.Add(dicom.SeriesInstanceUID, dicom.VRUI, "1.2.3") },
			want:   dicom.ValidationFailure,
		},
		{
			name:   "patient id longer than LO",
			mutate: func(ds *dicom.Dataset) { ds.Add(dicom.PatientID, dicom.VRLO, strings.Repeat("P", 65)) },
			want:   dicom.ValidationFailure,
		},
		{
			name:   "modality longer than CS",
			mutate: func(ds *dicom.Dataset) { ds.Add(dicom.Modality, dicom.VRCS, "CTMRPTNMUSXADXCRX") },
			want:   dicom.ValidationFailure,
		},
		{
			name:     "study mismatch",
			mutate:   func(*dicom.Dataset) {},
			required: "9.9.9",
			want:     dicom.MismatchStudyInstanceUID,
		},
	}

	v, err := NewValidator(nil)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := validDataset()
			tt.mutate(ds)

			requireValidationCode(t, v.Validate(ds, tt.required), tt.want)
		})
	}
}

func TestValidator_NilDataset(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v, err := NewValidator(nil)
	require.NoError(t, err)

	assert.ErrorIs(t, v.Validate(nil, ""), ErrNilDataset)
}

func TestValidator_Rules(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v, err := NewValidator(&ValidationRules{
		RequiredTags:     []string{"00080016", "(0008,0018)", "0020000D", "0020000E", "00080060"},
		DeniedSOPClasses: []string{" 1.2.840.10008.5.1.4.1.1.2 "},
	})
	require.NoError(t, err)

	ds := validDataset()
	ds.Remove(dicom.PatientID)
	requireValidationCode(t, v.Validate(ds, ""), dicom.ValidationFailure) // modality missing

	ds.Add(dicom.Modality, dicom.VRCS, "CT")
	requireValidationCode(t, v.Validate(ds, ""), dicom.SOPClassNotSupported)

	ds.Add(dicom.SOPClassUID, dicom.VRUI, "1.2.840.10008.5.1.4.1.1.4")
	assert.NoError(t, v.Validate(ds, ""))

	_, err = NewValidator(&ValidationRules{RequiredTags: []string{"bogus"}})
	assert.ErrorIs(t, err, dicom.ErrInvalidTag)
}

func TestLoadValidationRules(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		rules := LoadValidationRules(filepath.Join(dir, "absent.yaml"))
		require.NotNil(t, rules)
		assert.Empty(t, rules.RequiredTags)
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "rules.yaml")
		content := "required_tags:\n  - \"00100020\"\ndenied_sop_classes:\n  - \"1.2.3\"\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		rules := LoadValidationRules(path)
		assert.Equal(t, []string{"00100020"}, rules.RequiredTags)
		assert.Equal(t, []string{"1.2.3"}, rules.DeniedSOPClasses)
	})

	t.Run("invalid yaml falls back", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("required_tags: [unterminated"), 0o600))

		rules := LoadValidationRules(path)
		require.NotNil(t, rules)
		assert.Empty(t, rules.RequiredTags)
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(dir, "empty.yaml")
		require.NoError(t, os.WriteFile(path, nil, 0o600))

		assert.Empty(t, LoadValidationRules(path).DeniedSOPClasses)
	})

	t.Run("from env", func(t *testing.T) {
		path := filepath.Join(dir, "env.yaml")
		require.NoError(t, os.WriteFile(path, []byte("denied_sop_classes: [\"4.5\"]\n"), 0o600))
		t.Setenv(RulesPathEnvVar, path)

		assert.Equal(t, []string{"4.5"}, LoadValidationRulesFromEnv().DeniedSOPClasses)
	})
}
