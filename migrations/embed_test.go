package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSchema(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	src := NewSource(nil)

	files, err := src.List()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_create_instances.down.sql",
		"001_create_instances.up.sql",
		"002_create_instance_metadata.down.sql",
		"002_create_instance_metadata.up.sql",
		"003_create_api_keys.down.sql",
		"003_create_api_keys.up.sql",
	}, files)

	require.NoError(t, src.Validate())

	content, err := src.Content("001_create_instances.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(content), "instances_identifier_key")
}

func TestParse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	info, err := Parse("007_add_things.down.sql")
	require.NoError(t, err)
	assert.Equal(t, &Info{Sequence: 7, Name: "add_things", Direction: "down", Filename: "007_add_things.down.sql"}, info)

	for _, bad := range []string{"1_short.up.sql", "001-dash.up.sql", "001_name.sideways.sql", "001_name.up.txt"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidFilename, bad)
	}
}

func TestValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	file := func(body string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(body)} }

	tests := []struct {
		name    string
		fs      fstest.MapFS
		wantErr error
	}{
		{
			name: "valid",
			fs: fstest.MapFS{
				"001_a.up.sql": file("CREATE TABLE a();"), "001_a.down.sql": file("DROP TABLE a;"),
				"002_b.up.sql": file("CREATE TABLE b();"), "002_b.down.sql": file("DROP TABLE b;"),
				"README.md": file("ignored"),
			},
		},
		{name: "empty", fs: fstest.MapFS{}, wantErr: ErrNoMigrations},
		{
			name:    "bad name",
			fs:      fstest.MapFS{"001_a.up.sql": file(""), "1_b.up.sql": file("")},
			wantErr: ErrInvalidFilename,
		},
		{
			name:    "missing down",
			fs:      fstest.MapFS{"001_a.up.sql": file("")},
			wantErr: ErrUnpaired,
		},
		{
			name:    "missing up",
			fs:      fstest.MapFS{"001_a.down.sql": file("")},
			wantErr: ErrUnpaired,
		},
		{
			name: "gap",
			fs: fstest.MapFS{
				"001_a.up.sql": file(""), "001_a.down.sql": file(""),
				"003_c.up.sql": file(""), "003_c.down.sql": file(""),
			},
			wantErr: ErrSequenceGap,
		},
		{
			name:    "does not start at one",
			fs:      fstest.MapFS{"002_a.up.sql": file(""), "002_a.down.sql": file("")},
			wantErr: ErrSequenceGap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSource(tt.fs).Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_ChecksumMismatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := fstest.MapFS{
		"001_a.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE a();")},
		"001_a.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE a;")},
	}

	src := NewSource(fsys)
	require.NoError(t, src.Validate())

	fsys["001_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a(id INT);")}

	assert.ErrorIs(t, src.Validate(), ErrChecksumMismatch)
}
