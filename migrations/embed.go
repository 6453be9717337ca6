// Package migrations embeds the PostgreSQL schema and applies it with golang-migrate.
//
// Files follow the 001_name.up.sql / 001_name.down.sql convention. Every up file
// must have a down file and sequence numbers start at 001 without gaps; Validate
// enforces this before anything touches a database.
package migrations

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// DefaultTable is the golang-migrate bookkeeping table.
const DefaultTable = "schema_migrations"

//go:embed *.sql
var embedded embed.FS

var (
	// ErrNoMigrations is returned when the source holds no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidFilename is returned for a file that breaks the naming convention.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpaired is returned when an up or down file has no counterpart.
	ErrUnpaired = errors.New("unpaired migration")

	// ErrSequenceGap is returned when sequence numbers do not start at 1 or skip a value.
	ErrSequenceGap = errors.New("migration sequence gap")

	// ErrChecksumMismatch is returned when a file changed after it was first validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info is a parsed migration filename.
type Info struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// Source is a validated set of migration files.
type Source struct {
	fs        fs.FS
	checksums map[string]string
}

// NewSource wraps fsys. Nil means the embedded schema.
func NewSource(fsys fs.FS) *Source {
	if fsys == nil {
		fsys = embedded
	}

	return &Source{fs: fsys, checksums: make(map[string]string)}
}

// FS returns the underlying file system.
func (s *Source) FS() fs.FS {
	return s.fs
}

// List returns the .sql files in lexical order. Non-.sql files are ignored.
func (s *Source) List() ([]string, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if !entry.IsDir() && path.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Content returns the bytes of one migration file.
func (s *Source) Content(filename string) ([]byte, error) {
	return fs.ReadFile(s.fs, filename)
}

// Parse splits a migration filename into its parts.
func Parse(filename string) (*Info, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)", ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidFilename, filename, err)
	}

	return &Info{Sequence: sequence, Name: matches[2], Direction: matches[3], Filename: filename}, nil
}

// Validate checks naming, pairing, sequence and, from the second call on, checksums.
func (s *Source) Validate() error {
	files, err := s.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	infos := make([]*Info, 0, len(files))

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return err
		}

		infos = append(infos, info)
	}

	if err := validatePairing(infos); err != nil {
		return err
	}

	if err := validateSequence(infos); err != nil {
		return err
	}

	for _, file := range files {
		content, err := s.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}

		sum := fmt.Sprintf("%x", sha256.Sum256(content))

		if previous, ok := s.checksums[file]; ok && previous != sum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, file)
		}

		s.checksums[file] = sum
	}

	return nil
}

func validatePairing(infos []*Info) error {
	directions := make(map[string]map[string]bool)

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("%w: missing up migration for %s", ErrUnpaired, key)
		}

		if !dirs["down"] {
			return fmt.Errorf("%w: missing down migration for %s", ErrUnpaired, key)
		}
	}

	return nil
}

func validateSequence(infos []*Info) error {
	seen := make(map[int]bool)

	var sequences []int

	for _, info := range infos {
		if !seen[info.Sequence] {
			seen[info.Sequence] = true
			sequences = append(sequences, info.Sequence)
		}
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, seq)
		}
	}

	return nil
}

// New returns a migrate instance over db using the validated source. Closing the
// returned instance also closes db.
func (s *Source) New(db *sql.DB, table string) (*migrate.Migrate, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("migration validation failed: %w", err)
	}

	if table == "" {
		table = DefaultTable
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// Up applies every pending embedded migration to db. migrate.ErrNoChange is not an error.
func Up(db *sql.DB, table string) error {
	m, err := NewSource(nil).New(db, table)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
