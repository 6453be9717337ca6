package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsDatabaseConnectionError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, want: true},
		{name: "wrapped connection exception", err: fmt.Errorf("query: %w", &pq.Error{Code: "08000"}), want: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "conn done", err: sql.ErrConnDone, want: true},
		{name: "bad conn", err: fmt.Errorf("exec: %w", driver.ErrBadConn), want: true},
		{name: "other", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDatabaseConnectionError(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("duplicate")))
}

func TestWrapError_ConnectionErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := &InstanceStore{logger: discardLogger()}

	err := s.wrapError("insert instance", driver.ErrBadConn)
	assert.ErrorIs(t, err, ErrDatabaseUnavailable)
	assert.ErrorIs(t, err, driver.ErrBadConn)

	err = s.wrapError("insert instance", errors.New("syntax error"))
	assert.NotErrorIs(t, err, ErrDatabaseUnavailable)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
