package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("MEDSTORE_TEST_STR", "value")
	t.Setenv("MEDSTORE_TEST_INT", " 42 ")
	t.Setenv("MEDSTORE_TEST_INT64", "9000000000")
	t.Setenv("MEDSTORE_TEST_BOOL", "YES")
	t.Setenv("MEDSTORE_TEST_DURATION", "90s")
	t.Setenv("MEDSTORE_TEST_LEVEL", "Warning")
	t.Setenv("MEDSTORE_TEST_LIST", "a, b,,c ")
	t.Setenv("MEDSTORE_TEST_BAD", "not-a-number")

	assert.Equal(t, "value", GetEnvStr("MEDSTORE_TEST_STR", "default"))
	assert.Equal(t, "default", GetEnvStr("MEDSTORE_TEST_UNSET", "default"))

	assert.Equal(t, 42, GetEnvInt("MEDSTORE_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("MEDSTORE_TEST_BAD", 1))

	assert.Equal(t, int64(9000000000), GetEnvInt64("MEDSTORE_TEST_INT64", 1))
	assert.Equal(t, int64(7), GetEnvInt64("MEDSTORE_TEST_BAD", 7))

	assert.True(t, GetEnvBool("MEDSTORE_TEST_BOOL", false))
	assert.True(t, GetEnvBool("MEDSTORE_TEST_BAD", true))

	assert.Equal(t, 90*time.Second, GetEnvDuration("MEDSTORE_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("MEDSTORE_TEST_BAD", time.Second))

	assert.Equal(t, slog.LevelWarn, GetEnvLogLevel("MEDSTORE_TEST_LEVEL", slog.LevelInfo))
	assert.Equal(t, slog.LevelInfo, GetEnvLogLevel("MEDSTORE_TEST_BAD", slog.LevelInfo))

	assert.Equal(t, []string{"a", "b", "c"}, GetEnvList("MEDSTORE_TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, GetEnvList("MEDSTORE_TEST_UNSET", []string{"x"}))
}

func TestParseCommaSeparatedList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, []string{}, ParseCommaSeparatedList(""))
	assert.Equal(t, []string{}, ParseCommaSeparatedList(" , ,"))
	assert.Equal(t, []string{"http://a", "http://b"}, ParseCommaSeparatedList("http://a,http://b"))
}
