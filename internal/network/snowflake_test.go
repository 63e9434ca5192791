package network

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snowflakeFor builds a platform id whose embedded timestamp is createdAt.
func snowflakeFor(createdAt time.Time) string {
	millis := createdAt.UnixMilli() - platformEpochMillis
	return strconv.FormatUint(uint64(millis)<<22, 10)
}

func TestAccountCreatedAt(t *testing.T) {
	want := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)
	id := snowflakeFor(want)

	got, err := AccountCreatedAt(id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAccountCreatedAtEpoch(t *testing.T) {
	// Id zero decodes to the platform epoch itself.
	got, err := AccountCreatedAt("0")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(platformEpochMillis).UTC(), got)
}

func TestAccountCreatedAtRejectsNonNumeric(t *testing.T) {
	_, err := AccountCreatedAt("alice")
	assert.Error(t, err)
}

func TestAccountAgeDays(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 10, AccountAgeDays(snowflakeFor(now.AddDate(0, 0, -10)), now))
	assert.Equal(t, 0, AccountAgeDays(snowflakeFor(now.Add(-time.Hour)), now))

	// Unparseable and future-dated ids both read as brand new.
	assert.Equal(t, 0, AccountAgeDays("not-a-number", now))
	assert.Equal(t, 0, AccountAgeDays(snowflakeFor(now.AddDate(0, 0, 5)), now))
}
