// Package network builds the trade relationship graph and runs the fraud
// pattern detectors over it.
package network

import (
	"fmt"
	"strconv"
	"time"
)

// platformEpochMillis is the epoch the platform's snowflake ids count from.
const platformEpochMillis = 1420070400000

// AccountCreatedAt derives an account's creation time from its numeric
// platform id. The id embeds a millisecond timestamp in its upper 42 bits.
// Pure function: no external lookup.
func AccountCreatedAt(userID string) (time.Time, error) {
	id, err := strconv.ParseUint(userID, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("user id %q is not a snowflake: %w", userID, err)
	}
	millis := int64(id>>22) + platformEpochMillis
	return time.UnixMilli(millis).UTC(), nil
}

// AccountAgeDays returns the whole days between the account's embedded
// creation time and now. Unparseable ids report a zero age.
func AccountAgeDays(userID string, now time.Time) int {
	createdAt, err := AccountCreatedAt(userID)
	if err != nil {
		return 0
	}
	age := now.Sub(createdAt)
	if age < 0 {
		return 0
	}
	return int(age.Hours() / 24)
}
