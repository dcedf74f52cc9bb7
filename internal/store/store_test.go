package store

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsTransientMatchesPgErrorCodes(t *testing.T) {
	assert.True(t, isTransient(&pgconn.PgError{Code: "53300"}))
	assert.True(t, isTransient(&pgconn.PgError{Code: "53400"}))
	assert.False(t, isTransient(&pgconn.PgError{Code: "23505"})) // unique_violation
}

func TestIsTransientMatchesConnectError(t *testing.T) {
	err := &pgconn.ConnectError{Config: nil}
	assert.True(t, isTransient(err))
}

func TestIsTransientMatchesStringMarkers(t *testing.T) {
	assert.True(t, isTransient(errors.New("write: broken pipe")))
	assert.True(t, isTransient(errors.New("read: connection reset by peer")))
	assert.True(t, isTransient(errors.New("dial tcp: i/o timed out")))
	assert.False(t, isTransient(errors.New("syntax error near SELECT")))
}

func TestIsTransientNilIsFalse(t *testing.T) {
	assert.False(t, isTransient(nil))
}

func TestQueryBackoffCapsAtFiveSeconds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := queryBackoff(attempt)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestProbeBackoffCapsAtTenSeconds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := probeBackoff(attempt)
		assert.LessOrEqual(t, d, 10*time.Second)
	}
}

func TestCappedGrowsExponentiallyThenClamps(t *testing.T) {
	base := 200 * time.Millisecond
	max := 5 * time.Second

	d1 := capped(1, base, max)
	assert.GreaterOrEqual(t, d1, base)
	assert.Less(t, d1, base+base)

	d4 := capped(4, base, max)
	// 200ms * 2^3 = 1.6s, below the 5s cap
	assert.GreaterOrEqual(t, d4, 1600*time.Millisecond)
	assert.Less(t, d4, 1600*time.Millisecond+base)

	d20 := capped(20, base, max)
	assert.LessOrEqual(t, d20, max)
}
