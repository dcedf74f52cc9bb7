package codegen

import (
	"context"
	"io"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 33, 34, modulus - 1, modulus / 2}
	for _, n := range cases {
		code := Encode(n)
		assert.Len(t, code, 6)
		got, err := Decode(code)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("ABCDEF"))
	assert.True(t, Valid("123456"))
	assert.False(t, Valid("ABCDE"))   // too short
	assert.False(t, Valid("ABCDEFG")) // too long
	assert.False(t, Valid("ABCDEI"))  // contains excluded letter I
	assert.False(t, Valid("ABCDE0"))  // contains excluded digit 0
}

func TestAlphabetExcludesAmbiguousCharacters(t *testing.T) {
	re := regexp.MustCompile(`^[A-HJ-NP-Z1-9]{6}$`)
	for n := uint64(0); n < 5000; n++ {
		code := Encode(n)
		assert.Regexp(t, re, code)
	}
}

func TestGeneratorIssuesDistinctCodes(t *testing.T) {
	gen := New(12345, &MemoryPersister{}, testLogger())
	ctx := context.Background()

	seen := make(map[string]struct{}, 5000)
	for i := 0; i < 5000; i++ {
		code, err := gen.Next(ctx)
		require.NoError(t, err)
		_, dup := seen[code]
		assert.False(t, dup, "duplicate code %s at iteration %d", code, i)
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, 5000)
}

func TestGeneratorResumesFromPersistedCounter(t *testing.T) {
	persister := &MemoryPersister{}
	ctx := context.Background()

	gen1 := New(99, persister, testLogger())
	first, err := gen1.Next(ctx)
	require.NoError(t, err)

	gen2 := New(99, persister, testLogger())
	second, err := gen2.Next(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "resumed generator should continue from the persisted counter, not restart")
}
