package expiry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		code string
		want int64
	}{
		{"never", Never},
		{"0s", 0},
		{"90s", 90},
		{"1h", 3600},
		{"5h", 5 * 3600},
		{"1d", 86400},
		{"90d", 90 * 86400},
		{"1w", 7 * 86400},
		{"2w", 14 * 86400},
		{"1y", 365 * 86400},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			got, err := Parse(tc.code)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseDeterministic(t *testing.T) {
	first, err := Parse("3w")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Parse("3w")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestParseHugeCountSaturates(t *testing.T) {
	for _, code := range []string{"999999999999y", "9223372036854775807d", "300000000000w"} {
		t.Run(code, func(t *testing.T) {
			got, err := Parse(code)
			require.NoError(t, err)
			assert.Equal(t, Never, got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, code := range []string{"", "1", "w", "1x", "1m", "one week", "1.5d", "-1d", " 1d", "1d "} {
		t.Run(code, func(t *testing.T) {
			_, err := Parse(code)
			assert.ErrorIs(t, err, ErrInvalidDuration)
		})
	}
}

func TestNeverDominatesAnyDeadline(t *testing.T) {
	ttl, err := Parse("never")
	require.NoError(t, err)

	// created_at + ttl must stay beyond any realistic clock value.
	deadline := SaturatingAdd(1893456000, ttl) // year 2030
	assert.Equal(t, int64(math.MaxInt64), deadline)
	assert.Greater(t, deadline, int64(4102444800)) // year 2100
}

func TestSaturatingAdd(t *testing.T) {
	assert.Equal(t, int64(5), SaturatingAdd(2, 3))
	assert.Equal(t, int64(math.MaxInt64), SaturatingAdd(1, math.MaxInt64))
	assert.Equal(t, int64(math.MaxInt64), SaturatingAdd(math.MaxInt64, math.MaxInt64))
	assert.Equal(t, int64(math.MinInt64), SaturatingAdd(-1, math.MinInt64))
	assert.Equal(t, int64(-1), SaturatingAdd(math.MaxInt64, math.MinInt64))
}
