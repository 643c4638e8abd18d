package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1m", time.Minute},
		{"3m", 3 * time.Minute},
		{"15m", 15 * time.Minute},
		{"30M", 30 * time.Minute},
		{"1h", time.Hour},
		{"4h", 4 * time.Hour},
		{"12h", 12 * time.Hour},
		{"1d", 24 * time.Hour},
		{"15", 15 * time.Minute},
		{" 5m ", 5 * time.Minute},
	}
	for _, tc := range cases {
		got, err := ParseTimeframe(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseTimeframeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "m", "h", "0m", "-5m", "abc", "1w"} {
		_, err := ParseTimeframe(in)
		assert.Error(t, err, in)
	}
}
