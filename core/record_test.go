package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestampLayouts(t *testing.T) {
	cases := []string{
		"2026-03-01T10:20:30Z",
		"2026-03-01T10:20:30.123456Z",
		"2026-03-01T10:20:30.123456",
		"2026-03-01T10:20:30",
		"2026-03-01 10:20:30.123456",
		"2026-03-01 10:20:30",
		"01.03.2026 10:20",
	}
	for _, s := range cases {
		ts, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.Equal(t, 2026, ts.Year(), s)
		assert.Equal(t, time.March, ts.Month(), s)
	}
}

func TestParseTimestampNaiveIsUTC(t *testing.T) {
	ts, err := ParseTimestamp("2026-03-01 10:20:30")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	_, err := ParseTimestamp("not-a-date")
	assert.Error(t, err)
}

func TestFieldResolution(t *testing.T) {
	score := 0.7
	rec := &Record{
		TransactionID: "TX1",
		Amount:        1500,
		VelocityScore: &score,
		Extra:         map[string]string{"custom_tag": "vip"},
	}

	v, ok := rec.Field("transaction_id")
	assert.True(t, ok)
	assert.Equal(t, "TX1", v)

	v, ok = rec.Field("amount")
	assert.True(t, ok)
	assert.Equal(t, "1500.0", v)

	v, ok = rec.Field("velocity_score")
	assert.True(t, ok)
	assert.Equal(t, "0.7", v)

	_, ok = rec.Field("spending_deviation_score")
	assert.False(t, ok)

	v, ok = rec.Field("custom_tag")
	assert.True(t, ok)
	assert.Equal(t, "vip", v)

	_, ok = rec.Field("sender_account")
	assert.False(t, ok)
}

func TestFloatCoercion(t *testing.T) {
	rec := &Record{Amount: 42.5, Extra: map[string]string{"bad": "abc"}}

	f, err := rec.Float("amount")
	require.NoError(t, err)
	assert.Equal(t, 42.5, f)

	// Missing columns read as zero, present non-numeric values do not.
	f, err = rec.Float("location")
	require.NoError(t, err)
	assert.Equal(t, 0.0, f)

	_, err = rec.Float("bad")
	assert.Error(t, err)
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "1500.0", FormatFloat(1500))
	assert.Equal(t, "0.0", FormatFloat(0))
	assert.Equal(t, "12.34", FormatFloat(12.34))
	assert.Equal(t, "-3.0", FormatFloat(-3))
}
