package wal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLSN(t *testing.T) {
	lsn, err := ParseLSN("16/B374D848")
	require.NoError(t, err)
	assert.Equal(t, LSN(0x16B374D848), lsn)

	lsn, err = ParseLSN("0/0")
	require.NoError(t, err)
	assert.Equal(t, LSN(0), lsn)
}

func TestParseLSNInvalid(t *testing.T) {
	for _, input := range []string{"", "16", "banana", "16-B374D848", "1/2junk", "junk1/2", "1/", "/2", "1/2/3", "100000000/0"} {
		_, err := ParseLSN(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestLSNString(t *testing.T) {
	assert.Equal(t, "16/B374D848", LSN(0x16B374D848).String())
	assert.Equal(t, "0/0", LSN(0).String())
	assert.Equal(t, "FFFFFFFF/FFFFFFFF", LSN(^uint64(0)).String())
}

func TestLSNRoundTrip(t *testing.T) {
	original := LSN(0x123456789A)
	parsed, err := ParseLSN(original.String())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestLSNOrdering(t *testing.T) {
	low, err := ParseLSN("0/FFFFFFFF")
	require.NoError(t, err)
	high, err := ParseLSN("1/0")
	require.NoError(t, err)
	assert.True(t, low < high)
}

func TestLSNJSON(t *testing.T) {
	data, err := json.Marshal(LSN(0x16B374D848))
	require.NoError(t, err)
	assert.Equal(t, `"16/B374D848"`, string(data))

	var lsn LSN
	require.NoError(t, json.Unmarshal(data, &lsn))
	assert.Equal(t, LSN(0x16B374D848), lsn)

	assert.Error(t, json.Unmarshal([]byte(`42`), &lsn))
}

func TestWireTimestampConversion(t *testing.T) {
	assert.True(t, TimeFromMicros(0).Equal(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)))

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, TimeFromMicros(MicrosFromTime(now)).Equal(now))
}
