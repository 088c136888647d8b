package replication

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/beaver/wal"
)

func TestParseXLogData(t *testing.T) {
	sendTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	body := make([]byte, 24, 27)
	binary.BigEndian.PutUint64(body[0:8], 0x16B374D0)
	binary.BigEndian.PutUint64(body[8:16], 0x16B37500)
	binary.BigEndian.PutUint64(body[16:24], uint64(wal.MicrosFromTime(sendTime)))
	body = append(body, 'B', 1, 2)

	xld, err := parseXLogData(body)
	require.NoError(t, err)
	assert.Equal(t, wal.LSN(0x16B374D0), xld.WALStart)
	assert.Equal(t, wal.LSN(0x16B37500), xld.WALEnd)
	assert.True(t, xld.SendTime.Equal(sendTime))
	assert.Equal(t, []byte{'B', 1, 2}, xld.Data)
}

func TestParseXLogDataTooShort(t *testing.T) {
	_, err := parseXLogData(make([]byte, 23))
	assert.Error(t, err)
}

func TestParsePrimaryKeepalive(t *testing.T) {
	body := make([]byte, 17)
	binary.BigEndian.PutUint64(body[0:8], 0x16B37500)
	binary.BigEndian.PutUint64(body[8:16], uint64(wal.MicrosFromTime(time.Now())))

	keepalive, err := parsePrimaryKeepalive(body)
	require.NoError(t, err)
	assert.Equal(t, wal.LSN(0x16B37500), keepalive.WALEnd)
	assert.False(t, keepalive.ReplyRequested)

	body[16] = 1
	keepalive, err = parsePrimaryKeepalive(body)
	require.NoError(t, err)
	assert.True(t, keepalive.ReplyRequested)
}

func TestParsePrimaryKeepaliveTooShort(t *testing.T) {
	_, err := parsePrimaryKeepalive(make([]byte, 16))
	assert.Error(t, err)
}

func TestMarshalStandbyStatus(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	frame := marshalStandbyStatus(0x16B374D0, now)

	require.Len(t, frame, 34)
	assert.Equal(t, byte('r'), frame[0])

	written := binary.BigEndian.Uint64(frame[1:9])
	flushed := binary.BigEndian.Uint64(frame[9:17])
	applied := binary.BigEndian.Uint64(frame[17:25])
	assert.Equal(t, uint64(0x16B374D0), written)
	assert.Equal(t, written, flushed)
	assert.Equal(t, written, applied)

	clientTime := int64(binary.BigEndian.Uint64(frame[25:33]))
	assert.Equal(t, wal.MicrosFromTime(now), clientTime)
	assert.Equal(t, byte(0), frame[33], "must not demand a server reply")
}
