package replication

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/maxpert/beaver/wal"
)

// Streaming replication CopyData sub-protocol tags.
const (
	frameXLogData      = 'w'
	framePrimaryStatus = 'k'
	frameStandbyStatus = 'r'
)

// xlogData is one WAL payload frame from the server. WALStart positions
// the payload in the stream, WALEnd is how far the server has written,
// SendTime is the server clock at transmission.
type xlogData struct {
	WALStart wal.LSN
	WALEnd   wal.LSN
	SendTime time.Time
	Data     []byte
}

// primaryKeepalive is the server's periodic liveness frame. When
// ReplyRequested is set the server is waiting on a standby status
// update before timing the connection out.
type primaryKeepalive struct {
	WALEnd         wal.LSN
	SendTime       time.Time
	ReplyRequested bool
}

func parseXLogData(body []byte) (xlogData, error) {
	if len(body) < 24 {
		return xlogData{}, fmt.Errorf("XLogData frame too short: %d bytes", len(body))
	}
	return xlogData{
		WALStart: wal.LSN(binary.BigEndian.Uint64(body[0:8])),
		WALEnd:   wal.LSN(binary.BigEndian.Uint64(body[8:16])),
		SendTime: wal.TimeFromMicros(int64(binary.BigEndian.Uint64(body[16:24]))),
		Data:     body[24:],
	}, nil
}

func parsePrimaryKeepalive(body []byte) (primaryKeepalive, error) {
	if len(body) < 17 {
		return primaryKeepalive{}, fmt.Errorf("keepalive frame too short: %d bytes", len(body))
	}
	return primaryKeepalive{
		WALEnd:         wal.LSN(binary.BigEndian.Uint64(body[0:8])),
		SendTime:       wal.TimeFromMicros(int64(binary.BigEndian.Uint64(body[8:16]))),
		ReplyRequested: body[16] != 0,
	}, nil
}

// marshalStandbyStatus builds a standby status update reporting the
// same position as written, flushed and applied. The trailing byte
// never asks the server for an immediate reply.
func marshalStandbyStatus(position wal.LSN, now time.Time) []byte {
	frame := make([]byte, 34)
	frame[0] = frameStandbyStatus
	binary.BigEndian.PutUint64(frame[1:9], uint64(position))
	binary.BigEndian.PutUint64(frame[9:17], uint64(position))
	binary.BigEndian.PutUint64(frame[17:25], uint64(position))
	binary.BigEndian.PutUint64(frame[25:33], uint64(wal.MicrosFromTime(now)))
	frame[33] = 0
	return frame
}
