// Package wal holds the shared value types of the replication pipeline:
// log sequence numbers, relation schemas and decoded change events.
package wal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LSN is a position in the PostgreSQL write-ahead log. It is a 64-bit
// byte offset with the canonical textual form "<hi>/<lo>" where both
// components are hexadecimal. LSNs are totally ordered and compare
// numerically.
type LSN uint64

// ParseLSN parses the canonical "<hi>/<lo>" textual form. The whole
// string must parse; trailing garbage is an error.
func ParseLSN(s string) (LSN, error) {
	hiPart, loPart, found := strings.Cut(s, "/")
	if !found {
		return 0, fmt.Errorf("invalid LSN %q", s)
	}
	hi, err := strconv.ParseUint(hiPart, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q", s)
	}
	lo, err := strconv.ParseUint(loPart, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q", s)
	}
	return LSN(hi<<32 | lo), nil
}

// String returns the canonical "<hi>/<lo>" form.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// MarshalJSON renders the LSN in its textual form.
func (l LSN) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON parses the textual form produced by MarshalJSON.
func (l *LSN) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid LSN json %q", data)
	}
	parsed, err := ParseLSN(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// PostgreSQL timestamps on the replication wire are microseconds since
// 2000-01-01 00:00:00 UTC.
var pgEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// TimeFromMicros converts a wire timestamp to a time.Time.
func TimeFromMicros(micros int64) time.Time {
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond)
}

// MicrosFromTime converts a time.Time to a wire timestamp.
func MicrosFromTime(t time.Time) int64 {
	return int64(t.Sub(pgEpoch) / time.Microsecond)
}
