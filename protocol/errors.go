package protocol

import "fmt"

// DecodeError reports a structurally invalid change record: truncated,
// carrying an unknown column kind tag, or disagreeing with the cached
// relation schema. Decode failures are fatal for the stream; resuming
// past one would silently lose changes.
type DecodeError struct {
	Tag    byte
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Tag == 0 {
		return fmt.Sprintf("malformed change record at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("malformed %q record at offset %d: %s", e.Tag, e.Offset, e.Reason)
}

// UnknownRelationError reports a data change referencing a relation the
// server never announced this session. The server always sends a
// relation record before the first data change that uses it, so this
// indicates a corrupted or out-of-order stream.
type UnknownRelationError struct {
	RelationID uint32
}

func (e *UnknownRelationError) Error() string {
	return fmt.Sprintf("change references unknown relation %d", e.RelationID)
}
