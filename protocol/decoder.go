// Package protocol implements the pgoutput logical decoding format:
// the binary change records PostgreSQL streams over a logical
// replication connection, and the relation metadata cache the tuple
// layout depends on.
package protocol

import (
	"encoding/binary"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/beaver/wal"
)

// Record type tags, one leading byte per change record.
const (
	tagBegin    = 'B'
	tagCommit   = 'C'
	tagRelation = 'R'
	tagInsert   = 'I'
	tagUpdate   = 'U'
	tagDelete   = 'D'
)

// Tuple part tags inside Insert/Update/Delete records.
const (
	tupleNew = 'N'
	tupleKey = 'K'
	tupleOld = 'O'
)

// Per-column kind tags inside a tuple.
const (
	colNull      = 'n'
	colUnchanged = 'u'
	colText      = 't'
)

// Decoder parses pgoutput change records into wal.Change events. It
// owns the relation cache: Relation records replace cache entries, and
// data records are decoded against them. Decoding is deterministic and
// stateless apart from the cache.
type Decoder struct {
	relations *RelationCache
}

// NewDecoder returns a decoder over the given relation cache.
func NewDecoder(cache *RelationCache) *Decoder {
	return &Decoder{relations: cache}
}

// Relations exposes the decoder's relation cache for read access.
func (d *Decoder) Relations() *RelationCache {
	return d.relations
}

// Decode parses one change record. walPos and serverTime come from the
// enclosing XLogData frame. A nil Change with nil error means the
// record type is recognized protocol traffic that carries nothing for
// consumers (origin markers, truncate notices, logical messages and any
// future record types); callers should continue with the next frame.
func (d *Decoder) Decode(data []byte, walPos wal.LSN, serverTime time.Time) (*wal.Change, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Offset: 0, Reason: "empty change record"}
	}

	tag := data[0]
	body := data[1:]

	switch tag {
	case tagBegin:
		return decodeBegin(body)
	case tagCommit:
		return decodeCommit(body)
	case tagRelation:
		return d.decodeRelation(body, walPos, serverTime)
	case tagInsert:
		return d.decodeInsert(body, walPos, serverTime)
	case tagUpdate:
		return d.decodeUpdate(body, walPos, serverTime)
	case tagDelete:
		return d.decodeDelete(body, walPos, serverTime)
	default:
		// Origin ('O'), truncate ('T'), logical message ('M'), type
		// ('Y') and anything a future server version may add. These
		// are well-formed records we have no consumer for.
		log.Debug().
			Str("tag", string(tag)).
			Str("lsn", walPos.String()).
			Msg("Skipping unhandled change record")
		return nil, nil
	}
}

func decodeBegin(body []byte) (*wal.Change, error) {
	finalLSN, pos, ok := readUint64(body, 0)
	if !ok {
		return nil, &DecodeError{Tag: tagBegin, Offset: pos, Reason: "truncated final LSN"}
	}
	commitMicros, pos, ok := readUint64(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagBegin, Offset: pos, Reason: "truncated commit timestamp"}
	}
	xid, _, ok := readUint32(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagBegin, Offset: pos, Reason: "truncated transaction id"}
	}

	return &wal.Change{
		Kind:      wal.ChangeBegin,
		LSN:       wal.LSN(finalLSN),
		Timestamp: wal.TimeFromMicros(int64(commitMicros)),
		XID:       xid,
	}, nil
}

func decodeCommit(body []byte) (*wal.Change, error) {
	// Leading flags byte is reserved and currently always zero.
	_, pos, ok := readByte(body, 0)
	if !ok {
		return nil, &DecodeError{Tag: tagCommit, Offset: pos, Reason: "truncated flags"}
	}
	commitLSN, pos, ok := readUint64(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagCommit, Offset: pos, Reason: "truncated commit LSN"}
	}
	endLSN, pos, ok := readUint64(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagCommit, Offset: pos, Reason: "truncated end LSN"}
	}
	commitMicros, _, ok := readUint64(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagCommit, Offset: pos, Reason: "truncated commit timestamp"}
	}

	return &wal.Change{
		Kind:      wal.ChangeCommit,
		LSN:       wal.LSN(commitLSN),
		EndLSN:    wal.LSN(endLSN),
		Timestamp: wal.TimeFromMicros(int64(commitMicros)),
	}, nil
}

func (d *Decoder) decodeRelation(body []byte, walPos wal.LSN, serverTime time.Time) (*wal.Change, error) {
	relationID, pos, ok := readUint32(body, 0)
	if !ok {
		return nil, &DecodeError{Tag: tagRelation, Offset: pos, Reason: "truncated relation id"}
	}
	namespace, pos, ok := readCString(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagRelation, Offset: pos, Reason: "unterminated namespace"}
	}
	table, pos, ok := readCString(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagRelation, Offset: pos, Reason: "unterminated table name"}
	}
	// Replica identity byte. It only determines whether later Update
	// and Delete records carry key-only or full old tuples; the tuple
	// part tags already encode that, so it is not retained.
	_, pos, ok = readByte(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagRelation, Offset: pos, Reason: "truncated replica identity"}
	}
	columnCount, pos, ok := readUint16(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagRelation, Offset: pos, Reason: "truncated column count"}
	}

	columns := make([]wal.ColumnInfo, 0, columnCount)
	for i := 0; i < int(columnCount); i++ {
		flags, next, ok := readByte(body, pos)
		if !ok {
			return nil, &DecodeError{Tag: tagRelation, Offset: pos, Reason: "truncated column flags"}
		}
		name, next, ok2 := readCString(body, next)
		if !ok2 {
			return nil, &DecodeError{Tag: tagRelation, Offset: next, Reason: "unterminated column name"}
		}
		typeID, next, ok3 := readUint32(body, next)
		if !ok3 {
			return nil, &DecodeError{Tag: tagRelation, Offset: next, Reason: "truncated column type id"}
		}
		// Type modifier, not retained.
		_, next, ok4 := readUint32(body, next)
		if !ok4 {
			return nil, &DecodeError{Tag: tagRelation, Offset: next, Reason: "truncated column type modifier"}
		}
		columns = append(columns, wal.ColumnInfo{Name: name, TypeID: typeID, Flags: flags})
		pos = next
	}

	d.relations.Set(&wal.RelationSchema{
		RelationID: relationID,
		Schema:     namespace,
		Table:      table,
		Columns:    columns,
	})

	return &wal.Change{
		Kind:       wal.ChangeRelation,
		LSN:        walPos,
		Timestamp:  serverTime,
		RelationID: relationID,
		Schema:     namespace,
		Table:      table,
		Columns:    columns,
	}, nil
}

func (d *Decoder) decodeInsert(body []byte, walPos wal.LSN, serverTime time.Time) (*wal.Change, error) {
	relationID, pos, ok := readUint32(body, 0)
	if !ok {
		return nil, &DecodeError{Tag: tagInsert, Offset: pos, Reason: "truncated relation id"}
	}
	schema, ok := d.relations.Get(relationID)
	if !ok {
		return nil, &UnknownRelationError{RelationID: relationID}
	}

	part, pos, ok := readByte(body, pos)
	if !ok || part != tupleNew {
		return nil, &DecodeError{Tag: tagInsert, Offset: pos, Reason: "missing new tuple"}
	}
	newTuple, _, err := decodeTuple(tagInsert, body, pos, schema)
	if err != nil {
		return nil, err
	}

	return &wal.Change{
		Kind:       wal.ChangeInsert,
		LSN:        walPos,
		Timestamp:  serverTime,
		RelationID: relationID,
		Schema:     schema.Schema,
		Table:      schema.Table,
		New:        newTuple,
	}, nil
}

func (d *Decoder) decodeUpdate(body []byte, walPos wal.LSN, serverTime time.Time) (*wal.Change, error) {
	relationID, pos, ok := readUint32(body, 0)
	if !ok {
		return nil, &DecodeError{Tag: tagUpdate, Offset: pos, Reason: "truncated relation id"}
	}
	schema, ok := d.relations.Get(relationID)
	if !ok {
		return nil, &UnknownRelationError{RelationID: relationID}
	}

	part, pos, ok := readByte(body, pos)
	if !ok {
		return nil, &DecodeError{Tag: tagUpdate, Offset: pos, Reason: "missing tuple part"}
	}

	// The old image is present only when the replica identity captured
	// a key ('K') or full ('O') prior row; otherwise the record goes
	// straight to the new tuple.
	var oldTuple *wal.Tuple
	if part == tupleKey || part == tupleOld {
		var err error
		oldTuple, pos, err = decodeTuple(tagUpdate, body, pos, schema)
		if err != nil {
			return nil, err
		}
		part, pos, ok = readByte(body, pos)
		if !ok {
			return nil, &DecodeError{Tag: tagUpdate, Offset: pos, Reason: "missing new tuple"}
		}
	}
	if part != tupleNew {
		return nil, &DecodeError{Tag: tagUpdate, Offset: pos, Reason: "unexpected tuple part tag"}
	}

	newTuple, _, err := decodeTuple(tagUpdate, body, pos, schema)
	if err != nil {
		return nil, err
	}

	return &wal.Change{
		Kind:       wal.ChangeUpdate,
		LSN:        walPos,
		Timestamp:  serverTime,
		RelationID: relationID,
		Schema:     schema.Schema,
		Table:      schema.Table,
		Old:        oldTuple,
		New:        newTuple,
	}, nil
}

func (d *Decoder) decodeDelete(body []byte, walPos wal.LSN, serverTime time.Time) (*wal.Change, error) {
	relationID, pos, ok := readUint32(body, 0)
	if !ok {
		return nil, &DecodeError{Tag: tagDelete, Offset: pos, Reason: "truncated relation id"}
	}
	schema, ok := d.relations.Get(relationID)
	if !ok {
		return nil, &UnknownRelationError{RelationID: relationID}
	}

	part, pos, ok := readByte(body, pos)
	if !ok || (part != tupleKey && part != tupleOld) {
		return nil, &DecodeError{Tag: tagDelete, Offset: pos, Reason: "missing old tuple"}
	}
	oldTuple, _, err := decodeTuple(tagDelete, body, pos, schema)
	if err != nil {
		return nil, err
	}

	return &wal.Change{
		Kind:       wal.ChangeDelete,
		LSN:        walPos,
		Timestamp:  serverTime,
		RelationID: relationID,
		Schema:     schema.Schema,
		Table:      schema.Table,
		Old:        oldTuple,
	}, nil
}

// decodeTuple reads a column-count-prefixed tuple against the cached
// schema. The wire column count must equal the schema's column count;
// wire order is defined by the protocol to match declaration order.
func decodeTuple(tag byte, body []byte, pos int, schema *wal.RelationSchema) (*wal.Tuple, int, error) {
	columnCount, pos, ok := readUint16(body, pos)
	if !ok {
		return nil, pos, &DecodeError{Tag: tag, Offset: pos, Reason: "truncated tuple column count"}
	}
	if int(columnCount) != len(schema.Columns) {
		return nil, pos, &DecodeError{
			Tag:    tag,
			Offset: pos,
			Reason: "tuple column count does not match cached schema",
		}
	}

	columns := make([]wal.TupleColumn, 0, columnCount)
	for _, col := range schema.Columns {
		kind, next, ok := readByte(body, pos)
		if !ok {
			return nil, pos, &DecodeError{Tag: tag, Offset: pos, Reason: "truncated column kind"}
		}
		pos = next

		switch kind {
		case colNull, colUnchanged:
			// SQL NULL and unchanged TOAST columns collapse to the
			// same nil value at this layer.
			columns = append(columns, wal.TupleColumn{Name: col.Name})
		case colText:
			length, next, ok := readUint32(body, pos)
			if !ok {
				return nil, pos, &DecodeError{Tag: tag, Offset: pos, Reason: "truncated column length"}
			}
			raw, next, ok2 := readBytes(body, next, int(length))
			if !ok2 {
				return nil, pos, &DecodeError{Tag: tag, Offset: pos, Reason: "truncated column value"}
			}
			value := string(raw)
			columns = append(columns, wal.TupleColumn{Name: col.Name, Value: &value})
			pos = next
		default:
			return nil, pos, &DecodeError{Tag: tag, Offset: pos, Reason: "unknown column kind tag"}
		}
	}

	return &wal.Tuple{Columns: columns}, pos, nil
}

// Cursor-style read helpers. Each returns the value, the position after
// it, and whether enough bytes were available. All integers on the
// replication wire are big-endian.

func readByte(data []byte, pos int) (byte, int, bool) {
	if pos >= len(data) {
		return 0, pos, false
	}
	return data[pos], pos + 1, true
}

func readUint16(data []byte, pos int) (uint16, int, bool) {
	if pos+2 > len(data) {
		return 0, pos, false
	}
	return binary.BigEndian.Uint16(data[pos : pos+2]), pos + 2, true
}

func readUint32(data []byte, pos int) (uint32, int, bool) {
	if pos+4 > len(data) {
		return 0, pos, false
	}
	return binary.BigEndian.Uint32(data[pos : pos+4]), pos + 4, true
}

func readUint64(data []byte, pos int) (uint64, int, bool) {
	if pos+8 > len(data) {
		return 0, pos, false
	}
	return binary.BigEndian.Uint64(data[pos : pos+8]), pos + 8, true
}

func readCString(data []byte, pos int) (string, int, bool) {
	for i := pos; i < len(data); i++ {
		if data[i] == 0 {
			return string(data[pos:i]), i + 1, true
		}
	}
	return "", pos, false
}

func readBytes(data []byte, pos int, n int) ([]byte, int, bool) {
	if n < 0 || pos+n > len(data) {
		return nil, pos, false
	}
	return data[pos : pos+n], pos + n, true
}
