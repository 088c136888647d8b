package wal

import (
	"bytes"
	"encoding/json"
	"time"
)

// ChangeKind identifies the variant of a Change.
type ChangeKind uint8

const (
	ChangeBegin ChangeKind = iota
	ChangeCommit
	ChangeRelation
	ChangeInsert
	ChangeUpdate
	ChangeDelete
)

// String returns the lowercase name used in topics and JSON output.
func (k ChangeKind) String() string {
	switch k {
	case ChangeBegin:
		return "begin"
	case ChangeCommit:
		return "commit"
	case ChangeRelation:
		return "relation"
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	}
	return "unknown"
}

// Transactional reports whether the kind is a transaction marker
// rather than a table-level change.
func (k ChangeKind) Transactional() bool {
	return k == ChangeBegin || k == ChangeCommit
}

// ColumnInfo describes one column of a relation. Flags bit 0 marks the
// column as part of the table's replica identity key.
type ColumnInfo struct {
	Name   string `json:"name" msgpack:"name"`
	TypeID uint32 `json:"type_id" msgpack:"type_id"`
	Flags  uint8  `json:"flags" msgpack:"flags"`
}

// IsKey reports whether the column belongs to the replica identity key.
func (c ColumnInfo) IsKey() bool {
	return c.Flags&1 == 1
}

// RelationSchema is the cached column layout of one relation. Entries are
// replaced wholesale when the server announces a schema change; they are
// never partially mutated.
type RelationSchema struct {
	RelationID uint32       `json:"relation_id" msgpack:"relation_id"`
	Schema     string       `json:"schema" msgpack:"schema"`
	Table      string       `json:"table" msgpack:"table"`
	Columns    []ColumnInfo `json:"columns" msgpack:"columns"`
}

// TupleColumn is one decoded column value. A nil Value means SQL NULL or
// an unchanged TOAST column that was not sent on the wire.
type TupleColumn struct {
	Name  string  `msgpack:"name"`
	Value *string `msgpack:"value"`
}

// Tuple is a decoded row. Column order always equals the declaration
// order of the relation schema the tuple was decoded against.
type Tuple struct {
	Columns []TupleColumn `msgpack:"columns"`
}

// Get returns the value for a column name and whether the column exists.
// The returned pointer is nil for NULL/unchanged columns.
func (t *Tuple) Get(name string) (*string, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c.Value, true
		}
	}
	return nil, false
}

// Len returns the number of columns.
func (t *Tuple) Len() int {
	return len(t.Columns)
}

// MarshalJSON renders the tuple as a JSON object preserving column order.
// NULL and unchanged columns render as JSON null.
func (t *Tuple) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range t.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if c.Value == nil {
			buf.WriteString("null")
		} else {
			val, err := json.Marshal(*c.Value)
			if err != nil {
				return nil, err
			}
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Change is one decoded replication event. It is a closed variant set
// discriminated by Kind; only the fields relevant to a given kind are
// populated. A Change is a self-contained snapshot: it carries the
// denormalized schema and table names, so it stays valid even after the
// relation cache entry it was decoded against is replaced.
type Change struct {
	Kind ChangeKind `json:"kind" msgpack:"kind"`

	// LSN is the WAL position of the record: the final LSN for Begin,
	// the commit LSN for Commit, and the record's own start position
	// for the remaining kinds.
	LSN LSN `json:"lsn" msgpack:"lsn"`

	// EndLSN is the position just past the transaction; set on Commit
	// only. Acknowledging it releases the whole transaction's WAL.
	EndLSN LSN `json:"end_lsn,omitempty" msgpack:"end_lsn"`

	// Timestamp is the commit time for Begin/Commit and the server send
	// time for the remaining kinds.
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`

	// XID is the transaction id; set on Begin only.
	XID uint32 `json:"xid,omitempty" msgpack:"xid"`

	RelationID uint32 `json:"relation_id,omitempty" msgpack:"relation_id"`
	Schema     string `json:"schema,omitempty" msgpack:"schema"`
	Table      string `json:"table,omitempty" msgpack:"table"`

	// Columns is set on Relation changes.
	Columns []ColumnInfo `json:"columns,omitempty" msgpack:"columns"`

	// Old is the prior row image: always set on Delete, set on Update
	// only when the replica identity captured an old or key tuple.
	Old *Tuple `json:"old,omitempty" msgpack:"old"`

	// New is the row image after the change; set on Insert and Update.
	New *Tuple `json:"new,omitempty" msgpack:"new"`
}

// IdentityTuple returns the tuple that identifies the affected row:
// the old tuple for deletes, the new tuple otherwise. Nil for changes
// that carry no row image.
func (c *Change) IdentityTuple() *Tuple {
	if c.Kind == ChangeDelete {
		return c.Old
	}
	return c.New
}
