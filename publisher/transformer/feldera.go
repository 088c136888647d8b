package transformer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/maxpert/beaver/publisher"
	"github.com/maxpert/beaver/wal"
)

func init() {
	publisher.RegisterTransformer("feldera", func(opts publisher.TransformerOptions) (publisher.Transformer, error) {
		return NewFelderaTransformer(opts.Schemas), nil
	})
}

// FelderaTransformer renders data changes as Feldera ingress events:
// newline-delimited {"insert": row} and {"delete": row} documents.
// Updates split into a delete of the old row followed by an insert of
// the new one. Column values are decoded into typed JSON using the
// relation's declared type OIDs, so numeric SQL columns arrive as JSON
// numbers rather than strings.
//
// Transaction markers and relation announcements are skipped.
type FelderaTransformer struct {
	schemas publisher.SchemaProvider
	typeMap *pgtype.Map
}

// NewFelderaTransformer creates a transformer resolving column types
// through the given provider. A nil provider degrades to string values.
func NewFelderaTransformer(schemas publisher.SchemaProvider) *FelderaTransformer {
	return &FelderaTransformer{
		schemas: schemas,
		typeMap: pgtype.NewMap(),
	}
}

type felderaEvent struct {
	Insert map[string]interface{} `json:"insert,omitempty"`
	Delete map[string]interface{} `json:"delete,omitempty"`
}

// Transform converts a data change to one or two ingress events
func (f *FelderaTransformer) Transform(change *wal.Change, schema *wal.RelationSchema) ([]byte, error) {
	var events []felderaEvent

	switch change.Kind {
	case wal.ChangeInsert:
		events = []felderaEvent{{Insert: f.typedRow(change.New, schema)}}
	case wal.ChangeUpdate:
		if change.Old != nil {
			events = append(events, felderaEvent{Delete: f.typedRow(change.Old, schema)})
		}
		events = append(events, felderaEvent{Insert: f.typedRow(change.New, schema)})
	case wal.ChangeDelete:
		events = []felderaEvent{{Delete: f.typedRow(change.Old, schema)}}
	default:
		return nil, nil
	}

	var buf bytes.Buffer
	for i, event := range events {
		if i > 0 {
			buf.WriteByte('\n')
		}
		data, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// typedRow converts a tuple into a JSON-ready map, decoding values
// through the relation's type OIDs where a safe mapping exists.
func (f *FelderaTransformer) typedRow(tuple *wal.Tuple, schema *wal.RelationSchema) map[string]interface{} {
	if tuple == nil {
		return nil
	}

	row := make(map[string]interface{}, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if col.Value == nil {
			row[col.Name] = nil
			continue
		}

		var oid uint32
		if schema != nil && i < len(schema.Columns) {
			oid = schema.Columns[i].TypeID
		}
		row[col.Name] = f.typedValue(oid, *col.Value)
	}
	return row
}

// typedValue decodes a text value for OIDs whose decoded Go types are
// JSON friendly. Everything else passes through as a string, which
// Feldera coerces against the table's declared SQL type.
func (f *FelderaTransformer) typedValue(oid uint32, text string) interface{} {
	switch oid {
	case pgtype.BoolOID, pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID,
		pgtype.Float4OID, pgtype.Float8OID:
	default:
		return text
	}

	dt, ok := f.typeMap.TypeForOID(oid)
	if !ok {
		return text
	}
	value, err := dt.Codec.DecodeValue(f.typeMap, oid, pgtype.TextFormatCode, []byte(text))
	if err != nil {
		return text
	}
	return value
}
