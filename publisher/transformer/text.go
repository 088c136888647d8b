package transformer

import (
	"bytes"
	"fmt"

	"github.com/maxpert/beaver/publisher"
	"github.com/maxpert/beaver/wal"
)

func init() {
	publisher.RegisterTransformer("text", func(publisher.TransformerOptions) (publisher.Transformer, error) {
		return &TextTransformer{}, nil
	})
}

// TextTransformer renders changes in a human-readable multi-line form,
// meant for watching a stream on a terminal.
type TextTransformer struct{}

// Transform renders the change. All kinds have a representation.
func (t *TextTransformer) Transform(change *wal.Change, _ *wal.RelationSchema) ([]byte, error) {
	var buf bytes.Buffer

	switch change.Kind {
	case wal.ChangeBegin:
		fmt.Fprintf(&buf, "BEGIN [LSN: %s, XID: %d, Time: %s]", change.LSN, change.XID, change.Timestamp.UTC())
	case wal.ChangeCommit:
		fmt.Fprintf(&buf, "COMMIT [LSN: %s, Time: %s]", change.LSN, change.Timestamp.UTC())
	case wal.ChangeRelation:
		fmt.Fprintf(&buf, "RELATION [%s.%s (ID: %d)]\n", change.Schema, change.Table, change.RelationID)
		buf.WriteString("  Columns:")
		for _, col := range change.Columns {
			fmt.Fprintf(&buf, "\n    - %s (type_id: %d, flags: %d)", col.Name, col.TypeID, col.Flags)
		}
	case wal.ChangeInsert:
		fmt.Fprintf(&buf, "INSERT into %s.%s (ID: %d)", change.Schema, change.Table, change.RelationID)
		writeTuple(&buf, "New values", change.New)
	case wal.ChangeUpdate:
		fmt.Fprintf(&buf, "UPDATE %s.%s (ID: %d)", change.Schema, change.Table, change.RelationID)
		if change.Old != nil {
			writeTuple(&buf, "Old values", change.Old)
		}
		writeTuple(&buf, "New values", change.New)
	case wal.ChangeDelete:
		fmt.Fprintf(&buf, "DELETE from %s.%s (ID: %d)", change.Schema, change.Table, change.RelationID)
		writeTuple(&buf, "Old values", change.Old)
	default:
		return nil, fmt.Errorf("unknown change kind %d", change.Kind)
	}

	return buf.Bytes(), nil
}

func writeTuple(buf *bytes.Buffer, label string, tuple *wal.Tuple) {
	if tuple == nil {
		return
	}
	fmt.Fprintf(buf, "\n  %s:", label)
	for _, col := range tuple.Columns {
		if col.Value == nil {
			fmt.Fprintf(buf, "\n    %s: NULL", col.Name)
		} else {
			fmt.Fprintf(buf, "\n    %s: %s", col.Name, *col.Value)
		}
	}
}
