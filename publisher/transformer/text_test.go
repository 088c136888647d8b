package transformer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/beaver/wal"
)

func TestTextTransformerBegin(t *testing.T) {
	tr := &TextTransformer{}
	change := &wal.Change{
		Kind:      wal.ChangeBegin,
		LSN:       wal.LSN(0x16B374D848),
		XID:       771,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := tr.Transform(change, nil)
	require.NoError(t, err)
	assert.Equal(t, "BEGIN [LSN: 16/B374D848, XID: 771, Time: 2024-03-01 12:00:00 +0000 UTC]", string(data))
}

func TestTextTransformerInsert(t *testing.T) {
	tr := &TextTransformer{}

	data, err := tr.Transform(userInsert(), nil)
	require.NoError(t, err)
	assert.Equal(t, "INSERT into public.users (ID: 16384)\n  New values:\n    id: 1\n    name: Alice", string(data))
}

func TestTextTransformerDeleteRendersNull(t *testing.T) {
	tr := &TextTransformer{}
	change := &wal.Change{
		Kind:       wal.ChangeDelete,
		RelationID: 16384,
		Schema:     "public",
		Table:      "users",
		Old: &wal.Tuple{Columns: []wal.TupleColumn{
			{Name: "id", Value: strPtr("42")},
			{Name: "name", Value: nil},
		}},
	}

	data, err := tr.Transform(change, nil)
	require.NoError(t, err)
	assert.Equal(t, "DELETE from public.users (ID: 16384)\n  Old values:\n    id: 42\n    name: NULL", string(data))
}

func TestTextTransformerUpdateWithoutOldImage(t *testing.T) {
	tr := &TextTransformer{}
	change := userInsert()
	change.Kind = wal.ChangeUpdate

	data, err := tr.Transform(change, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Old values")
	assert.Contains(t, string(data), "New values")
}

func TestTextTransformerRelation(t *testing.T) {
	tr := &TextTransformer{}
	change := &wal.Change{
		Kind:       wal.ChangeRelation,
		RelationID: 16384,
		Schema:     "public",
		Table:      "users",
		Columns: []wal.ColumnInfo{
			{Name: "id", TypeID: 23, Flags: 1},
			{Name: "name", TypeID: 25},
		},
	}

	data, err := tr.Transform(change, nil)
	require.NoError(t, err)
	assert.Equal(t, "RELATION [public.users (ID: 16384)]\n  Columns:\n    - id (type_id: 23, flags: 1)\n    - name (type_id: 25, flags: 0)", string(data))
}
