package transformer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/beaver/wal"
)

func strPtr(s string) *string {
	return &s
}

func usersSchema() *wal.RelationSchema {
	return &wal.RelationSchema{
		RelationID: 16384,
		Schema:     "public",
		Table:      "users",
		Columns: []wal.ColumnInfo{
			{Name: "id", TypeID: 23, Flags: 1},
			{Name: "name", TypeID: 25},
		},
	}
}

func userInsert() *wal.Change {
	return &wal.Change{
		Kind:       wal.ChangeInsert,
		LSN:        wal.LSN(0x16B374D848),
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		RelationID: 16384,
		Schema:     "public",
		Table:      "users",
		New: &wal.Tuple{Columns: []wal.TupleColumn{
			{Name: "id", Value: strPtr("1")},
			{Name: "name", Value: strPtr("Alice")},
		}},
	}
}

func TestJSONTransformerRendersChange(t *testing.T) {
	tr := &JSONTransformer{}

	data, err := tr.Transform(userInsert(), usersSchema())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "public", decoded["schema"])
	assert.Equal(t, "users", decoded["table"])
	assert.Equal(t, map[string]interface{}{"id": "1", "name": "Alice"}, decoded["new"])
}

func TestJSONTransformerPreservesColumnOrder(t *testing.T) {
	tr := &JSONTransformer{}

	data, err := tr.Transform(userInsert(), usersSchema())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"new":{"id":"1","name":"Alice"}`)
}

func TestJSONTransformerPretty(t *testing.T) {
	tr := &JSONTransformer{Pretty: true}

	data, err := tr.Transform(userInsert(), usersSchema())
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  ")
}
