package transformer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/beaver/wal"
)

func TestFelderaTransformerInsertTypedValues(t *testing.T) {
	tr := NewFelderaTransformer(nil)

	data, err := tr.Transform(userInsert(), usersSchema())
	require.NoError(t, err)

	var event felderaEvent
	require.NoError(t, json.Unmarshal(data, &event))
	require.Nil(t, event.Delete)
	assert.Equal(t, "Alice", event.Insert["name"])
	// id is int4 per the schema, so it must be a JSON number.
	assert.Equal(t, float64(1), event.Insert["id"])
}

func TestFelderaTransformerUpdateSplitsIntoDeleteInsert(t *testing.T) {
	tr := NewFelderaTransformer(nil)
	change := userInsert()
	change.Kind = wal.ChangeUpdate
	change.Old = &wal.Tuple{Columns: []wal.TupleColumn{
		{Name: "id", Value: strPtr("1")},
		{Name: "name", Value: strPtr("Bob")},
	}}

	data, err := tr.Transform(change, usersSchema())
	require.NoError(t, err)

	lines := strings.Split(string(data), "\n")
	require.Len(t, lines, 2)

	var first, second felderaEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "Bob", first.Delete["name"])
	assert.Equal(t, "Alice", second.Insert["name"])
}

func TestFelderaTransformerUpdateWithoutOldImage(t *testing.T) {
	tr := NewFelderaTransformer(nil)
	change := userInsert()
	change.Kind = wal.ChangeUpdate

	data, err := tr.Transform(change, usersSchema())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\n")
	assert.Contains(t, string(data), `"insert"`)
}

func TestFelderaTransformerDelete(t *testing.T) {
	tr := NewFelderaTransformer(nil)
	change := &wal.Change{
		Kind:   wal.ChangeDelete,
		Schema: "public",
		Table:  "users",
		Old: &wal.Tuple{Columns: []wal.TupleColumn{
			{Name: "id", Value: strPtr("42")},
			{Name: "name", Value: nil},
		}},
	}

	data, err := tr.Transform(change, usersSchema())
	require.NoError(t, err)

	var event felderaEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, float64(42), event.Delete["id"])
	assert.Contains(t, event.Delete, "name")
	assert.Nil(t, event.Delete["name"])
}

func TestFelderaTransformerSkipsTransactionMarkers(t *testing.T) {
	tr := NewFelderaTransformer(nil)

	for _, kind := range []wal.ChangeKind{wal.ChangeBegin, wal.ChangeCommit, wal.ChangeRelation} {
		data, err := tr.Transform(&wal.Change{Kind: kind}, nil)
		require.NoError(t, err)
		assert.Nil(t, data)
	}
}

func TestFelderaTransformerWithoutSchemaFallsBackToStrings(t *testing.T) {
	tr := NewFelderaTransformer(nil)

	data, err := tr.Transform(userInsert(), nil)
	require.NoError(t, err)

	var event felderaEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "1", event.Insert["id"])
}

func TestFelderaTypedValueKinds(t *testing.T) {
	tr := NewFelderaTransformer(nil)

	assert.Equal(t, true, tr.typedValue(16, "t"))
	assert.Equal(t, int16(7), tr.typedValue(21, "7"))
	assert.Equal(t, int64(9000000000), tr.typedValue(20, "9000000000"))
	assert.Equal(t, float64(1.5), tr.typedValue(701, "1.5"))
	// Unknown OIDs and undecodable values pass through untouched.
	assert.Equal(t, "hello", tr.typedValue(25, "hello"))
	assert.Equal(t, "not-a-number", tr.typedValue(23, "not-a-number"))
}
