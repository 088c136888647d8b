// Package transformer provides implementations of the
// publisher.Transformer interface for rendering change events into
// sink-specific wire formats.
package transformer

import (
	"encoding/json"

	"github.com/maxpert/beaver/publisher"
	"github.com/maxpert/beaver/wal"
)

func init() {
	publisher.RegisterTransformer("json", func(publisher.TransformerOptions) (publisher.Transformer, error) {
		return &JSONTransformer{}, nil
	})
	publisher.RegisterTransformer("json-pretty", func(publisher.TransformerOptions) (publisher.Transformer, error) {
		return &JSONTransformer{Pretty: true}, nil
	})
}

// JSONTransformer renders every change kind as its canonical JSON
// form, one document per event.
type JSONTransformer struct {
	Pretty bool
}

// Transform marshals the change. All kinds have a representation.
func (t *JSONTransformer) Transform(change *wal.Change, _ *wal.RelationSchema) ([]byte, error) {
	if t.Pretty {
		return json.MarshalIndent(change, "", "  ")
	}
	return json.Marshal(change)
}
