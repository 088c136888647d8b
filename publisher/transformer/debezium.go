package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/beaver/publisher"
	"github.com/maxpert/beaver/wal"
)

const (
	connectorName    = "beaver"
	connectorVersion = "1.0.0"
)

func init() {
	publisher.RegisterTransformer("debezium", func(publisher.TransformerOptions) (publisher.Transformer, error) {
		return NewDebeziumTransformer(), nil
	})
}

// DebeziumTransformer renders data changes as Debezium-style CDC
// envelopes, compatible with consumers built for the Debezium
// PostgreSQL connector's payload shape.
//
// Only Insert, Update and Delete have a representation; transaction
// markers and relation announcements are skipped.
type DebeziumTransformer struct{}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{}
}

type debeziumEnvelope struct {
	Before *wal.Tuple     `json:"before"`
	After  *wal.Tuple     `json:"after"`
	Source debeziumSource `json:"source"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
}

type debeziumSource struct {
	Version   string `json:"version"`
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Db        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	LSN       string `json:"lsn"`
}

// Transform converts a data change to a Debezium envelope
func (d *DebeziumTransformer) Transform(change *wal.Change, _ *wal.RelationSchema) ([]byte, error) {
	var op string
	switch change.Kind {
	case wal.ChangeInsert:
		op = "c"
	case wal.ChangeUpdate:
		op = "u"
	case wal.ChangeDelete:
		op = "d"
	default:
		return nil, nil
	}

	tsMs := change.Timestamp.UnixMilli()
	envelope := debeziumEnvelope{
		Before: change.Old,
		After:  change.New,
		Source: debeziumSource{
			Version:   connectorVersion,
			Connector: "postgresql",
			Name:      connectorName,
			TsMs:      tsMs,
			Db:        "postgres",
			Schema:    change.Schema,
			Table:     change.Table,
			LSN:       change.LSN.String(),
		},
		Op:   op,
		TsMs: tsMs,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}
