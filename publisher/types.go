package publisher

import "github.com/maxpert/beaver/wal"

// Event is one entry in the durable publish log: a monotonic sequence
// number plus the decoded change it carries.
type Event struct {
	Seq    uint64      `msgpack:"seq"`
	Change *wal.Change `msgpack:"change"`
}

// Sink represents a destination for change events (e.g., Kafka, NATS, HTTP)
type Sink interface {
	// Publish sends a payload to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer renders change events into a sink-specific wire format.
type Transformer interface {
	// Transform converts a change to bytes for publishing. A nil
	// payload with nil error means the format has no representation
	// for this change kind and it should be skipped.
	Transform(change *wal.Change, schema *wal.RelationSchema) ([]byte, error)
}

// Filter determines whether a change event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(schema, table string) bool
}

// SchemaProvider resolves relation metadata announced on the
// replication stream.
type SchemaProvider interface {
	Schema(relationID uint32) (*wal.RelationSchema, bool)
}
