// Package sink provides implementations of the publisher.Sink interface
// for delivering change events to downstream systems.
package sink

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/maxpert/beaver/cfg"
	"github.com/maxpert/beaver/publisher"
)

func init() {
	publisher.RegisterSink("stdout", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return NewWriterSink(os.Stdout), nil
	})
}

// WriterSink writes one payload per line to an io.Writer. It is the
// default sink and what backs the command line "pipe to jq" workflow.
type WriterSink struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterSink creates a sink over the given writer
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Publish writes the payload followed by a newline. Topic and key are
// ignored; ordering is the log order the worker delivers in.
func (s *WriterSink) Publish(topic, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(value); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if _, err := s.w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

// Close is a no-op; the underlying writer is not owned by the sink
func (s *WriterSink) Close() error {
	return nil
}
