package sink

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maxpert/beaver/cfg"
	"github.com/maxpert/beaver/publisher"
)

const felderaRequestTimeout = 30 * time.Second

func init() {
	publisher.RegisterSink("feldera", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.FelderaURL == "" {
			return nil, fmt.Errorf("feldera sink requires feldera_url")
		}
		return NewFelderaSink(config.FelderaURL, config.TopicPrefix), nil
	})
}

// FelderaSink posts change payloads to a Feldera pipeline's HTTP
// ingress endpoint. Each table feeds the SQL table named
// "{schema}_{table}" in the pipeline.
type FelderaSink struct {
	baseURL     string
	topicPrefix string
	client      *http.Client
}

// NewFelderaSink creates a sink for the pipeline at baseURL.
// topicPrefix is the same prefix the worker uses to build topics; the
// sink strips it again to recover the table name.
func NewFelderaSink(baseURL, topicPrefix string) *FelderaSink {
	return &FelderaSink{
		baseURL:     strings.TrimRight(baseURL, "/"),
		topicPrefix: topicPrefix,
		client:      &http.Client{Timeout: felderaRequestTimeout},
	}
}

// Publish posts the payload to /ingress/{table}. The key is unused;
// Feldera identifies rows by their declared table keys.
func (f *FelderaSink) Publish(topic, key string, value []byte) error {
	url := fmt.Sprintf("%s/ingress/%s?format=json", f.baseURL, f.tableFromTopic(topic))

	resp, err := f.client.Post(url, "application/json", bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("post to feldera: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("feldera ingress returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Close releases resources held by the FelderaSink
func (f *FelderaSink) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// tableFromTopic recovers "{schema}_{table}" from a worker topic of the
// form "{prefix}.{schema}.{table}.{op}".
func (f *FelderaSink) tableFromTopic(topic string) string {
	name := topic
	if f.topicPrefix != "" {
		name = strings.TrimPrefix(name, f.topicPrefix+".")
	}
	parts := strings.Split(name, ".")
	if len(parts) > 1 {
		// Drop the trailing operation segment
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "_")
}
