package publisher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/beaver/cfg"
	"github.com/maxpert/beaver/wal"
)

func registerTestFactories(snk *captureSink) {
	RegisterSink("capture", func(cfg.SinkConfiguration) (Sink, error) {
		return snk, nil
	})
	RegisterTransformer("kind", func(TransformerOptions) (Transformer, error) {
		return &kindTransformer{}, nil
	})
}

func testSinkConfig(name string) cfg.SinkConfiguration {
	return cfg.SinkConfiguration{
		Name:           name,
		Type:           "capture",
		Format:         "kind",
		TopicPrefix:    "beaver",
		BatchSize:      10,
		PollIntervalMS: 5,
		RetryInitialMS: 1,
	}
}

func TestRegistryEndToEnd(t *testing.T) {
	snk := &captureSink{}
	registerTestFactories(snk)

	registry, err := NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{testSinkConfig("primary")},
	})
	require.NoError(t, err)

	require.NoError(t, registry.Start())
	defer registry.Stop()

	require.NoError(t, registry.Append(testChange("users", 1), testChange("users", 2)))

	assert.Eventually(t, func() bool {
		return len(snk.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return registry.PendingCounts()["primary"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryAppendBeforeStart(t *testing.T) {
	snk := &captureSink{}
	registerTestFactories(snk)

	registry, err := NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{testSinkConfig("primary")},
	})
	require.NoError(t, err)
	defer registry.log.Close()

	err = registry.Append(&wal.Change{Kind: wal.ChangeBegin})
	assert.Error(t, err)
}

func TestRegistryUnknownSinkType(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		DataDir: t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{{
			Name:   "bad",
			Type:   "no-such-type",
			Format: "kind",
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink type")
}

func TestRegistryUnknownFormat(t *testing.T) {
	registerTestFactories(&captureSink{})

	config := testSinkConfig("bad")
	config.Format = "no-such-format"
	_, err := NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{config},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestRegistryDoubleStart(t *testing.T) {
	registerTestFactories(&captureSink{})

	registry, err := NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{testSinkConfig("primary")},
	})
	require.NoError(t, err)
	defer registry.Stop()

	require.NoError(t, registry.Start())
	assert.Error(t, registry.Start())
}
