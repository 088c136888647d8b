package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/beaver/wal"
)

// PostgresConfiguration describes the upstream replication connection
type PostgresConfiguration struct {
	DSN                   string `toml:"dsn"`
	Slot                  string `toml:"slot"`
	Publication           string `toml:"publication"`
	CreateSlot            bool   `toml:"create_slot"`
	StartLSN              string `toml:"start_lsn"` // "" means resume from slot / server position
	StatusIntervalSeconds int    `toml:"status_interval_seconds"`
}

// SinkConfiguration describes one downstream delivery target
type SinkConfiguration struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"`   // "stdout", "nats", "kafka", "feldera"
	Format      string   `toml:"format"` // "json", "json-pretty", "text", "debezium", "feldera"
	TopicPrefix string   `toml:"topic_prefix"`
	Schemas     []string `toml:"schemas"` // glob patterns, empty matches all
	Tables      []string `toml:"tables"`  // glob patterns, empty matches all

	NatsURL    string   `toml:"nats_url"`
	Brokers    []string `toml:"brokers"`
	FelderaURL string   `toml:"feldera_url"`

	BatchSize       int     `toml:"batch_size"`
	PollIntervalMS  int     `toml:"poll_interval_ms"`
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Postgres   PostgresConfiguration   `toml:"postgres"`
	Sinks      []SinkConfiguration     `toml:"sink"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag     = flag.String("data-dir", "", "Data directory (overrides config)")
	DSNFlag         = flag.String("dsn", "", "PostgreSQL connection string (overrides config)")
	SlotFlag        = flag.String("slot", "", "Replication slot name (overrides config)")
	PublicationFlag = flag.String("publication", "", "Publication name (overrides config)")
	CreateSlotFlag  = flag.Bool("create-slot", false, "Create the replication slot if absent")
	StartLSNFlag    = flag.String("start-lsn", "", "LSN to start streaming from (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./beaver-data",

	Postgres: PostgresConfiguration{
		DSN:                   "",
		Slot:                  "beaver",
		Publication:           "",
		CreateSlot:            false,
		StartLSN:              "",
		StatusIntervalSeconds: 10,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

var validSinkTypes = map[string]bool{
	"stdout": true, "nats": true, "kafka": true, "feldera": true,
}

var validFormats = map[string]bool{
	"json": true, "json-pretty": true, "text": true, "debezium": true, "feldera": true,
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *DSNFlag != "" {
		Config.Postgres.DSN = *DSNFlag
	}
	if *SlotFlag != "" {
		Config.Postgres.Slot = *SlotFlag
	}
	if *PublicationFlag != "" {
		Config.Postgres.Publication = *PublicationFlag
	}
	if *CreateSlotFlag {
		Config.Postgres.CreateSlot = true
	}
	if *StartLSNFlag != "" {
		Config.Postgres.StartLSN = *StartLSNFlag
	}

	// A bare invocation still produces output somewhere
	if len(Config.Sinks) == 0 {
		Config.Sinks = []SinkConfiguration{
			{Name: "stdout", Type: "stdout", Format: "json"},
		}
	}
	applySinkDefaults()

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

func applySinkDefaults() {
	for i := range Config.Sinks {
		sink := &Config.Sinks[i]
		if sink.Name == "" {
			sink.Name = fmt.Sprintf("%s-%d", sink.Type, i)
		}
		if sink.Format == "" {
			sink.Format = "json"
		}
		if sink.TopicPrefix == "" {
			sink.TopicPrefix = "beaver"
		}
		if sink.BatchSize <= 0 {
			sink.BatchSize = 64
		}
		if sink.PollIntervalMS <= 0 {
			sink.PollIntervalMS = 100
		}
		if sink.RetryInitialMS <= 0 {
			sink.RetryInitialMS = 100
		}
		if sink.RetryMaxMS <= 0 {
			sink.RetryMaxMS = 10000
		}
		if sink.RetryMultiplier <= 1 {
			sink.RetryMultiplier = 2
		}
	}
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("beaver")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}

	if Config.Postgres.Slot == "" {
		return fmt.Errorf("postgres.slot is required")
	}

	if Config.Postgres.Publication == "" {
		return fmt.Errorf("postgres.publication is required")
	}

	if Config.Postgres.StatusIntervalSeconds < 1 {
		return fmt.Errorf("postgres status interval must be >= 1 second")
	}

	if Config.Postgres.StartLSN != "" {
		if _, err := wal.ParseLSN(Config.Postgres.StartLSN); err != nil {
			return fmt.Errorf("invalid start LSN %q: %w", Config.Postgres.StartLSN, err)
		}
	}

	names := map[string]bool{}
	for _, sink := range Config.Sinks {
		if !validSinkTypes[sink.Type] {
			return fmt.Errorf("sink %s: unknown type %q", sink.Name, sink.Type)
		}

		if !validFormats[sink.Format] {
			return fmt.Errorf("sink %s: unknown format %q", sink.Name, sink.Format)
		}

		if names[sink.Name] {
			return fmt.Errorf("duplicate sink name %q", sink.Name)
		}
		names[sink.Name] = true

		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %s: nats_url is required", sink.Name)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %s: brokers are required", sink.Name)
			}
		case "feldera":
			if sink.FelderaURL == "" {
				return fmt.Errorf("sink %s: feldera_url is required", sink.Name)
			}
			if sink.Format != "feldera" {
				return fmt.Errorf("sink %s: feldera sinks require the feldera format", sink.Name)
			}
		}
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}

// ParsedStartLSN returns the configured start position, zero when unset.
func (p PostgresConfiguration) ParsedStartLSN() wal.LSN {
	if p.StartLSN == "" {
		return 0
	}
	lsn, err := wal.ParseLSN(p.StartLSN)
	if err != nil {
		return 0
	}
	return lsn
}
