package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/beaver/admin"
	"github.com/maxpert/beaver/cfg"
	"github.com/maxpert/beaver/publisher"
	"github.com/maxpert/beaver/replication"
	"github.com/maxpert/beaver/telemetry"
	"github.com/maxpert/beaver/wal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	// Register sink and transformer factories
	_ "github.com/maxpert/beaver/publisher/sink"
	_ "github.com/maxpert/beaver/publisher/transformer"
)

const collectorInterval = 10 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Beaver - PostgreSQL change data capture")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open the replication session
	log.Info().
		Str("slot", cfg.Config.Postgres.Slot).
		Str("publication", cfg.Config.Postgres.Publication).
		Msg("Opening replication session")

	session, err := replication.Open(ctx, replication.Config{
		ConnString:     cfg.Config.Postgres.DSN,
		Slot:           cfg.Config.Postgres.Slot,
		Publication:    cfg.Config.Postgres.Publication,
		CreateSlot:     cfg.Config.Postgres.CreateSlot,
		StartLSN:       cfg.Config.Postgres.ParsedStartLSN(),
		StatusInterval: time.Duration(cfg.Config.Postgres.StatusIntervalSeconds) * time.Second,
	})
	if err != nil {
		var slotErr *replication.SlotError
		if errors.As(err, &slotErr) {
			log.Fatal().Err(err).Msg("Replication slot missing; create it or set create_slot = true")
		}
		log.Fatal().Err(err).Msg("Failed to open replication session")
		return
	}

	// Initialize the publish pipeline
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir:     cfg.Config.DataDir,
		Schemas:     session,
		SinkConfigs: cfg.Config.Sinks,
	})
	if err != nil {
		session.Close(context.Background())
		log.Fatal().Err(err).Msg("Failed to initialize publisher")
		return
	}

	if err := registry.Start(); err != nil {
		session.Close(context.Background())
		log.Fatal().Err(err).Msg("Failed to start publisher")
		return
	}

	collector := telemetry.NewMetricsCollector(session, registry, collectorInterval)
	collector.Start()

	var adminServer *admin.Server
	if cfg.Config.Prometheus.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
		adminServer = admin.NewServer(addr, session, registry)
		adminServer.Start()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("Beaver started")

	runErr := stream(ctx, session, registry)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("Replication stream failed")
	}

	log.Info().Msg("Shutting down")
	if adminServer != nil {
		adminServer.Stop()
	}
	collector.Stop()
	registry.Stop()
	if err := session.Close(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to close replication session")
	}
	log.Info().Msg("Beaver stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
}

// stream pumps decoded changes into the publish log and acknowledges
// the upstream position at commit boundaries, once the commit's whole
// transaction is durably appended.
func stream(ctx context.Context, session *replication.Session, registry *publisher.Registry) error {
	for {
		change, err := session.NextChange(ctx)
		if err != nil {
			return err
		}

		if err := registry.Append(change); err != nil {
			return fmt.Errorf("append to publish log: %w", err)
		}

		if change.Kind == wal.ChangeCommit {
			session.Ack(change.EndLSN)
		}
	}
}
