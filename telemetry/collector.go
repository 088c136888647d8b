package telemetry

import (
	"sync"
	"time"
)

// PositionProvider exposes replication stream positions
type PositionProvider interface {
	Positions() (received, acknowledged uint64)
	CachedRelations() int
}

// PendingProvider exposes per-sink publish log backlogs
type PendingProvider interface {
	PendingCounts() map[string]uint64
}

// MetricsCollector periodically samples providers and updates telemetry gauges
type MetricsCollector struct {
	positions PositionProvider
	pending   PendingProvider
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(positions PositionProvider, pending PendingProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		positions: positions,
		pending:   pending,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.positions != nil {
		received, acknowledged := mc.positions.Positions()
		ReceivedLSN.Set(float64(received))
		AcknowledgedLSN.Set(float64(acknowledged))
		RelationsCached.Set(float64(mc.positions.CachedRelations()))
	}

	if mc.pending != nil {
		for sink, count := range mc.pending.PendingCounts() {
			LogPendingEvents.With(sink).Set(float64(count))
		}
	}
}
