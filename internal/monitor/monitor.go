package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/alerting"
	"aptos-sentinel/internal/broadcast"
	"aptos-sentinel/internal/detector"
	"aptos-sentinel/internal/predict"
	"aptos-sentinel/internal/rules"
	"aptos-sentinel/internal/store"
	"aptos-sentinel/internal/telemetry"
)

// Store covers the collection operations the collection loop needs.
type Store interface {
	InsertSnapshot(input store.SnapshotInput) store.Snapshot
	SnapshotHistory(limit int) []store.Snapshot
	InsertAnomaly(input store.AnomalyInput) store.Anomaly
	ListAnomalies(scope *string, limit int) []store.Anomaly
	ActiveRules() []store.AgentRule
	InsertLog(input store.LogInput) store.LogEntry
}

// Archiver persists snapshots and anomalies durably. Archive failures
// never interrupt a tick.
type Archiver interface {
	InsertSnapshot(ctx context.Context, snapshot store.Snapshot) error
	InsertAnomaly(ctx context.Context, anomaly store.Anomaly) error
}

// Options tune the collection loop.
type Options struct {
	// Interval between samples.
	Interval time.Duration
	// AnalysisEvery runs the proactive anomaly-pattern analysis every
	// N ticks. Zero disables it.
	AnalysisEvery int
	// AnalysisWindow is how many recent anomalies the analysis inspects.
	AnalysisWindow int
	// StressThreshold is the anomaly count above which the analysis
	// reports elevated activity.
	StressThreshold int
	// RecalibrateEvery re-derives detection thresholds from recent
	// history every N ticks. Zero disables recalibration.
	RecalibrateEvery int
	// HistoryWindow is how many snapshots recalibration considers.
	HistoryWindow int
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.AnalysisEvery <= 0 {
		o.AnalysisEvery = 5
	}
	if o.AnalysisWindow <= 0 {
		o.AnalysisWindow = 10
	}
	if o.StressThreshold <= 0 {
		o.StressThreshold = 3
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 50
	}
}

// Monitor drives the sampling loop: one tick samples telemetry, stores
// and broadcasts the snapshot, runs anomaly detection, and feeds every
// detected anomaly through the rule engine and the notifier.
//
// The loop state is explicit: Start replaces any running loop after
// cancelling it, Stop cancels and waits, Active reports the current
// state. There is never more than one loop running.
type Monitor struct {
	opts      Options
	source    telemetry.Source
	predictor predict.Source
	store     Store
	detector  *detector.Detector
	engine    *rules.Engine
	pub       broadcast.Publisher
	notifier  alerting.Notifier
	archive   Archiver
	logger    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	ticks  int64
}

// New constructs a Monitor. The predictor, notifier, and archive are
// optional; pass nil to disable them.
func New(opts Options, source telemetry.Source, predictor predict.Source, st Store, det *detector.Detector, engine *rules.Engine, pub broadcast.Publisher, notifier alerting.Notifier, archiver Archiver, logger zerolog.Logger) *Monitor {
	opts.applyDefaults()
	return &Monitor{
		opts:      opts,
		source:    source,
		predictor: predictor,
		store:     st,
		detector:  det,
		engine:    engine,
		pub:       pub,
		notifier:  notifier,
		archive:   archiver,
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
}

// Start launches the collection loop. A running loop is cancelled and
// replaced, so repeated starts never stack intervals.
func (m *Monitor) Start(parent context.Context) {
	m.mu.Lock()
	// A concurrent Start may install a fresh loop while this one waits
	// for the old loop to drain, so keep cancelling until no loop is
	// installed. At most one loop survives all racing Start calls.
	for m.cancel != nil {
		m.cancel()
		done := m.done
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}

	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.logger.Info().Dur("interval", m.opts.Interval).Msg("monitoring started")
	m.store.InsertLog(store.LogInput{
		Message: "Network monitoring started",
		Type:    store.LogInfo,
	})
	m.publishStatus()

	go m.run(ctx, done)
}

// Stop cancels the loop and waits for it to exit. Stopping an inactive
// monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done

	m.logger.Info().Msg("monitoring stopped")
	m.store.InsertLog(store.LogInput{
		Message: "Network monitoring stopped",
		Type:    store.LogInfo,
	})
	m.publishStatus()
}

// Active reports whether the collection loop is running.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// TickCount returns the number of completed ticks across all runs.
func (m *Monitor) TickCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.done == done {
			m.cancel = nil
			m.done = nil
		}
		m.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick executes one full collection cycle. Exported so callers can
// drive the pipeline without the timer.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	m.ticks++
	tick := m.ticks
	m.mu.Unlock()

	sample, err := m.source.Sample(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("telemetry sample failed")
		m.store.InsertLog(store.LogInput{
			Message: fmt.Sprintf("Metrics collection failed: %v", err),
			Type:    store.LogError,
		})
		return
	}

	snapshot := m.store.InsertSnapshot(sample)
	m.pub.Publish(broadcast.NewEnvelope(broadcast.EventMetrics, snapshot))

	if m.archive != nil {
		if err := m.archive.InsertSnapshot(ctx, snapshot); err != nil {
			m.logger.Error().Err(err).Msg("snapshot archive failed")
		}
	}

	candidates := m.detector.Detect(snapshot)
	if m.predictor != nil {
		predicted, err := m.predictor.Check(ctx, snapshot)
		if err != nil {
			m.logger.Warn().Err(err).Msg("predictive check failed")
		} else {
			candidates = append(candidates, predicted...)
		}
	}

	for _, candidate := range candidates {
		m.handleAnomaly(ctx, candidate, snapshot)
	}

	if m.opts.RecalibrateEvery > 0 && tick%int64(m.opts.RecalibrateEvery) == 0 {
		m.detector.Recalibrate(m.store.SnapshotHistory(m.opts.HistoryWindow))
	}
	if m.opts.AnalysisEvery > 0 && tick%int64(m.opts.AnalysisEvery) == 0 {
		m.analyzeRecentActivity()
	}
}

func (m *Monitor) handleAnomaly(ctx context.Context, candidate detector.Candidate, snapshot store.Snapshot) {
	anomaly := m.store.InsertAnomaly(store.AnomalyInput{
		Type:        candidate.Type,
		Severity:    candidate.Severity,
		Description: candidate.Description,
		Metadata:    candidate.Metadata,
	})

	m.pub.Publish(broadcast.NewEnvelope(broadcast.EventAnomaly, anomaly))

	entry := m.store.InsertLog(store.LogInput{
		Message:  fmt.Sprintf("Anomaly detected: %s - %s", anomaly.Type, anomaly.Description),
		Type:     store.LogWarning,
		Metadata: map[string]any{"anomalyId": anomaly.ID, "severity": anomaly.Severity},
	})
	m.pub.Publish(broadcast.NewEnvelope(broadcast.EventLog, entry))

	m.engine.Apply(anomaly, m.store.ActiveRules())

	if m.notifier != nil && anomaly.Severity.AtLeast(store.SeverityHigh) {
		if err := m.notifier.Notify(ctx, alerting.Notification{Anomaly: anomaly, Snapshot: snapshot}); err != nil {
			m.logger.Error().Err(err).Str("type", anomaly.Type).Msg("alert dispatch failed")
		}
	}

	if m.archive != nil {
		if err := m.archive.InsertAnomaly(ctx, anomaly); err != nil {
			m.logger.Error().Err(err).Msg("anomaly archive failed")
		}
	}

	m.logger.Warn().
		Str("type", anomaly.Type).
		Str("severity", string(anomaly.Severity)).
		Int64("id", anomaly.ID).
		Msg("anomaly recorded")
}

// analyzeRecentActivity checks the recent anomaly window and records a
// note when activity is elevated. It never creates anomalies itself.
// Only anomalies detected since the previous analysis pass count, so
// old bursts age out instead of flagging elevated activity forever.
func (m *Monitor) analyzeRecentActivity() {
	cutoff := time.Now().Add(-time.Duration(m.opts.AnalysisEvery) * m.opts.Interval)
	recent := 0
	for _, anomaly := range m.store.ListAnomalies(nil, m.opts.AnalysisWindow) {
		if anomaly.Timestamp.After(cutoff) {
			recent++
		}
	}
	if recent <= m.opts.StressThreshold {
		return
	}

	entry := m.store.InsertLog(store.LogInput{
		Message: fmt.Sprintf("AI Agent: Proactive analysis detected a pattern of %d recent anomalies, increasing monitoring sensitivity", recent),
		Type:    store.LogInfo,
		Metadata: map[string]any{
			"recentAnomalies": recent,
			"autonomous":      true,
		},
	})
	m.pub.Publish(broadcast.NewEnvelope(broadcast.EventLog, entry))

	m.logger.Info().Int("recent_anomalies", recent).Msg("elevated anomaly activity")
}

func (m *Monitor) publishStatus() {
	m.pub.Publish(broadcast.NewEnvelope(broadcast.EventStatus, map[string]any{
		"monitoring": m.Active(),
	}))
}
