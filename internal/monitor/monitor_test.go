package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/alerting"
	"aptos-sentinel/internal/broadcast"
	"aptos-sentinel/internal/detector"
	"aptos-sentinel/internal/rules"
	"aptos-sentinel/internal/store"
)

type scriptedSource struct {
	mu      sync.Mutex
	samples []store.SnapshotInput
	err     error
	calls   int
}

func (s *scriptedSource) Sample(ctx context.Context) (store.SnapshotInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return store.SnapshotInput{}, s.err
	}
	sample := s.samples[s.calls%len(s.samples)]
	s.calls++
	return sample, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []broadcast.Envelope
}

func (p *recordingPublisher) Publish(envelope broadcast.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelope)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.envelopes))
	for i, e := range p.envelopes {
		out[i] = e.Type
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type scriptedPredictor struct {
	candidates []detector.Candidate
	err        error
}

func (p *scriptedPredictor) Check(ctx context.Context, snapshot store.Snapshot) ([]detector.Candidate, error) {
	return p.candidates, p.err
}

func newTestMonitor(src *scriptedSource, pub *recordingPublisher, notifier alerting.Notifier) (*Monitor, *store.MemStore) {
	st := store.NewMemStore()
	det := detector.New(detector.DefaultThresholds(), zerolog.Nop())
	engine := rules.NewEngine(st, pub, zerolog.Nop())
	m := New(Options{Interval: time.Hour}, src, nil, st, det, engine, pub, notifier, nil, zerolog.Nop())
	return m, st
}

func TestTickPipelineOrderForAnomaly(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 100, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	m, st := newTestMonitor(src, pub, nil)

	m.Tick(context.Background())

	// Snapshot stored and broadcast before the anomaly events.
	if _, ok := st.LatestSnapshot(); !ok {
		t.Fatal("tick should store a snapshot")
	}
	types := pub.types()
	if len(types) < 3 {
		t.Fatalf("expected metrics, anomaly, and log events, got %v", types)
	}
	if types[0] != broadcast.EventMetrics {
		t.Fatalf("metrics must be broadcast first, got %v", types)
	}
	if types[1] != broadcast.EventAnomaly {
		t.Fatalf("anomaly must follow metrics, got %v", types)
	}
	if types[2] != broadcast.EventLog {
		t.Fatalf("detection log must follow the anomaly, got %v", types)
	}

	anomalies := st.ListAnomalies(nil, 0)
	if len(anomalies) != 1 {
		t.Fatalf("expected exactly one anomaly, got %d", len(anomalies))
	}
	if anomalies[0].Type != detector.TypeLowTPS || anomalies[0].Status != store.StatusNew {
		t.Fatalf("unexpected anomaly: %+v", anomalies[0])
	}

	// The seeded "tps < 500" rule matches the low TPS anomaly, so the
	// audit trail carries both the detection entry and the execution entry.
	var sawDetection, sawExecution bool
	for _, entry := range st.ListLogs(nil, 0) {
		if entry.Type == store.LogWarning && strings.Contains(entry.Message, "Anomaly detected") {
			sawDetection = true
		}
		if entry.Type == store.LogSuccess && strings.Contains(entry.Message, "executed rule") {
			sawExecution = true
		}
	}
	if !sawDetection || !sawExecution {
		t.Fatalf("expected detection and rule-execution logs, detection=%v execution=%v", sawDetection, sawExecution)
	}
}

func TestTickInBoundsProducesNoAnomaly(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 800, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	m, st := newTestMonitor(src, pub, nil)

	m.Tick(context.Background())

	if got := st.ListAnomalies(nil, 0); len(got) != 0 {
		t.Fatalf("in-bounds sample should produce no anomalies, got %+v", got)
	}
	if types := pub.types(); len(types) != 1 || types[0] != broadcast.EventMetrics {
		t.Fatalf("only the metrics event should be broadcast, got %v", types)
	}
}

func TestTickSourceFailureLogsAndContinues(t *testing.T) {
	src := &scriptedSource{err: errors.New("rpc unreachable")}
	pub := &recordingPublisher{}
	m, st := newTestMonitor(src, pub, nil)

	m.Tick(context.Background())

	if _, ok := st.LatestSnapshot(); ok {
		t.Fatal("failed sample must not store a snapshot")
	}
	logs := st.ListLogs(nil, 0)
	if len(logs) != 1 || logs[0].Type != store.LogError {
		t.Fatalf("expected one error log, got %+v", logs)
	}

	// A later successful tick proceeds normally.
	src.mu.Lock()
	src.err = nil
	src.samples = []store.SnapshotInput{{TPS: 800, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000}}
	src.mu.Unlock()

	m.Tick(context.Background())
	if _, ok := st.LatestSnapshot(); !ok {
		t.Fatal("loop should recover after a failed sample")
	}
}

func TestNotifierCalledOnlyForHighSeverity(t *testing.T) {
	notifier := &recordingNotifier{}
	src := &scriptedSource{samples: []store.SnapshotInput{
		// Gas at 300 exceeds the default ceiling of 250 but stays below
		// twice the ceiling, so the spike is high rather than critical.
		{TPS: 800, AvgGasPrice: 300, PendingTransactions: 2000, ActiveContracts: 50000},
		// Low TPS alone is medium and must not notify.
		{TPS: 100, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	m, _ := newTestMonitor(src, pub, notifier)

	m.Tick(context.Background())
	m.Tick(context.Background())

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.notes))
	}
	if notifier.notes[0].Anomaly.Type != detector.TypeGasPriceSpike {
		t.Fatalf("wrong anomaly notified: %+v", notifier.notes[0].Anomaly)
	}
}

func TestPredictedCandidatesJoinThePipeline(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 800, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	st := store.NewMemStore()
	det := detector.New(detector.DefaultThresholds(), zerolog.Nop())
	engine := rules.NewEngine(st, pub, zerolog.Nop())
	predictor := &scriptedPredictor{candidates: []detector.Candidate{{
		Type:        "Predicted Network Stress",
		Severity:    store.SeverityMedium,
		Description: "stress expected shortly",
		Metadata:    map[string]any{"source": "prediction"},
	}}}

	m := New(Options{Interval: time.Hour}, src, predictor, st, det, engine, pub, nil, nil, zerolog.Nop())
	m.Tick(context.Background())

	anomalies := st.ListAnomalies(nil, 0)
	if len(anomalies) != 1 {
		t.Fatalf("expected the predicted anomaly to be persisted, got %d", len(anomalies))
	}
	if anomalies[0].Metadata["source"] != "prediction" {
		t.Fatalf("prediction metadata lost: %+v", anomalies[0])
	}
}

func TestProactiveAnalysisEveryFifthTick(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 100, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	m, st := newTestMonitor(src, pub, nil)

	for i := 0; i < 5; i++ {
		m.Tick(context.Background())
	}

	// Five low-TPS ticks stored five anomalies; the fifth tick runs the
	// analysis and finds more than three in the recent window.
	anomalies := st.ListAnomalies(nil, 0)
	if len(anomalies) != 5 {
		t.Fatalf("analysis must not create anomalies, got %d", len(anomalies))
	}

	var analysisLogs int
	for _, entry := range st.ListLogs(nil, 0) {
		if entry.Type == store.LogInfo && strings.Contains(entry.Message, "Proactive analysis") {
			analysisLogs++
		}
	}
	if analysisLogs != 1 {
		t.Fatalf("expected exactly one analysis log after five ticks, got %d", analysisLogs)
	}
}

func TestProactiveAnalysisQuietBelowThreshold(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 800, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	m, st := newTestMonitor(src, pub, nil)

	for i := 0; i < 5; i++ {
		m.Tick(context.Background())
	}

	for _, entry := range st.ListLogs(nil, 0) {
		if strings.Contains(entry.Message, "Proactive analysis") {
			t.Fatalf("no analysis log expected without anomalies: %+v", entry)
		}
	}
}

func TestRecalibrationShiftsThresholds(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 1000, AvgGasPrice: 150, PendingTransactions: 4000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	st := store.NewMemStore()
	det := detector.New(detector.DefaultThresholds(), zerolog.Nop())
	engine := rules.NewEngine(st, pub, zerolog.Nop())

	m := New(Options{Interval: time.Hour, RecalibrateEvery: 10}, src, nil, st, det, engine, pub, nil, nil, zerolog.Nop())
	for i := 0; i < 10; i++ {
		m.Tick(context.Background())
	}

	got := det.Thresholds()
	if got.TPS.Min != 600 || got.TPS.Max != 1800 {
		t.Fatalf("thresholds should recalibrate to the observed mean, got %+v", got.TPS)
	}
}

// staleAnomalyStore serves a fixed set of aged anomalies regardless of
// what the ticks insert, so the proactive analysis only ever sees
// activity that predates its window.
type staleAnomalyStore struct {
	*store.MemStore
	anomalies []store.Anomaly
}

func (s *staleAnomalyStore) ListAnomalies(scope *string, limit int) []store.Anomaly {
	return s.anomalies
}

func TestProactiveAnalysisIgnoresOldAnomalies(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 800, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	base := store.NewMemStore()
	st := &staleAnomalyStore{MemStore: base}
	aged := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		st.anomalies = append(st.anomalies, store.Anomaly{
			ID:        int64(i + 1),
			Type:      detector.TypeLowTPS,
			Severity:  store.SeverityMedium,
			Status:    store.StatusNew,
			Timestamp: aged,
		})
	}
	det := detector.New(detector.DefaultThresholds(), zerolog.Nop())
	engine := rules.NewEngine(base, pub, zerolog.Nop())
	m := New(Options{Interval: time.Second}, src, nil, st, det, engine, pub, nil, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		m.Tick(context.Background())
	}

	// Five anomalies exist, but all predate the analysis window; an
	// hour-old burst must not report elevated activity forever.
	for _, entry := range base.ListLogs(nil, 0) {
		if strings.Contains(entry.Message, "Proactive analysis") {
			t.Fatalf("aged anomalies must not trigger the analysis log: %+v", entry)
		}
	}
}

func TestConcurrentStartKeepsSingleLoop(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 800, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	st := store.NewMemStore()
	det := detector.New(detector.DefaultThresholds(), zerolog.Nop())
	engine := rules.NewEngine(st, pub, zerolog.Nop())
	m := New(Options{Interval: 25 * time.Millisecond}, src, nil, st, det, engine, pub, nil, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Start(context.Background())
		}()
	}
	wg.Wait()

	if !m.Active() {
		t.Fatal("monitor should be active after concurrent starts")
	}

	time.Sleep(500 * time.Millisecond)
	m.Stop()
	stopped := m.TickCount()

	// One loop fires roughly twenty ticks over that span; a leaked loop
	// would roughly double it.
	if stopped == 0 {
		t.Fatal("expected ticks while the loop was running")
	}
	if stopped > 30 {
		t.Fatalf("tick rate implies more than one loop: %d ticks", stopped)
	}

	time.Sleep(150 * time.Millisecond)
	if got := m.TickCount(); got != stopped {
		t.Fatalf("ticks advanced from %d to %d after Stop, a loop leaked", stopped, got)
	}
}

func TestRestartTicksOncePerInterval(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 800, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	st := store.NewMemStore()
	det := detector.New(detector.DefaultThresholds(), zerolog.Nop())
	engine := rules.NewEngine(st, pub, zerolog.Nop())
	m := New(Options{Interval: 25 * time.Millisecond}, src, nil, st, det, engine, pub, nil, nil, zerolog.Nop())

	m.Start(context.Background())
	m.Start(context.Background())

	time.Sleep(250 * time.Millisecond)
	m.Stop()
	stopped := m.TickCount()

	// Ten intervals elapsed after the restart. Two stacked timers would
	// fire about twenty ticks; one replaced timer stays near ten.
	if stopped == 0 {
		t.Fatal("expected ticks while the loop was running")
	}
	if stopped > 15 {
		t.Fatalf("restart stacked timers: %d ticks in ten intervals", stopped)
	}

	time.Sleep(100 * time.Millisecond)
	if got := m.TickCount(); got != stopped {
		t.Fatalf("ticks advanced from %d to %d after Stop", stopped, got)
	}
}

func TestStartStopActive(t *testing.T) {
	src := &scriptedSource{samples: []store.SnapshotInput{
		{TPS: 800, AvgGasPrice: 100, PendingTransactions: 2000, ActiveContracts: 50000},
	}}
	pub := &recordingPublisher{}
	m, _ := newTestMonitor(src, pub, nil)

	if m.Active() {
		t.Fatal("monitor should start inactive")
	}

	m.Start(context.Background())
	if !m.Active() {
		t.Fatal("monitor should be active after Start")
	}

	// A second Start replaces the loop instead of stacking another one.
	m.Start(context.Background())
	if !m.Active() {
		t.Fatal("monitor should stay active after restart")
	}

	m.Stop()
	if m.Active() {
		t.Fatal("monitor should be inactive after Stop")
	}

	// Stopping again is a no-op.
	m.Stop()
	if m.Active() {
		t.Fatal("repeated Stop must stay inactive")
	}
}
