package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"aptos-sentinel/internal/broadcast"
	"aptos-sentinel/internal/store"
)

type fakeMonitor struct {
	active bool
	starts int
	stops  int
}

func (m *fakeMonitor) Start(ctx context.Context) { m.active = true; m.starts++ }
func (m *fakeMonitor) Stop()                     { m.active = false; m.stops++ }
func (m *fakeMonitor) Active() bool              { return m.active }

type fakeGenerator struct {
	reply string
	err   error
}

func (g *fakeGenerator) Chat(ctx context.Context, message string, metrics *store.Snapshot, anomalyCount int) (string, error) {
	return g.reply, g.err
}

func (g *fakeGenerator) RuleSuggestion(ctx context.Context, description string) (string, error) {
	return g.reply, g.err
}

func (g *fakeGenerator) AnalyzeAnomaly(ctx context.Context, anomaly store.Anomaly, metrics store.Snapshot) (string, error) {
	return g.reply, g.err
}

type fixture struct {
	store   *store.MemStore
	monitor *fakeMonitor
	server  *httptest.Server
}

func newFixture(t *testing.T, generator Generator) *fixture {
	t.Helper()
	st := store.NewMemStore()
	mon := &fakeMonitor{}
	hub := broadcast.NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(NewServer(st, mon, hub, generator, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)

	return &fixture{store: st, monitor: mon, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, buf.Bytes()
}

func TestHealthReportsMonitoringState(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.active = true

	resp, body := f.do(t, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["monitoring"] != true {
		t.Fatalf("unexpected health payload: %v", health)
	}
	if _, ok := health["websocketClients"]; !ok {
		t.Fatal("health should report websocket client count")
	}
}

func TestLatestMetricsNullWhenEmpty(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/api/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(body)) != "null" {
		t.Fatalf("empty store should answer null, got %s", body)
	}

	f.store.InsertSnapshot(store.SnapshotInput{TPS: 900, AvgGasPrice: 120, PendingTransactions: 2500, ActiveContracts: 51000})

	_, body = f.do(t, http.MethodGet, "/api/metrics", nil)
	var snap store.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.TPS != 900 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestMetricsHistoryRespectsLimit(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.store.InsertSnapshot(store.SnapshotInput{TPS: 500 + i})
	}

	_, body := f.do(t, http.MethodGet, "/api/metrics/history?limit=3", nil)
	var history []store.Snapshot
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}

	resp, _ := f.do(t, http.MethodGet, "/api/metrics/history?limit=abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit should be rejected, got %d", resp.StatusCode)
	}
}

func TestAnomalyStatusTransitions(t *testing.T) {
	f := newFixture(t, nil)
	anomaly := f.store.InsertAnomaly(store.AnomalyInput{Type: "Gas Price Spike", Severity: store.SeverityHigh, Description: "spike"})

	path := fmt.Sprintf("/api/anomalies/%d/status", anomaly.ID)

	resp, body := f.do(t, http.MethodPatch, path, map[string]string{"status": "reviewed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forward transition should succeed: %d %s", resp.StatusCode, body)
	}

	// Repeating the current status is a no-op.
	resp, _ = f.do(t, http.MethodPatch, path, map[string]string{"status": "reviewed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("idempotent repeat should succeed, got %d", resp.StatusCode)
	}

	// Backwards moves are rejected.
	resp, _ = f.do(t, http.MethodPatch, path, map[string]string{"status": "new"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("backward transition should be rejected, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPatch, "/api/anomalies/9999/status", map[string]string{"status": "reviewed"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown anomaly should answer 404, got %d", resp.StatusCode)
	}
}

func TestAnomalyScopeFiltering(t *testing.T) {
	f := newFixture(t, nil)
	wallet := "0xabc"
	f.store.InsertAnomaly(store.AnomalyInput{Type: "Low TPS Alert", Severity: store.SeverityMedium, WalletAddress: &wallet})
	f.store.InsertAnomaly(store.AnomalyInput{Type: "Network Congestion", Severity: store.SeverityMedium})

	_, body := f.do(t, http.MethodGet, "/api/anomalies?wallet=0xabc", nil)
	var scoped []store.Anomaly
	if err := json.Unmarshal(body, &scoped); err != nil {
		t.Fatalf("decode anomalies: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("scope should include scoped plus unscoped entries, got %d", len(scoped))
	}

	_, body = f.do(t, http.MethodGet, "/api/anomalies?wallet=0xother", nil)
	var other []store.Anomaly
	if err := json.Unmarshal(body, &other); err != nil {
		t.Fatalf("decode anomalies: %v", err)
	}
	if len(other) != 1 || other[0].Type != "Network Congestion" {
		t.Fatalf("foreign scope should only see unscoped entries, got %+v", other)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/rules", map[string]string{"name": "No Condition", "action": "alert"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing condition should be rejected, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	details, ok := errBody["details"].(map[string]any)
	if !ok || details["field"] != "condition" {
		t.Fatalf("error should name the offending field, got %v", errBody)
	}

	resp, body = f.do(t, http.MethodPost, "/api/rules", map[string]string{
		"name":      "Pending Watch",
		"condition": "pendingTransactions > 6000",
		"action":    "alert",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("valid rule should be created: %d %s", resp.StatusCode, body)
	}
	var rule store.AgentRule
	if err := json.Unmarshal(body, &rule); err != nil {
		t.Fatalf("decode rule: %v", err)
	}
	if !rule.IsActive || rule.ID == 0 {
		t.Fatalf("new rule should be active with an id, got %+v", rule)
	}
}

func TestUpdateRule(t *testing.T) {
	f := newFixture(t, nil)
	rules := f.store.ListRules(nil)
	target := rules[0]

	resp, body := f.do(t, http.MethodPatch, fmt.Sprintf("/api/rules/%d", target.ID), map[string]any{"isActive": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update should succeed: %d %s", resp.StatusCode, body)
	}
	var updated store.AgentRule
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode rule: %v", err)
	}
	if updated.IsActive {
		t.Fatal("isActive should be updated to false")
	}

	resp, _ = f.do(t, http.MethodPatch, "/api/rules/9999", map[string]any{"isActive": false})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown rule should answer 404, got %d", resp.StatusCode)
	}
}

func TestLogsListAndClear(t *testing.T) {
	f := newFixture(t, nil)
	wallet := "0xabc"
	f.store.InsertLog(store.LogInput{Message: "scoped", Type: store.LogInfo, WalletAddress: &wallet})
	f.store.InsertLog(store.LogInput{Message: "global", Type: store.LogInfo})

	_, body := f.do(t, http.MethodGet, "/api/logs", nil)
	var logs []store.LogEntry
	if err := json.Unmarshal(body, &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}

	resp, _ := f.do(t, http.MethodDelete, "/api/logs?wallet=0xabc", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear should answer 204, got %d", resp.StatusCode)
	}
	if remaining := f.store.ListLogs(nil, 0); len(remaining) != 1 || remaining[0].Message != "global" {
		t.Fatalf("scoped clear should keep unscoped entries, got %+v", remaining)
	}
}

func TestMonitoringToggle(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/monitoring/toggle", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing active flag should be rejected, got %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/api/monitoring/toggle", map[string]bool{"active": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle on failed: %d %s", resp.StatusCode, body)
	}
	if f.monitor.starts != 1 || !f.monitor.Active() {
		t.Fatalf("monitor should have started once, starts=%d", f.monitor.starts)
	}

	// Toggling to the current state is a no-op.
	f.do(t, http.MethodPost, "/api/monitoring/toggle", map[string]bool{"active": true})
	if f.monitor.starts != 1 {
		t.Fatalf("repeated toggle must not restart, starts=%d", f.monitor.starts)
	}

	f.do(t, http.MethodPost, "/api/monitoring/toggle", map[string]bool{"active": false})
	if f.monitor.stops != 1 || f.monitor.Active() {
		t.Fatalf("monitor should have stopped once, stops=%d", f.monitor.stops)
	}
}

func TestToggleSameStateRebroadcastsStatus(t *testing.T) {
	f := newFixture(t, nil)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Subscribers receive a status envelope on attach.
	var env broadcast.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read initial status: %v", err)
	}
	if env.Type != broadcast.EventStatus {
		t.Fatalf("expected initial status envelope, got %q", env.Type)
	}

	// The monitor is already inactive, so this toggle changes nothing.
	// Subscribers still get a fresh status envelope.
	resp, body := f.do(t, http.MethodPost, "/api/monitoring/toggle", map[string]bool{"active": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle failed: %d %s", resp.StatusCode, body)
	}
	if f.monitor.starts != 0 || f.monitor.stops != 0 {
		t.Fatalf("same-state toggle must not start or stop, starts=%d stops=%d", f.monitor.starts, f.monitor.stops)
	}

	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("expected a status envelope after the same-state toggle: %v", err)
	}
	if env.Type != broadcast.EventStatus {
		t.Fatalf("expected status envelope, got %q", env.Type)
	}
	payload, ok := env.Data.(map[string]any)
	if !ok || payload["monitoring"] != false {
		t.Fatalf("status should report the current state: %v", env.Data)
	}
}

func TestExecuteActionReceipt(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/actions/execute", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing action should be rejected, got %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/api/actions/execute", map[string]any{
		"action":        "pause_contract",
		"walletAddress": "0xabc",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute failed: %d %s", resp.StatusCode, body)
	}

	var receipt map[string]any
	if err := json.Unmarshal(body, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt["status"] != "completed" || receipt["actionId"] == "" {
		t.Fatalf("unexpected receipt: %v", receipt)
	}
	hash, _ := receipt["transactionHash"].(string)
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		t.Fatalf("wallet-bound action should carry a tx hash, got %q", hash)
	}

	logs := f.store.ListLogs(nil, 0)
	if len(logs) != 1 || logs[0].Type != store.LogSuccess {
		t.Fatalf("execution should leave a success log, got %+v", logs)
	}
}

func TestChatEndpoint(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "all quiet"})

	resp, body := f.do(t, http.MethodPost, "/api/ai/chat", map[string]string{"message": "how is the network?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat failed: %d %s", resp.StatusCode, body)
	}
	var answer map[string]string
	if err := json.Unmarshal(body, &answer); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	if answer["response"] != "all quiet" {
		t.Fatalf("unexpected chat answer: %v", answer)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/ai/chat", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message should be rejected, got %d", resp.StatusCode)
	}
}

func TestAIUnavailableWithoutGenerator(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/ai/rule-suggestion", map[string]string{"description": "watch the gas price"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("missing generator should answer 503, got %d", resp.StatusCode)
	}
}

func TestAnalyzeAnomalyEndpoint(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "looks transient"})
	anomaly := f.store.InsertAnomaly(store.AnomalyInput{Type: "Gas Price Spike", Severity: store.SeverityHigh, Description: "spike"})

	resp, body := f.do(t, http.MethodPost, "/api/ai/analyze-anomaly", map[string]int64{"anomalyId": anomaly.ID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analyze failed: %d %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/ai/analyze-anomaly", map[string]int64{"anomalyId": 9999})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown anomaly should answer 404, got %d", resp.StatusCode)
	}
}
