package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/store"
)

func sampleNotification(severity store.Severity) Notification {
	return Notification{
		Anomaly: store.Anomaly{
			Type:        "Gas Price Spike",
			Severity:    severity,
			Description: "average gas price exceeded the configured ceiling",
			Timestamp:   time.Now(),
		},
		Snapshot: store.Snapshot{TPS: 700, AvgGasPrice: 520, PendingTransactions: 3100},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, store.SeverityHigh, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNotification(store.SeverityHigh)); err != nil {
		t.Fatalf("notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("wrong chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "Gas Price Spike") {
		t.Fatalf("message should name the anomaly: %q", received["text"])
	}
}

func TestTelegramNotifierSkipsBelowMinSeverity(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, store.SeverityHigh, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNotification(store.SeverityMedium)); err != nil {
		t.Fatalf("skipped notification should not error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("no API call expected for low severity, got %d", calls)
	}

	if err := notifier.Notify(context.Background(), sampleNotification(store.SeverityCritical)); err != nil {
		t.Fatalf("critical notification should go through: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one API call, got %d", calls)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, store.SeverityHigh, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNotification(store.SeverityHigh)); err == nil {
		t.Fatal("ok=false should surface as an error")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
