package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/store"
)

// Notification carries one anomaly and the snapshot it was detected on.
type Notification struct {
	Anomaly  store.Anomaly
	Snapshot store.Snapshot
}

// Notifier delivers anomaly notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken    string
	chatID      string
	baseURL     string
	minSeverity store.Severity
	client      *http.Client
	logger      zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier. Anomalies below
// minSeverity are skipped without an API call.
func NewTelegramNotifier(botToken, chatID, baseURL string, minSeverity store.Severity, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if !minSeverity.Valid() {
		minSeverity = store.SeverityHigh
	}

	return &TelegramNotifier{
		botToken:    botToken,
		chatID:      chatID,
		baseURL:     strings.TrimRight(baseURL, "/"),
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls the sendMessage API with a rendered anomaly summary.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if !note.Anomaly.Severity.AtLeast(n.minSeverity) {
		n.logger.Debug().
			Str("type", note.Anomaly.Type).
			Str("severity", string(note.Anomaly.Severity)).
			Msg("anomaly below notification severity, skipped")
		return nil
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected telegram status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("type", note.Anomaly.Type).
		Str("severity", string(note.Anomaly.Severity)).
		Msg("alert delivered (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Aptos Sentinel Alert]\n")
	builder.WriteString(fmt.Sprintf("Anomaly: %s\n", note.Anomaly.Type))
	builder.WriteString(fmt.Sprintf("Severity: %s\n", note.Anomaly.Severity))
	builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", note.Anomaly.Timestamp.UTC().Format(time.RFC3339)))
	builder.WriteString(note.Anomaly.Description)
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("TPS: %d | Gas: %d Octas | Pending: %d\n",
		note.Snapshot.TPS, note.Snapshot.AvgGasPrice, note.Snapshot.PendingTransactions))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
