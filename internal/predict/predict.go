package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/detector"
	"aptos-sentinel/internal/store"
)

// Source returns zero or more anomaly candidates predicted from a
// snapshot, independent of the threshold evaluator.
type Source interface {
	Check(ctx context.Context, snapshot store.Snapshot) ([]detector.Candidate, error)
}

// Options parameterise the prediction API client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls an external predictive-inference API (Allora-style):
// the snapshot is posted as JSON and the response lists predicted
// anomalies with a confidence score.
type Client struct {
	opts    Options
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewClient constructs a prediction client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  logger.With().Str("component", "predictive_source").Logger(),
	}
}

type checkRequest struct {
	TPS                 int    `json:"tps"`
	AvgGasPrice         int    `json:"avgGasPrice"`
	PendingTransactions int    `json:"pendingTransactions"`
	ActiveContracts     int    `json:"activeContracts"`
	Timestamp           string `json:"timestamp"`
}

type checkResponse struct {
	Anomalies []predictedAnomaly `json:"anomalies"`
}

type predictedAnomaly struct {
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Timeframe   string  `json:"timeframe"`
}

// Check posts the snapshot for predictive evaluation and maps the
// response to anomaly candidates.
func (c *Client) Check(ctx context.Context, snapshot store.Snapshot) ([]detector.Candidate, error) {
	if c.baseURL == "" {
		return nil, nil
	}

	body, err := json.Marshal(checkRequest{
		TPS:                 snapshot.TPS,
		AvgGasPrice:         snapshot.AvgGasPrice,
		PendingTransactions: snapshot.PendingTransactions,
		ActiveContracts:     snapshot.ActiveContracts,
		Timestamp:           snapshot.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/anomalies/check", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("x-api-key", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predictive check request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predictive api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed checkResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode predictive response: %w", err)
	}

	candidates := make([]detector.Candidate, 0, len(parsed.Anomalies))
	for _, p := range parsed.Anomalies {
		severity := store.Severity(p.Severity)
		if !severity.Valid() {
			severity = store.SeverityMedium
		}
		candidates = append(candidates, detector.Candidate{
			Type:        p.Type,
			Severity:    severity,
			Description: p.Description,
			Metadata: map[string]any{
				"source":     "prediction",
				"confidence": p.Confidence,
				"timeframe":  p.Timeframe,
			},
		})
	}

	c.logger.Debug().Int("candidates", len(candidates)).Msg("predictive check completed")
	return candidates, nil
}

var _ Source = (*Client)(nil)
