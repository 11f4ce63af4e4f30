package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/store"
)

// ErrNotConfigured indicates no API key was provided.
var ErrNotConfigured = errors.New("ai: api key not configured")

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Options parameterise the text-generation client.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client wraps the Gemini generateContent API. It is consumed only by
// the rule-suggestion, anomaly-analysis, and chat surfaces; the
// monitoring pipeline never depends on it.
type Client struct {
	opts    Options
	client  *http.Client
	baseURL string
	model   string
	logger  zerolog.Logger
}

// NewClient constructs a text-generation client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := opts.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Client{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		model:   model,
		logger:  logger.With().Str("component", "ai").Logger(),
	}
}

// Enabled reports whether the client can make requests.
func (c *Client) Enabled() bool {
	return c.opts.APIKey != ""
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateContent sends one prompt and returns the first candidate text.
func (c *Client) GenerateContent(ctx context.Context, prompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.opts.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate content request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed generateResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("generation response contained no candidates")
	}

	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

// RuleSuggestion converts a natural-language description into a
// structured monitoring rule specification.
func (c *Client) RuleSuggestion(ctx context.Context, description string) (string, error) {
	prompt := fmt.Sprintf(`You are an expert blockchain monitoring system for Aptos. Convert this natural language rule description into a structured monitoring rule:

%q

Provide a clear, technical rule specification that includes:
1. Condition/Trigger (specific metrics and thresholds)
2. Time windows for evaluation
3. Recommended actions
4. Severity level

Focus on Aptos-specific metrics like TPS, gas prices (in Octas), transaction volume, and smart contract interactions. Return a well-formatted, actionable rule specification.`, description)

	return c.GenerateContent(ctx, prompt)
}

// AnalyzeAnomaly asks for a root-cause analysis of one anomaly given
// the current metrics.
func (c *Client) AnalyzeAnomaly(ctx context.Context, anomaly store.Anomaly, metrics store.Snapshot) (string, error) {
	prompt := fmt.Sprintf(`You are an expert Aptos blockchain analyst. Analyze this anomaly:

Anomaly: %s - %s
Severity: %s
Current Metrics: TPS: %d, Gas: %d Octas, Pending: %d

Provide:
1. Root cause analysis
2. Network impact assessment
3. Recommended actions
4. Prevention strategies

Keep the response concise and actionable.`,
		anomaly.Type, anomaly.Description, anomaly.Severity,
		metrics.TPS, metrics.AvgGasPrice, metrics.PendingTransactions)

	return c.GenerateContent(ctx, prompt)
}

// Chat answers a free-form user question with monitoring context.
func (c *Client) Chat(ctx context.Context, message string, metrics *store.Snapshot, anomalyCount int) (string, error) {
	builder := strings.Builder{}
	builder.WriteString("You are an AI assistant for a blockchain monitoring and security platform. You help users understand network metrics, analyze anomalies, and provide insights about the Aptos blockchain.")
	if metrics != nil {
		builder.WriteString(fmt.Sprintf("\n\nCurrent Network Status:\n- TPS: %d\n- Average Gas Price: %d Octas\n- Pending Transactions: %d\n- Active Smart Contracts: %d",
			metrics.TPS, metrics.AvgGasPrice, metrics.PendingTransactions, metrics.ActiveContracts))
	}
	if anomalyCount > 0 {
		builder.WriteString(fmt.Sprintf("\nCurrent Anomalies: %d detected", anomalyCount))
	}
	builder.WriteString("\n\nUser Question: ")
	builder.WriteString(message)
	builder.WriteString("\n\nProvide a helpful, accurate response about the network, anomaly detection, or general blockchain concepts. Be conversational but informative.")

	return c.GenerateContent(ctx, builder.String())
}
