package store

import (
	"time"
)

// Severity classifies how serious an anomaly is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for threshold comparisons (alert routing).
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.rank() >= 0
}

// AnomalyStatus is the lifecycle state of an anomaly.
type AnomalyStatus string

const (
	StatusNew      AnomalyStatus = "new"
	StatusReviewed AnomalyStatus = "reviewed"
	StatusResolved AnomalyStatus = "resolved"
)

// order returns the position of the status in the forward-only lifecycle.
func (s AnomalyStatus) order() int {
	switch s {
	case StatusNew:
		return 0
	case StatusReviewed:
		return 1
	case StatusResolved:
		return 2
	default:
		return -1
	}
}

// LogType categorises historical log entries.
type LogType string

const (
	LogInfo    LogType = "info"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
)

// Snapshot is one point-in-time set of network telemetry values.
// Immutable once stored.
type Snapshot struct {
	ID                  int64     `json:"id"`
	TPS                 int       `json:"tps"`
	AvgGasPrice         int       `json:"avgGasPrice"`
	PendingTransactions int       `json:"pendingTransactions"`
	ActiveContracts     int       `json:"activeContracts"`
	Timestamp           time.Time `json:"timestamp"`
}

// SnapshotInput carries the caller-supplied fields of a snapshot.
type SnapshotInput struct {
	TPS                 int `json:"tps"`
	AvgGasPrice         int `json:"avgGasPrice"`
	PendingTransactions int `json:"pendingTransactions"`
	ActiveContracts     int `json:"activeContracts"`
}

// Anomaly is a detected deviation from expected telemetry ranges.
type Anomaly struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	Severity      Severity       `json:"severity"`
	Description   string         `json:"description"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        AnomalyStatus  `json:"status"`
	WalletAddress *string        `json:"walletAddress"`
}

// AnomalyInput carries the caller-supplied fields of an anomaly.
type AnomalyInput struct {
	Type          string         `json:"type"`
	Severity      Severity       `json:"severity"`
	Description   string         `json:"description"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	WalletAddress *string        `json:"walletAddress"`
}

// AgentRule is a user-defined condition/action pair evaluated against
// newly detected anomalies.
type AgentRule struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Condition     string    `json:"condition"`
	Action        string    `json:"action"`
	IsActive      bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
	WalletAddress *string   `json:"walletAddress"`
}

// RuleInput carries the caller-supplied fields of an agent rule.
type RuleInput struct {
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	Condition     string  `json:"condition"`
	Action        string  `json:"action"`
	WalletAddress *string `json:"walletAddress"`
}

// RuleUpdate describes a partial update to an agent rule. Nil fields are
// left untouched.
type RuleUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Condition   *string `json:"condition"`
	Action      *string `json:"action"`
	IsActive    *bool   `json:"isActive"`
}

// LogEntry is one append-only audit trail record.
type LogEntry struct {
	ID            int64          `json:"id"`
	Message       string         `json:"message"`
	Type          LogType        `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	WalletAddress *string        `json:"walletAddress"`
}

// LogInput carries the caller-supplied fields of a log entry.
type LogInput struct {
	Message       string         `json:"message"`
	Type          LogType        `json:"type"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	WalletAddress *string        `json:"walletAddress"`
}
