package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrInvalidStatus indicates an unknown or backwards status transition.
	ErrInvalidStatus = errors.New("store: invalid status transition")
)

// MemStore holds all monitored state in process memory. It is the sole
// owner of the four collections; identifiers are monotonically increasing
// per collection and never reused.
//
// There are no durability guarantees: restarting the process starts from
// the seeded default rules and empty history.
type MemStore struct {
	mu sync.RWMutex

	snapshots map[int64]Snapshot
	anomalies map[int64]Anomaly
	rules     map[int64]AgentRule
	logs      map[int64]LogEntry

	nextSnapshotID int64
	nextAnomalyID  int64
	nextRuleID     int64
	nextLogID      int64

	// latestSnapshotID tracks the most recently completed insert so
	// LatestSnapshot stays consistent when timestamps collide.
	latestSnapshotID int64

	now func() time.Time
}

// NewMemStore constructs an empty store seeded with the default rule set.
func NewMemStore() *MemStore {
	s := &MemStore{
		snapshots:      make(map[int64]Snapshot),
		anomalies:      make(map[int64]Anomaly),
		rules:          make(map[int64]AgentRule),
		logs:           make(map[int64]LogEntry),
		nextSnapshotID: 1,
		nextAnomalyID:  1,
		nextRuleID:     1,
		nextLogID:      1,
		now:            func() time.Time { return time.Now().UTC() },
	}
	s.seedDefaultRules()
	return s
}

func (s *MemStore) seedDefaultRules() {
	defaults := []RuleInput{
		{
			Name:        "Gas Price Alert",
			Description: "Alert when gas price exceeds 1000 Octas for more than 5 minutes",
			Condition:   "avgGasPrice > 1000 AND duration > 300",
			Action:      "alert",
		},
		{
			Name:        "TPS Monitoring",
			Description: "Monitor when transaction throughput drops below 500 TPS",
			Condition:   "tps < 500",
			Action:      "alert",
		},
		{
			Name:        "Contract Security",
			Description: "Auto-pause contracts with suspicious activity patterns",
			Condition:   "suspicious_pattern_detected = true",
			Action:      "pause_contract",
		},
	}
	for _, input := range defaults {
		s.InsertRule(input)
	}
}

// InsertSnapshot stores a new snapshot, assigning id and timestamp.
func (s *MemStore) InsertSnapshot(input SnapshotInput) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:                  s.nextSnapshotID,
		TPS:                 input.TPS,
		AvgGasPrice:         input.AvgGasPrice,
		PendingTransactions: input.PendingTransactions,
		ActiveContracts:     input.ActiveContracts,
		Timestamp:           s.now(),
	}
	s.nextSnapshotID++
	s.snapshots[snap.ID] = snap
	s.latestSnapshotID = snap.ID
	return snap
}

// LatestSnapshot returns the most recently stored snapshot, or false when
// the collection is empty. Insert order breaks timestamp ties, so the
// result is never older than the last completed insert.
func (s *MemStore) LatestSnapshot() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latestSnapshotID == 0 {
		return Snapshot{}, false
	}
	return s.snapshots[s.latestSnapshotID], true
}

// SnapshotHistory returns up to limit snapshots ordered newest first.
func (s *MemStore) SnapshotHistory(limit int) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		history = append(history, snap)
	}
	sort.Slice(history, func(i, j int) bool {
		if history[i].Timestamp.Equal(history[j].Timestamp) {
			return history[i].ID > history[j].ID
		}
		return history[i].Timestamp.After(history[j].Timestamp)
	})
	return truncate(history, limit)
}

// InsertAnomaly stores a new anomaly with status defaulted to "new".
func (s *MemStore) InsertAnomaly(input AnomalyInput) Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	anomaly := Anomaly{
		ID:            s.nextAnomalyID,
		Type:          input.Type,
		Severity:      input.Severity,
		Description:   input.Description,
		Metadata:      input.Metadata,
		Timestamp:     s.now(),
		Status:        StatusNew,
		WalletAddress: input.WalletAddress,
	}
	s.nextAnomalyID++
	s.anomalies[anomaly.ID] = anomaly
	return anomaly
}

// AnomalyByID looks up a single anomaly.
func (s *MemStore) AnomalyByID(id int64) (Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anomaly, ok := s.anomalies[id]
	if !ok {
		return Anomaly{}, fmt.Errorf("anomaly %d: %w", id, ErrNotFound)
	}
	return anomaly, nil
}

// ListAnomalies returns anomalies newest first, truncated to limit. A
// non-nil scope returns entries tagged with that wallet address plus
// unscoped entries.
func (s *MemStore) ListAnomalies(scope *string, limit int) []Anomaly {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Anomaly, 0, len(s.anomalies))
	for _, anomaly := range s.anomalies {
		if inScope(anomaly.WalletAddress, scope) {
			out = append(out, anomaly)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return truncate(out, limit)
}

// UpdateAnomalyStatus advances an anomaly through its lifecycle. The
// status only moves forward (new -> reviewed -> resolved); repeating the
// current status is a no-op, moving backwards is rejected.
func (s *MemStore) UpdateAnomalyStatus(id int64, status AnomalyStatus) (Anomaly, error) {
	if status.order() < 0 {
		return Anomaly{}, fmt.Errorf("status %q: %w", status, ErrInvalidStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	anomaly, ok := s.anomalies[id]
	if !ok {
		return Anomaly{}, fmt.Errorf("anomaly %d: %w", id, ErrNotFound)
	}
	if status.order() < anomaly.Status.order() {
		return Anomaly{}, fmt.Errorf("%s -> %s: %w", anomaly.Status, status, ErrInvalidStatus)
	}

	anomaly.Status = status
	s.anomalies[id] = anomaly
	return anomaly, nil
}

// InsertRule stores a new agent rule, active by default.
func (s *MemStore) InsertRule(input RuleInput) AgentRule {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule := AgentRule{
		ID:            s.nextRuleID,
		Name:          input.Name,
		Description:   input.Description,
		Condition:     input.Condition,
		Action:        input.Action,
		IsActive:      true,
		CreatedAt:     s.now(),
		WalletAddress: input.WalletAddress,
	}
	s.nextRuleID++
	s.rules[rule.ID] = rule
	return rule
}

// RuleByID looks up a single rule.
func (s *MemStore) RuleByID(id int64) (AgentRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return AgentRule{}, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return rule, nil
}

// ListRules returns rules ordered by creation time descending, filtered
// by scope (scoped plus unscoped entries).
func (s *MemStore) ListRules(scope *string) []AgentRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AgentRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if inScope(rule.WalletAddress, scope) {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveRules returns all rules currently marked active, unfiltered.
func (s *MemStore) ActiveRules() []AgentRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AgentRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.IsActive {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateRule applies a partial update and returns the updated rule.
func (s *MemStore) UpdateRule(id int64, update RuleUpdate) (AgentRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return AgentRule{}, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}

	if update.Name != nil {
		rule.Name = *update.Name
	}
	if update.Description != nil {
		rule.Description = *update.Description
	}
	if update.Condition != nil {
		rule.Condition = *update.Condition
	}
	if update.Action != nil {
		rule.Action = *update.Action
	}
	if update.IsActive != nil {
		rule.IsActive = *update.IsActive
	}

	s.rules[id] = rule
	return rule, nil
}

// InsertLog appends an audit trail entry.
func (s *MemStore) InsertLog(input LogInput) LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := LogEntry{
		ID:            s.nextLogID,
		Message:       input.Message,
		Type:          input.Type,
		Timestamp:     s.now(),
		Metadata:      input.Metadata,
		WalletAddress: input.WalletAddress,
	}
	s.nextLogID++
	s.logs[entry.ID] = entry
	return entry
}

// ListLogs returns log entries newest first, truncated to limit, with the
// same scope semantics as ListAnomalies.
func (s *MemStore) ListLogs(scope *string, limit int) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LogEntry, 0, len(s.logs))
	for _, entry := range s.logs {
		if inScope(entry.WalletAddress, scope) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return truncate(out, limit)
}

// ClearLogs removes all log entries, or only those tagged with the given
// wallet address when scope is non-nil.
func (s *MemStore) ClearLogs(scope *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scope == nil {
		s.logs = make(map[int64]LogEntry)
		return
	}
	for id, entry := range s.logs {
		if entry.WalletAddress != nil && *entry.WalletAddress == *scope {
			delete(s.logs, id)
		}
	}
}

// inScope implements the scope rule: unscoped records are visible to
// every scope, scoped records only to their own.
func inScope(record *string, scope *string) bool {
	if scope == nil || record == nil {
		return true
	}
	return *record == *scope
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
