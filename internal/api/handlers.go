package api

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"aptos-sentinel/internal/ai"
	"aptos-sentinel/internal/broadcast"
	"aptos-sentinel/internal/store"
)

const (
	defaultHistoryLimit = 50
	defaultAnomalyLimit = 50
	defaultLogLimit     = 100
)

func (s *Server) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.store.LatestSnapshot()
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.SnapshotHistory(limit))
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultAnomalyLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.ListAnomalies(queryScope(r), limit))
}

func (s *Server) handleAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		Status store.AnomalyStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Status == "" {
		s.writeError(w, invalidField("status", "status is required"))
		return
	}

	anomaly, err := s.store.UpdateAnomalyStatus(id, req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anomaly)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListRules(queryScope(r)))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req store.RuleInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, invalidField("name", "name is required"))
		return
	}
	if strings.TrimSpace(req.Condition) == "" {
		s.writeError(w, invalidField("condition", "condition is required"))
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		s.writeError(w, invalidField("action", "action is required"))
		return
	}

	rule := s.store.InsertRule(req)
	s.store.InsertLog(store.LogInput{
		Message:       fmt.Sprintf("New agent rule created: %s", rule.Name),
		Type:          store.LogInfo,
		Metadata:      map[string]any{"ruleId": rule.ID},
		WalletAddress: req.WalletAddress,
	})
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req store.RuleUpdate
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	rule, err := s.store.UpdateRule(id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultLogLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.ListLogs(queryScope(r), limit))
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.store.ClearLogs(queryScope(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMonitoringToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Active == nil {
		s.writeError(w, invalidField("active", "active is required"))
		return
	}

	// Start and Stop broadcast the new state themselves. A same-state
	// toggle changes nothing, but subscribers still get a fresh status
	// envelope so a stale client can resync.
	switch {
	case *req.Active && !s.monitor.Active():
		s.monitor.Start(context.Background())
	case !*req.Active && s.monitor.Active():
		s.monitor.Stop()
	default:
		s.hub.Publish(broadcast.NewEnvelope(broadcast.EventStatus, map[string]any{
			"monitoring": s.monitor.Active(),
		}))
	}

	writeJSON(w, http.StatusOK, map[string]any{"monitoring": s.monitor.Active()})
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action        string         `json:"action"`
		WalletAddress *string        `json:"walletAddress"`
		Params        map[string]any `json:"params"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		s.writeError(w, invalidField("action", "action is required"))
		return
	}

	receipt := map[string]any{
		"actionId":    uuid.NewString(),
		"action":      req.Action,
		"status":      "completed",
		"completedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if req.WalletAddress != nil {
		receipt["transactionHash"] = pseudoTxHash()
	}

	s.store.InsertLog(store.LogInput{
		Message:       fmt.Sprintf("Manual action executed: %s", req.Action),
		Type:          store.LogSuccess,
		Metadata:      map[string]any{"actionId": receipt["actionId"], "params": req.Params},
		WalletAddress: req.WalletAddress,
	})

	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, invalidField("message", "message is required"))
		return
	}
	if s.generator == nil {
		s.writeError(w, ai.ErrNotConfigured)
		return
	}

	var metrics *store.Snapshot
	if snapshot, ok := s.store.LatestSnapshot(); ok {
		metrics = &snapshot
	}
	anomalyCount := len(s.store.ListAnomalies(nil, defaultAnomalyLimit))

	answer, err := s.generator.Chat(r.Context(), req.Message, metrics, anomalyCount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": answer})
}

func (s *Server) handleRuleSuggestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		s.writeError(w, invalidField("description", "description is required"))
		return
	}
	if s.generator == nil {
		s.writeError(w, ai.ErrNotConfigured)
		return
	}

	suggestion, err := s.generator.RuleSuggestion(r.Context(), req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"suggestion": suggestion})
}

func (s *Server) handleAnalyzeAnomaly(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AnomalyID int64 `json:"anomalyId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AnomalyID <= 0 {
		s.writeError(w, invalidField("anomalyId", "anomalyId is required"))
		return
	}
	if s.generator == nil {
		s.writeError(w, ai.ErrNotConfigured)
		return
	}

	anomaly, err := s.store.AnomalyByID(req.AnomalyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics, _ := s.store.LatestSnapshot()

	analysis, err := s.generator.AnalyzeAnomaly(r.Context(), anomaly, metrics)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"analysis": analysis})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"monitoring":       s.monitor.Active(),
		"websocketClients": s.hub.ClientCount(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

func queryScope(r *http.Request) *string {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		return nil
	}
	return &wallet
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, invalidField("limit", "limit must be a non-negative integer")
	}
	return limit, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, invalidField("id", "id must be an integer")
	}
	return id, nil
}

// pseudoTxHash fabricates a transaction-hash shaped value for action
// receipts; no transaction is actually submitted.
func pseudoTxHash() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hexutil.Encode(buf)
}
