package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/broadcast"
	"aptos-sentinel/internal/detector"
	"aptos-sentinel/internal/store"
)

// Anomaly types matched only by keyword (produced by collaborators, not
// the threshold evaluator).
const (
	TypeSuspiciousContract = "Suspicious Contract"
	TypeNetworkStress      = "Predicted Network Stress"
)

// LogAppender is the slice of the store the engine needs for auditing.
type LogAppender interface {
	InsertLog(input store.LogInput) store.LogEntry
}

// Engine matches newly created anomalies against active agent rules and,
// on match, appends an audit log entry and emits a broadcast notification.
type Engine struct {
	logs   LogAppender
	pub    broadcast.Publisher
	logger zerolog.Logger

	// evaluate is swappable so tests can inject failing rules.
	evaluate func(rule store.AgentRule, anomaly store.Anomaly) (bool, error)
}

// NewEngine constructs a rule engine.
func NewEngine(logs LogAppender, pub broadcast.Publisher, logger zerolog.Logger) *Engine {
	e := &Engine{
		logs:   logs,
		pub:    pub,
		logger: logger.With().Str("component", "rule_engine").Logger(),
	}
	e.evaluate = evaluateCondition
	return e
}

// Apply evaluates every active rule against the anomaly. Each matching
// rule independently produces one audit log entry and one notification;
// there is no de-duplication across rules. A failure evaluating one rule
// never prevents evaluation of the rest.
func (e *Engine) Apply(anomaly store.Anomaly, activeRules []store.AgentRule) []store.AgentRule {
	var matched []store.AgentRule

	for _, rule := range activeRules {
		if !rule.IsActive {
			continue
		}

		ok, err := e.safeEvaluate(rule, anomaly)
		if err != nil {
			e.logger.Warn().Err(err).
				Int64("rule_id", rule.ID).
				Str("anomaly_type", anomaly.Type).
				Msg("rule evaluation failed; continuing with remaining rules")
			continue
		}
		if !ok {
			continue
		}

		matched = append(matched, rule)

		e.logs.InsertLog(store.LogInput{
			Message: fmt.Sprintf("AI Agent executed rule: %s in response to %s", rule.Name, anomaly.Type),
			Type:    store.LogSuccess,
			Metadata: map[string]any{
				"ruleId":      rule.ID,
				"anomalyId":   anomaly.ID,
				"anomalyType": anomaly.Type,
				"action":      rule.Action,
				"autonomous":  true,
			},
		})

		e.pub.Publish(broadcast.NewEnvelope(broadcast.EventLog, map[string]any{
			"message":    fmt.Sprintf("AI Agent: Executed %s for %s", rule.Action, anomaly.Type),
			"type":       store.LogSuccess,
			"autonomous": true,
		}))

		e.logger.Info().
			Int64("rule_id", rule.ID).
			Str("action", rule.Action).
			Str("anomaly_type", anomaly.Type).
			Msg("autonomous rule action executed")
	}

	return matched
}

func (e *Engine) safeEvaluate(rule store.AgentRule, anomaly store.Anomaly) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("rule %d panicked: %v", rule.ID, r)
		}
	}()
	return e.evaluate(rule, anomaly)
}

// comparisonPattern extracts the first "metric op threshold" clause of a
// free-text condition. Anything beyond the first clause is ignored.
var comparisonPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*(>=|<=|>|<)\s*([0-9]+(?:\.[0-9]+)?)`)

// evaluateCondition tests a rule condition against an anomaly. Conditions
// of the form "metric op threshold" are evaluated against the anomaly's
// observed metadata value; anything else falls back to keyword matching
// between the condition text and the anomaly type.
func evaluateCondition(rule store.AgentRule, anomaly store.Anomaly) (bool, error) {
	if groups := comparisonPattern.FindStringSubmatch(rule.Condition); groups != nil {
		metric := canonicalMetric(groups[1])
		threshold, err := strconv.ParseFloat(groups[3], 64)
		if err != nil {
			return false, fmt.Errorf("parse threshold %q: %w", groups[3], err)
		}
		if metric != "" && metric == anomalyMetric(anomaly.Type) {
			value, ok := observedValue(anomaly)
			if ok {
				return compare(value, groups[2], threshold), nil
			}
		}
		// Parsed clause does not apply to this anomaly; fall through to
		// keyword association so legacy free-text conditions keep working.
	}

	return keywordMatch(rule.Condition, anomaly.Type), nil
}

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	default:
		return false
	}
}

func observedValue(anomaly store.Anomaly) (float64, bool) {
	raw, ok := anomaly.Metadata["value"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// canonicalMetric maps condition spellings to the metadata metric names
// the detector records.
func canonicalMetric(name string) string {
	switch strings.ToLower(name) {
	case "tps":
		return detector.MetricTPS
	case "avggasprice", "gasprice", "gas_price", "gas":
		return detector.MetricGasPrice
	case "pendingtransactions", "pending", "pending_transactions":
		return detector.MetricPending
	case "contractgrowth", "contract_growth", "activecontracts", "active_contracts":
		return detector.MetricContractGrowth
	default:
		return ""
	}
}

// anomalyMetric associates an anomaly type with the metric its metadata
// value describes.
func anomalyMetric(anomalyType string) string {
	switch anomalyType {
	case detector.TypeLowTPS, detector.TypeHighTPS:
		return detector.MetricTPS
	case detector.TypeGasPriceSpike:
		return detector.MetricGasPrice
	case detector.TypeCongestion:
		return detector.MetricPending
	case detector.TypeContractActivity:
		return detector.MetricContractGrowth
	default:
		return ""
	}
}

// keywordMatch reproduces the legacy substring associations: a condition
// matches when its text references the metric or signal behind the
// anomaly type.
func keywordMatch(condition, anomalyType string) bool {
	cond := strings.ToLower(condition)

	contains := func(keywords ...string) bool {
		for _, kw := range keywords {
			if strings.Contains(cond, kw) {
				return true
			}
		}
		return false
	}

	switch anomalyType {
	case detector.TypeGasPriceSpike:
		return contains("gas")
	case detector.TypeLowTPS, detector.TypeHighTPS:
		return contains("tps")
	case detector.TypeCongestion:
		return contains("pending", "congestion")
	case detector.TypeContractActivity:
		return contains("growth", "deployment")
	case TypeSuspiciousContract:
		return contains("suspicious")
	case TypeNetworkStress:
		return contains("predict", "stress")
	default:
		return false
	}
}
