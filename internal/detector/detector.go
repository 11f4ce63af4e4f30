package detector

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/store"
)

// Anomaly types emitted by the evaluator.
const (
	TypeLowTPS           = "Low TPS Alert"
	TypeHighTPS          = "High TPS Alert"
	TypeGasPriceSpike    = "Gas Price Spike"
	TypeCongestion       = "Network Congestion"
	TypeContractActivity = "Unusual Contract Activity"
)

// Metric names recorded in candidate metadata.
const (
	MetricTPS            = "tps"
	MetricGasPrice       = "gasPrice"
	MetricPending        = "pendingTransactions"
	MetricContractGrowth = "contractGrowth"
)

// Absolute floors the recalibration never drops below.
const (
	floorTPSMin     = 200
	floorGasMax     = 200
	floorPendingMax = 5000
	minHistory      = 10
)

// Bounds is an inclusive-exclusive band for one metric.
type Bounds struct {
	Min int `mapstructure:"min" json:"min"`
	Max int `mapstructure:"max" json:"max"`
}

// Thresholds is the mutable threshold table driving detection.
type Thresholds struct {
	TPS                Bounds  `mapstructure:"tps" json:"tps"`
	GasPrice           Bounds  `mapstructure:"gas_price" json:"gasPrice"`
	Pending            Bounds  `mapstructure:"pending" json:"pendingTransactions"`
	ContractsGrowthPct float64 `mapstructure:"contracts_growth_pct" json:"contractsGrowthPct"`
}

// DefaultThresholds returns the stock threshold table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TPS:                Bounds{Min: 300, Max: 1500},
		GasPrice:           Bounds{Min: 20, Max: 250},
		Pending:            Bounds{Min: 500, Max: 8000},
		ContractsGrowthPct: 10,
	}
}

// Candidate is one detected deviation, not yet persisted.
type Candidate struct {
	Type        string
	Severity    store.Severity
	Description string
	Metadata    map[string]any
}

// Detector compares snapshots against the threshold table. It remembers
// exactly one previous snapshot for delta checks, so evaluation cost is
// constant regardless of history size.
type Detector struct {
	mu         sync.Mutex
	thresholds Thresholds
	previous   *store.Snapshot
	logger     zerolog.Logger
}

// New constructs a Detector with the given threshold table.
func New(thresholds Thresholds, logger zerolog.Logger) *Detector {
	return &Detector{
		thresholds: thresholds,
		logger:     logger.With().Str("component", "detector").Logger(),
	}
}

// Thresholds returns a copy of the current threshold table.
func (d *Detector) Thresholds() Thresholds {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholds
}

// Detect evaluates one snapshot against the threshold table and returns
// every candidate that fired; conditions are independent, so several may
// fire for the same snapshot. The snapshot unconditionally becomes the
// remembered previous one.
func (d *Detector) Detect(current store.Snapshot) []Candidate {
	d.mu.Lock()
	defer d.mu.Unlock()

	th := d.thresholds
	var candidates []Candidate

	if current.TPS < th.TPS.Min {
		candidates = append(candidates, Candidate{
			Type:     TypeLowTPS,
			Severity: store.SeverityMedium,
			Description: fmt.Sprintf("Transaction throughput dropped to %d TPS, below normal threshold of %d",
				current.TPS, th.TPS.Min),
			Metadata: metricMetadata(MetricTPS, float64(current.TPS), float64(th.TPS.Min)),
		})
	} else if current.TPS > th.TPS.Max {
		candidates = append(candidates, Candidate{
			Type:     TypeHighTPS,
			Severity: store.SeverityLow,
			Description: fmt.Sprintf("Transaction throughput spiked to %d TPS, above normal threshold of %d",
				current.TPS, th.TPS.Max),
			Metadata: metricMetadata(MetricTPS, float64(current.TPS), float64(th.TPS.Max)),
		})
	}

	if current.AvgGasPrice > th.GasPrice.Max {
		severity := store.SeverityHigh
		if current.AvgGasPrice >= th.GasPrice.Max*2 {
			severity = store.SeverityCritical
		}
		candidates = append(candidates, Candidate{
			Type:     TypeGasPriceSpike,
			Severity: severity,
			Description: fmt.Sprintf("Average gas price reached %d Octas, significantly above normal threshold of %d Octas",
				current.AvgGasPrice, th.GasPrice.Max),
			Metadata: metricMetadata(MetricGasPrice, float64(current.AvgGasPrice), float64(th.GasPrice.Max)),
		})
	}

	if current.PendingTransactions > th.Pending.Max {
		candidates = append(candidates, Candidate{
			Type:     TypeCongestion,
			Severity: store.SeverityMedium,
			Description: fmt.Sprintf("Pending transactions reached %d, indicating network congestion",
				current.PendingTransactions),
			Metadata: metricMetadata(MetricPending, float64(current.PendingTransactions), float64(th.Pending.Max)),
		})
	}

	if d.previous != nil && d.previous.ActiveContracts > 0 {
		growth := float64(current.ActiveContracts-d.previous.ActiveContracts) /
			float64(d.previous.ActiveContracts) * 100
		if growth > th.ContractsGrowthPct {
			candidates = append(candidates, Candidate{
				Type:     TypeContractActivity,
				Severity: store.SeverityMedium,
				Description: fmt.Sprintf("Active contracts increased by %.1f%% in recent period, potentially indicating unusual deployment activity",
					growth),
				Metadata: metricMetadata(MetricContractGrowth, growth, th.ContractsGrowthPct),
			})
		}
	}

	snap := current
	d.previous = &snap

	return candidates
}

// Recalibrate shifts the threshold table toward the arithmetic mean of
// the provided history. Less than minHistory samples is a no-op. The
// absolute floor constants are never undercut.
func (d *Detector) Recalibrate(history []store.Snapshot) {
	if len(history) < minHistory {
		return
	}

	var tpsSum, gasSum, pendingSum float64
	for _, snap := range history {
		tpsSum += float64(snap.TPS)
		gasSum += float64(snap.AvgGasPrice)
		pendingSum += float64(snap.PendingTransactions)
	}
	n := float64(len(history))
	tpsMean := tpsSum / n
	gasMean := gasSum / n
	pendingMean := pendingSum / n

	d.mu.Lock()
	defer d.mu.Unlock()

	d.thresholds.TPS.Min = maxInt(floorTPSMin, round(tpsMean*0.6))
	d.thresholds.TPS.Max = round(tpsMean * 1.8)
	d.thresholds.GasPrice.Max = maxInt(floorGasMax, round(gasMean*2))
	d.thresholds.Pending.Max = maxInt(floorPendingMax, round(pendingMean*1.5))

	d.logger.Info().
		Int("tps_min", d.thresholds.TPS.Min).
		Int("tps_max", d.thresholds.TPS.Max).
		Int("gas_max", d.thresholds.GasPrice.Max).
		Int("pending_max", d.thresholds.Pending.Max).
		Msg("recalibrated anomaly thresholds")
}

func metricMetadata(metric string, value, threshold float64) map[string]any {
	return map[string]any{
		"metric":    metric,
		"value":     value,
		"threshold": threshold,
	}
}

func round(v float64) int {
	return int(math.Round(v))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
