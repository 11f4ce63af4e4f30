package telemetry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/store"
)

// Simulated generates random plausible network telemetry. Roughly one
// sample in seven carries an injected outlier so downstream detection
// has something to find.
type Simulated struct {
	mu     sync.Mutex
	rng    *rand.Rand
	logger zerolog.Logger
}

// NewSimulated constructs a simulated source. A zero seed derives one
// from the clock.
func NewSimulated(seed int64, logger zerolog.Logger) *Simulated {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger.With().Str("component", "simulated_source").Logger(),
	}
}

// Sample returns one randomised snapshot input. Never fails.
func (s *Simulated) Sample(ctx context.Context) (store.SnapshotInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample := store.SnapshotInput{
		TPS:                 400 + s.rng.Intn(800),
		AvgGasPrice:         50 + s.rng.Intn(150),
		PendingTransactions: 1000 + s.rng.Intn(4000),
		ActiveContracts:     50000 + s.rng.Intn(20000),
	}

	if s.rng.Float64() < 0.15 {
		switch s.rng.Intn(3) {
		case 0:
			sample.TPS = 100 + s.rng.Intn(200)
		case 1:
			sample.AvgGasPrice = 300 + s.rng.Intn(500)
		default:
			sample.PendingTransactions = 7000 + s.rng.Intn(8000)
		}
		s.logger.Debug().Msg("injected outlier into simulated sample")
	}

	return sample, nil
}

var _ Source = (*Simulated)(nil)
