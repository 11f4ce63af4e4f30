package app

import (
	"context"
	"errors"
	"time"

	"aptos-sentinel/internal/store"
	"aptos-sentinel/internal/telemetry"
)

// Seed writes a run of simulated snapshots into the archive, spaced
// backwards from now at the given interval. Useful for exercising show
// and export against a fresh database.
func (a *App) Seed(ctx context.Context, opts SeedOptions) error {
	if opts.Count <= 0 {
		return errors.New("seed count must be positive")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = a.Config.Monitor.Interval
	}

	arch, closeArchive, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if arch == nil {
		return errors.New("database.dsn not configured; cannot seed")
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	source := telemetry.NewSimulated(a.Config.Telemetry.Seed, a.Logger)
	start := time.Now().UTC().Add(-time.Duration(opts.Count) * interval)

	written := 0
	failed := 0
	for i := 0; i < opts.Count; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sample, err := source.Sample(ctx)
		if err != nil {
			failed++
			continue
		}

		snapshot := store.Snapshot{
			TPS:                 sample.TPS,
			AvgGasPrice:         sample.AvgGasPrice,
			PendingTransactions: sample.PendingTransactions,
			ActiveContracts:     sample.ActiveContracts,
			Timestamp:           start.Add(time.Duration(i+1) * interval),
		}
		if err := arch.InsertSnapshot(ctx, snapshot); err != nil {
			failed++
			a.Logger.Error().Err(err).Time("sample_ts", snapshot.Timestamp).Msg("seed insert failed")
			continue
		}
		written++
	}

	a.Logger.Info().Int("written", written).Int("failed", failed).Msg("seed completed")
	if failed > 0 {
		return errors.New("some seed inserts failed, check the logs")
	}
	return nil
}
