package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"aptos-sentinel/internal/app"
)

var (
	seedCount    int
	seedInterval time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write simulated snapshots into the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedCount <= 0 {
			return fmt.Errorf("--count must be greater than zero")
		}

		opts := app.SeedOptions{
			Count:    seedCount,
			Interval: seedInterval,
		}

		return getApp().Seed(cmd.Context(), opts)
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 100, "Number of snapshots to generate")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "Spacing between snapshots (defaults to monitor.interval)")
}
