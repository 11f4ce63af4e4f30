package cli

import (
	"github.com/spf13/cobra"

	"aptos-sentinel/internal/app"
)

var (
	simulateTPS       int
	simulateGas       int
	simulatePending   int
	simulateContracts int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Feed one crafted snapshot through the detection pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			TPS:                 simulateTPS,
			AvgGasPrice:         simulateGas,
			PendingTransactions: simulatePending,
			ActiveContracts:     simulateContracts,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateTPS, "tps", 100, "Transactions per second")
	simulateCmd.Flags().IntVar(&simulateGas, "gas", 100, "Average gas price in Octas")
	simulateCmd.Flags().IntVar(&simulatePending, "pending", 2000, "Pending transaction count")
	simulateCmd.Flags().IntVar(&simulateContracts, "contracts", 55000, "Active contract count")
}
