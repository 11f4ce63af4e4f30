package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"aptos-sentinel/internal/alerting"
	"aptos-sentinel/internal/broadcast"
	"aptos-sentinel/internal/detector"
	"aptos-sentinel/internal/rules"
	"aptos-sentinel/internal/store"
)

// Simulate feeds one crafted snapshot through the detection and rule
// pipeline offline and prints what fired. Nothing is broadcast and no
// server is started; the notifier is used when alerting is configured.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	st := store.NewMemStore()
	det := detector.New(a.Config.Thresholds, a.Logger)
	engine := rules.NewEngine(st, discardPublisher{}, a.Logger)
	notifier := a.newNotifier()

	snapshot := st.InsertSnapshot(store.SnapshotInput{
		TPS:                 opts.TPS,
		AvgGasPrice:         opts.AvgGasPrice,
		PendingTransactions: opts.PendingTransactions,
		ActiveContracts:     opts.ActiveContracts,
	})

	candidates := det.Detect(snapshot)
	if len(candidates) == 0 {
		fmt.Fprintln(os.Stdout, "no anomalies detected for the given snapshot")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Type\tSeverity\tDescription\tRules fired")

	for _, candidate := range candidates {
		anomaly := st.InsertAnomaly(store.AnomalyInput{
			Type:        candidate.Type,
			Severity:    candidate.Severity,
			Description: candidate.Description,
			Metadata:    candidate.Metadata,
		})

		matched := engine.Apply(anomaly, st.ActiveRules())

		if notifier != nil && anomaly.Severity.AtLeast(store.SeverityHigh) {
			if err := notifier.Notify(ctx, alerting.Notification{Anomaly: anomaly, Snapshot: snapshot}); err != nil {
				a.Logger.Error().Err(err).Str("type", anomaly.Type).Msg("alert dispatch failed")
			}
		}

		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\n",
			anomaly.Type, anomaly.Severity, anomaly.Description, len(matched))
	}

	writer.Flush()
	return nil
}

type discardPublisher struct{}

func (discardPublisher) Publish(broadcast.Envelope) {}
