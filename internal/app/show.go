package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent archived snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	arch, closeArchive, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if arch == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	snapshots, err := arch.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTPS\tGas (Octas)\tPending\tContracts")

	for _, snapshot := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%d\t%d\n",
			snapshot.SampleTS.UTC().Format(time.RFC3339),
			snapshot.TPS,
			snapshot.AvgGasPrice,
			snapshot.PendingTransactions,
			snapshot.ActiveContracts,
		)
	}

	writer.Flush()
	return nil
}
