package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestSimulatedSampleStaysInPlausibleRanges(t *testing.T) {
	src := NewSimulated(1, zerolog.Nop())

	for i := 0; i < 200; i++ {
		sample, err := src.Sample(context.Background())
		if err != nil {
			t.Fatalf("simulated source must not fail: %v", err)
		}
		if sample.TPS < 100 || sample.TPS >= 1200 {
			t.Fatalf("tps out of range: %d", sample.TPS)
		}
		if sample.AvgGasPrice < 50 || sample.AvgGasPrice >= 800 {
			t.Fatalf("gas price out of range: %d", sample.AvgGasPrice)
		}
		if sample.PendingTransactions < 1000 || sample.PendingTransactions >= 15000 {
			t.Fatalf("pending transactions out of range: %d", sample.PendingTransactions)
		}
		if sample.ActiveContracts < 50000 || sample.ActiveContracts >= 70000 {
			t.Fatalf("active contracts out of range: %d", sample.ActiveContracts)
		}
	}
}

func TestSimulatedSampleDeterministicWithSeed(t *testing.T) {
	a := NewSimulated(42, zerolog.Nop())
	b := NewSimulated(42, zerolog.Nop())

	for i := 0; i < 20; i++ {
		sa, _ := a.Sample(context.Background())
		sb, _ := b.Sample(context.Background())
		if sa != sb {
			t.Fatalf("same seed should replay the same sequence: %+v vs %+v", sa, sb)
		}
	}
}
