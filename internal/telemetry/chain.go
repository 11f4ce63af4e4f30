package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"aptos-sentinel/internal/store"
)

// ChainOptions parameterise the RPC-backed source.
type ChainOptions struct {
	RPCURL  string
	Timeout time.Duration
	// ContractsBaseline is reported as the active contract count; a
	// single RPC endpoint cannot derive it cheaply.
	ContractsBaseline int
}

// Chain samples live telemetry from a node RPC endpoint. The client is
// dialled lazily on first use and reused afterwards.
type Chain struct {
	opts      ChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	// prevHeader supports the block-cadence TPS estimate across calls.
	prevMux    sync.Mutex
	prevHeader *types.Header
}

// NewChain builds an RPC-backed telemetry source.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	return &Chain{opts: opts, logger: logger.With().Str("component", "chain_source").Logger()}
}

// Sample fetches gas price, pending transaction count, and a TPS
// estimate from the node.
func (c *Chain) Sample(ctx context.Context) (store.SnapshotInput, error) {
	if c.opts.RPCURL == "" {
		return store.SnapshotInput{}, errors.New("rpc url not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return store.SnapshotInput{}, err
	}

	gasWei, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return store.SnapshotInput{}, fmt.Errorf("suggest gas price: %w", err)
	}
	// Report gas in billionths of the native unit so the value stays in
	// the same order of magnitude as the threshold table.
	gasUnits := decimal.NewFromBigInt(gasWei, -9).Round(0).IntPart()

	pending, err := client.PendingTransactionCount(ctx)
	if err != nil {
		return store.SnapshotInput{}, fmt.Errorf("pending transaction count: %w", err)
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return store.SnapshotInput{}, fmt.Errorf("latest header: %w", err)
	}
	txCount, err := client.TransactionCount(ctx, header.Hash())
	if err != nil {
		return store.SnapshotInput{}, fmt.Errorf("block transaction count: %w", err)
	}

	tps := c.estimateTPS(header, int(txCount))

	return store.SnapshotInput{
		TPS:                 tps,
		AvgGasPrice:         int(gasUnits),
		PendingTransactions: int(pending),
		ActiveContracts:     c.opts.ContractsBaseline,
	}, nil
}

// estimateTPS divides the latest block's transaction count by the
// observed block cadence since the previously seen header.
func (c *Chain) estimateTPS(header *types.Header, txCount int) int {
	c.prevMux.Lock()
	defer c.prevMux.Unlock()

	prev := c.prevHeader
	c.prevHeader = header

	if prev == nil || header.Number.Cmp(prev.Number) <= 0 || header.Time <= prev.Time {
		return txCount
	}

	blockSpan := header.Number.Int64() - prev.Number.Int64()
	timeSpan := int64(header.Time - prev.Time)
	secondsPerBlock := float64(timeSpan) / float64(blockSpan)
	if secondsPerBlock <= 0 {
		return txCount
	}
	return int(float64(txCount) / secondsPerBlock)
}

func (c *Chain) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c.client = client
	return client, nil
}

var _ Source = (*Chain)(nil)
