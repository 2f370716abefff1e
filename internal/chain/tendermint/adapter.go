package tendermint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/JumpiiX/penumbra-indexer/internal/chain"
	"github.com/JumpiiX/penumbra-indexer/internal/chain/ratelimit"
	"github.com/JumpiiX/penumbra-indexer/internal/fault"
	"github.com/JumpiiX/penumbra-indexer/internal/metrics"
)

// Adapter implements chain.Adapter on top of the Tendermint REST client.
// It converts wire responses into domain blocks and tags failures with
// the fault taxonomy; it keeps no state and performs no retries.
type Adapter struct {
	client *Client
	logger *slog.Logger
}

var _ chain.Adapter = (*Adapter)(nil)

func NewAdapter(rpcURL string, logger *slog.Logger) *Adapter {
	return &Adapter{
		client: NewClient(rpcURL, logger),
		logger: logger.With("component", "tendermint_adapter"),
	}
}

// SetRateLimiter limits outgoing RPC calls.
func (a *Adapter) SetRateLimiter(l *ratelimit.Limiter) {
	a.client.SetRateLimiter(l)
}

// SetRequestTimeout overrides the per-request timeout.
func (a *Adapter) SetRequestTimeout(d time.Duration) {
	a.client.SetTimeout(d)
}

func (a *Adapter) GetStatus(ctx context.Context) (*chain.Status, error) {
	start := time.Now()
	resp, err := a.client.GetStatus(ctx)
	ratelimit.RecordRPCCall("status", err)
	metrics.RPCCallLatency.WithLabelValues("status").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classify(err, 0)
	}

	height, err := strconv.ParseInt(resp.Result.SyncInfo.LatestBlockHeight, 10, 64)
	if err != nil {
		return nil, fault.Protocol(fmt.Errorf("parse latest_block_height %q: %w", resp.Result.SyncInfo.LatestBlockHeight, err))
	}
	if height < 0 {
		return nil, fault.Protocol(fmt.Errorf("negative latest_block_height %d", height))
	}

	return &chain.Status{
		LatestHeight: height,
		LatestTime:   resp.Result.SyncInfo.LatestBlockTime,
		CatchingUp:   resp.Result.SyncInfo.CatchingUp,
	}, nil
}

func (a *Adapter) GetBlock(ctx context.Context, height int64) (*chain.Block, error) {
	start := time.Now()
	result, raw, err := a.client.GetBlock(ctx, height)
	ratelimit.RecordRPCCall("block", err)
	metrics.RPCCallLatency.WithLabelValues("block").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classify(err, height)
	}

	headerHeight, err := strconv.ParseInt(result.Block.Header.Height, 10, 64)
	if err != nil {
		return nil, fault.WrapHeight(fault.KindProtocol, height, fmt.Errorf("parse header height %q: %w", result.Block.Header.Height, err))
	}
	if headerHeight != height {
		return nil, fault.WrapHeight(fault.KindProtocol, height, fmt.Errorf("node returned height %d", headerHeight))
	}

	var prevHash *string
	if result.Block.Header.LastBlockID != nil && result.Block.Header.LastBlockID.Hash != "" {
		h := result.Block.Header.LastBlockID.Hash
		prevHash = &h
	}

	return &chain.Block{
		Height:            height,
		Hash:              result.BlockID.Hash,
		Time:              result.Block.Header.Time,
		ProposerAddress:   result.Block.Header.ProposerAddress,
		TxCount:           int32(len(result.Block.Data.Txs)),
		PreviousBlockHash: prevHash,
		Data:              raw,
	}, nil
}

// classify assigns a fault kind to a raw client error. Context
// cancellation passes through untagged so callers can distinguish
// shutdown from upstream failure.
func classify(err error, height int64) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.WrapHeight(fault.KindUnreachable, height, err)
	}

	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		lower := strings.ToLower(rpcErr.Error())
		if strings.Contains(lower, "must be less than or equal") ||
			strings.Contains(lower, "could not find results") ||
			strings.Contains(lower, "is not available") {
			return fault.WrapHeight(fault.KindNotFound, height, err)
		}
		return fault.WrapHeight(fault.KindProtocol, height, err)
	}

	return fault.WrapHeight(fault.KindOf(err), height, err)
}
