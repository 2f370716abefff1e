package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/JumpiiX/penumbra-indexer/internal/chain"
	"github.com/JumpiiX/penumbra-indexer/internal/circuitbreaker"
	"github.com/JumpiiX/penumbra-indexer/internal/domain/model"
	"github.com/JumpiiX/penumbra-indexer/internal/fault"
	"github.com/JumpiiX/penumbra-indexer/internal/metrics"
	"github.com/JumpiiX/penumbra-indexer/internal/store"
	"github.com/JumpiiX/penumbra-indexer/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultBackoffSeed    = time.Second
	defaultBackoffFactor  = 2.0
	defaultBackoffMax     = time.Minute
	defaultMaxRewindDepth = 20

	// defaultStartHeight is the first block Penumbra nodes are known to
	// serve; earlier heights were pruned from public endpoints.
	defaultStartHeight = 2611800
)

// Config carries the engine's sync policy. Zero values fall back to the
// defaults above; RetentionBlocks == 0 disables pruning.
type Config struct {
	PollInterval    time.Duration
	BackoffSeed     time.Duration
	BackoffFactor   float64
	BackoffMax      time.Duration
	StartHeight     int64
	MaxRewindDepth  int
	RetentionBlocks int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BackoffSeed <= 0 {
		c.BackoffSeed = defaultBackoffSeed
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = defaultBackoffFactor
	}
	if c.BackoffMax < c.BackoffSeed {
		c.BackoffMax = defaultBackoffMax
	}
	if c.StartHeight <= 0 {
		c.StartHeight = defaultStartHeight
	}
	if c.MaxRewindDepth <= 0 {
		c.MaxRewindDepth = defaultMaxRewindDepth
	}
	return c
}

// Engine drives the poll/fetch/persist loop. It owns the sync cursor and
// all retry policy; it is the only writer to the block store. A single
// goroutine runs the loop, so heights are fetched strictly in ascending
// order with one request in flight.
type Engine struct {
	adapter chain.Adapter
	blocks  store.BlockRepository
	breaker *circuitbreaker.Breaker
	cfg     Config
	logger  *slog.Logger
	backoff *Backoff

	// cursor is the last height durably persisted. Atomic because the
	// health endpoint reads it from other goroutines.
	cursor atomic.Int64
	state  atomic.Int32

	// sleepFn is injectable so tests never wait out real intervals.
	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(adapter chain.Adapter, blocks store.BlockRepository, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		adapter: adapter,
		blocks:  blocks,
		cfg:     cfg,
		backoff: NewBackoff(cfg.BackoffSeed, cfg.BackoffFactor, cfg.BackoffMax),
		logger:  logger.With("component", "syncer", "run_id", uuid.NewString()),
	}
	e.breaker = circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			e.logger.Warn("node circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return e
}

// Cursor returns the last durably persisted height.
func (e *Engine) Cursor() int64 {
	return e.cursor.Load()
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Run executes the sync loop until ctx is cancelled or a fatal integrity
// condition is hit. A cancellation observed mid-batch lets the in-flight
// height finish persisting before returning.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.initialize(ctx); err != nil {
		return fmt.Errorf("initialize sync engine: %w", err)
	}

	e.logger.Info("sync engine started",
		"cursor", e.Cursor(),
		"poll_interval", e.cfg.PollInterval,
		"retention_blocks", e.cfg.RetentionBlocks,
		"max_rewind_depth", e.cfg.MaxRewindDepth,
	)

	for {
		if ctx.Err() != nil {
			return e.shutdown(ctx)
		}

		err := e.cycle(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return e.shutdown(ctx)
		}
		if fault.IsFatal(err) {
			e.setState(StateShuttingDown)
			e.logger.Error("fatal integrity condition, stopping ingestion", "error", err)
			return err
		}

		kind := fault.KindOf(err)
		metrics.SyncerErrors.WithLabelValues(string(kind)).Inc()
		if err := e.backoffWait(ctx, kind, err); err != nil {
			return e.shutdown(ctx)
		}
	}
}

// initialize rebuilds the cursor from the store's maximum height. The
// in-memory cursor is never trusted across restarts.
func (e *Engine) initialize(ctx context.Context) error {
	e.setState(StateInitializing)

	max, ok, err := e.blocks.MaxHeight(ctx)
	if err != nil {
		return fmt.Errorf("rebuild cursor from store: %w", err)
	}
	if ok {
		e.setCursor(max)
		e.logger.Info("cursor rebuilt from store", "max_height", max)
	} else {
		e.setCursor(e.cfg.StartHeight - 1)
		e.logger.Info("store empty, starting from configured floor", "start_height", e.cfg.StartHeight)
	}
	return nil
}

// cycle performs one poll and, when behind, one fetch batch.
func (e *Engine) cycle(ctx context.Context) error {
	ctx, span := tracing.Tracer("syncer").Start(ctx, "syncer.cycle")
	start := time.Now()
	defer func() {
		metrics.SyncerCycleLatency.Observe(time.Since(start).Seconds())
		span.End()
	}()

	e.setState(StatePolling)
	status, err := e.getStatus(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return fmt.Errorf("poll status: %w", err)
	}

	cursor := e.Cursor()
	latest := status.LatestHeight
	metrics.SyncerChainHeight.Set(float64(latest))
	metrics.SyncerLag.Set(float64(latest - cursor))
	span.SetAttributes(
		attribute.Int64("chain_height", latest),
		attribute.Int64("cursor", cursor),
	)

	if latest < cursor {
		// The node rolled back below our cursor. Not an error: treat it
		// as a reorg trigger and re-ingest from the node's head.
		if cursor-latest > int64(e.cfg.MaxRewindDepth) {
			return fault.Integrityf("node head %d is %d blocks below cursor %d, beyond rewind depth %d",
				latest, cursor-latest, cursor, e.cfg.MaxRewindDepth)
		}
		e.logger.Warn("node head below cursor, rewinding",
			"chain_height", latest,
			"cursor", cursor,
		)
		rewound := latest - 1
		if floor := e.cfg.StartHeight - 1; rewound < floor {
			rewound = floor
		}
		e.setCursor(rewound)
		cursor = rewound
	}

	if latest == cursor {
		e.backoff.Reset()
		e.pruneRetained(ctx)
		return e.sleep(ctx, e.cfg.PollInterval)
	}

	e.setState(StateFetching)
	if err := e.fetchRange(ctx, cursor+1, latest); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return err
	}

	e.backoff.Reset()
	e.pruneRetained(ctx)
	return nil
}

// fetchRange fetches and persists heights [from, to] strictly ascending,
// one at a time. The cursor only advances past heights that were durably
// persisted; any failure stops the batch with the cursor intact.
// Cancellation is observed between heights, never mid-persist.
func (e *Engine) fetchRange(ctx context.Context, from, to int64) error {
	for h := from; h <= to; h++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.syncHeight(ctx, h); err != nil {
			return err
		}
		e.setCursor(h)
		metrics.SyncerBlocksSynced.Inc()
	}
	e.logger.Info("batch synced", "from", from, "to", to)
	return nil
}

// syncHeight fetches height h, validates continuity against the stored
// predecessor, and persists the block.
func (e *Engine) syncHeight(ctx context.Context, h int64) error {
	blk, err := e.getBlock(ctx, h)
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", h, err)
	}

	if blk.PreviousBlockHash != nil {
		prev, err := e.blocks.GetByHeight(ctx, h-1)
		if err != nil {
			return fmt.Errorf("load predecessor of %d: %w", h, err)
		}
		if prev != nil && prev.Hash != *blk.PreviousBlockHash {
			e.logger.Warn("previous block hash mismatch, reorganization detected",
				"height", h,
				"stored_prev_hash", prev.Hash,
				"fetched_prev_hash", *blk.PreviousBlockHash,
			)
			if err := e.rewind(ctx, h-1); err != nil {
				return err
			}
		}
	}

	if err := e.persist(ctx, blk); err != nil {
		return fmt.Errorf("persist block %d: %w", h, err)
	}
	return nil
}

// rewind re-fetches and overwrites stored blocks downward from `top`
// until parent-hash continuity is restored or the configured depth is
// exhausted, which is a fatal integrity condition: the fork reaches
// deeper than this indexer is allowed to rewrite history.
func (e *Engine) rewind(ctx context.Context, top int64) error {
	h := top
	for depth := 1; ; depth++ {
		if depth > e.cfg.MaxRewindDepth {
			return fault.Integrityf("reorganization deeper than %d blocks at height %d", e.cfg.MaxRewindDepth, top)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		blk, err := e.getBlock(ctx, h)
		if err != nil {
			return fmt.Errorf("rewind fetch block %d: %w", h, err)
		}
		if err := e.persist(ctx, blk); err != nil {
			return fmt.Errorf("rewind persist block %d: %w", h, err)
		}
		metrics.SyncerReorgRewinds.Inc()
		e.logger.Info("rewound block", "height", h, "hash", blk.Hash)

		if blk.PreviousBlockHash == nil || h <= e.cfg.StartHeight {
			return nil
		}
		prev, err := e.blocks.GetByHeight(ctx, h-1)
		if err != nil {
			return fmt.Errorf("rewind load predecessor of %d: %w", h, err)
		}
		if prev == nil || prev.Hash == *blk.PreviousBlockHash {
			return nil
		}
		h--
	}
}

func (e *Engine) persist(ctx context.Context, blk *chain.Block) error {
	return e.blocks.Upsert(ctx, &model.StoredBlock{
		Height:            blk.Height,
		Hash:              blk.Hash,
		Time:              blk.Time,
		ProposerAddress:   blk.ProposerAddress,
		TxCount:           blk.TxCount,
		PreviousBlockHash: blk.PreviousBlockHash,
		Data:              blk.Data,
	})
}

// pruneRetained enforces the optional retention window after a
// successful cycle. Prune failures degrade to a warning: retention is a
// space policy, not a consistency requirement.
func (e *Engine) pruneRetained(ctx context.Context) {
	if e.cfg.RetentionBlocks <= 0 {
		return
	}
	deleted, err := e.blocks.PruneKeepLatest(ctx, e.cfg.RetentionBlocks)
	if err != nil {
		e.logger.Warn("retention prune failed", "error", err)
		return
	}
	if deleted > 0 {
		metrics.StorePruneDeleted.Add(float64(deleted))
		e.logger.Debug("retention prune completed", "deleted", deleted, "keep", e.cfg.RetentionBlocks)
	}
}

func (e *Engine) getStatus(ctx context.Context) (*chain.Status, error) {
	var status *chain.Status
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		status, err = e.adapter.GetStatus(ctx)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, fault.Unreachable(err)
	}
	return status, err
}

func (e *Engine) getBlock(ctx context.Context, h int64) (*chain.Block, error) {
	var blk *chain.Block
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		blk, err = e.adapter.GetBlock(ctx, h)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, fault.WrapHeight(fault.KindUnreachable, h, err)
	}
	return blk, err
}

// backoffWait holds the engine in the backoff state for the next delay
// in the exponential sequence.
func (e *Engine) backoffWait(ctx context.Context, kind fault.Kind, cause error) error {
	e.setState(StateBackoff)
	metrics.SyncerBackoffsTotal.Inc()
	delay := e.backoff.Next()
	e.logger.Warn("sync failed, backing off",
		"kind", string(kind),
		"delay", delay,
		"cursor", e.Cursor(),
		"error", cause,
	)
	return e.sleep(ctx, delay)
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.setState(StateShuttingDown)
	e.logger.Info("sync engine shutting down", "cursor", e.Cursor())
	return ctx.Err()
}

func (e *Engine) setCursor(h int64) {
	e.cursor.Store(h)
	metrics.SyncerCursorHeight.Set(float64(h))
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	metrics.SyncerState.Set(float64(s))
}

// sleep waits d or until ctx is cancelled, whichever comes first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if e.sleepFn != nil {
		return e.sleepFn(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
