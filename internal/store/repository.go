package store

import (
	"context"

	"github.com/JumpiiX/penumbra-indexer/internal/domain/model"
)

// BlockRepository provides access to synchronized block data. The sync
// engine is the only writer; the query API is a read-only consumer.
type BlockRepository interface {
	// Upsert atomically inserts or replaces the row for block.Height.
	// A hash collision with a different height fails with a
	// fault.KindIntegrity error and leaves the store untouched.
	Upsert(ctx context.Context, block *model.StoredBlock) error

	// GetLatest returns up to n blocks in descending height order.
	GetLatest(ctx context.Context, n int) ([]model.StoredBlock, error)

	// GetByHeight returns the block at height h, or nil when absent.
	GetByHeight(ctx context.Context, h int64) (*model.StoredBlock, error)

	// MaxHeight returns the highest stored height. ok is false when the
	// store is empty.
	MaxHeight(ctx context.Context) (height int64, ok bool, err error)

	// PruneKeepLatest deletes all but the n highest heights and returns
	// the number of rows removed.
	PruneKeepLatest(ctx context.Context, n int) (int64, error)

	// Stats computes aggregate statistics over the stored blocks.
	Stats(ctx context.Context) (*model.ChainStats, error)
}
