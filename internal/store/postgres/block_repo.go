package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JumpiiX/penumbra-indexer/internal/domain/model"
	"github.com/JumpiiX/penumbra-indexer/internal/fault"
	"github.com/lib/pq"
)

// BlockRepo persists synchronized blocks. All writes are single-statement
// upserts, so concurrent readers either see the previous row or the new
// one, never a partial write.
type BlockRepo struct {
	db *DB
}

func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

func (r *BlockRepo) Upsert(ctx context.Context, block *model.StoredBlock) error {
	const query = `
		INSERT INTO blocks (height, hash, time, proposer_address, tx_count, previous_block_hash, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (height)
		DO UPDATE SET hash = EXCLUDED.hash,
		              time = EXCLUDED.time,
		              proposer_address = EXCLUDED.proposer_address,
		              tx_count = EXCLUDED.tx_count,
		              previous_block_hash = EXCLUDED.previous_block_hash,
		              data = EXCLUDED.data,
		              updated_at = now()
	`
	_, err := r.db.ExecContext(ctx, query,
		block.Height, block.Hash, block.Time, block.ProposerAddress,
		block.TxCount, block.PreviousBlockHash, []byte(block.Data),
	)
	if err != nil {
		return wrapStoreErr(block.Height, fmt.Errorf("upsert block %d: %w", block.Height, err))
	}
	return nil
}

func (r *BlockRepo) GetLatest(ctx context.Context, n int) ([]model.StoredBlock, error) {
	const query = `
		SELECT height, hash, time, proposer_address, tx_count, previous_block_hash, data, created_at, updated_at
		FROM blocks
		ORDER BY height DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, wrapStoreErr(0, fmt.Errorf("query latest blocks: %w", err))
	}
	defer rows.Close()

	var blocks []model.StoredBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, wrapStoreErr(0, fmt.Errorf("scan block: %w", err))
		}
		blocks = append(blocks, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(0, fmt.Errorf("iterate latest blocks: %w", err))
	}
	return blocks, nil
}

func (r *BlockRepo) GetByHeight(ctx context.Context, h int64) (*model.StoredBlock, error) {
	const query = `
		SELECT height, hash, time, proposer_address, tx_count, previous_block_hash, data, created_at, updated_at
		FROM blocks
		WHERE height = $1
	`
	b, err := scanBlock(r.db.QueryRowContext(ctx, query, h))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr(h, fmt.Errorf("get block %d: %w", h, err))
	}
	return b, nil
}

func (r *BlockRepo) MaxHeight(ctx context.Context) (int64, bool, error) {
	var max sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(height) FROM blocks`).Scan(&max)
	if err != nil {
		return 0, false, wrapStoreErr(0, fmt.Errorf("max height: %w", err))
	}
	if !max.Valid {
		return 0, false, nil
	}
	return max.Int64, true, nil
}

// PruneKeepLatest deletes all but the n highest heights. Deletion is a
// single statement, so readers never observe a partially pruned window.
func (r *BlockRepo) PruneKeepLatest(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, fault.Integrityf("retention count must be positive, got %d", n)
	}
	const query = `
		DELETE FROM blocks
		WHERE height NOT IN (
			SELECT height FROM blocks ORDER BY height DESC LIMIT $1
		)
	`
	result, err := r.db.ExecContext(ctx, query, n)
	if err != nil {
		return 0, wrapStoreErr(0, fmt.Errorf("prune blocks keep %d: %w", n, err))
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, wrapStoreErr(0, fmt.Errorf("prune rows affected: %w", err))
	}
	return deleted, nil
}

func (r *BlockRepo) Stats(ctx context.Context) (*model.ChainStats, error) {
	const query = `
		WITH block_times AS (
			SELECT EXTRACT(EPOCH FROM (time - lag(time) OVER (ORDER BY height)))::float8 AS block_time
			FROM blocks
		)
		SELECT
			(SELECT COUNT(*) FROM blocks),
			(SELECT COALESCE(MIN(height), 0) FROM blocks),
			(SELECT COALESCE(MAX(height), 0) FROM blocks),
			(SELECT COUNT(DISTINCT proposer_address) FROM blocks),
			(SELECT COALESCE(SUM(tx_count), 0) FROM blocks),
			(SELECT AVG(block_time) FROM block_times WHERE block_time IS NOT NULL)
	`
	var stats model.ChainStats
	var avg sql.NullFloat64
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.BlockCount, &stats.MinHeight, &stats.MaxHeight,
		&stats.ActiveValidators, &stats.TotalTransactions, &avg,
	)
	if err != nil {
		return nil, wrapStoreErr(0, fmt.Errorf("chain stats: %w", err))
	}
	if avg.Valid {
		stats.AvgBlockTimeSecs = &avg.Float64
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*model.StoredBlock, error) {
	var b model.StoredBlock
	var data []byte
	if err := row.Scan(
		&b.Height, &b.Hash, &b.Time, &b.ProposerAddress,
		&b.TxCount, &b.PreviousBlockHash, &data, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Data = data
	return &b, nil
}

// wrapStoreErr tags database failures with the fault taxonomy: a unique
// violation on the hash index is an integrity break, everything else is
// a storage failure recovered via backoff.
func wrapStoreErr(height int64, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fault.WrapHeight(fault.KindIntegrity, height, err)
	}
	return fault.WrapHeight(fault.KindStorage, height, err)
}
