package model

import (
	"encoding/json"
	"time"
)

// StoredBlock is a synchronized block as persisted in the blocks table.
// Data carries the raw node payload verbatim for forward compatibility
// with upstream schema additions.
type StoredBlock struct {
	Height            int64           `db:"height" json:"height"`
	Hash              string          `db:"hash" json:"hash"`
	Time              time.Time       `db:"time" json:"time"`
	ProposerAddress   string          `db:"proposer_address" json:"proposer_address"`
	TxCount           int32           `db:"tx_count" json:"tx_count"`
	PreviousBlockHash *string         `db:"previous_block_hash" json:"previous_block_hash,omitempty"`
	Data              json.RawMessage `db:"data" json:"data,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// ChainStats aggregates over all stored blocks.
type ChainStats struct {
	BlockCount        int64    `json:"block_count"`
	MinHeight         int64    `json:"min_height"`
	MaxHeight         int64    `json:"max_height"`
	ActiveValidators  int64    `json:"active_validators"`
	TotalTransactions int64    `json:"total_transactions"`
	AvgBlockTimeSecs  *float64 `json:"avg_block_time_secs,omitempty"`
}
