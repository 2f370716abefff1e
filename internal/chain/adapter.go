package chain

import (
	"context"
	"encoding/json"
	"time"
)

// Adapter abstracts the remote node so the sync engine operates
// transport-agnostically. Implementations are stateless capabilities:
// all retry, backoff, and reorg policy lives in the engine.
type Adapter interface {
	// GetStatus returns the node's view of the chain head.
	GetStatus(ctx context.Context) (*Status, error)

	// GetBlock fetches the block at the given height.
	GetBlock(ctx context.Context, height int64) (*Block, error)
}

// Status is the chain head as reported by the node.
type Status struct {
	LatestHeight int64
	LatestTime   time.Time
	CatchingUp   bool
}

// Block is a fetched block before persistence. Data retains the raw
// upstream payload verbatim for forward compatibility.
type Block struct {
	Height            int64
	Hash              string
	Time              time.Time
	ProposerAddress   string
	TxCount           int32
	PreviousBlockHash *string // nil for the lowest block the node serves
	Data              json.RawMessage
}
