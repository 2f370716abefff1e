package tendermint

import "time"

// Wire types for the Tendermint-style REST RPC exposed by Penumbra nodes.
// Numeric fields arrive as decimal strings.

type statusResponse struct {
	Result nodeStatus `json:"result"`
}

type nodeStatus struct {
	SyncInfo syncInfo `json:"sync_info"`
}

type syncInfo struct {
	LatestBlockHeight string    `json:"latest_block_height"`
	LatestBlockTime   time.Time `json:"latest_block_time"`
	CatchingUp        bool      `json:"catching_up"`
}

type blockResult struct {
	BlockID blockID  `json:"block_id"`
	Block   rawBlock `json:"block"`
}

type blockID struct {
	Hash string `json:"hash"`
}

type rawBlock struct {
	Header blockHeader `json:"header"`
	Data   blockData   `json:"data"`
}

type blockHeader struct {
	Height          string    `json:"height"`
	Time            time.Time `json:"time"`
	LastBlockID     *blockID  `json:"last_block_id,omitempty"`
	ProposerAddress string    `json:"proposer_address"`
}

type blockData struct {
	Txs []string `json:"txs"`
}

type errorResponse struct {
	Error *rpcError `json:"error"`
}

// rpcError is a structured error returned by the node.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) Error() string {
	if e.Data != "" {
		return e.Message + ": " + e.Data
	}
	return e.Message
}
