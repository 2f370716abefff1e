package tendermint

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusFixture = `{
	"jsonrpc": "2.0",
	"id": -1,
	"result": {
		"sync_info": {
			"latest_block_hash": "A1B2C3",
			"latest_block_height": "2612345",
			"latest_block_time": "2026-08-30T12:00:00.000000000Z",
			"catching_up": false
		}
	}
}`

const blockFixture = `{
	"jsonrpc": "2.0",
	"id": -1,
	"result": {
		"block_id": {"hash": "DEADBEEF"},
		"block": {
			"header": {
				"height": "2612345",
				"time": "2026-08-30T12:00:00.000000000Z",
				"last_block_id": {"hash": "CAFEBABE"},
				"proposer_address": "PROPOSER01"
			},
			"data": {"txs": ["dHgx", "dHgy"]}
		}
	}
}`

const heightErrorFixture = `{
	"jsonrpc": "2.0",
	"id": -1,
	"error": {
		"code": -32603,
		"message": "Internal error",
		"data": "height 99999999 must be less than or equal to the current blockchain height 2612345"
	}
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_GetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_, _ = w.Write([]byte(statusFixture))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	resp, err := c.GetStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2612345", resp.Result.SyncInfo.LatestBlockHeight)
	assert.False(t, resp.Result.SyncInfo.CatchingUp)
}

func TestClient_GetStatus_MissingHeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"sync_info":{}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.GetStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "latest_block_height")
}

func TestClient_GetBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/block", r.URL.Path)
		assert.Equal(t, "2612345", r.URL.Query().Get("height"))
		_, _ = w.Write([]byte(blockFixture))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	result, raw, err := c.GetBlock(context.Background(), 2612345)
	require.NoError(t, err)

	assert.Equal(t, "DEADBEEF", result.BlockID.Hash)
	assert.Equal(t, "2612345", result.Block.Header.Height)
	assert.Equal(t, "PROPOSER01", result.Block.Header.ProposerAddress)
	require.NotNil(t, result.Block.Header.LastBlockID)
	assert.Equal(t, "CAFEBABE", result.Block.Header.LastBlockID.Hash)
	assert.Len(t, result.Block.Data.Txs, 2)

	// The raw result envelope is passed through verbatim.
	assert.JSONEq(t, `{
		"block_id": {"hash": "DEADBEEF"},
		"block": {
			"header": {
				"height": "2612345",
				"time": "2026-08-30T12:00:00.000000000Z",
				"last_block_id": {"hash": "CAFEBABE"},
				"proposer_address": "PROPOSER01"
			},
			"data": {"txs": ["dHgx", "dHgy"]}
		}
	}`, string(raw))
}

func TestClient_GetBlock_NodeErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(heightErrorFixture))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, _, err := c.GetBlock(context.Background(), 99999999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be less than or equal")
}

func TestClient_GetBlock_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, _, err := c.GetBlock(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal response")
}

func TestClient_Non200WithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.GetStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 502")
}

func TestClient_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, testLogger())
	_, err := c.GetStatus(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRPCError_Error(t *testing.T) {
	e := &rpcError{Code: -32603, Message: "Internal error", Data: "details"}
	assert.Equal(t, "Internal error: details", e.Error())

	e = &rpcError{Code: -32603, Message: "Internal error"}
	assert.Equal(t, "Internal error", e.Error())
}
