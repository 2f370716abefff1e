package tendermint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JumpiiX/penumbra-indexer/internal/chain/ratelimit"
)

const defaultRequestTimeout = 30 * time.Second

// Client issues raw status/block requests against a Tendermint REST RPC
// endpoint. It owns no retry logic and no state beyond the HTTP client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// SetRateLimiter sets the client-side RPC rate limiter.
func (c *Client) SetRateLimiter(l *ratelimit.Limiter) {
	c.limiter = l
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

// GetStatus fetches /status and returns the node's sync info.
func (c *Client) GetStatus(ctx context.Context) (*statusResponse, error) {
	body, err := c.get(ctx, "/status", nil)
	if err != nil {
		return nil, err
	}
	var resp statusResponse
	if err := c.decode("/status", body, &resp); err != nil {
		return nil, err
	}
	if resp.Result.SyncInfo.LatestBlockHeight == "" {
		return nil, fmt.Errorf("status response missing latest_block_height")
	}
	return &resp, nil
}

// GetBlock fetches /block?height=H. The returned result envelope keeps
// the upstream JSON verbatim so the raw payload can be persisted as-is.
func (c *Client) GetBlock(ctx context.Context, height int64) (*blockResult, json.RawMessage, error) {
	params := url.Values{"height": []string{strconv.FormatInt(height, 10)}}
	body, err := c.get(ctx, "/block", params)
	if err != nil {
		return nil, nil, err
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.decode("/block", body, &envelope); err != nil {
		return nil, nil, err
	}

	var result blockResult
	if err := c.decode("/block", envelope.Result, &result); err != nil {
		return nil, nil, fmt.Errorf("block %d: %w", height, err)
	}
	if result.BlockID.Hash == "" {
		return nil, nil, fmt.Errorf("block %d response missing block_id.hash", height)
	}
	return &result, envelope.Result, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// The node reports request-level failures (such as an unknown
		// height) as a JSON error envelope with a non-200 status.
		var errResp errorResponse
		if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Error != nil {
			return nil, fmt.Errorf("http status %d: %w", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, preview(respBody))
	}
	return respBody, nil
}

func (c *Client) decode(path string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Warn("undecodable rpc response",
			"path", path,
			"error", err,
			"body_preview", preview(body),
		)
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// preview truncates a response body for logs and error messages.
func preview(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "...[truncated]"
	}
	return string(body)
}
