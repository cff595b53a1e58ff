package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorCode lets retry.Classify bucket JSON-RPC failures.
func (e *RPCError) ErrorCode() int { return e.Code }

// Header is the subset of a Substrate block header the source reads.
type Header struct {
	ParentHash string `json:"parentHash"`
	Number     string `json:"number"`
}

// NodeClient talks to a Substrate node over HTTP JSON-RPC.
type NodeClient struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	logger     *slog.Logger
}

func NewNodeClient(rpcURL string, logger *slog.Logger) *NodeClient {
	return &NodeClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
		logger:     logger,
	}
}

func (c *NodeClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	id := int(c.requestID.Add(1))
	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return nil, &StatusError{Service: "node", StatusCode: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// Header returns the header of the best block, or of the block with the given
// hash when hash is non-empty.
func (c *NodeClient) Header(ctx context.Context, hash string) (*Header, error) {
	var params []interface{}
	if hash != "" {
		params = []interface{}{hash}
	}
	result, err := c.call(ctx, "chain_getHeader", params)
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, nil
	}
	var h Header
	if err := json.Unmarshal(result, &h); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	return &h, nil
}

// FinalizedHead returns the hash of the latest finalized block.
func (c *NodeClient) FinalizedHead(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "chain_getFinalizedHead", nil)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal finalized head: %w", err)
	}
	return hash, nil
}

// BlockNumber decodes the hex-encoded header number.
func (h *Header) BlockNumber() (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(h.Number, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse block number %q: %w", h.Number, err)
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
