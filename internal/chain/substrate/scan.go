package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	scanKeyHeader    = "X-API-Key"
	transfersPath    = "/api/v2/scan/transfers"
	xcmTransfersPath = "/api/scan/xcm/list"

	// DefaultPageSize is the largest page the scan API serves.
	DefaultPageSize = 100
)

// StatusError is a non-200 response from the node or the scan API.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http status %d: %s", e.Service, e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// APIError is a 200 response whose envelope carries a non-zero code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scan api code %d: %s", e.Code, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Transfer is one balance transfer row reported by the scan API. Amount and
// Fee are raw planck integers.
type Transfer struct {
	Hash           string `json:"hash"`
	ExtrinsicIndex string `json:"extrinsic_index"`
	EventIdx       int    `json:"event_idx"`
	BlockNum       uint64 `json:"block_num"`
	BlockTimestamp int64  `json:"block_timestamp"`
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount_v2"`
	Fee            string `json:"fee"`
	Success        bool   `json:"success"`
	Module         string `json:"module"`
	AssetSymbol    string `json:"asset_symbol"`
	AssetUniqueID  string `json:"asset_unique_id"`
}

// XcmTransfer is one outbound cross-chain message reported by the scan API.
type XcmTransfer struct {
	Hash           string `json:"extrinsic_hash"`
	ExtrinsicIndex string `json:"extrinsic_index"`
	BlockNum       uint64 `json:"block_num"`
	BlockTimestamp int64  `json:"block_timestamp"`
	From           string `json:"from_account_id"`
	To             string `json:"to_account_id"`
	OriginParaID   uint32 `json:"origin_para_id"`
	DestParaID     uint32 `json:"dest_para_id"`
	Amount         string `json:"amount"`
	Symbol         string `json:"symbol"`
	AssetUniqueID  string `json:"asset_unique_id"`
	Fee            string `json:"fee"`
	Status         string `json:"status"`
	MessageHash    string `json:"message_hash"`
}

type pageRequest struct {
	Address    string `json:"address"`
	Row        int    `json:"row"`
	Page       int    `json:"page"`
	BlockRange string `json:"block_range,omitempty"`
	Direction  string `json:"direction,omitempty"`
}

// ScanClient reads indexed account history from a Subscan-compatible API.
type ScanClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	pageSize   int
}

func NewScanClient(baseURL, apiKey string) *ScanClient {
	return &ScanClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		pageSize:   DefaultPageSize,
	}
}

// Transfers returns one page of transfers touching address within blocks
// [from, to], and the total count the API reports for the query.
func (c *ScanClient) Transfers(ctx context.Context, address string, from, to uint64, page int) ([]Transfer, int, error) {
	var data struct {
		Count     int        `json:"count"`
		Transfers []Transfer `json:"transfers"`
	}
	req := pageRequest{
		Address:    address,
		Row:        c.pageSize,
		Page:       page,
		BlockRange: fmt.Sprintf("%d-%d", from, to),
		Direction:  "all",
	}
	if err := c.post(ctx, transfersPath, req, &data); err != nil {
		return nil, 0, err
	}
	return data.Transfers, data.Count, nil
}

// XcmTransfers returns one page of cross-chain transfers sent by address.
func (c *ScanClient) XcmTransfers(ctx context.Context, address string, from, to uint64, page int) ([]XcmTransfer, int, error) {
	var data struct {
		Count int           `json:"count"`
		List  []XcmTransfer `json:"list"`
	}
	req := pageRequest{
		Address:    address,
		Row:        c.pageSize,
		Page:       page,
		BlockRange: fmt.Sprintf("%d-%d", from, to),
	}
	if err := c.post(ctx, xcmTransfersPath, req, &data); err != nil {
		return nil, 0, err
	}
	return data.List, data.Count, nil
}

func (c *ScanClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(scanKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Service: "scan", StatusCode: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", path, err)
	}
	return nil
}
