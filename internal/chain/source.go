// Package chain defines the contract between the sync engine and per-chain
// transaction sources, plus the registry of configured chains.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

// ErrRangeTooLarge means a block range holds more rows than a source can page
// through in one call. The sync engine splits the range and fetches the halves.
var ErrRangeTooLarge = errors.New("block range holds too many transfers")

// Source fetches account history from one chain.
type Source interface {
	// Chain returns the chain identifier the source serves.
	Chain() model.Chain

	// Head returns the latest block the source can serve.
	Head(ctx context.Context) (uint64, error)

	// Fetch returns transactions touching address in blocks [fromBlock, toBlock],
	// oldest first. Amounts are raw integers in the asset's base unit.
	Fetch(ctx context.Context, address string, fromBlock, toBlock uint64) ([]RawTransaction, error)
}

// RawTransaction is a transaction as reported by a source, before amounts are
// scaled to token units.
type RawTransaction struct {
	Hash        string
	BlockNumber uint64
	Timestamp   time.Time
	From        string
	To          string
	// Value and Fee are base-unit integers (wei, planck). Fee is empty when
	// the source did not report one.
	Value        string
	Fee          string
	FeeEstimated bool
	// AssetID is empty for the native asset, otherwise a contract address or
	// parachain asset id resolved through the token registry.
	AssetID  string
	Symbol   string
	Decimals *uint8
	TxType   model.TxType
	Success  bool
	// DestChain and DestAddress are set for cross-chain legs.
	DestChain   model.Chain
	DestAddress string
	Metadata    map[string]any
}

// IsCrossChain reports whether the transaction leaves for another chain.
func (r *RawTransaction) IsCrossChain() bool {
	return r.DestChain != ""
}

// ErrInvalidAddress is returned for an address the chain cannot parse.
var ErrInvalidAddress = errors.New("invalid address")

// ErrSourceUnavailable wraps node or indexer failures on a direct read.
var ErrSourceUnavailable = errors.New("chain source unavailable")

// ErrBalancesUnsupported is returned for chains whose source cannot read
// current balances.
var ErrBalancesUnsupported = errors.New("balances not supported for chain")

// BalanceReader reads current balances of an account.
type BalanceReader interface {
	Balances(ctx context.Context, address string, extraTokens []string) (*Balances, error)
}

// Balances is a point-in-time snapshot. Amounts are in token units.
type Balances struct {
	Chain    model.Chain    `json:"chain"`
	Address  string         `json:"address"`
	Block    uint64         `json:"block"`
	Symbol   string         `json:"symbol"`
	Native   string         `json:"native"`
	Tokens   []TokenBalance `json:"tokens"`
	Failures []TokenFailure `json:"failures,omitempty"`
}

type TokenBalance struct {
	AssetID  string `json:"asset_id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Balance  string `json:"balance"`
	Raw      string `json:"raw"`
}

// TokenFailure is a token whose balance could not be read.
type TokenFailure struct {
	AssetID string `json:"asset_id"`
	Error   string `json:"error"`
}
