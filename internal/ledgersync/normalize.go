package ledgersync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/chain"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/google/uuid"
)

// normalizer turns raw source rows into ledger rows for one chain kind.
type normalizer interface {
	sameAddress(a, b string) bool
}

type evmNormalizer struct{}

// EVM addresses are hex and checksummed case differs between sources.
func (evmNormalizer) sameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

type substrateNormalizer struct{}

// SS58 is case-sensitive.
func (substrateNormalizer) sameAddress(a, b string) bool {
	return a != "" && a == b
}

func normalizerFor(kind model.ChainKind) (normalizer, error) {
	switch kind {
	case model.KindEVM:
		return evmNormalizer{}, nil
	case model.KindSubstrate:
		return substrateNormalizer{}, nil
	default:
		return nil, fmt.Errorf("no normalizer for chain kind %s", kind)
	}
}

func (e *Engine) normalize(ctx context.Context, n normalizer, spec model.ChainSpec, req Request, raw chain.RawTransaction) (*model.Transaction, error) {
	symbol, decimals, err := e.asset(ctx, spec, raw)
	if err != nil {
		return nil, err
	}

	value, err := amount.ScaleDown(raw.Value, decimals)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}

	var fee *string
	if raw.Fee != "" {
		f, err := amount.ScaleDown(raw.Fee, spec.Decimals)
		if err != nil {
			return nil, fmt.Errorf("fee: %w", err)
		}
		fee = &f
	}

	direction, err := classifyDirection(n, req.Address, raw.From, raw.To)
	if err != nil {
		return nil, err
	}

	status := model.TxStatusConfirmed
	if !raw.Success {
		status = model.TxStatusFailed
	}

	meta, err := rowMetadata(raw)
	if err != nil {
		return nil, err
	}

	return &model.Transaction{
		ID:            uuid.New(),
		ProfileID:     req.ProfileID,
		Chain:         spec.ID,
		TxHash:        raw.Hash,
		BlockNumber:   raw.BlockNumber,
		Timestamp:     raw.Timestamp,
		FromAddress:   raw.From,
		ToAddress:     raw.To,
		Value:         value,
		TokenSymbol:   symbol,
		TokenDecimals: decimals,
		TxType:        raw.TxType,
		Direction:     direction,
		Status:        status,
		Fee:           fee,
		Metadata:      meta,
	}, nil
}

// asset resolves symbol and decimals: the row's own values first, then the
// chain's native asset, then the token registry.
func (e *Engine) asset(ctx context.Context, spec model.ChainSpec, raw chain.RawTransaction) (string, uint8, error) {
	if raw.Decimals != nil {
		symbol := raw.Symbol
		if symbol == "" {
			symbol = spec.Symbol
		}
		return symbol, *raw.Decimals, nil
	}
	if raw.AssetID == "" {
		return spec.Symbol, spec.Decimals, nil
	}
	if e.tokens == nil {
		return "", 0, fmt.Errorf("asset %s: no token registry", raw.AssetID)
	}
	tok, err := e.tokens.Lookup(ctx, spec.ID, raw.AssetID)
	if err != nil {
		return "", 0, err
	}
	symbol := tok.Symbol
	if symbol == "" {
		symbol = raw.Symbol
	}
	return symbol, tok.Decimals, nil
}

func classifyDirection(n normalizer, address, from, to string) (model.Direction, error) {
	isFrom := n.sameAddress(from, address)
	isTo := n.sameAddress(to, address)
	switch {
	case isFrom && isTo:
		return model.DirectionSelf, nil
	case isFrom:
		return model.DirectionOut, nil
	case isTo:
		return model.DirectionIn, nil
	default:
		return "", fmt.Errorf("neither %s nor %s is the synced address", from, to)
	}
}

func rowMetadata(raw chain.RawTransaction) (json.RawMessage, error) {
	meta := make(map[string]any, len(raw.Metadata)+4)
	for k, v := range raw.Metadata {
		meta[k] = v
	}
	if raw.AssetID != "" {
		meta["asset_id"] = raw.AssetID
	}
	if raw.FeeEstimated {
		meta["fee_estimated"] = true
	}
	if raw.IsCrossChain() {
		meta["dest_chain"] = raw.DestChain
		meta["dest_address"] = raw.DestAddress
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return b, nil
}
