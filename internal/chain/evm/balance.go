package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/chain"
	"github.com/emperorhan/multichain-ledger/internal/chain/ratelimit"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}()

var _ chain.BalanceReader = (*Source)(nil)

// Balances reads the native balance and the balance of every registered token
// at the current head. extraTokens are contract addresses outside the
// registry; their symbol and decimals are read from the contract. A token
// that cannot be read is reported in Failures and the rest are still read.
func (s *Source) Balances(ctx context.Context, address string, extraTokens []string) (*chain.Balances, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q is not an EVM address", chain.ErrInvalidAddress, address)
	}
	addr := common.HexToAddress(address)

	head, err := s.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chain.ErrSourceUnavailable, err)
	}
	at := new(big.Int).SetUint64(head)

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	wei, err := s.client.BalanceAt(ctx, addr, at)
	ratelimit.RecordRPCCall(string(s.spec.ID), "eth_getBalance", err)
	if err != nil {
		return nil, fmt.Errorf("%w: %s balance of %s: %w", chain.ErrSourceUnavailable, s.spec.ID, addr.Hex(), err)
	}
	native, err := amount.ScaleDown(wei.String(), s.spec.Decimals)
	if err != nil {
		return nil, err
	}

	out := &chain.Balances{
		Chain:   s.spec.ID,
		Address: addr.Hex(),
		Block:   head,
		Symbol:  s.spec.Symbol,
		Native:  native,
		Tokens:  []chain.TokenBalance{},
	}

	tokens, failures := s.balanceTokens(ctx, extraTokens, at)
	out.Failures = failures
	for _, tok := range tokens {
		bal, err := s.tokenBalance(ctx, tok, addr, at)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("token balance unavailable", "token", tok.Symbol, "contract", tok.AssetID, "error", err)
			out.Failures = append(out.Failures, chain.TokenFailure{AssetID: strings.ToLower(tok.AssetID), Error: err.Error()})
			continue
		}
		out.Tokens = append(out.Tokens, bal)
	}
	return out, nil
}

// balanceTokens returns the registered tokens followed by extra contracts not
// already registered, resolving each extra on chain.
func (s *Source) balanceTokens(ctx context.Context, extra []string, at *big.Int) ([]model.TokenSpec, []chain.TokenFailure) {
	tokens := make([]model.TokenSpec, 0, len(s.spec.Tokens)+len(extra))
	seen := make(map[string]bool, len(s.spec.Tokens)+len(extra))
	for _, tok := range s.spec.Tokens {
		seen[strings.ToLower(tok.AssetID)] = true
		tokens = append(tokens, tok)
	}

	var failures []chain.TokenFailure
	for _, raw := range extra {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if !common.IsHexAddress(id) {
			failures = append(failures, chain.TokenFailure{AssetID: id, Error: "not a contract address"})
			continue
		}
		id = strings.ToLower(common.HexToAddress(id).Hex())
		if seen[id] {
			continue
		}
		seen[id] = true
		tok, err := s.TokenInfo(ctx, id, at)
		if err != nil {
			failures = append(failures, chain.TokenFailure{AssetID: id, Error: err.Error()})
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens, failures
}

// TokenInfo reads symbol and decimals from an ERC-20 contract. A nil block
// reads at the latest state.
func (s *Source) TokenInfo(ctx context.Context, contract string, block *big.Int) (model.TokenSpec, error) {
	addr := common.HexToAddress(contract)
	symbol, err := s.call(ctx, addr, block, "symbol")
	if err != nil {
		return model.TokenSpec{}, err
	}
	decimals, err := s.call(ctx, addr, block, "decimals")
	if err != nil {
		return model.TokenSpec{}, err
	}
	sym, ok := symbol[0].(string)
	if !ok {
		return model.TokenSpec{}, fmt.Errorf("%s symbol: unexpected type %T", addr.Hex(), symbol[0])
	}
	dec, ok := decimals[0].(uint8)
	if !ok {
		return model.TokenSpec{}, fmt.Errorf("%s decimals: unexpected type %T", addr.Hex(), decimals[0])
	}
	return model.TokenSpec{
		Chain:    s.spec.ID,
		AssetID:  strings.ToLower(addr.Hex()),
		Symbol:   sym,
		Decimals: dec,
	}, nil
}

func (s *Source) tokenBalance(ctx context.Context, tok model.TokenSpec, owner common.Address, at *big.Int) (chain.TokenBalance, error) {
	res, err := s.call(ctx, common.HexToAddress(tok.AssetID), at, "balanceOf", owner)
	if err != nil {
		return chain.TokenBalance{}, err
	}
	raw, ok := res[0].(*big.Int)
	if !ok {
		return chain.TokenBalance{}, fmt.Errorf("%s balanceOf: unexpected type %T", tok.AssetID, res[0])
	}
	scaled, err := amount.ScaleDown(raw.String(), tok.Decimals)
	if err != nil {
		return chain.TokenBalance{}, err
	}
	return chain.TokenBalance{
		AssetID:  strings.ToLower(tok.AssetID),
		Symbol:   tok.Symbol,
		Decimals: tok.Decimals,
		Balance:  scaled,
		Raw:      raw.String(),
	}, nil
}

// call runs a read-only ERC-20 method and returns its unpacked outputs.
func (s *Source) call(ctx context.Context, contract common.Address, block *big.Int, method string, args ...any) ([]any, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ret, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, block)
	ratelimit.RecordRPCCall(string(s.spec.ID), "eth_call", err)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", contract.Hex(), method, err)
	}
	out, err := erc20ABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", contract.Hex(), method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s: empty result", contract.Hex(), method)
	}
	return out, nil
}
