// Package evm reads account history from EVM chains (Moonbeam, Moonriver,
// Acala EVM+) through go-ethereum's ethclient.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/chain"
	"github.com/emperorhan/multichain-ledger/internal/chain/ratelimit"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// TransferTopic is topic0 of the ERC-20 Transfer(address,address,uint256) event.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Client is the subset of *ethclient.Client the source uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Client = (*ethclient.Client)(nil)

type Source struct {
	spec        model.ChainSpec
	client      Client
	signer      types.Signer
	limiter     *ratelimit.Limiter
	concurrency int
	logger      *slog.Logger
}

var _ chain.Source = (*Source)(nil)

func NewSource(spec model.ChainSpec, client Client, limiter *ratelimit.Limiter, logger *slog.Logger) *Source {
	return &Source{
		spec:        spec,
		client:      client,
		signer:      types.LatestSignerForChainID(big.NewInt(spec.EVMChainID)),
		limiter:     limiter,
		concurrency: defaultConcurrency,
		logger:      logger.With("component", "evm_source", "chain", spec.ID),
	}
}

// Dial connects to spec.RPCURL.
func Dial(ctx context.Context, spec model.ChainSpec, limiter *ratelimit.Limiter, logger *slog.Logger) (*Source, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, spec.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s rpc: %w", spec.ID, err)
	}
	return NewSource(spec, client, limiter, logger), client, nil
}

func (s *Source) Chain() model.Chain { return s.spec.ID }

func (s *Source) Head(ctx context.Context) (uint64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	head, err := s.client.BlockNumber(ctx)
	ratelimit.RecordRPCCall(string(s.spec.ID), "eth_blockNumber", err)
	if err != nil {
		return 0, fmt.Errorf("%s head: %w", s.spec.ID, err)
	}
	return head, nil
}

// Fetch scans every block in the range for native transfers touching address,
// then queries Transfer logs of each registered token.
func (s *Source) Fetch(ctx context.Context, address string, fromBlock, toBlock uint64) ([]chain.RawTransaction, error) {
	if toBlock < fromBlock {
		return nil, nil
	}
	if !common.IsHexAddress(address) {
		return nil, retry.Terminal(fmt.Errorf("%s: %q is not an EVM address", s.spec.ID, address))
	}
	addr := common.HexToAddress(address)

	blocks, err := s.fetchBlocks(ctx, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	var out []chain.RawTransaction
	for _, block := range blocks {
		native, err := s.nativeTransfers(ctx, block, addr)
		if err != nil {
			return nil, err
		}
		out = append(out, native...)
	}

	times := make(map[uint64]time.Time, len(blocks))
	for _, b := range blocks {
		times[b.NumberU64()] = blockTime(b)
	}
	for _, tok := range s.spec.Tokens {
		transfers, err := s.tokenTransfers(ctx, tok, addr, fromBlock, toBlock, times)
		if err != nil {
			if retry.Classify(err).IsTransient() {
				return nil, err
			}
			s.logger.Warn("token transfer scan skipped", "token", tok.Symbol, "contract", tok.AssetID, "error", err)
			continue
		}
		out = append(out, transfers...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (s *Source) fetchBlocks(ctx context.Context, fromBlock, toBlock uint64) ([]*types.Block, error) {
	blocks := make([]*types.Block, toBlock-fromBlock+1)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for n := fromBlock; n <= toBlock; n++ {
		g.Go(func() error {
			if err := s.limiter.Wait(gCtx); err != nil {
				return err
			}
			block, err := s.client.BlockByNumber(gCtx, new(big.Int).SetUint64(n))
			ratelimit.RecordRPCCall(string(s.spec.ID), "eth_getBlockByNumber", err)
			if err != nil {
				return fmt.Errorf("%s block %d: %w", s.spec.ID, n, err)
			}
			if block == nil {
				return retry.Transient(fmt.Errorf("%s block %d not available yet", s.spec.ID, n))
			}
			blocks[n-fromBlock] = block
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (s *Source) nativeTransfers(ctx context.Context, block *types.Block, addr common.Address) ([]chain.RawTransaction, error) {
	var out []chain.RawTransaction
	for _, tx := range block.Transactions() {
		from, err := types.Sender(s.signer, tx)
		if err != nil {
			s.logger.Debug("skip transaction with unrecoverable sender", "tx_hash", tx.Hash().Hex(), "error", err)
			continue
		}
		to := tx.To()
		if from != addr && (to == nil || *to != addr) {
			continue
		}

		raw := chain.RawTransaction{
			Hash:        tx.Hash().Hex(),
			BlockNumber: block.NumberU64(),
			Timestamp:   blockTime(block),
			From:        from.Hex(),
			Value:       tx.Value().String(),
			TxType:      model.TxTypeTransfer,
			Success:     true,
			Metadata:    map[string]any{"nonce": tx.Nonce(), "gas_limit": tx.Gas()},
		}
		if to != nil {
			raw.To = to.Hex()
		} else {
			raw.Metadata["contract_creation"] = true
		}
		if err := s.applyReceipt(ctx, tx, &raw); err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// applyReceipt sets status and fee from the receipt: gas used times the
// effective gas price. Without a receipt the fee falls back to gas limit
// times gas price and is flagged as estimated.
func (s *Source) applyReceipt(ctx context.Context, tx *types.Transaction, raw *chain.RawTransaction) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	receipt, err := s.client.TransactionReceipt(ctx, tx.Hash())
	ratelimit.RecordRPCCall(string(s.spec.ID), "eth_getTransactionReceipt", err)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		if retry.Classify(err).IsTransient() {
			return fmt.Errorf("%s receipt %s: %w", s.spec.ID, tx.Hash().Hex(), err)
		}
		s.logger.Warn("receipt unavailable, estimating fee", "tx_hash", raw.Hash, "error", err)
	}
	if err != nil || receipt == nil {
		raw.Fee = new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasPrice()).String()
		raw.FeeEstimated = true
		return nil
	}

	raw.Success = receipt.Status == types.ReceiptStatusSuccessful
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = tx.GasPrice()
	}
	raw.Fee = new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price).String()
	raw.Metadata["gas_used"] = receipt.GasUsed
	return nil
}

// tokenTransfers queries Transfer logs of one token where address is the
// sender or the recipient.
func (s *Source) tokenTransfers(ctx context.Context, tok model.TokenSpec, addr common.Address, fromBlock, toBlock uint64, times map[uint64]time.Time) ([]chain.RawTransaction, error) {
	contract := common.HexToAddress(tok.AssetID)
	topic := common.BytesToHash(addr.Bytes())
	queries := []ethereum.FilterQuery{
		{Topics: [][]common.Hash{{TransferTopic}, {topic}}},
		{Topics: [][]common.Hash{{TransferTopic}, nil, {topic}}},
	}

	var (
		out  []chain.RawTransaction
		seen = map[string]bool{}
	)
	for _, q := range queries {
		q.FromBlock = new(big.Int).SetUint64(fromBlock)
		q.ToBlock = new(big.Int).SetUint64(toBlock)
		q.Addresses = []common.Address{contract}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		logs, err := s.client.FilterLogs(ctx, q)
		ratelimit.RecordRPCCall(string(s.spec.ID), "eth_getLogs", err)
		if err != nil {
			return nil, fmt.Errorf("%s %s logs: %w", s.spec.ID, tok.Symbol, err)
		}
		for _, l := range logs {
			raw, ok := decodeTransfer(l, tok, times)
			if !ok {
				continue
			}
			if !seen[raw.Hash] {
				seen[raw.Hash] = true
				out = append(out, raw)
			}
		}
	}
	return out, nil
}

// decodeTransfer turns a Transfer log into a row. The row hash is always
// txHash-logIndex: the native row of the same transaction owns the bare hash.
func decodeTransfer(l types.Log, tok model.TokenSpec, times map[uint64]time.Time) (chain.RawTransaction, bool) {
	if l.Removed || len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return chain.RawTransaction{}, false
	}
	decimals := tok.Decimals
	return chain.RawTransaction{
		Hash:        fmt.Sprintf("%s-%d", l.TxHash.Hex(), l.Index),
		BlockNumber: l.BlockNumber,
		Timestamp:   times[l.BlockNumber],
		From:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		Value:       new(big.Int).SetBytes(l.Data).String(),
		AssetID:     strings.ToLower(tok.AssetID),
		Symbol:      tok.Symbol,
		Decimals:    &decimals,
		TxType:      model.TxTypeERC20Transfer,
		Success:     true,
		Metadata: map[string]any{
			"tx_hash":   l.TxHash.Hex(),
			"log_index": l.Index,
			"contract":  l.Address.Hex(),
		},
	}, true
}

func blockTime(b *types.Block) time.Time {
	return time.Unix(int64(b.Time()), 0).UTC()
}
