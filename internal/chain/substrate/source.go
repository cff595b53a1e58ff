// Package substrate reads account history from Substrate relay chains and
// parachains: the chain head from a node's JSON-RPC endpoint, transfers and
// outbound XCM messages from a Subscan-compatible indexer.
package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/chain"
	"github.com/emperorhan/multichain-ledger/internal/chain/ratelimit"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/retry"
	assets "github.com/emperorhan/multichain-ledger/internal/substrate"
)

const defaultMaxPages = 50

// ErrRangeTooLarge is returned when a range exceeds the page limit.
var ErrRangeTooLarge = chain.ErrRangeTooLarge

type Source struct {
	spec         model.ChainSpec
	node         *NodeClient
	scan         *ScanClient
	limiter      *ratelimit.Limiter
	destinations map[uint32]model.Chain
	maxPages     int
	logger       *slog.Logger
}

var _ chain.Source = (*Source)(nil)

type Option func(*Source)

// WithDestinations maps XCM destination para ids to chains. Para id 0 is the
// relay chain.
func WithDestinations(m map[uint32]model.Chain) Option {
	return func(s *Source) { s.destinations = m }
}

func WithMaxPages(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.maxPages = n
		}
	}
}

func NewSource(spec model.ChainSpec, node *NodeClient, scan *ScanClient, limiter *ratelimit.Limiter, logger *slog.Logger, opts ...Option) *Source {
	s := &Source{
		spec:         spec,
		node:         node,
		scan:         scan,
		limiter:      limiter,
		destinations: map[uint32]model.Chain{},
		maxPages:     defaultMaxPages,
		logger:       logger.With("component", "substrate_source", "chain", spec.ID),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Destinations builds the para id table for sources on the relay network of
// relay. Only specs with a para id are parachains.
func Destinations(relay model.Chain, specs []model.ChainSpec) map[uint32]model.Chain {
	out := map[uint32]model.Chain{0: relay}
	for _, spec := range specs {
		if spec.ParaID == 0 {
			continue
		}
		out[spec.ParaID] = spec.ID
	}
	return out
}

func (s *Source) Chain() model.Chain { return s.spec.ID }

// Head returns the latest finalized block.
func (s *Source) Head(ctx context.Context) (uint64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	hash, err := s.node.FinalizedHead(ctx)
	ratelimit.RecordRPCCall(string(s.spec.ID), "chain_getFinalizedHead", err)
	if err != nil {
		return 0, fmt.Errorf("%s finalized head: %w", s.spec.ID, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	header, err := s.node.Header(ctx, hash)
	ratelimit.RecordRPCCall(string(s.spec.ID), "chain_getHeader", err)
	if err != nil {
		return 0, fmt.Errorf("%s header %s: %w", s.spec.ID, hash, err)
	}
	if header == nil {
		return 0, retry.Transient(fmt.Errorf("%s header %s not available yet", s.spec.ID, hash))
	}
	return header.BlockNumber()
}

func (s *Source) Fetch(ctx context.Context, address string, fromBlock, toBlock uint64) ([]chain.RawTransaction, error) {
	if toBlock < fromBlock {
		return nil, nil
	}
	if !assets.ValidateAddress(address) {
		return nil, retry.Terminal(fmt.Errorf("%s: %q is not an SS58 address", s.spec.ID, address))
	}

	transfers, err := s.transfers(ctx, address, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	xcms, err := s.xcmTransfers(ctx, address, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	out := s.mapTransfers(transfers)
	out = s.mergeXcm(out, xcms)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

func (s *Source) transfers(ctx context.Context, address string, fromBlock, toBlock uint64) ([]Transfer, error) {
	var out []Transfer
	for page := 0; ; page++ {
		if page >= s.maxPages {
			return nil, retry.Terminal(fmt.Errorf("%s blocks %d-%d: %w", s.spec.ID, fromBlock, toBlock, ErrRangeTooLarge))
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		rows, count, err := s.scan.Transfers(ctx, address, fromBlock, toBlock, page)
		ratelimit.RecordRPCCall(string(s.spec.ID), "scan_transfers", err)
		if err != nil {
			return nil, fmt.Errorf("%s transfers page %d: %w", s.spec.ID, page, err)
		}
		out = append(out, rows...)
		if len(rows) < s.scan.pageSize || len(out) >= count {
			return out, nil
		}
	}
}

func (s *Source) xcmTransfers(ctx context.Context, address string, fromBlock, toBlock uint64) ([]XcmTransfer, error) {
	var out []XcmTransfer
	for page := 0; ; page++ {
		if page >= s.maxPages {
			return nil, retry.Terminal(fmt.Errorf("%s xcm blocks %d-%d: %w", s.spec.ID, fromBlock, toBlock, ErrRangeTooLarge))
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		rows, count, err := s.scan.XcmTransfers(ctx, address, fromBlock, toBlock, page)
		ratelimit.RecordRPCCall(string(s.spec.ID), "scan_xcm_list", err)
		if err != nil {
			return nil, fmt.Errorf("%s xcm transfers page %d: %w", s.spec.ID, page, err)
		}
		out = append(out, rows...)
		if len(rows) < s.scan.pageSize || len(out) >= count {
			return out, nil
		}
	}
}

// mapTransfers converts scan rows in range. Several transfers in one
// extrinsic share its hash; every one after the first gets its event index
// appended.
func (s *Source) mapTransfers(rows []Transfer) []chain.RawTransaction {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].BlockNum != rows[j].BlockNum {
			return rows[i].BlockNum < rows[j].BlockNum
		}
		return rows[i].EventIdx < rows[j].EventIdx
	})

	seen := make(map[string]bool, len(rows))
	out := make([]chain.RawTransaction, 0, len(rows))
	for _, r := range rows {
		hash := r.Hash
		if seen[hash] {
			hash = fmt.Sprintf("%s-%d", r.Hash, r.EventIdx)
		}
		seen[r.Hash] = true

		raw := chain.RawTransaction{
			Hash:        hash,
			BlockNumber: r.BlockNum,
			Timestamp:   time.Unix(r.BlockTimestamp, 0).UTC(),
			From:        r.From,
			To:          r.To,
			Value:       r.Amount,
			Fee:         r.Fee,
			TxType:      model.TxTypeTransfer,
			Success:     r.Success,
			Metadata: map[string]any{
				"extrinsic_index": r.ExtrinsicIndex,
				"event_idx":       r.EventIdx,
				"module":          r.Module,
			},
		}
		s.setAsset(&raw, r.AssetUniqueID, r.AssetSymbol)
		out = append(out, raw)
	}
	return out
}

// mergeXcm tags transfers that left through XCM with their destination. XCM
// messages without a matching transfer row are added on their own.
func (s *Source) mergeXcm(out []chain.RawTransaction, xcms []XcmTransfer) []chain.RawTransaction {
	byHash := make(map[string]int, len(out))
	for i, raw := range out {
		if _, ok := byHash[raw.Hash]; !ok {
			byHash[raw.Hash] = i
		}
	}

	for _, x := range xcms {
		dest, ok := s.destinations[x.DestParaID]
		if !ok {
			s.logger.Debug("xcm destination not configured", "dest_para_id", x.DestParaID, "tx_hash", x.Hash)
		}

		if i, found := byHash[x.Hash]; found {
			raw := &out[i]
			raw.TxType = model.TxTypeXcmTransfer
			raw.DestChain = dest
			raw.DestAddress = x.To
			raw.Metadata["dest_para_id"] = x.DestParaID
			raw.Metadata["message_hash"] = x.MessageHash
			continue
		}

		raw := chain.RawTransaction{
			Hash:        x.Hash,
			BlockNumber: x.BlockNum,
			Timestamp:   time.Unix(x.BlockTimestamp, 0).UTC(),
			From:        x.From,
			To:          x.To,
			Value:       x.Amount,
			Fee:         x.Fee,
			TxType:      model.TxTypeXcmTransfer,
			Success:     !strings.EqualFold(x.Status, "failed"),
			DestChain:   dest,
			DestAddress: x.To,
			Metadata: map[string]any{
				"extrinsic_index": x.ExtrinsicIndex,
				"dest_para_id":    x.DestParaID,
				"message_hash":    x.MessageHash,
			},
		}
		s.setAsset(&raw, x.AssetUniqueID, x.Symbol)
		byHash[raw.Hash] = len(out)
		out = append(out, raw)
	}
	return out
}

// setAsset leaves AssetID empty for the native token. Other assets keep the
// scan API's unique id; their decimals are resolved from the token registry.
func (s *Source) setAsset(raw *chain.RawTransaction, uniqueID, symbol string) {
	if uniqueID == "" || strings.EqualFold(uniqueID, s.spec.Symbol) {
		raw.Symbol = s.spec.Symbol
		return
	}
	raw.AssetID = uniqueID
	raw.Symbol = symbol
}
