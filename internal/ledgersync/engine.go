// Package ledgersync pulls account history from chain sources into the
// ledger. A pass walks blocks from the stored cursor to the chain head in
// batches; each batch is written with its cursor in one database
// transaction, so a re-run never loses or duplicates rows.
package ledgersync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/chain"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/metrics"
	"github.com/emperorhan/multichain-ledger/internal/retry"
	"github.com/emperorhan/multichain-ledger/internal/store"
	"github.com/emperorhan/multichain-ledger/internal/tracing"
	"github.com/emperorhan/multichain-ledger/internal/xcm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBatchSize    = 50
	defaultHeadTimeout  = 10 * time.Second
	defaultFetchTimeout = 60 * time.Second
)

// Sources resolves a chain to its source and spec.
type Sources interface {
	Source(id model.Chain) (chain.Source, model.ChainSpec, error)
}

// TokenResolver resolves non-native assets to symbol and decimals.
type TokenResolver interface {
	Lookup(ctx context.Context, chain model.Chain, assetID string) (model.TokenSpec, error)
}

// TransferTracker records cross-chain legs inside the batch transaction.
type TransferTracker interface {
	TrackTx(ctx context.Context, dbTx *sql.Tx, req xcm.TrackRequest) (*model.XcmTransfer, error)
}

// Pricer attaches primary-currency values to inserted rows.
type Pricer interface {
	GetSettings(ctx context.Context, profileID string) (*model.AccountSettings, error)
	PriceTransaction(ctx context.Context, settings *model.AccountSettings, tx *model.Transaction) (*model.Conversion, error)
}

type Request struct {
	ProfileID string      `json:"profile_id"`
	Chain     model.Chain `json:"chain"`
	Address   string      `json:"address"`
}

// ItemFailure is one row that was skipped (normalize) or left unpriced (price).
type ItemFailure struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	Stage       string `json:"stage"`
	Error       string `json:"error"`
}

// Status reports a sync pass. NewCursor is the last committed block.
type Status struct {
	Chain           model.Chain   `json:"chain"`
	Address         string        `json:"address"`
	PreviousCursor  uint64        `json:"previous_cursor"`
	NewCursor       uint64        `json:"new_cursor"`
	Head            uint64        `json:"head"`
	Complete        bool          `json:"complete"`
	Fetched         int           `json:"fetched"`
	Inserted        int           `json:"inserted"`
	Duplicates      int           `json:"duplicates"`
	Failures        []ItemFailure `json:"failures,omitempty"`
	PricingFailures []ItemFailure `json:"pricing_failures,omitempty"`
}

type Engine struct {
	db           store.TxBeginner
	sources      Sources
	transactions store.TransactionRepository
	cursors      store.CursorRepository
	tracker      TransferTracker
	tokens       TokenResolver
	pricer       Pricer

	locks        *keyedLock
	batchSize    uint64
	headTimeout  time.Duration
	fetchTimeout time.Duration
	retryPolicy  retry.Policy
	tracer       trace.Tracer
	logger       *slog.Logger
}

type Option func(*Engine)

func WithBatchSize(n uint64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithTimeouts(head, fetch time.Duration) Option {
	return func(e *Engine) {
		if head > 0 {
			e.headTimeout = head
		}
		if fetch > 0 {
			e.fetchTimeout = fetch
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.retryPolicy = p }
}

func WithTokenResolver(t TokenResolver) Option {
	return func(e *Engine) { e.tokens = t }
}

// WithPricer enables auto-convert for profiles whose settings ask for it.
func WithPricer(p Pricer) Option {
	return func(e *Engine) { e.pricer = p }
}

func NewEngine(
	db store.TxBeginner,
	sources Sources,
	transactions store.TransactionRepository,
	cursors store.CursorRepository,
	tracker TransferTracker,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		db:           db,
		sources:      sources,
		transactions: transactions,
		cursors:      cursors,
		tracker:      tracker,
		locks:        newKeyedLock(),
		batchSize:    defaultBatchSize,
		headTimeout:  defaultHeadTimeout,
		fetchTimeout: defaultFetchTimeout,
		tracer:       tracing.Tracer("ledgersync"),
		logger:       logger.With("component", "ledgersync"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Sync brings the ledger for (profile, chain, address) up to the chain head.
// Each address keeps its own cursor; passes for the same profile and chain
// run one at a time. On error the
// returned Status still describes the blocks committed before it.
func (e *Engine) Sync(ctx context.Context, req Request) (status *Status, err error) {
	req.ProfileID = strings.TrimSpace(req.ProfileID)
	req.Address = strings.TrimSpace(req.Address)
	if req.ProfileID == "" || req.Chain == "" || req.Address == "" {
		return nil, fmt.Errorf("%w: profile, chain and address are required", ErrInvalidRequest)
	}

	src, spec, err := e.sources.Source(req.Chain)
	if err != nil {
		return nil, err
	}
	n, err := normalizerFor(spec.Kind)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "ledgersync.Sync", trace.WithAttributes(
		attribute.String("chain", string(req.Chain)),
		attribute.String("profile_id", req.ProfileID),
	))
	defer func() {
		outcome := "complete"
		switch {
		case err != nil:
			outcome = "error"
		case status != nil && len(status.Failures) > 0:
			outcome = "partial"
		}
		metrics.SyncPassesTotal.WithLabelValues(string(req.Chain), outcome).Inc()
		tracing.End(span, err)
	}()

	lockStart := time.Now()
	unlock, err := e.locks.Lock(ctx, req.ProfileID+"|"+string(req.Chain))
	if err != nil {
		return nil, fmt.Errorf("wait for %s sync lock: %w", req.Chain, err)
	}
	defer unlock()
	metrics.SyncLockWait.WithLabelValues(string(req.Chain)).Observe(time.Since(lockStart).Seconds())

	log := e.logger.With("chain", req.Chain, "profile_id", req.ProfileID, "address", req.Address)

	cursor, err := e.cursors.Get(ctx, req.ProfileID, req.Chain, cursorAddress(spec.Kind, req.Address))
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	status = &Status{Chain: req.Chain, Address: req.Address}
	if cursor != nil {
		status.PreviousCursor = cursor.LastBlock
	}
	status.NewCursor = status.PreviousCursor

	head, err := retry.Do(ctx, e.retryPolicy, log, "head", func(ctx context.Context) (uint64, error) {
		hctx, cancel := context.WithTimeout(ctx, e.headTimeout)
		defer cancel()
		return src.Head(hctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return status, ctx.Err()
		}
		return status, &RemoteUnavailableError{Chain: req.Chain, From: status.PreviousCursor + 1, Err: err}
	}
	status.Head = head
	span.SetAttributes(attribute.Int64("head", int64(head)), attribute.Int64("cursor", int64(status.PreviousCursor)))

	settings := e.pricingSettings(ctx, req.ProfileID, log)

	for from := status.NewCursor + 1; from <= head; from = status.NewCursor + 1 {
		if err := ctx.Err(); err != nil {
			log.Info("sync pass cancelled between batches", "cursor", status.NewCursor, "head", head)
			return status, err
		}
		to := min(from+e.batchSize-1, head)
		if err := e.runBatch(ctx, src, spec, n, req, settings, from, to, status, log); err != nil {
			return status, err
		}
	}

	status.Complete = true
	log.Info("sync pass complete",
		"previous_cursor", status.PreviousCursor,
		"new_cursor", status.NewCursor,
		"head", head,
		"fetched", status.Fetched,
		"inserted", status.Inserted,
		"duplicates", status.Duplicates,
		"failures", len(status.Failures),
	)
	return status, nil
}

// pricingSettings returns the profile's settings when auto-convert is on.
func (e *Engine) pricingSettings(ctx context.Context, profileID string, log *slog.Logger) *model.AccountSettings {
	if e.pricer == nil {
		return nil
	}
	settings, err := e.pricer.GetSettings(ctx, profileID)
	if err != nil {
		log.Warn("settings unavailable, skipping auto-convert", "error", err)
		return nil
	}
	if settings == nil || !settings.AutoConvert {
		return nil
	}
	return settings
}

type pending struct {
	tx  *model.Transaction
	raw chain.RawTransaction
}

func (e *Engine) runBatch(
	ctx context.Context,
	src chain.Source,
	spec model.ChainSpec,
	n normalizer,
	req Request,
	settings *model.AccountSettings,
	from, to uint64,
	status *Status,
	log *slog.Logger,
) (err error) {
	ctx, span := e.tracer.Start(ctx, "ledgersync.batch", trace.WithAttributes(
		attribute.Int64("from_block", int64(from)),
		attribute.Int64("to_block", int64(to)),
	))
	defer func() { tracing.End(span, err) }()
	start := time.Now()

	raws, err := retry.Do(ctx, e.retryPolicy, log, "fetch", func(ctx context.Context) ([]chain.RawTransaction, error) {
		fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
		return src.Fetch(fctx, req.Address, from, to)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, chain.ErrRangeTooLarge) && to > from {
			mid := from + (to-from)/2
			log.Info("range too large, splitting", "from_block", from, "to_block", to, "mid_block", mid)
			if err := e.runBatch(ctx, src, spec, n, req, settings, from, mid, status, log); err != nil {
				return err
			}
			return e.runBatch(ctx, src, spec, n, req, settings, mid+1, to, status, log)
		}
		log.Warn("fetch failed", "from_block", from, "to_block", to, "error", err)
		return &RemoteUnavailableError{Chain: req.Chain, From: from, To: to, Err: err}
	}
	status.Fetched += len(raws)

	rows := make([]pending, 0, len(raws))
	for _, raw := range raws {
		if raw.BlockNumber < from || raw.BlockNumber > to {
			e.recordFailure(&status.Failures, req.Chain, "normalize", raw.Hash, raw.BlockNumber,
				fmt.Errorf("block %d outside batch %d-%d", raw.BlockNumber, from, to))
			continue
		}
		tx, err := e.normalize(ctx, n, spec, req, raw)
		if err != nil {
			e.recordFailure(&status.Failures, req.Chain, "normalize", raw.Hash, raw.BlockNumber, err)
			log.Debug("item skipped", "tx_hash", raw.Hash, "error", err)
			continue
		}
		rows = append(rows, pending{tx: tx, raw: raw})
	}

	inserted, err := e.persist(ctx, req, cursorAddress(spec.Kind, req.Address), rows, to)
	if err != nil {
		log.Error("batch rolled back", "from_block", from, "to_block", to, "error", err)
		return fmt.Errorf("persist blocks %d-%d: %w", from, to, err)
	}

	status.NewCursor = to
	status.Inserted += len(inserted)
	status.Duplicates += len(rows) - len(inserted)
	metrics.SyncTransactionsInserted.WithLabelValues(string(req.Chain)).Add(float64(len(inserted)))
	metrics.SyncDuplicatesIgnored.WithLabelValues(string(req.Chain)).Add(float64(len(rows) - len(inserted)))
	metrics.SyncCursorBlock.WithLabelValues(string(req.Chain)).Set(float64(to))
	metrics.SyncBatchLatency.WithLabelValues(string(req.Chain)).Observe(time.Since(start).Seconds())

	if settings != nil {
		for _, tx := range inserted {
			if _, err := e.pricer.PriceTransaction(ctx, settings, tx); err != nil {
				e.recordFailure(&status.PricingFailures, req.Chain, "price", tx.TxHash, tx.BlockNumber, err)
			}
		}
	}
	return nil
}

// persist writes rows, their cross-chain legs and the cursor in one
// transaction and returns the rows that were new.
func (e *Engine) persist(ctx context.Context, req Request, cursorAddr string, rows []pending, cursor uint64) ([]*model.Transaction, error) {
	dbTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := dbTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			e.logger.Warn("rollback failed", "error", rbErr)
		}
	}()

	var inserted []*model.Transaction
	for _, row := range rows {
		ok, err := e.transactions.InsertTx(ctx, dbTx, row.tx)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", row.tx.TxHash, err)
		}
		if !ok {
			continue
		}
		inserted = append(inserted, row.tx)

		if row.raw.IsCrossChain() && e.tracker != nil {
			if _, err := e.tracker.TrackTx(ctx, dbTx, xcm.TrackRequest{
				TransactionID: row.tx.ID,
				FromChain:     row.tx.Chain,
				FromAddress:   row.tx.FromAddress,
				ToChain:       row.raw.DestChain,
				ToAddress:     row.raw.DestAddress,
				AssetID:       assetLabel(row),
				Amount:        row.tx.Value,
				Timestamp:     row.tx.Timestamp,
			}); err != nil {
				return nil, fmt.Errorf("track transfer %s: %w", row.tx.TxHash, err)
			}
		}
	}

	if err := e.cursors.AdvanceTx(ctx, dbTx, req.ProfileID, req.Chain, cursorAddr, cursor); err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}
	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return inserted, nil
}

// cursorAddress is the key a cursor is stored under. Hex addresses are
// case-insensitive; SS58 addresses are not.
func cursorAddress(kind model.ChainKind, address string) string {
	if kind == model.KindEVM {
		return strings.ToLower(address)
	}
	return address
}

func assetLabel(row pending) string {
	if row.raw.AssetID != "" {
		return row.raw.AssetID
	}
	return row.tx.TokenSymbol
}

func (e *Engine) recordFailure(dst *[]ItemFailure, c model.Chain, stage, hash string, block uint64, err error) {
	*dst = append(*dst, ItemFailure{TxHash: hash, BlockNumber: block, Stage: stage, Error: err.Error()})
	metrics.SyncItemFailures.WithLabelValues(string(c), stage).Inc()
}
