// Package xcm tracks cross-chain transfers through a monotonic status
// lifecycle: pending, in_transit, then completed or failed.
package xcm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/metrics"
	"github.com/emperorhan/multichain-ledger/internal/store"
	"github.com/google/uuid"
)

// casAttempts bounds re-reads when another writer moves the row between our
// read and the compare-and-set.
const casAttempts = 3

var (
	ErrInvalidStateTransition = errors.New("invalid transfer state transition")
	ErrTransferNotFound       = errors.New("transfer not found")
)

// TransitionError is returned when a status change would move a transfer
// backwards or sideways between terminal states.
type TransitionError struct {
	ID   uuid.UUID
	From model.XcmStatus
	To   model.XcmStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: transfer %s %s -> %s", ErrInvalidStateTransition, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// TrackRequest describes the originating leg of a transfer.
type TrackRequest struct {
	TransactionID uuid.UUID
	FromChain     model.Chain
	FromAddress   string
	ToChain       model.Chain
	ToAddress     string
	AssetID       string
	Amount        string
	Timestamp     time.Time
}

type Tracker struct {
	repo   store.TransferRepository
	nowFn  func() time.Time
	logger *slog.Logger
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.nowFn = now }
}

func NewTracker(repo store.TransferRepository, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		repo:   repo,
		nowFn:  time.Now,
		logger: logger.With("component", "xcm_tracker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Track creates a pending transfer for the originating transaction. A second
// call for the same transaction returns the stored row unchanged.
func (t *Tracker) Track(ctx context.Context, req TrackRequest) (*model.XcmTransfer, error) {
	row, err := t.newTransfer(req)
	if err != nil {
		return nil, err
	}
	stored, err := t.repo.Insert(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("track transfer for %s: %w", req.TransactionID, err)
	}
	t.logTracked(stored, row)
	return stored, nil
}

// TrackTx is Track inside the caller's database transaction, so the transfer
// commits or rolls back together with its originating row.
func (t *Tracker) TrackTx(ctx context.Context, dbTx *sql.Tx, req TrackRequest) (*model.XcmTransfer, error) {
	row, err := t.newTransfer(req)
	if err != nil {
		return nil, err
	}
	stored, err := t.repo.InsertTx(ctx, dbTx, row)
	if err != nil {
		return nil, fmt.Errorf("track transfer for %s: %w", req.TransactionID, err)
	}
	t.logTracked(stored, row)
	return stored, nil
}

func (t *Tracker) newTransfer(req TrackRequest) (*model.XcmTransfer, error) {
	if req.TransactionID == uuid.Nil {
		return nil, fmt.Errorf("track transfer: transaction id is required")
	}
	if req.FromChain == "" || req.ToChain == "" {
		return nil, fmt.Errorf("track transfer for %s: source and destination chains are required", req.TransactionID)
	}
	value, err := amount.Normalize(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("track transfer for %s: %w", req.TransactionID, err)
	}
	now := t.nowFn().UTC()
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return &model.XcmTransfer{
		ID:            uuid.New(),
		TransactionID: req.TransactionID,
		FromChain:     req.FromChain,
		FromAddress:   req.FromAddress,
		ToChain:       req.ToChain,
		ToAddress:     req.ToAddress,
		AssetID:       req.AssetID,
		Amount:        value,
		Status:        model.XcmPending,
		Hops:          []model.Chain{},
		Timestamp:     ts.UTC(),
		UpdatedAt:     now,
	}, nil
}

func (t *Tracker) logTracked(stored, candidate *model.XcmTransfer) {
	if stored.ID != candidate.ID {
		t.logger.Debug("transfer already tracked", "transfer_id", stored.ID, "transaction_id", stored.TransactionID)
		return
	}
	t.logger.Info("transfer tracked",
		"transfer_id", stored.ID,
		"transaction_id", stored.TransactionID,
		"from_chain", stored.FromChain,
		"to_chain", stored.ToChain,
	)
}

// Advance moves a transfer to status, appending hop when given. Repeating the
// current status only appends a new hop, so a transfer can report several
// intermediate chains while in transit; a hop equal to the last one is not
// appended twice. Moving to a lower rank, or between terminal statuses, fails
// with a *TransitionError; skipping ranks forward is allowed.
func (t *Tracker) Advance(ctx context.Context, id uuid.UUID, status model.XcmStatus, hop *model.Chain) (*model.XcmTransfer, error) {
	if status.Rank() < 0 {
		return nil, fmt.Errorf("advance transfer %s: unknown status %q", id, status)
	}
	if hop != nil && *hop == "" {
		hop = nil
	}

	for attempt := 1; attempt <= casAttempts; attempt++ {
		cur, err := t.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == status {
			if hop == nil || lastHop(cur.Hops) == *hop {
				metrics.XcmTransitions.WithLabelValues(string(status), "noop").Inc()
				return cur, nil
			}
			now := t.nowFn().UTC()
			ok, err := t.repo.AppendHop(ctx, id, status, *hop, now)
			if err != nil {
				return nil, fmt.Errorf("append hop to transfer %s: %w", id, err)
			}
			if !ok {
				t.logger.Debug("transfer changed concurrently, re-reading", "transfer_id", id, "attempt", attempt)
				continue
			}
			metrics.XcmTransitions.WithLabelValues(string(status), "hop").Inc()
			t.logger.Info("transfer hop recorded", "transfer_id", id, "status", status, "hop", *hop)
			cur.Hops = append(cur.Hops, *hop)
			cur.UpdatedAt = now
			return cur, nil
		}
		if status.Rank() <= cur.Status.Rank() {
			metrics.XcmTransitions.WithLabelValues(string(status), "rejected").Inc()
			t.logger.Warn("transfer transition rejected", "transfer_id", id, "from", cur.Status, "to", status)
			return nil, &TransitionError{ID: id, From: cur.Status, To: status}
		}

		now := t.nowFn().UTC()
		ok, err := t.repo.CompareAndSetStatus(ctx, id, cur.Status, status, hop, now)
		if err != nil {
			return nil, fmt.Errorf("advance transfer %s: %w", id, err)
		}
		if !ok {
			t.logger.Debug("transfer changed concurrently, re-reading", "transfer_id", id, "attempt", attempt)
			continue
		}

		metrics.XcmTransitions.WithLabelValues(string(status), "applied").Inc()
		t.logger.Info("transfer advanced", "transfer_id", id, "from", cur.Status, "to", status)
		cur.Status = status
		cur.UpdatedAt = now
		if hop != nil && lastHop(cur.Hops) != *hop {
			cur.Hops = append(cur.Hops, *hop)
		}
		return cur, nil
	}
	return nil, fmt.Errorf("advance transfer %s: status kept changing after %d attempts", id, casAttempts)
}

func lastHop(hops []model.Chain) model.Chain {
	if len(hops) == 0 {
		return ""
	}
	return hops[len(hops)-1]
}

func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*model.XcmTransfer, error) {
	row, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", id, err)
	}
	if row == nil {
		return nil, fmt.Errorf("transfer %s: %w", id, ErrTransferNotFound)
	}
	return row, nil
}

func (t *Tracker) GetByTransaction(ctx context.Context, transactionID uuid.UUID) (*model.XcmTransfer, error) {
	row, err := t.repo.GetByTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("get transfer by transaction %s: %w", transactionID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("transfer for transaction %s: %w", transactionID, ErrTransferNotFound)
	}
	return row, nil
}
