package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/google/uuid"
)

// querier is the subset of *sql.DB and *sql.Tx the transfer queries need.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type TransferRepo struct {
	db *DB
}

func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

func (r *TransferRepo) InsertTx(ctx context.Context, tx *sql.Tx, t *model.XcmTransfer) (*model.XcmTransfer, error) {
	return insertTransfer(ctx, tx, t)
}

func (r *TransferRepo) Insert(ctx context.Context, t *model.XcmTransfer) (*model.XcmTransfer, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	return insertTransfer(ctx, r.db, t)
}

// insertTransfer is idempotent on transaction_id: a second insert returns the
// row written by the first.
func insertTransfer(ctx context.Context, q querier, t *model.XcmTransfer) (*model.XcmTransfer, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	hops := t.Hops
	if hops == nil {
		hops = []model.Chain{}
	}
	rawHops, err := json.Marshal(hops)
	if err != nil {
		return nil, fmt.Errorf("encode hops: %w", err)
	}

	row := q.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO xcm_transfers (
				id, transaction_id, from_chain, from_address, to_chain, to_address,
				asset_id, amount, status, hops, timestamp
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (transaction_id) DO NOTHING
			RETURNING `+transferColumns+`
		)
		SELECT `+transferColumns+` FROM ins
		UNION ALL
		SELECT `+transferColumns+` FROM xcm_transfers WHERE transaction_id = $2
		LIMIT 1
	`, t.ID, t.TransactionID, t.FromChain, t.FromAddress, t.ToChain, t.ToAddress,
		t.AssetID, t.Amount, t.Status, rawHops, t.Timestamp)
	stored, err := scanTransfer(row)
	if err != nil {
		return nil, fmt.Errorf("insert transfer: %w", err)
	}
	return stored, nil
}

const transferColumns = `id, transaction_id, from_chain, from_address, to_chain, to_address,
	asset_id, amount::text, status, hops, timestamp, updated_at`

func (r *TransferRepo) Get(ctx context.Context, id uuid.UUID) (*model.XcmTransfer, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	t, err := scanTransfer(r.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM xcm_transfers WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return t, nil
}

func (r *TransferRepo) GetByTransaction(ctx context.Context, transactionID uuid.UUID) (*model.XcmTransfer, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	t, err := scanTransfer(r.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM xcm_transfers WHERE transaction_id = $1`, transactionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer by transaction: %w", err)
	}
	return t, nil
}

// CompareAndSetStatus updates only while the row still holds from, so two
// racing writers cannot both apply. A hop already recorded is not repeated.
func (r *TransferRepo) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to model.XcmStatus, hop *model.Chain, at time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var hopArg sql.NullString
	if hop != nil && *hop != "" {
		hopArg = sql.NullString{String: string(*hop), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE xcm_transfers SET
			status = $3,
			hops = CASE
				WHEN $4::text IS NULL OR hops->>(-1) = $4::text THEN hops
				ELSE hops || jsonb_build_array($4::text)
			END,
			updated_at = $5
		WHERE id = $1 AND status = $2
	`, id, from, to, hopArg, at)
	if err != nil {
		return false, fmt.Errorf("update transfer status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update transfer status: %w", err)
	}
	return n == 1, nil
}

func (r *TransferRepo) AppendHop(ctx context.Context, id uuid.UUID, status model.XcmStatus, hop model.Chain, at time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE xcm_transfers SET
			hops = hops || jsonb_build_array($3::text),
			updated_at = $4
		WHERE id = $1 AND status = $2
			AND COALESCE(hops->>(-1), '') <> $3::text
	`, id, status, string(hop), at)
	if err != nil {
		return false, fmt.Errorf("append transfer hop: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append transfer hop: %w", err)
	}
	return n == 1, nil
}

func scanTransfer(s rowScanner) (*model.XcmTransfer, error) {
	var (
		t       model.XcmTransfer
		rawHops []byte
	)
	if err := s.Scan(
		&t.ID, &t.TransactionID, &t.FromChain, &t.FromAddress, &t.ToChain, &t.ToAddress,
		&t.AssetID, &t.Amount, &t.Status, &rawHops, &t.Timestamp, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawHops, &t.Hops); err != nil {
		return nil, fmt.Errorf("decode hops: %w", err)
	}
	return &t, nil
}
