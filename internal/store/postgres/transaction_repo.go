package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/store"
	"github.com/google/uuid"
)

type TransactionRepo struct {
	db *DB
}

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// InsertTx writes t once per (chain, tx_hash). On a collision the stored row
// wins and t.ID is pointed at it.
func (r *TransactionRepo) InsertTx(ctx context.Context, tx *sql.Tx, t *model.Transaction) (bool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	metadata := t.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	var id uuid.UUID
	err := tx.QueryRowContext(ctx, `
		INSERT INTO transactions (
			id, profile_id, chain, tx_hash, block_number, timestamp,
			from_address, to_address, value, token_symbol, token_decimals,
			tx_type, direction, status, fee, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (chain, tx_hash) DO NOTHING
		RETURNING id
	`, t.ID, t.ProfileID, t.Chain, t.TxHash, int64(t.BlockNumber), t.Timestamp,
		t.FromAddress, t.ToAddress, t.Value, t.TokenSymbol, int16(t.TokenDecimals),
		t.TxType, t.Direction, t.Status, t.Fee, []byte(metadata),
	).Scan(&id)
	if err == sql.ErrNoRows {
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM transactions WHERE chain = $1 AND tx_hash = $2`, t.Chain, t.TxHash,
		).Scan(&t.ID); err != nil {
			return false, fmt.Errorf("lookup existing transaction: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	t.ID = id
	return true, nil
}

func (r *TransactionRepo) UpdateConversion(ctx context.Context, id uuid.UUID, c *model.Conversion) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET
			amount_primary = $2,
			primary_currency = $3,
			exchange_rate = $4,
			exchange_rate_source = $5,
			exchange_rate_timestamp = $6
		WHERE id = $1
	`, id, c.AmountPrimary, c.PrimaryCurrency, c.Rate, c.RateSource, c.RateTimestamp)
	if err != nil {
		return fmt.Errorf("update conversion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversion: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update conversion: transaction %s not found", id)
	}
	return nil
}

const transactionColumns = `
	id, profile_id, chain, tx_hash, block_number, timestamp,
	from_address, to_address, value::text, token_symbol, token_decimals,
	tx_type, direction, status, fee::text, metadata,
	amount_primary::text, primary_currency, exchange_rate::text, exchange_rate_source, exchange_rate_timestamp,
	created_at`

func (r *TransactionRepo) GetByHash(ctx context.Context, chain model.Chain, txHash string) (*model.Transaction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+`
		FROM transactions WHERE chain = $1 AND tx_hash = $2`, chain, txHash)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (r *TransactionRepo) List(ctx context.Context, f store.TransactionFilter) ([]model.Transaction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if f.ProfileID != "" {
		args = append(args, f.ProfileID)
		where = append(where, fmt.Sprintf("profile_id = $%d", len(args)))
	}
	if f.Chain != "" {
		args = append(args, f.Chain)
		where = append(where, fmt.Sprintf("chain = $%d", len(args)))
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, max(f.Offset, 0))
	query += fmt.Sprintf(" ORDER BY timestamp DESC, tx_hash LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s rowScanner) (*model.Transaction, error) {
	var (
		t               model.Transaction
		blockNumber     int64
		decimals        int16
		fee             sql.NullString
		amountPrimary   sql.NullString
		primaryCurrency sql.NullString
		rate            sql.NullString
		rateSource      sql.NullString
		rateTimestamp   sql.NullTime
		metadata        []byte
	)
	if err := s.Scan(
		&t.ID, &t.ProfileID, &t.Chain, &t.TxHash, &blockNumber, &t.Timestamp,
		&t.FromAddress, &t.ToAddress, &t.Value, &t.TokenSymbol, &decimals,
		&t.TxType, &t.Direction, &t.Status, &fee, &metadata,
		&amountPrimary, &primaryCurrency, &rate, &rateSource, &rateTimestamp,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.BlockNumber = uint64(blockNumber)
	t.TokenDecimals = uint8(decimals)
	t.Metadata = metadata
	if fee.Valid {
		t.Fee = &fee.String
	}
	if amountPrimary.Valid {
		t.Conversion = &model.Conversion{
			AmountPrimary:   amountPrimary.String,
			PrimaryCurrency: primaryCurrency.String,
			Rate:            rate.String,
			RateSource:      model.RateSource(rateSource.String),
			RateTimestamp:   rateTimestamp.Time,
		}
	}
	return &t, nil
}
