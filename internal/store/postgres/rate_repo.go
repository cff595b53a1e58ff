package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

// RateRepo is the exchange_rates log behind ratecache.Cache.
type RateRepo struct {
	db *DB
}

func NewRateRepo(db *DB) *RateRepo {
	return &RateRepo{db: db}
}

func (r *RateRepo) Insert(ctx context.Context, rate *model.ExchangeRate) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	metadata := rate.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exchange_rates (id, from_currency, to_currency, rate, timestamp, source, ttl_seconds, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rate.ID, rate.From, rate.To, rate.Rate, rate.Timestamp, rate.Source, rate.TTLSeconds, []byte(metadata))
	if err != nil {
		return fmt.Errorf("insert exchange rate: %w", err)
	}
	return nil
}

const rateColumns = `id, from_currency, to_currency, rate::text, timestamp, source, ttl_seconds, metadata`

// LatestFresh applies the inclusive boundary: now - timestamp <= ttl.
func (r *RateRepo) LatestFresh(ctx context.Context, from, to string, now time.Time) (*model.ExchangeRate, error) {
	return r.queryOne(ctx, "latest fresh rate", `
		SELECT `+rateColumns+`
		FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2
			AND timestamp + ttl_seconds * interval '1 second' >= $3
		ORDER BY timestamp DESC, created_at DESC
		LIMIT 1
	`, from, to, now)
}

func (r *RateRepo) LatestAtOrBefore(ctx context.Context, from, to string, at time.Time) (*model.ExchangeRate, error) {
	return r.queryOne(ctx, "historical rate", `
		SELECT `+rateColumns+`
		FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2 AND timestamp <= $3
		ORDER BY timestamp DESC, created_at DESC
		LIMIT 1
	`, from, to, at)
}

func (r *RateRepo) LatestBySource(ctx context.Context, from, to string, source model.RateSource) (*model.ExchangeRate, error) {
	return r.queryOne(ctx, "rate by source", `
		SELECT `+rateColumns+`
		FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2 AND source = $3
		ORDER BY timestamp DESC, created_at DESC
		LIMIT 1
	`, from, to, source)
}

func (r *RateRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM exchange_rates
		WHERE timestamp + ttl_seconds * interval '1 second' < $1
		  AND source <> $2
	`, now, model.RateSourceManual)
	if err != nil {
		return 0, fmt.Errorf("delete expired rates: %w", err)
	}
	return res.RowsAffected()
}

func (r *RateRepo) queryOne(ctx context.Context, what, query string, args ...any) (*model.ExchangeRate, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var rate model.ExchangeRate
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&rate.ID, &rate.From, &rate.To, &rate.Rate, &rate.Timestamp,
		&rate.Source, &rate.TTLSeconds, &rate.Metadata,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return &rate, nil
}
