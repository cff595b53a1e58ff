package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

type TokenRepo struct {
	db *DB
}

func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

func (r *TokenRepo) Upsert(ctx context.Context, t *model.TokenSpec) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tokens (chain, asset_id, symbol, name, decimals)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain, asset_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals
	`, t.Chain, strings.ToLower(t.AssetID), t.Symbol, t.Name, int16(t.Decimals))
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (r *TokenRepo) Get(ctx context.Context, chain model.Chain, assetID string) (*model.TokenSpec, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		t        model.TokenSpec
		decimals int16
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT chain, asset_id, symbol, name, decimals
		FROM tokens
		WHERE chain = $1 AND asset_id = $2
	`, chain, strings.ToLower(assetID)).Scan(&t.Chain, &t.AssetID, &t.Symbol, &t.Name, &decimals)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	t.Decimals = uint8(decimals)
	return &t, nil
}
