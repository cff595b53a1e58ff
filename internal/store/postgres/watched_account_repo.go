package postgres

import (
	"context"
	"fmt"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

type WatchedAccountRepo struct {
	db *DB
}

func NewWatchedAccountRepo(db *DB) *WatchedAccountRepo {
	return &WatchedAccountRepo{db: db}
}

func (r *WatchedAccountRepo) ListActive(ctx context.Context) ([]model.WatchedAccount, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT profile_id, chain, address, is_active, created_at, updated_at
		FROM watched_accounts
		WHERE is_active = true
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query watched accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.WatchedAccount
	for rows.Next() {
		var a model.WatchedAccount
		if err := rows.Scan(&a.ProfileID, &a.Chain, &a.Address, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan watched account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *WatchedAccountRepo) Upsert(ctx context.Context, a *model.WatchedAccount) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO watched_accounts (profile_id, chain, address, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (profile_id, chain, address) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, a.ProfileID, a.Chain, a.Address, a.Active)
	if err != nil {
		return fmt.Errorf("upsert watched account: %w", err)
	}
	return nil
}
