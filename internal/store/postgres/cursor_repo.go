package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, profileID string, chain model.Chain, address string) (*model.SyncCursor, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		c         model.SyncCursor
		lastBlock int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT profile_id, chain, address, last_block, last_synced_at, updated_at
		FROM sync_cursors
		WHERE profile_id = $1 AND chain = $2 AND address = $3
	`, profileID, chain, address).Scan(&c.ProfileID, &c.Chain, &c.Address, &lastBlock, &c.LastSyncedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	c.LastBlock = uint64(lastBlock)
	return &c, nil
}

// AdvanceTx never moves a cursor backwards: a stale writer's smaller block
// loses to GREATEST.
func (r *CursorRepo) AdvanceTx(ctx context.Context, tx *sql.Tx, profileID string, chain model.Chain, address string, block uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (profile_id, chain, address, last_block, last_synced_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (profile_id, chain, address) DO UPDATE SET
			last_block = GREATEST(sync_cursors.last_block, EXCLUDED.last_block),
			last_synced_at = now(),
			updated_at = now()
	`, profileID, chain, address, int64(block))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
