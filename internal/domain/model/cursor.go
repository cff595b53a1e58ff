package model

import "time"

type SyncCursor struct {
	ProfileID    string    `db:"profile_id" json:"profile_id"`
	Chain        Chain     `db:"chain" json:"chain"`
	Address      string    `db:"address" json:"address"`
	LastBlock    uint64    `db:"last_block" json:"last_block"`
	LastSyncedAt time.Time `db:"last_synced_at" json:"last_synced_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
