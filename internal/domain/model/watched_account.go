package model

import "time"

// WatchedAccount is an address the scheduler re-syncs on every sync tick.
type WatchedAccount struct {
	ProfileID string    `db:"profile_id" json:"profile_id"`
	Chain     Chain     `db:"chain" json:"chain"`
	Address   string    `db:"address" json:"address"`
	Active    bool      `db:"is_active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
