package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transaction is a normalized ledger row. Value and Fee are decimal strings in
// token units. Only the conversion fields change after insert.
type Transaction struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	ProfileID     string          `db:"profile_id" json:"profile_id"`
	Chain         Chain           `db:"chain" json:"chain"`
	TxHash        string          `db:"tx_hash" json:"tx_hash"`
	BlockNumber   uint64          `db:"block_number" json:"block_number"`
	Timestamp     time.Time       `db:"timestamp" json:"timestamp"`
	FromAddress   string          `db:"from_address" json:"from_address"`
	ToAddress     string          `db:"to_address" json:"to_address"`
	Value         string          `db:"value" json:"value"`
	TokenSymbol   string          `db:"token_symbol" json:"token_symbol"`
	TokenDecimals uint8           `db:"token_decimals" json:"token_decimals"`
	TxType        TxType          `db:"tx_type" json:"tx_type"`
	Direction     Direction       `db:"direction" json:"direction"`
	Status        TxStatus        `db:"status" json:"status"`
	Fee           *string         `db:"fee" json:"fee,omitempty"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata"`
	Conversion    *Conversion     `db:"-" json:"conversion,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Conversion holds the pricing attached to a transaction after the fact.
type Conversion struct {
	AmountPrimary   string     `db:"amount_primary" json:"amount_primary"`
	PrimaryCurrency string     `db:"primary_currency" json:"primary_currency"`
	Rate            string     `db:"exchange_rate" json:"exchange_rate"`
	RateSource      RateSource `db:"exchange_rate_source" json:"exchange_rate_source"`
	RateTimestamp   time.Time  `db:"exchange_rate_timestamp" json:"exchange_rate_timestamp"`
}
