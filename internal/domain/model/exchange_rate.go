package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RateSource string

const (
	RateSourceCoinGecko RateSource = "coingecko"
	RateSourceFixer     RateSource = "fixer"
	RateSourceManual    RateSource = "manual"
	RateSourceCompound  RateSource = "compound"
	RateSourceIdentity  RateSource = "identity"
)

type ConversionMethod string

const (
	MethodSpot       ConversionMethod = "spot"
	MethodHistorical ConversionMethod = "historical"
	MethodFixed      ConversionMethod = "fixed"
)

func ParseConversionMethod(s string) (ConversionMethod, error) {
	switch m := ConversionMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodSpot, MethodHistorical, MethodFixed:
		return m, nil
	default:
		return "", fmt.Errorf("unknown conversion method %q", s)
	}
}

// ExchangeRate is one quote for a currency pair. Rows are append-only; a row
// is fresh while now - Timestamp <= TTL.
type ExchangeRate struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	From       string          `db:"from_currency" json:"from"`
	To         string          `db:"to_currency" json:"to"`
	Rate       string          `db:"rate" json:"rate"`
	Timestamp  time.Time       `db:"timestamp" json:"timestamp"`
	Source     RateSource      `db:"source" json:"source"`
	TTLSeconds int64           `db:"ttl_seconds" json:"ttl_seconds"`
	Metadata   json.RawMessage `db:"metadata" json:"metadata"`
}

func (r *ExchangeRate) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// ExpiresAt is the last instant at which the rate is still fresh.
func (r *ExchangeRate) ExpiresAt() time.Time {
	return r.Timestamp.Add(r.TTL())
}

func (r *ExchangeRate) FreshAt(now time.Time) bool {
	return now.Sub(r.Timestamp) <= r.TTL()
}

// Sweepable reports whether an expiry sweep may delete the row. Manual pins
// back the fixed conversion method and are kept past their ttl.
func (r *ExchangeRate) Sweepable(now time.Time) bool {
	return r.Source != RateSourceManual && !r.FreshAt(now)
}

// CurrencyConversion is the priced result of a conversion request.
type CurrencyConversion struct {
	From            string     `json:"from"`
	To              string     `json:"to"`
	Amount          string     `json:"amount"`
	ConvertedAmount string     `json:"converted_amount"`
	Rate            string     `json:"rate"`
	Source          RateSource `json:"source"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
}

// NormalizeCurrency upper-cases fiat/crypto codes so pairs compare equal
// regardless of caller casing.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
