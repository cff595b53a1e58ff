package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

type SettingsRepo struct {
	db *DB
}

func NewSettingsRepo(db *DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

func (r *SettingsRepo) Get(ctx context.Context, profileID string) (*model.AccountSettings, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		s         model.AccountSettings
		reporting []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT profile_id, primary_currency, reporting_currencies, conversion_method, decimal_places,
			use_thousands_separator, display_format, auto_convert, cache_exchange_rates,
			coingecko_api_key, fixer_api_key, updated_at
		FROM account_settings
		WHERE profile_id = $1
	`, profileID).Scan(
		&s.ProfileID, &s.PrimaryCurrency, &reporting, &s.ConversionMethod, &s.DecimalPlaces,
		&s.UseThousandsSeparator, &s.DisplayFormat, &s.AutoConvert, &s.CacheExchangeRates,
		&s.CoinGeckoAPIKey, &s.FixerAPIKey, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	if err := json.Unmarshal(reporting, &s.ReportingCurrencies); err != nil {
		return nil, fmt.Errorf("decode reporting currencies: %w", err)
	}
	return &s, nil
}

func (r *SettingsRepo) Upsert(ctx context.Context, s *model.AccountSettings) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	reporting := s.ReportingCurrencies
	if reporting == nil {
		reporting = []string{}
	}
	raw, err := json.Marshal(reporting)
	if err != nil {
		return fmt.Errorf("encode reporting currencies: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO account_settings (
			profile_id, primary_currency, reporting_currencies, conversion_method, decimal_places,
			use_thousands_separator, display_format, auto_convert, cache_exchange_rates,
			coingecko_api_key, fixer_api_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (profile_id) DO UPDATE SET
			primary_currency = EXCLUDED.primary_currency,
			reporting_currencies = EXCLUDED.reporting_currencies,
			conversion_method = EXCLUDED.conversion_method,
			decimal_places = EXCLUDED.decimal_places,
			use_thousands_separator = EXCLUDED.use_thousands_separator,
			display_format = EXCLUDED.display_format,
			auto_convert = EXCLUDED.auto_convert,
			cache_exchange_rates = EXCLUDED.cache_exchange_rates,
			coingecko_api_key = EXCLUDED.coingecko_api_key,
			fixer_api_key = EXCLUDED.fixer_api_key,
			updated_at = now()
	`, s.ProfileID, s.PrimaryCurrency, raw, s.ConversionMethod, s.DecimalPlaces,
		s.UseThousandsSeparator, s.DisplayFormat, s.AutoConvert, s.CacheExchangeRates,
		s.CoinGeckoAPIKey, s.FixerAPIKey)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}
