package model

import "time"

type DisplayFormat string

const (
	DisplaySymbol DisplayFormat = "symbol"
	DisplayCode   DisplayFormat = "code"
	DisplayName   DisplayFormat = "name"
)

// AccountSettings holds per-profile conversion preferences. ProfileID is the
// natural key.
type AccountSettings struct {
	ProfileID             string           `db:"profile_id" json:"profile_id"`
	PrimaryCurrency       string           `db:"primary_currency" json:"primary_currency"`
	ReportingCurrencies   []string         `db:"reporting_currencies" json:"reporting_currencies"`
	ConversionMethod      ConversionMethod `db:"conversion_method" json:"conversion_method"`
	DecimalPlaces         int32            `db:"decimal_places" json:"decimal_places"`
	UseThousandsSeparator bool             `db:"use_thousands_separator" json:"use_thousands_separator"`
	DisplayFormat         DisplayFormat    `db:"display_format" json:"display_format"`
	AutoConvert           bool             `db:"auto_convert" json:"auto_convert"`
	CacheExchangeRates    bool             `db:"cache_exchange_rates" json:"cache_exchange_rates"`
	CoinGeckoAPIKey       *string          `db:"coingecko_api_key" json:"-"`
	FixerAPIKey           *string          `db:"fixer_api_key" json:"-"`
	UpdatedAt             time.Time        `db:"updated_at" json:"updated_at"`
}

func DefaultAccountSettings(profileID string) *AccountSettings {
	return &AccountSettings{
		ProfileID:          profileID,
		PrimaryCurrency:    "USD",
		ConversionMethod:   MethodSpot,
		DecimalPlaces:      2,
		DisplayFormat:      DisplaySymbol,
		CacheExchangeRates: true,
	}
}
