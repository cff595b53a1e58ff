package currency

import (
	"context"
	"fmt"
	"strings"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

const maxDecimalPlaces = 18

// GetSettings returns the stored settings for the profile, or the defaults
// when none were saved.
func (s *Service) GetSettings(ctx context.Context, profileID string) (*model.AccountSettings, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return nil, fmt.Errorf("%w: profile id is required", ErrInvalidSettings)
	}
	stored, err := s.settings.Get(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("get settings %s: %w", profileID, err)
	}
	if stored == nil {
		return model.DefaultAccountSettings(profileID), nil
	}
	return stored, nil
}

// UpdateSettings validates and upserts settings on the profile id.
func (s *Service) UpdateSettings(ctx context.Context, settings *model.AccountSettings) (*model.AccountSettings, error) {
	if err := s.normalizeSettings(settings); err != nil {
		return nil, err
	}
	if err := s.settings.Upsert(ctx, settings); err != nil {
		return nil, fmt.Errorf("update settings %s: %w", settings.ProfileID, err)
	}
	s.logger.Info("account settings updated",
		"profile_id", settings.ProfileID,
		"primary_currency", settings.PrimaryCurrency,
		"method", settings.ConversionMethod,
	)
	return settings, nil
}

func (s *Service) normalizeSettings(settings *model.AccountSettings) error {
	if settings == nil {
		return fmt.Errorf("%w: settings are required", ErrInvalidSettings)
	}
	settings.ProfileID = strings.TrimSpace(settings.ProfileID)
	if settings.ProfileID == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidSettings)
	}

	primary, err := s.knownCurrency(settings.PrimaryCurrency)
	if err != nil {
		return err
	}
	settings.PrimaryCurrency = primary

	seen := make(map[string]bool, len(settings.ReportingCurrencies))
	reporting := make([]string, 0, len(settings.ReportingCurrencies))
	for _, code := range settings.ReportingCurrencies {
		code, err := s.knownCurrency(code)
		if err != nil {
			return err
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		reporting = append(reporting, code)
	}
	settings.ReportingCurrencies = reporting

	if settings.ConversionMethod == "" {
		settings.ConversionMethod = model.MethodSpot
	}
	method, err := model.ParseConversionMethod(string(settings.ConversionMethod))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	settings.ConversionMethod = method

	switch settings.DisplayFormat {
	case "":
		settings.DisplayFormat = model.DisplaySymbol
	case model.DisplaySymbol, model.DisplayCode, model.DisplayName:
	default:
		return fmt.Errorf("%w: unknown display format %q", ErrInvalidSettings, settings.DisplayFormat)
	}

	if settings.DecimalPlaces < 0 || settings.DecimalPlaces > maxDecimalPlaces {
		return fmt.Errorf("%w: decimal places %d out of range [0, %d]", ErrInvalidSettings, settings.DecimalPlaces, maxDecimalPlaces)
	}

	settings.CoinGeckoAPIKey = trimKey(settings.CoinGeckoAPIKey)
	settings.FixerAPIKey = trimKey(settings.FixerAPIKey)
	return nil
}

func (s *Service) knownCurrency(code string) (string, error) {
	code = model.NormalizeCurrency(code)
	if code == "" {
		return "", fmt.Errorf("%w: currency code is required", ErrInvalidSettings)
	}
	if s.catalog != nil {
		if _, ok := s.catalog.Lookup(code); !ok {
			return "", fmt.Errorf("%w: unsupported currency %s", ErrInvalidSettings, code)
		}
	}
	return code, nil
}

func trimKey(key *string) *string {
	if key == nil {
		return nil
	}
	v := strings.TrimSpace(*key)
	if v == "" {
		return nil
	}
	return &v
}
