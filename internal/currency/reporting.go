package currency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"golang.org/x/sync/errgroup"
)

const reportingConcurrency = 4

// ReportingResult holds one conversion per reporting currency that could be
// priced. Failures maps the remaining currencies to their error text.
type ReportingResult struct {
	Conversions []model.CurrencyConversion `json:"conversions"`
	Failures    map[string]string          `json:"failures,omitempty"`
}

// ConvertToReporting converts value into each of the profile's reporting
// currencies. A failing currency never affects the others.
func (s *Service) ConvertToReporting(ctx context.Context, settings *model.AccountSettings, value, from string, at *time.Time) (*ReportingResult, error) {
	if _, err := amount.Parse(value); err != nil {
		return nil, fmt.Errorf("convert to reporting: %w", err)
	}

	targets := settings.ReportingCurrencies
	converted := make([]*model.CurrencyConversion, len(targets))
	result := &ReportingResult{Failures: map[string]string{}}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(reportingConcurrency)
	for i, to := range targets {
		g.Go(func() error {
			conv, err := s.convert(gCtx, Request{From: from, To: to, Amount: value, Timestamp: at}, settings)
			if err != nil {
				s.logger.Debug("reporting conversion failed", "profile_id", settings.ProfileID, "to", to, "error", err)
				mu.Lock()
				result.Failures[model.NormalizeCurrency(to)] = err.Error()
				mu.Unlock()
				return nil
			}
			converted[i] = conv
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range converted {
		if c != nil {
			result.Conversions = append(result.Conversions, *c)
		}
	}
	if len(result.Failures) == 0 {
		result.Failures = nil
	}
	return result, nil
}

// PriceTransaction converts the transaction's value into the profile's primary
// currency at the transaction time and persists the result on the row.
func (s *Service) PriceTransaction(ctx context.Context, settings *model.AccountSettings, tx *model.Transaction) (*model.Conversion, error) {
	at := tx.Timestamp
	conv, err := s.convert(ctx, Request{
		From:      tx.TokenSymbol,
		To:        settings.PrimaryCurrency,
		Amount:    tx.Value,
		Timestamp: &at,
	}, settings)
	if err != nil {
		return nil, fmt.Errorf("price transaction %s: %w", tx.TxHash, err)
	}

	c := &model.Conversion{
		AmountPrimary:   conv.ConvertedAmount,
		PrimaryCurrency: conv.To,
		Rate:            conv.Rate,
		RateSource:      conv.Source,
		RateTimestamp:   at,
	}
	if conv.Timestamp != nil {
		c.RateTimestamp = *conv.Timestamp
	}
	if err := s.transactions.UpdateConversion(ctx, tx.ID, c); err != nil {
		return nil, fmt.Errorf("price transaction %s: %w", tx.TxHash, err)
	}
	tx.Conversion = c
	return c, nil
}
