// Package currency converts amounts between fiat and crypto currencies using
// cached, fetched, compound or pinned exchange rates.
package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/currency/feed"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/metrics"
	"github.com/emperorhan/multichain-ledger/internal/ratecache"
	"github.com/emperorhan/multichain-ledger/internal/store"
	"github.com/emperorhan/multichain-ledger/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBridgeCurrency = "USD"
	defaultSpotTTL        = 5 * time.Minute
	defaultHistoricalTTL  = 24 * time.Hour
)

// RateCache is the subset of ratecache.Cache the service reads and writes.
type RateCache interface {
	Now() time.Time
	Get(ctx context.Context, from, to string) (*model.ExchangeRate, error)
	Put(ctx context.Context, rate *model.ExchangeRate) error
	LatestAtOrBefore(ctx context.Context, from, to string, at time.Time) (*model.ExchangeRate, error)
	LatestBySource(ctx context.Context, from, to string, source model.RateSource) (*model.ExchangeRate, error)
}

var _ RateCache = (*ratecache.Cache)(nil)

// Request is one conversion. Timestamp selects the historical rate; Method
// overrides the profile's conversion method.
type Request struct {
	From      string
	To        string
	Amount    string
	Timestamp *time.Time
	Method    *model.ConversionMethod
}

type Service struct {
	rates         RateCache
	settings      store.SettingsRepository
	transactions  store.TransactionRepository
	catalog       *Catalog
	feeds         FeedResolver
	bridge        string
	spotTTL       time.Duration
	historicalTTL time.Duration
	group         singleflight.Group
	tracer        trace.Tracer
	logger        *slog.Logger
}

type Option func(*Service)

// WithFeeds sets where uncached quotes come from. Without it only cached,
// compound and manual rates are available.
func WithFeeds(r FeedResolver) Option {
	return func(s *Service) {
		if r != nil {
			s.feeds = r
		}
	}
}

func WithBridgeCurrency(code string) Option {
	return func(s *Service) { s.bridge = model.NormalizeCurrency(code) }
}

func WithSpotTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.spotTTL = d
		}
	}
}

func WithHistoricalTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.historicalTTL = d
		}
	}
}

func NewService(
	rates RateCache,
	settings store.SettingsRepository,
	transactions store.TransactionRepository,
	catalog *Catalog,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		rates:         rates,
		settings:      settings,
		transactions:  transactions,
		catalog:       catalog,
		feeds:         StaticFeeds{},
		bridge:        defaultBridgeCurrency,
		spotTTL:       defaultSpotTTL,
		historicalTTL: defaultHistoricalTTL,
		tracer:        tracing.Tracer("currency"),
		logger:        logger.With("component", "currency"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) Catalog() *Catalog { return s.catalog }

// Convert prices req without profile preferences: the method defaults to
// spot and process-wide feed credentials are used.
func (s *Service) Convert(ctx context.Context, req Request) (*model.CurrencyConversion, error) {
	return s.convert(ctx, req, nil)
}

// ConvertForProfile prices req with the profile's method, feed credentials
// and caching preference. An explicit req.Method still wins.
func (s *Service) ConvertForProfile(ctx context.Context, profileID string, req Request) (*model.CurrencyConversion, error) {
	settings, err := s.GetSettings(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return s.convert(ctx, req, settings)
}

func (s *Service) convert(ctx context.Context, req Request, settings *model.AccountSettings) (result *model.CurrencyConversion, err error) {
	from, to := model.NormalizeCurrency(req.From), model.NormalizeCurrency(req.To)
	method := resolveMethod(req.Method, settings)

	ctx, span := s.tracer.Start(ctx, "currency.Convert", trace.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("method", string(method)),
	))
	defer func() {
		metrics.ConversionsTotal.WithLabelValues(string(method), conversionOutcome(err)).Inc()
		tracing.End(span, err)
	}()

	if from == "" || to == "" {
		return nil, fmt.Errorf("convert: currency pair is required")
	}
	value, err := amount.Normalize(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("convert %s/%s: %w", from, to, err)
	}

	if from == to {
		return &model.CurrencyConversion{
			From:            from,
			To:              to,
			Amount:          value,
			ConvertedAmount: value,
			Rate:            "1",
			Source:          model.RateSourceIdentity,
			Timestamp:       req.Timestamp,
		}, nil
	}

	rate, err := s.resolveRate(ctx, from, to, method, req.Timestamp, settings)
	if err != nil {
		return nil, err
	}
	converted, err := amount.Mul(value, rate.Rate)
	if err != nil {
		return nil, fmt.Errorf("convert %s/%s: %w", from, to, err)
	}
	ts := rate.Timestamp
	return &model.CurrencyConversion{
		From:            from,
		To:              to,
		Amount:          value,
		ConvertedAmount: converted,
		Rate:            rate.Rate,
		Source:          rate.Source,
		Timestamp:       &ts,
	}, nil
}

func resolveMethod(override *model.ConversionMethod, settings *model.AccountSettings) model.ConversionMethod {
	switch {
	case override != nil && *override != "":
		return *override
	case settings != nil && settings.ConversionMethod != "":
		return settings.ConversionMethod
	default:
		return model.MethodSpot
	}
}

func conversionOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateUnavailable):
		return "unavailable"
	case errors.Is(err, amount.ErrMalformedAmount):
		return "malformed"
	default:
		return "error"
	}
}

func (s *Service) resolveRate(ctx context.Context, from, to string, method model.ConversionMethod, at *time.Time, settings *model.AccountSettings) (*model.ExchangeRate, error) {
	switch method {
	case model.MethodSpot:
		return s.spotRate(ctx, from, to, settings)
	case model.MethodHistorical:
		when := s.rates.Now()
		if at != nil {
			when = *at
		}
		return s.historicalRate(ctx, from, to, when, settings)
	case model.MethodFixed:
		return s.fixedRate(ctx, from, to)
	default:
		return nil, fmt.Errorf("convert %s/%s: unknown conversion method %q", from, to, method)
	}
}

// GetRate returns the cached fresh rate for the pair, or nil.
func (s *Service) GetRate(ctx context.Context, from, to string) (*model.ExchangeRate, error) {
	return s.rates.Get(ctx, from, to)
}

// SetManualRate pins rate for the pair. Pinned rates serve the fixed method
// until replaced.
func (s *Service) SetManualRate(ctx context.Context, from, to, rate string) (*model.ExchangeRate, error) {
	if !amount.IsPositive(rate) {
		return nil, fmt.Errorf("set manual rate %s/%s: %w: rate must be positive, got %q",
			model.NormalizeCurrency(from), model.NormalizeCurrency(to), amount.ErrMalformedAmount, rate)
	}
	row := &model.ExchangeRate{
		From:   from,
		To:     to,
		Rate:   rate,
		Source: model.RateSourceManual,
	}
	if err := s.rates.Put(ctx, row); err != nil {
		return nil, err
	}
	s.logger.Info("manual rate pinned", "from", row.From, "to", row.To, "rate", row.Rate)
	return row, nil
}

func (s *Service) spotRate(ctx context.Context, from, to string, settings *model.AccountSettings) (*model.ExchangeRate, error) {
	cached, err := s.rates.Get(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	persist := settings == nil || settings.CacheExchangeRates
	feeds := s.feeds.Resolve(settings).Spot
	if len(feeds) > 0 {
		key := fmt.Sprintf("spot:%s:%s:%t", from, to, persist)
		v, err, _ := s.group.Do(key, func() (any, error) {
			return s.fetchSpot(ctx, from, to, feeds, persist)
		})
		if err != nil {
			return nil, err
		}
		if rate := v.(*model.ExchangeRate); rate != nil {
			return rate, nil
		}
	}

	compound, err := s.compoundRate(ctx, from, to, persist)
	if err != nil {
		return nil, err
	}
	if compound != nil {
		return compound, nil
	}
	return nil, rateUnavailable(from, to)
}

// fetchSpot asks each feed in order and stores the first quote. It returns
// nil when no feed could quote the pair.
func (s *Service) fetchSpot(ctx context.Context, from, to string, feeds []feed.SpotFeed, persist bool) (*model.ExchangeRate, error) {
	for _, f := range feeds {
		quote, err := f.Spot(ctx, from, to)
		if err != nil {
			s.logFeedError(f.Name(), "spot", from, to, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		rate := &model.ExchangeRate{
			From:       from,
			To:         to,
			Rate:       quote,
			Timestamp:  s.rates.Now(),
			Source:     f.Name(),
			TTLSeconds: int64(s.spotTTL / time.Second),
		}
		if err := s.store(ctx, rate, persist); err != nil {
			return nil, err
		}
		return rate, nil
	}
	return nil, nil
}

// compoundRate multiplies two fresh cached legs through the bridge currency.
// The result expires with the earlier leg.
func (s *Service) compoundRate(ctx context.Context, from, to string, persist bool) (*model.ExchangeRate, error) {
	if s.bridge == "" || from == s.bridge || to == s.bridge {
		return nil, nil
	}
	first, err := s.rates.Get(ctx, from, s.bridge)
	if err != nil || first == nil {
		return nil, err
	}
	second, err := s.rates.Get(ctx, s.bridge, to)
	if err != nil || second == nil {
		return nil, err
	}

	product, err := amount.Mul(first.Rate, second.Rate)
	if err != nil {
		return nil, fmt.Errorf("compound rate %s/%s: %w", from, to, err)
	}
	now := s.rates.Now()
	expires := first.ExpiresAt()
	if second.ExpiresAt().Before(expires) {
		expires = second.ExpiresAt()
	}
	ttl := expires.Sub(now)
	if ttl < 0 {
		return nil, nil
	}

	meta, err := json.Marshal(compoundProvenance{
		Bridge: s.bridge,
		Legs:   []compoundLeg{legOf(first), legOf(second)},
	})
	if err != nil {
		return nil, fmt.Errorf("compound rate %s/%s: %w", from, to, err)
	}
	rate := &model.ExchangeRate{
		From:       from,
		To:         to,
		Rate:       product,
		Timestamp:  now,
		Source:     model.RateSourceCompound,
		TTLSeconds: int64(ttl / time.Second),
		Metadata:   meta,
	}
	if err := s.store(ctx, rate, persist); err != nil {
		return nil, err
	}
	return rate, nil
}

type compoundProvenance struct {
	Bridge string        `json:"bridge"`
	Legs   []compoundLeg `json:"legs"`
}

type compoundLeg struct {
	From      string           `json:"from"`
	To        string           `json:"to"`
	Rate      string           `json:"rate"`
	Source    model.RateSource `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
}

func legOf(r *model.ExchangeRate) compoundLeg {
	return compoundLeg{From: r.From, To: r.To, Rate: r.Rate, Source: r.Source, Timestamp: r.Timestamp}
}

func (s *Service) historicalRate(ctx context.Context, from, to string, at time.Time, settings *model.AccountSettings) (*model.ExchangeRate, error) {
	stored, err := s.rates.LatestAtOrBefore(ctx, from, to, at)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return stored, nil
	}

	feeds := s.feeds.Resolve(settings).Historical
	if len(feeds) == 0 {
		return nil, rateUnavailable(from, to)
	}
	persist := settings == nil || settings.CacheExchangeRates
	date := startOfDay(at)
	key := fmt.Sprintf("hist:%s:%s:%s:%t", from, to, date.Format(time.DateOnly), persist)
	v, err, _ := s.group.Do(key, func() (any, error) {
		for _, f := range feeds {
			quote, err := f.Historical(ctx, from, to, date)
			if err != nil {
				s.logFeedError(f.Name(), "historical", from, to, err)
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			rate := &model.ExchangeRate{
				From:       from,
				To:         to,
				Rate:       quote,
				Timestamp:  date,
				Source:     f.Name(),
				TTLSeconds: int64(s.historicalTTL / time.Second),
			}
			if err := s.store(ctx, rate, persist); err != nil {
				return nil, err
			}
			return rate, nil
		}
		return (*model.ExchangeRate)(nil), nil
	})
	if err != nil {
		return nil, err
	}
	if rate := v.(*model.ExchangeRate); rate != nil {
		return rate, nil
	}
	return nil, rateUnavailable(from, to)
}

func (s *Service) fixedRate(ctx context.Context, from, to string) (*model.ExchangeRate, error) {
	pinned, err := s.rates.LatestBySource(ctx, from, to, model.RateSourceManual)
	if err != nil {
		return nil, err
	}
	if pinned == nil {
		return nil, rateUnavailable(from, to)
	}
	return pinned, nil
}

func (s *Service) store(ctx context.Context, rate *model.ExchangeRate, persist bool) error {
	if !persist {
		return nil
	}
	return s.rates.Put(ctx, rate)
}

func (s *Service) logFeedError(source model.RateSource, kind, from, to string, err error) {
	if errors.Is(err, feed.ErrFeedNotFound) {
		s.logger.Debug("feed has no quote", "feed", source, "kind", kind, "from", from, "to", to)
		return
	}
	s.logger.Warn("feed quote failed", "feed", source, "kind", kind, "from", from, "to", to, "error", err)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
