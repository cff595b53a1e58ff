// Package ratecache serves exchange-rate quotes with time-to-live semantics.
// Quotes are append-only; a read picks the newest row that is still fresh.
package ratecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/cache"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/metrics"
	"github.com/google/uuid"
)

const defaultHotCapacity = 1024

// Store is the durable log of quotes.
type Store interface {
	Insert(ctx context.Context, rate *model.ExchangeRate) error
	// LatestFresh returns the newest row with now - timestamp <= ttl, or nil.
	LatestFresh(ctx context.Context, from, to string, now time.Time) (*model.ExchangeRate, error)
	// LatestAtOrBefore returns the newest row with timestamp <= at, ignoring ttl.
	LatestAtOrBefore(ctx context.Context, from, to string, at time.Time) (*model.ExchangeRate, error)
	// LatestBySource returns the newest row from source, ignoring ttl.
	LatestBySource(ctx context.Context, from, to string, source model.RateSource) (*model.ExchangeRate, error)
	// DeleteExpired removes rows with now - timestamp > ttl, except manual pins.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type pairKey struct {
	from string
	to   string
}

// Cache fronts a Store with a bounded in-process layer. Freshness is always
// decided from the row's own timestamp and ttl at read time.
type Cache struct {
	store  Store
	hot    *cache.LRU[pairKey, model.ExchangeRate]
	nowFn  func() time.Time
	logger *slog.Logger
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.nowFn = now }
}

func WithHotCapacity(capacity int) Option {
	return func(c *Cache) {
		c.hot = cache.NewLRU[pairKey, model.ExchangeRate](capacity, 0)
	}
}

func New(store Store, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		hot:    cache.NewLRU[pairKey, model.ExchangeRate](defaultHotCapacity, 0),
		nowFn:  time.Now,
		logger: logger.With("component", "ratecache"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.hot.WithClock(c.nowFn)
	return c
}

// Now is the cache's clock.
func (c *Cache) Now() time.Time {
	return c.nowFn()
}

// Get returns the most recent fresh quote for the pair, or nil when there is
// none. Same-currency pairs resolve to the identity rate without a lookup.
func (c *Cache) Get(ctx context.Context, from, to string) (*model.ExchangeRate, error) {
	from, to = model.NormalizeCurrency(from), model.NormalizeCurrency(to)
	now := c.nowFn()
	if from == to {
		return IdentityRate(from, now), nil
	}

	key := pairKey{from, to}
	if hit, ok := c.hot.Get(key); ok && hit.FreshAt(now) {
		metrics.RateCacheLookups.WithLabelValues("memory_hit").Inc()
		return &hit, nil
	}

	rate, err := c.store.LatestFresh(ctx, from, to, now)
	if err != nil {
		return nil, fmt.Errorf("get rate %s/%s: %w", from, to, err)
	}
	if rate == nil || !rate.FreshAt(now) {
		metrics.RateCacheLookups.WithLabelValues("miss").Inc()
		return nil, nil
	}
	metrics.RateCacheLookups.WithLabelValues("store_hit").Inc()
	c.remember(*rate)
	return rate, nil
}

// Put appends a quote. Existing rows for the pair are left untouched.
func (c *Cache) Put(ctx context.Context, rate *model.ExchangeRate) error {
	if rate == nil {
		return fmt.Errorf("put rate: nil rate")
	}
	rate.From = model.NormalizeCurrency(rate.From)
	rate.To = model.NormalizeCurrency(rate.To)
	if rate.From == "" || rate.To == "" {
		return fmt.Errorf("put rate: currency pair is required")
	}
	if rate.From == rate.To {
		return fmt.Errorf("put rate %s/%s: same-currency pairs are not cached", rate.From, rate.To)
	}
	if rate.TTLSeconds < 0 {
		return fmt.Errorf("put rate %s/%s: negative ttl %d", rate.From, rate.To, rate.TTLSeconds)
	}
	d, err := amount.Parse(rate.Rate)
	if err != nil {
		return fmt.Errorf("put rate %s/%s: %w", rate.From, rate.To, err)
	}
	if !d.IsPositive() {
		return fmt.Errorf("put rate %s/%s: rate must be positive, got %s", rate.From, rate.To, rate.Rate)
	}
	rate.Rate = amount.Format(d)
	if rate.ID == uuid.Nil {
		rate.ID = uuid.New()
	}
	if rate.Timestamp.IsZero() {
		rate.Timestamp = c.nowFn()
	}
	rate.Timestamp = rate.Timestamp.UTC()
	if len(rate.Metadata) == 0 {
		rate.Metadata = json.RawMessage("{}")
	}

	if err := c.store.Insert(ctx, rate); err != nil {
		return fmt.Errorf("put rate %s/%s: %w", rate.From, rate.To, err)
	}
	metrics.RateCacheWrites.WithLabelValues(string(rate.Source)).Inc()
	c.remember(*rate)
	return nil
}

// Sweep deletes expired rows. Fresh rows are never touched, so it is safe to
// run alongside reads.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	now := c.nowFn()
	n, err := c.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep rates: %w", err)
	}
	purged := c.hot.Purge()
	metrics.RateCacheSwept.Add(float64(n))
	c.logger.Debug("rate sweep finished", "deleted", n, "memory_purged", purged)
	return n, nil
}

// LatestAtOrBefore returns the newest quote at or before at regardless of ttl.
func (c *Cache) LatestAtOrBefore(ctx context.Context, from, to string, at time.Time) (*model.ExchangeRate, error) {
	from, to = model.NormalizeCurrency(from), model.NormalizeCurrency(to)
	rate, err := c.store.LatestAtOrBefore(ctx, from, to, at)
	if err != nil {
		return nil, fmt.Errorf("historical rate %s/%s at %s: %w", from, to, at.Format(time.RFC3339), err)
	}
	return rate, nil
}

// LatestBySource returns the newest quote from source regardless of ttl.
func (c *Cache) LatestBySource(ctx context.Context, from, to string, source model.RateSource) (*model.ExchangeRate, error) {
	from, to = model.NormalizeCurrency(from), model.NormalizeCurrency(to)
	rate, err := c.store.LatestBySource(ctx, from, to, source)
	if err != nil {
		return nil, fmt.Errorf("%s rate %s/%s: %w", source, from, to, err)
	}
	return rate, nil
}

// remember keeps the newest quote per pair in memory until it expires.
func (c *Cache) remember(rate model.ExchangeRate) {
	key := pairKey{rate.From, rate.To}
	if cur, ok := c.hot.Get(key); ok && cur.Timestamp.After(rate.Timestamp) {
		return
	}
	c.hot.PutUntil(key, rate, rate.ExpiresAt())
}

// IdentityRate is the rate of a currency against itself.
func IdentityRate(currency string, at time.Time) *model.ExchangeRate {
	return &model.ExchangeRate{
		From:      currency,
		To:        currency,
		Rate:      "1",
		Timestamp: at,
		Source:    model.RateSourceIdentity,
	}
}
