package currency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/currency/feed"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/ratecache"
	"github.com/emperorhan/multichain-ledger/internal/store/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubFeed struct {
	name   model.RateSource
	quotes map[string]string
	err    error

	// entered is signalled on each call; gate, when set, blocks the call.
	entered chan struct{}
	gate    chan struct{}

	mu    sync.Mutex
	calls int
	dates []time.Time
}

func (f *stubFeed) Name() model.RateSource { return f.name }

func (f *stubFeed) Spot(ctx context.Context, base, quote string) (string, error) {
	f.enter()
	return f.lookup(base, quote)
}

func (f *stubFeed) Historical(ctx context.Context, base, quote string, date time.Time) (string, error) {
	f.mu.Lock()
	f.dates = append(f.dates, date)
	f.mu.Unlock()
	f.enter()
	return f.lookup(base, quote)
}

func (f *stubFeed) enter() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
}

func (f *stubFeed) lookup(base, quote string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	q, ok := f.quotes[base+"/"+quote]
	if !ok {
		return "", feed.ErrFeedNotFound
	}
	return q, nil
}

func (f *stubFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	svc      *Service
	cache    *ratecache.Cache
	clk      *clock
	settings *mocks.MockSettingsRepository
	txs      *mocks.MockTransactionRepository
}

func newFixture(t *testing.T, feeds FeedResolver) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	cache := ratecache.New(ratecache.NewMemoryStore(), slog.Default(), ratecache.WithClock(clk.Now))
	catalog, err := DefaultCatalog()
	require.NoError(t, err)

	settings := mocks.NewMockSettingsRepository(ctrl)
	txs := mocks.NewMockTransactionRepository(ctrl)
	svc := NewService(cache, settings, txs, catalog, slog.Default(),
		WithFeeds(feeds),
		WithSpotTTL(5*time.Minute),
		WithHistoricalTTL(24*time.Hour),
	)
	return &fixture{svc: svc, cache: cache, clk: clk, settings: settings, txs: txs}
}

func (f *fixture) putRate(t *testing.T, from, to, rate string, age time.Duration, ttlSeconds int64, source model.RateSource) {
	t.Helper()
	require.NoError(t, f.cache.Put(context.Background(), &model.ExchangeRate{
		From:       from,
		To:         to,
		Rate:       rate,
		Timestamp:  f.clk.Now().Add(-age),
		Source:     source,
		TTLSeconds: ttlSeconds,
	}))
}

func method(m model.ConversionMethod) *model.ConversionMethod { return &m }

func TestConvert_SameCurrencyIsIdentity(t *testing.T) {
	spot := &stubFeed{name: model.RateSourceCoinGecko}
	f := newFixture(t, StaticFeeds{Spot: []feed.SpotFeed{spot}})
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	got, err := f.svc.Convert(context.Background(), Request{From: "usd", To: "USD", Amount: "12.3400", Timestamp: &ts})
	require.NoError(t, err)
	assert.Equal(t, "12.34", got.ConvertedAmount)
	assert.Equal(t, "1", got.Rate)
	assert.Equal(t, model.RateSourceIdentity, got.Source)
	require.NotNil(t, got.Timestamp)
	assert.Equal(t, ts, *got.Timestamp)

	got, err = f.svc.Convert(context.Background(), Request{From: "DOT", To: "DOT", Amount: "1"})
	require.NoError(t, err)
	assert.Nil(t, got.Timestamp)
	assert.Zero(t, spot.Calls())
}

func TestConvert_MalformedAmount(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Convert(context.Background(), Request{From: "DOT", To: "USD", Amount: "1,5"})
	require.Error(t, err)
	assert.ErrorIs(t, err, amount.ErrMalformedAmount)

	_, err = f.svc.Convert(context.Background(), Request{From: "USD", To: "USD", Amount: "abc"})
	assert.ErrorIs(t, err, amount.ErrMalformedAmount)
}

func TestConvert_FreshnessBoundary(t *testing.T) {
	f := newFixture(t, nil)
	f.putRate(t, "DOT", "USD", "7", 300*time.Second, 300, model.RateSourceCoinGecko)

	got, err := f.svc.Convert(context.Background(), Request{From: "DOT", To: "USD", Amount: "2"})
	require.NoError(t, err)
	assert.Equal(t, "14", got.ConvertedAmount)
	assert.Equal(t, model.RateSourceCoinGecko, got.Source)

	f.clk.Advance(time.Second)
	_, err = f.svc.Convert(context.Background(), Request{From: "DOT", To: "USD", Amount: "2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateUnavailable)

	var unavailable *RateUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "DOT", unavailable.From)
	assert.Equal(t, "USD", unavailable.To)
}

func TestConvert_SpotFetchesOnceAndCaches(t *testing.T) {
	spot := &stubFeed{name: model.RateSourceCoinGecko, quotes: map[string]string{"DOT/USD": "7.25"}}
	f := newFixture(t, StaticFeeds{Spot: []feed.SpotFeed{spot}})
	ctx := context.Background()

	got, err := f.svc.Convert(ctx, Request{From: "dot", To: "usd", Amount: "2"})
	require.NoError(t, err)
	assert.Equal(t, "14.5", got.ConvertedAmount)
	assert.Equal(t, "7.25", got.Rate)
	assert.Equal(t, model.RateSourceCoinGecko, got.Source)
	require.NotNil(t, got.Timestamp)
	assert.Equal(t, f.clk.Now(), *got.Timestamp)

	_, err = f.svc.Convert(ctx, Request{From: "DOT", To: "USD", Amount: "3"})
	require.NoError(t, err)
	assert.Equal(t, 1, spot.Calls())

	cached, err := f.svc.GetRate(ctx, "DOT", "USD")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, int64(300), cached.TTLSeconds)
}

func TestConvert_FallsThroughFeedsInOrder(t *testing.T) {
	first := &stubFeed{name: model.RateSourceCoinGecko}
	second := &stubFeed{name: model.RateSourceFixer, quotes: map[string]string{"EUR/USD": "1.08"}}
	f := newFixture(t, StaticFeeds{Spot: []feed.SpotFeed{first, second}})

	got, err := f.svc.Convert(context.Background(), Request{From: "EUR", To: "USD", Amount: "100"})
	require.NoError(t, err)
	assert.Equal(t, "108", got.ConvertedAmount)
	assert.Equal(t, model.RateSourceFixer, got.Source)
	assert.Equal(t, 1, first.Calls())
}

func TestConvert_FeedTransportErrorIsSkipped(t *testing.T) {
	broken := &stubFeed{name: model.RateSourceCoinGecko, err: &feed.StatusError{Feed: model.RateSourceCoinGecko, StatusCode: 502}}
	f := newFixture(t, StaticFeeds{Spot: []feed.SpotFeed{broken}})

	_, err := f.svc.Convert(context.Background(), Request{From: "DOT", To: "USD", Amount: "1"})
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestConvert_ConcurrentMissesShareOneFetch(t *testing.T) {
	spot := &stubFeed{
		name:    model.RateSourceCoinGecko,
		quotes:  map[string]string{"KSM/USD": "30"},
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	f := newFixture(t, StaticFeeds{Spot: []feed.SpotFeed{spot}})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Convert(context.Background(), Request{From: "KSM", To: "USD", Amount: "1"})
			errs <- err
		}()
	}

	<-spot.entered
	time.Sleep(50 * time.Millisecond)
	close(spot.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, spot.Calls())
}

func TestConvert_CompoundThroughBridge(t *testing.T) {
	f := newFixture(t, nil)
	f.putRate(t, "DOT", "USD", "7", 100*time.Second, 300, model.RateSourceCoinGecko)
	f.putRate(t, "USD", "EUR", "0.9", 0, 600, model.RateSourceFixer)

	got, err := f.svc.Convert(context.Background(), Request{From: "DOT", To: "EUR", Amount: "10"})
	require.NoError(t, err)
	assert.Equal(t, "63", got.ConvertedAmount)
	assert.Equal(t, "6.3", got.Rate)
	assert.Equal(t, model.RateSourceCompound, got.Source)

	stored, err := f.svc.GetRate(context.Background(), "DOT", "EUR")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(200), stored.TTLSeconds, "expires with the earlier leg")

	var meta compoundProvenance
	require.NoError(t, json.Unmarshal(stored.Metadata, &meta))
	assert.Equal(t, "USD", meta.Bridge)
	require.Len(t, meta.Legs, 2)
	assert.Equal(t, "DOT", meta.Legs[0].From)
	assert.Equal(t, "EUR", meta.Legs[1].To)
}

func TestConvert_CompoundNeedsBothLegsFresh(t *testing.T) {
	f := newFixture(t, nil)
	f.putRate(t, "DOT", "USD", "7", 0, 300, model.RateSourceCoinGecko)
	f.putRate(t, "USD", "EUR", "0.9", time.Hour, 600, model.RateSourceFixer)

	_, err := f.svc.Convert(context.Background(), Request{From: "DOT", To: "EUR", Amount: "10"})
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestConvert_HistoricalUsesStoredRateRegardlessOfTTL(t *testing.T) {
	f := newFixture(t, nil)
	f.putRate(t, "DOT", "USD", "6.5", 3*time.Hour, 60, model.RateSourceCoinGecko)
	f.putRate(t, "DOT", "USD", "7.5", 0, 60, model.RateSourceCoinGecko)
	at := f.clk.Now().Add(-time.Hour)

	got, err := f.svc.Convert(context.Background(), Request{
		From: "DOT", To: "USD", Amount: "2", Timestamp: &at, Method: method(model.MethodHistorical),
	})
	require.NoError(t, err)
	assert.Equal(t, "13", got.ConvertedAmount)
	assert.Equal(t, f.clk.Now().Add(-3*time.Hour), *got.Timestamp)
}

func TestConvert_HistoricalFetchesDailyQuote(t *testing.T) {
	hist := &stubFeed{name: model.RateSourceCoinGecko, quotes: map[string]string{"DOT/EUR": "5.1"}}
	f := newFixture(t, StaticFeeds{Historical: []feed.HistoricalFeed{hist}})
	at := time.Date(2026, 4, 10, 15, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	got, err := f.svc.Convert(context.Background(), Request{
		From: "DOT", To: "EUR", Amount: "10", Timestamp: &at, Method: method(model.MethodHistorical),
	})
	require.NoError(t, err)
	assert.Equal(t, "51", got.ConvertedAmount)
	assert.Equal(t, midnight, *got.Timestamp)
	require.Len(t, hist.dates, 1)
	assert.Equal(t, midnight, hist.dates[0])

	// The stored row answers the next request for the same day.
	_, err = f.svc.Convert(context.Background(), Request{
		From: "DOT", To: "EUR", Amount: "1", Timestamp: &at, Method: method(model.MethodHistorical),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hist.Calls())
}

func TestConvert_HistoricalUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	at := f.clk.Now()
	f.putRate(t, "DOT", "USD", "7", -time.Hour, 300, model.RateSourceCoinGecko)

	_, err := f.svc.Convert(context.Background(), Request{
		From: "DOT", To: "USD", Amount: "1", Timestamp: &at, Method: method(model.MethodHistorical),
	})
	assert.ErrorIs(t, err, ErrRateUnavailable, "rates after the timestamp are never used")
}

func TestConvert_FixedUsesManualPinRegardlessOfAge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Convert(ctx, Request{From: "DOT", To: "USD", Amount: "1", Method: method(model.MethodFixed)})
	require.ErrorIs(t, err, ErrRateUnavailable)

	pinned, err := f.svc.SetManualRate(ctx, "dot", "usd", "6.000")
	require.NoError(t, err)
	assert.Equal(t, "6", pinned.Rate)
	assert.Equal(t, model.RateSourceManual, pinned.Source)

	f.clk.Advance(30 * 24 * time.Hour)
	f.putRate(t, "DOT", "USD", "8", 0, 300, model.RateSourceCoinGecko)

	got, err := f.svc.Convert(ctx, Request{From: "DOT", To: "USD", Amount: "2", Method: method(model.MethodFixed)})
	require.NoError(t, err)
	assert.Equal(t, "12", got.ConvertedAmount)
	assert.Equal(t, model.RateSourceManual, got.Source)
}

func TestSetManualRate_RejectsNonPositive(t *testing.T) {
	f := newFixture(t, nil)

	for _, rate := range []string{"0", "-1", "x"} {
		_, err := f.svc.SetManualRate(context.Background(), "DOT", "USD", rate)
		assert.ErrorIs(t, err, amount.ErrMalformedAmount, rate)
	}
}

func TestConvertForProfile_MethodResolution(t *testing.T) {
	f := newFixture(t, nil)
	settings := model.DefaultAccountSettings("p1")
	settings.ConversionMethod = model.MethodHistorical
	f.settings.EXPECT().Get(gomock.Any(), "p1").Return(settings, nil).Times(2)
	f.putRate(t, "DOT", "USD", "7", time.Hour, 60, model.RateSourceCoinGecko)

	got, err := f.svc.ConvertForProfile(context.Background(), "p1", Request{From: "DOT", To: "USD", Amount: "1"})
	require.NoError(t, err)
	assert.Equal(t, "7", got.ConvertedAmount)

	_, err = f.svc.ConvertForProfile(context.Background(), "p1", Request{
		From: "DOT", To: "USD", Amount: "1", Method: method(model.MethodSpot),
	})
	assert.ErrorIs(t, err, ErrRateUnavailable, "explicit method overrides the profile")
}

func TestConvertForProfile_CachingDisabled(t *testing.T) {
	spot := &stubFeed{name: model.RateSourceCoinGecko, quotes: map[string]string{"DOT/USD": "7"}}
	f := newFixture(t, StaticFeeds{Spot: []feed.SpotFeed{spot}})
	settings := model.DefaultAccountSettings("p2")
	settings.CacheExchangeRates = false
	f.settings.EXPECT().Get(gomock.Any(), "p2").Return(settings, nil).Times(2)

	for i := 0; i < 2; i++ {
		_, err := f.svc.ConvertForProfile(context.Background(), "p2", Request{From: "DOT", To: "USD", Amount: "1"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, spot.Calls())

	cached, err := f.svc.GetRate(context.Background(), "DOT", "USD")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestConvertToReporting_IsolatesFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.putRate(t, "DOT", "EUR", "6", 0, 300, model.RateSourceCoinGecko)
	f.putRate(t, "DOT", "USD", "7", 0, 300, model.RateSourceCoinGecko)

	settings := model.DefaultAccountSettings("p3")
	settings.ReportingCurrencies = []string{"EUR", "JPY", "USD", "DOT"}

	got, err := f.svc.ConvertToReporting(context.Background(), settings, "2", "DOT", nil)
	require.NoError(t, err)
	require.Len(t, got.Conversions, 3)
	assert.Equal(t, "EUR", got.Conversions[0].To)
	assert.Equal(t, "12", got.Conversions[0].ConvertedAmount)
	assert.Equal(t, "USD", got.Conversions[1].To)
	assert.Equal(t, "14", got.Conversions[1].ConvertedAmount)
	assert.Equal(t, "DOT", got.Conversions[2].To)
	assert.Equal(t, "2", got.Conversions[2].ConvertedAmount)
	require.Contains(t, got.Failures, "JPY")
	assert.Contains(t, got.Failures["JPY"], "DOT/JPY")
}

func TestConvertToReporting_MalformedAmount(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.ConvertToReporting(context.Background(), model.DefaultAccountSettings("p"), "1e5", "DOT", nil)
	assert.ErrorIs(t, err, amount.ErrMalformedAmount)
}

func TestPriceTransaction_PersistsConversion(t *testing.T) {
	f := newFixture(t, nil)
	f.putRate(t, "DOT", "USD", "7", 0, 300, model.RateSourceCoinGecko)
	tx := &model.Transaction{
		ID:          uuid.New(),
		TxHash:      "0xabc",
		Value:       "1.5",
		TokenSymbol: "DOT",
		Timestamp:   f.clk.Now().Add(-time.Hour),
	}

	f.txs.EXPECT().UpdateConversion(gomock.Any(), tx.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, c *model.Conversion) error {
			assert.Equal(t, "10.5", c.AmountPrimary)
			assert.Equal(t, "USD", c.PrimaryCurrency)
			assert.Equal(t, "7", c.Rate)
			assert.Equal(t, model.RateSourceCoinGecko, c.RateSource)
			return nil
		})

	c, err := f.svc.PriceTransaction(context.Background(), model.DefaultAccountSettings("p"), tx)
	require.NoError(t, err)
	assert.Equal(t, c, tx.Conversion)
	assert.Equal(t, f.clk.Now(), c.RateTimestamp)
}

func TestPriceTransaction_UnavailableDoesNotPersist(t *testing.T) {
	f := newFixture(t, nil)
	tx := &model.Transaction{ID: uuid.New(), TxHash: "0xdef", Value: "1", TokenSymbol: "GLMR", Timestamp: f.clk.Now()}

	_, err := f.svc.PriceTransaction(context.Background(), model.DefaultAccountSettings("p"), tx)
	assert.ErrorIs(t, err, ErrRateUnavailable)
	assert.Nil(t, tx.Conversion)
}
