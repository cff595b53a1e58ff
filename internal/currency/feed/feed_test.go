package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/circuitbreaker"
	"github.com/emperorhan/multichain-ledger/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonHTTPResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func stubClient(handler func(*http.Request) (*http.Response, error)) *http.Client {
	return &http.Client{Transport: roundTripFunc(handler)}
}

func TestCoinGecko_SpotPublic(t *testing.T) {
	var seen *http.Request
	cg := NewCoinGecko("", WithHTTPClient(stubClient(func(r *http.Request) (*http.Response, error) {
		seen = r
		return jsonHTTPResponse(http.StatusOK, `{"polkadot":{"usd":7.253}}`), nil
	})))

	price, err := cg.Spot(context.Background(), "DOT", "USD")
	require.NoError(t, err)
	assert.Equal(t, "7.253", price)

	require.NotNil(t, seen)
	assert.Equal(t, "api.coingecko.com", seen.URL.Host)
	assert.Equal(t, "/api/v3/simple/price", seen.URL.Path)
	assert.Equal(t, "polkadot", seen.URL.Query().Get("ids"))
	assert.Equal(t, "usd", seen.URL.Query().Get("vs_currencies"))
	assert.Empty(t, seen.Header.Get(coinGeckoKeyHeader))
}

func TestCoinGecko_ProKeyAndExponentQuote(t *testing.T) {
	var seen *http.Request
	cg := NewCoinGecko("secret", WithHTTPClient(stubClient(func(r *http.Request) (*http.Response, error) {
		seen = r
		return jsonHTTPResponse(http.StatusOK, `{"kusama":{"btc":4.5e-04}}`), nil
	})))

	price, err := cg.Spot(context.Background(), "ksm", "btc")
	require.NoError(t, err)
	assert.Equal(t, "0.00045", price)
	assert.Equal(t, "pro-api.coingecko.com", seen.URL.Host)
	assert.Equal(t, "secret", seen.Header.Get(coinGeckoKeyHeader))
}

func TestCoinGecko_Historical(t *testing.T) {
	var seen *http.Request
	cg := NewCoinGecko("", WithBaseURL("http://cg.local"), WithHTTPClient(stubClient(func(r *http.Request) (*http.Response, error) {
		seen = r
		return jsonHTTPResponse(http.StatusOK, `{"id":"moonbeam","market_data":{"current_price":{"eur":0.31,"usd":0.335}}}`), nil
	})))

	price, err := cg.Historical(context.Background(), "GLMR", "EUR", time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "0.31", price)
	assert.Equal(t, "/coins/moonbeam/history", seen.URL.Path)
	assert.Equal(t, "05-03-2024", seen.URL.Query().Get("date"))
}

func TestCoinGecko_HistoricalWithoutMarketData(t *testing.T) {
	cg := NewCoinGecko("", WithHTTPClient(stubClient(func(*http.Request) (*http.Response, error) {
		return jsonHTTPResponse(http.StatusOK, `{"id":"astar"}`), nil
	})))
	_, err := cg.Historical(context.Background(), "ASTR", "USD", time.Now())
	require.ErrorIs(t, err, ErrFeedNotFound)
}

func TestCoinGecko_UnsupportedAssetNeverCallsOut(t *testing.T) {
	cg := NewCoinGecko("", WithHTTPClient(stubClient(func(*http.Request) (*http.Response, error) {
		t.Fatal("unexpected request")
		return nil, nil
	})))
	_, err := cg.Spot(context.Background(), "NOPE", "USD")
	require.ErrorIs(t, err, ErrFeedNotFound)
}

func TestCoinGecko_MissingQuoteCurrency(t *testing.T) {
	cg := NewCoinGecko("", WithHTTPClient(stubClient(func(*http.Request) (*http.Response, error) {
		return jsonHTTPResponse(http.StatusOK, `{"polkadot":{}}`), nil
	})))
	_, err := cg.Spot(context.Background(), "DOT", "XYZ")
	require.ErrorIs(t, err, ErrFeedNotFound)
}

func TestCoinGecko_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, func(t *testing.T, err error) { require.ErrorIs(t, err, ErrFeedAuth) }},
		{http.StatusNotFound, func(t *testing.T, err error) { require.ErrorIs(t, err, ErrFeedNotFound) }},
		{http.StatusTooManyRequests, func(t *testing.T, err error) {
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, 429, se.HTTPStatus())
			assert.True(t, retry.Classify(err).IsTransient())
		}},
	}
	for _, tc := range cases {
		cg := NewCoinGecko("", WithHTTPClient(stubClient(func(*http.Request) (*http.Response, error) {
			return jsonHTTPResponse(tc.status, `{"status":{"error_message":"x"}}`), nil
		})))
		_, err := cg.Spot(context.Background(), "DOT", "USD")
		tc.check(t, err)
	}
}

func TestBreaker_OpensOnServerErrorsOnly(t *testing.T) {
	status := http.StatusNotFound
	calls := 0
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "coingecko-test", FailureThreshold: 2, OpenTimeout: time.Hour})
	cg := NewCoinGecko("", WithBreaker(breaker), WithHTTPClient(stubClient(func(*http.Request) (*http.Response, error) {
		calls++
		return jsonHTTPResponse(status, `{}`), nil
	})))

	for i := 0; i < 3; i++ {
		_, err := cg.Spot(context.Background(), "DOT", "USD")
		require.ErrorIs(t, err, ErrFeedNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.GetState())

	status = http.StatusBadGateway
	for i := 0; i < 2; i++ {
		_, err := cg.Spot(context.Background(), "DOT", "USD")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	before := calls
	_, err := cg.Spot(context.Background(), "DOT", "USD")
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, before, calls)
}

func TestFixer_Spot(t *testing.T) {
	var seen *http.Request
	fx := NewFixer("k1", WithHTTPClient(stubClient(func(r *http.Request) (*http.Response, error) {
		seen = r
		return jsonHTTPResponse(http.StatusOK, `{"success":true,"base":"EUR","rates":{"USD":1.0842}}`), nil
	})))

	price, err := fx.Spot(context.Background(), "eur", "usd")
	require.NoError(t, err)
	assert.Equal(t, "1.0842", price)
	assert.Equal(t, "/latest", seen.URL.Path)
	assert.Equal(t, "k1", seen.URL.Query().Get("access_key"))
	assert.Equal(t, "EUR", seen.URL.Query().Get("base"))
	assert.Equal(t, "USD", seen.URL.Query().Get("symbols"))
}

func TestFixer_HistoricalUsesDatePath(t *testing.T) {
	var seen *http.Request
	fx := NewFixer("k1", WithHTTPClient(stubClient(func(r *http.Request) (*http.Response, error) {
		seen = r
		return jsonHTTPResponse(http.StatusOK, `{"success":true,"historical":true,"rates":{"GBP":0.8563}}`), nil
	})))

	price, err := fx.Historical(context.Background(), "EUR", "GBP", time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "0.8563", price)
	assert.Equal(t, "/2023-12-31", seen.URL.Path)
}

func TestFixer_ErrorObject(t *testing.T) {
	cases := []struct {
		body string
		want error
	}{
		{`{"success":false,"error":{"code":101,"type":"invalid_access_key"}}`, ErrFeedAuth},
		{`{"success":false,"error":{"code":202,"type":"invalid_currency_codes"}}`, ErrFeedNotFound},
		{`{"success":true,"rates":{}}`, ErrFeedNotFound},
	}
	for _, tc := range cases {
		fx := NewFixer("k1", WithHTTPClient(stubClient(func(*http.Request) (*http.Response, error) {
			return jsonHTTPResponse(http.StatusOK, tc.body), nil
		})))
		_, err := fx.Spot(context.Background(), "EUR", "USD")
		require.ErrorIs(t, err, tc.want, tc.body)
	}
}

func TestFixer_UsageLimitIsTransient(t *testing.T) {
	fx := NewFixer("k1", WithHTTPClient(stubClient(func(*http.Request) (*http.Response, error) {
		return jsonHTTPResponse(http.StatusOK, `{"success":false,"error":{"code":104,"type":"usage_limit_reached"}}`), nil
	})))
	_, err := fx.Spot(context.Background(), "EUR", "USD")
	require.Error(t, err)
	assert.True(t, retry.Classify(err).IsTransient())
}

func TestFixer_MissingKey(t *testing.T) {
	fx := NewFixer("")
	_, err := fx.Spot(context.Background(), "EUR", "USD")
	require.ErrorIs(t, err, ErrFeedAuth)
}
