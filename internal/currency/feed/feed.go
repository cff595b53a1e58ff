// Package feed holds HTTP clients for external price feeds. Quotes are
// returned as canonical decimal strings and never pass through float64.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/chain/ratelimit"
	"github.com/emperorhan/multichain-ledger/internal/circuitbreaker"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/metrics"
)

var (
	// ErrFeedAuth means the feed rejected the credentials.
	ErrFeedAuth = errors.New("feed rejected credentials")
	// ErrFeedNotFound means the feed has no quote for the pair or date.
	ErrFeedNotFound = errors.New("feed has no quote")
)

// SpotFeed quotes the current price of base in quote.
type SpotFeed interface {
	Name() model.RateSource
	Spot(ctx context.Context, base, quote string) (string, error)
}

// HistoricalFeed quotes the price of base in quote on a calendar day (UTC).
type HistoricalFeed interface {
	Name() model.RateSource
	Historical(ctx context.Context, base, quote string, date time.Time) (string, error)
}

// Feed serves both kinds of quote.
type Feed interface {
	SpotFeed
	HistoricalFeed
}

// StatusError is a non-2xx response that is neither an auth nor a not-found failure.
type StatusError struct {
	Feed       model.RateSource
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http status %d: %s", e.Feed, e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

type Option func(*transport)

func WithBaseURL(u string) Option {
	return func(t *transport) { t.baseURL = u }
}

func WithHTTPClient(c *http.Client) Option {
	return func(t *transport) { t.httpClient = c }
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(t *transport) { t.breaker = b }
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(t *transport) { t.limiter = l }
}

const maxBodyBytes = 1 << 20

type transport struct {
	name       model.RateSource
	baseURL    string
	httpClient *http.Client
	header     http.Header
	breaker    *circuitbreaker.Breaker
	limiter    *ratelimit.Limiter
}

func newTransport(name model.RateSource, baseURL string, opts []Option) transport {
	t := transport{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		header:     make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&t)
		}
	}
	return t
}

// countsAsFailure keeps answers that prove the feed is up out of the breaker.
func countsAsFailure(err error) bool {
	return !errors.Is(err, ErrFeedNotFound) &&
		!errors.Is(err, ErrFeedAuth) &&
		!errors.Is(err, context.Canceled)
}

func (t *transport) get(ctx context.Context, kind, url string, out any) error {
	start := time.Now()
	call := func() error { return t.doGet(ctx, url, out) }

	var err error
	if t.breaker != nil {
		err = t.breaker.Execute(call, countsAsFailure)
	} else {
		err = call()
	}

	metrics.FeedLatency.WithLabelValues(string(t.name)).Observe(time.Since(start).Seconds())
	metrics.FeedRequests.WithLabelValues(string(t.name), kind, outcome(err)).Inc()
	return err
}

func (t *transport) doGet(ctx context.Context, url string, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", t.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s read response: %w", t.name, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w (http %d)", t.name, ErrFeedAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w (http 404)", t.name, ErrFeedNotFound)
	case resp.StatusCode != http.StatusOK:
		return &StatusError{Feed: t.name, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s decode response: %w", t.name, err)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrFeedNotFound):
		return "not_found"
	case errors.Is(err, ErrFeedAuth):
		return "auth"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
