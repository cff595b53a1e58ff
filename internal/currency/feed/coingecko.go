package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

const (
	coinGeckoPublicURL = "https://api.coingecko.com/api/v3"
	coinGeckoProURL    = "https://pro-api.coingecko.com/api/v3"
	coinGeckoKeyHeader = "x-cg-pro-api-key"
)

// coinIDs maps ticker symbols to CoinGecko coin ids.
var coinIDs = map[string]string{
	"DOT":  "polkadot",
	"KSM":  "kusama",
	"GLMR": "moonbeam",
	"MOVR": "moonriver",
	"ASTR": "astar",
	"ACA":  "acala",
	"PAS":  "polkadot",
	"ETH":  "ethereum",
	"BTC":  "bitcoin",
	"USDC": "usd-coin",
	"USDT": "tether",
}

// CoinGecko quotes crypto assets against fiat and crypto vs-currencies.
type CoinGecko struct {
	transport
}

// NewCoinGecko uses the pro endpoint and key header when apiKey is set.
func NewCoinGecko(apiKey string, opts ...Option) *CoinGecko {
	baseURL := coinGeckoPublicURL
	if apiKey != "" {
		baseURL = coinGeckoProURL
	}
	c := &CoinGecko{transport: newTransport(model.RateSourceCoinGecko, baseURL, opts)}
	if apiKey != "" {
		c.header.Set(coinGeckoKeyHeader, apiKey)
	}
	return c
}

func (c *CoinGecko) Name() model.RateSource { return model.RateSourceCoinGecko }

// CoinID resolves a ticker symbol to the feed's coin id.
func CoinID(symbol string) (string, bool) {
	id, ok := coinIDs[strings.ToUpper(strings.TrimSpace(symbol))]
	return id, ok
}

func (c *CoinGecko) Spot(ctx context.Context, base, quote string) (string, error) {
	id, vs, err := c.resolve(base, quote)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", vs)
	var resp map[string]map[string]json.Number
	if err := c.get(ctx, "spot", c.baseURL+"/simple/price?"+q.Encode(), &resp); err != nil {
		return "", err
	}

	price, ok := resp[id][vs]
	if !ok {
		return "", fmt.Errorf("coingecko spot %s/%s: %w", base, quote, ErrFeedNotFound)
	}
	return parsePrice(price)
}

type coinGeckoHistory struct {
	MarketData *struct {
		CurrentPrice map[string]json.Number `json:"current_price"`
	} `json:"market_data"`
}

func (c *CoinGecko) Historical(ctx context.Context, base, quote string, date time.Time) (string, error) {
	id, vs, err := c.resolve(base, quote)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("date", date.UTC().Format("02-01-2006"))
	q.Set("localization", "false")
	var resp coinGeckoHistory
	if err := c.get(ctx, "historical", c.baseURL+"/coins/"+url.PathEscape(id)+"/history?"+q.Encode(), &resp); err != nil {
		return "", err
	}

	if resp.MarketData == nil {
		return "", fmt.Errorf("coingecko history %s/%s on %s: %w", base, quote, date.UTC().Format(time.DateOnly), ErrFeedNotFound)
	}
	price, ok := resp.MarketData.CurrentPrice[vs]
	if !ok {
		return "", fmt.Errorf("coingecko history %s/%s on %s: %w", base, quote, date.UTC().Format(time.DateOnly), ErrFeedNotFound)
	}
	return parsePrice(price)
}

func (c *CoinGecko) resolve(base, quote string) (string, string, error) {
	id, ok := CoinID(base)
	if !ok {
		return "", "", fmt.Errorf("coingecko: unsupported asset %q: %w", base, ErrFeedNotFound)
	}
	vs := strings.ToLower(strings.TrimSpace(quote))
	if vs == "" {
		return "", "", fmt.Errorf("coingecko: empty quote currency: %w", ErrFeedNotFound)
	}
	return id, vs, nil
}

func parsePrice(n json.Number) (string, error) {
	price, err := amount.ParseQuote(n.String())
	if err != nil {
		return "", err
	}
	if !amount.IsPositive(price) {
		return "", fmt.Errorf("non-positive quote %s: %w", price, ErrFeedNotFound)
	}
	return price, nil
}
