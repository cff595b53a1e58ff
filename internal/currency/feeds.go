package currency

import (
	"strings"
	"sync"

	"github.com/emperorhan/multichain-ledger/internal/currency/feed"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

// FeedSet is the ordered list of feeds consulted for one request. The first
// feed that quotes the pair wins.
type FeedSet struct {
	Spot       []feed.SpotFeed
	Historical []feed.HistoricalFeed
}

// FeedResolver picks the feeds for a profile. settings may be nil for
// requests that are not tied to a profile.
type FeedResolver interface {
	Resolve(settings *model.AccountSettings) FeedSet
}

// StaticFeeds serves the same feeds to every profile.
type StaticFeeds FeedSet

func (s StaticFeeds) Resolve(*model.AccountSettings) FeedSet { return FeedSet(s) }

// KeyedFeeds builds CoinGecko and Fixer clients for the credentials a profile
// carries, falling back to the process-wide keys. Clients are reused per key.
type KeyedFeeds struct {
	coinGeckoKey  string
	fixerKey      string
	coinGeckoOpts []feed.Option
	fixerOpts     []feed.Option

	mu        sync.Mutex
	coinGecko map[string]*feed.CoinGecko
	fixer     map[string]*feed.Fixer
}

func NewKeyedFeeds(coinGeckoKey, fixerKey string, coinGeckoOpts, fixerOpts []feed.Option) *KeyedFeeds {
	return &KeyedFeeds{
		coinGeckoKey:  coinGeckoKey,
		fixerKey:      fixerKey,
		coinGeckoOpts: coinGeckoOpts,
		fixerOpts:     fixerOpts,
		coinGecko:     make(map[string]*feed.CoinGecko),
		fixer:         make(map[string]*feed.Fixer),
	}
}

// Resolve returns CoinGecko first, then Fixer when a Fixer key is known.
// CoinGecko's public API works without a key.
func (k *KeyedFeeds) Resolve(settings *model.AccountSettings) FeedSet {
	cgKey, fxKey := k.coinGeckoKey, k.fixerKey
	if settings != nil {
		cgKey = pick(settings.CoinGeckoAPIKey, cgKey)
		fxKey = pick(settings.FixerAPIKey, fxKey)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	cg, ok := k.coinGecko[cgKey]
	if !ok {
		cg = feed.NewCoinGecko(cgKey, k.coinGeckoOpts...)
		k.coinGecko[cgKey] = cg
	}
	set := FeedSet{
		Spot:       []feed.SpotFeed{cg},
		Historical: []feed.HistoricalFeed{cg},
	}
	if fxKey == "" {
		return set
	}
	fx, ok := k.fixer[fxKey]
	if !ok {
		fx = feed.NewFixer(fxKey, k.fixerOpts...)
		k.fixer[fxKey] = fx
	}
	set.Spot = append(set.Spot, fx)
	set.Historical = append(set.Historical, fx)
	return set
}

func pick(override *string, fallback string) string {
	if override != nil {
		if v := strings.TrimSpace(*override); v != "" {
			return v
		}
	}
	return fallback
}
