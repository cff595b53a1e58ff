package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "ledger:rates"
	scanPageSize  = 50
)

// Connect parses url and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RateStore keeps one sorted set per currency pair, scored by quote time in
// unix milliseconds. Members are the JSON-encoded rows, so the set is an
// append-only log shared by every process that points at the same server.
type RateStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRateStore(client redis.UniversalClient, prefix string) *RateStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RateStore{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

func (s *RateStore) pairKey(from, to string) string {
	return s.prefix + ":" + from + ":" + to
}

func (s *RateStore) pairsKey() string {
	return s.prefix + ":pairs"
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func encodeRate(rate *model.ExchangeRate) (string, error) {
	raw, err := json.Marshal(rate)
	if err != nil {
		return "", fmt.Errorf("encode rate: %w", err)
	}
	return string(raw), nil
}

func decodeRate(member string) (*model.ExchangeRate, error) {
	var rate model.ExchangeRate
	if err := json.Unmarshal([]byte(member), &rate); err != nil {
		return nil, fmt.Errorf("decode rate: %w", err)
	}
	return &rate, nil
}

func (s *RateStore) Insert(ctx context.Context, rate *model.ExchangeRate) error {
	member, err := encodeRate(rate)
	if err != nil {
		return err
	}
	key := s.pairKey(rate.From, rate.To)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: score(rate.Timestamp), Member: member})
		p.SAdd(ctx, s.pairsKey(), rate.From+":"+rate.To)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert rate %s/%s: %w", rate.From, rate.To, err)
	}
	return nil
}

func (s *RateStore) LatestFresh(ctx context.Context, from, to string, now time.Time) (*model.ExchangeRate, error) {
	return s.scanNewest(ctx, from, to, "+inf", func(r *model.ExchangeRate) bool { return r.FreshAt(now) })
}

func (s *RateStore) LatestAtOrBefore(ctx context.Context, from, to string, at time.Time) (*model.ExchangeRate, error) {
	max := strconv.FormatInt(at.UnixMilli(), 10)
	return s.scanNewest(ctx, from, to, max, func(r *model.ExchangeRate) bool { return !r.Timestamp.After(at) })
}

func (s *RateStore) LatestBySource(ctx context.Context, from, to string, source model.RateSource) (*model.ExchangeRate, error) {
	return s.scanNewest(ctx, from, to, "+inf", func(r *model.ExchangeRate) bool { return r.Source == source })
}

// scanNewest walks the pair's set from max downwards and returns the first
// row that matches.
func (s *RateStore) scanNewest(ctx context.Context, from, to, max string, match func(*model.ExchangeRate) bool) (*model.ExchangeRate, error) {
	key := s.pairKey(from, to)
	for offset := int64(0); ; offset += scanPageSize {
		members, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
			Max:    max,
			Min:    "-inf",
			Offset: offset,
			Count:  scanPageSize,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("scan rates %s/%s: %w", from, to, err)
		}
		if best := pickNewest(members, match); best != nil {
			return best, nil
		}
		if len(members) < scanPageSize {
			return nil, nil
		}
	}
}

// pickNewest returns the newest matching row of one page. Members sharing a
// score come back in lexical order, so the page is compared by timestamp
// rather than trusted positionally.
func pickNewest(members []string, match func(*model.ExchangeRate) bool) *model.ExchangeRate {
	var best *model.ExchangeRate
	for _, m := range members {
		r, err := decodeRate(m)
		if err != nil || !match(r) {
			continue
		}
		if best == nil || r.Timestamp.After(best.Timestamp) {
			best = r
		}
	}
	return best
}

func (s *RateStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	pairs, err := s.client.SMembers(ctx, s.pairsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list rate pairs: %w", err)
	}

	var deleted int64
	for _, pair := range pairs {
		key := s.prefix + ":" + pair
		members, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return deleted, fmt.Errorf("load rates %s: %w", pair, err)
		}
		stale := expiredMembers(members, now)
		if len(stale) == 0 {
			continue
		}
		n, err := s.client.ZRem(ctx, key, stale...).Result()
		if err != nil {
			return deleted, fmt.Errorf("delete expired rates %s: %w", pair, err)
		}
		deleted += n
	}
	return deleted, nil
}

func expiredMembers(members []string, now time.Time) []any {
	var stale []any
	for _, m := range members {
		r, err := decodeRate(m)
		if err != nil {
			continue
		}
		if r.Sweepable(now) {
			stale = append(stale, m)
		}
	}
	return stale
}
