package ratecache

import (
	"context"
	"sync"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

// MemoryStore is a process-local Store for single-node runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	pairs map[pairKey][]model.ExchangeRate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[pairKey][]model.ExchangeRate)}
}

func (m *MemoryStore) Insert(_ context.Context, rate *model.ExchangeRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{rate.From, rate.To}
	m.pairs[key] = append(m.pairs[key], *rate)
	return nil
}

func (m *MemoryStore) LatestFresh(_ context.Context, from, to string, now time.Time) (*model.ExchangeRate, error) {
	return m.latest(from, to, func(r *model.ExchangeRate) bool { return r.FreshAt(now) }), nil
}

func (m *MemoryStore) LatestAtOrBefore(_ context.Context, from, to string, at time.Time) (*model.ExchangeRate, error) {
	return m.latest(from, to, func(r *model.ExchangeRate) bool { return !r.Timestamp.After(at) }), nil
}

func (m *MemoryStore) LatestBySource(_ context.Context, from, to string, source model.RateSource) (*model.ExchangeRate, error) {
	return m.latest(from, to, func(r *model.ExchangeRate) bool { return r.Source == source }), nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, rows := range m.pairs {
		kept := rows[:0]
		for _, r := range rows {
			if !r.Sweepable(now) {
				kept = append(kept, r)
			} else {
				deleted++
			}
		}
		if len(kept) == 0 {
			delete(m.pairs, key)
		} else {
			m.pairs[key] = kept
		}
	}
	return deleted, nil
}

// Len reports the number of stored rows across all pairs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rows := range m.pairs {
		n += len(rows)
	}
	return n
}

func (m *MemoryStore) latest(from, to string, match func(*model.ExchangeRate) bool) *model.ExchangeRate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *model.ExchangeRate
	for i := range m.pairs[pairKey{from, to}] {
		r := &m.pairs[pairKey{from, to}][i]
		if !match(r) {
			continue
		}
		if best == nil || !r.Timestamp.Before(best.Timestamp) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
