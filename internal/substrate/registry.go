package substrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

// NativeAssetID is the asset id used for a chain's native token.
const NativeAssetID = "native"

var ErrUnknownToken = errors.New("unknown token")

// TokenStore persists tokens registered at runtime.
type TokenStore interface {
	Upsert(ctx context.Context, tok *model.TokenSpec) error
	Get(ctx context.Context, chain model.Chain, assetID string) (*model.TokenSpec, error)
}

type tokenKey struct {
	chain   model.Chain
	assetID string
}

// Registry resolves (chain, asset id) to symbol and decimals. Configured
// chains seed it; parachain assets can be added at runtime and are persisted
// when a store is attached.
type Registry struct {
	mu     sync.RWMutex
	tokens map[tokenKey]model.TokenSpec
	store  TokenStore
}

func NewRegistry(specs []model.ChainSpec, store TokenStore) *Registry {
	r := &Registry{
		tokens: make(map[tokenKey]model.TokenSpec),
		store:  store,
	}
	for _, spec := range specs {
		r.tokens[tokenKey{spec.ID, NativeAssetID}] = model.TokenSpec{
			Chain:    spec.ID,
			AssetID:  NativeAssetID,
			Symbol:   spec.Symbol,
			Name:     spec.Name,
			Decimals: spec.Decimals,
		}
		for _, tok := range spec.Tokens {
			tok.Chain = spec.ID
			r.tokens[tokenKey{spec.ID, normalizeAssetID(tok.AssetID)}] = tok
		}
	}
	return r
}

// Native returns the native token of chain.
func (r *Registry) Native(chain model.Chain) (model.TokenSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.tokens[tokenKey{chain, NativeAssetID}]
	return tok, ok
}

// Lookup resolves a token, falling back to the store for runtime registrations.
func (r *Registry) Lookup(ctx context.Context, chain model.Chain, assetID string) (model.TokenSpec, error) {
	key := tokenKey{chain, normalizeAssetID(assetID)}

	r.mu.RLock()
	tok, ok := r.tokens[key]
	r.mu.RUnlock()
	if ok {
		return tok, nil
	}

	if r.store != nil {
		stored, err := r.store.Get(ctx, chain, key.assetID)
		if err != nil {
			return model.TokenSpec{}, fmt.Errorf("lookup token %s/%s: %w", chain, assetID, err)
		}
		if stored != nil {
			r.mu.Lock()
			r.tokens[key] = *stored
			r.mu.Unlock()
			return *stored, nil
		}
	}
	return model.TokenSpec{}, fmt.Errorf("%w: %s/%s", ErrUnknownToken, chain, assetID)
}

// Register upserts a token keyed by (chain, asset id).
func (r *Registry) Register(ctx context.Context, tok model.TokenSpec) error {
	if tok.Chain == "" || strings.TrimSpace(tok.AssetID) == "" {
		return fmt.Errorf("register token: chain and asset id are required")
	}
	if strings.TrimSpace(tok.Symbol) == "" {
		return fmt.Errorf("register token %s/%s: symbol is required", tok.Chain, tok.AssetID)
	}
	tok.AssetID = normalizeAssetID(tok.AssetID)

	if r.store != nil {
		if err := r.store.Upsert(ctx, &tok); err != nil {
			return fmt.Errorf("register token %s/%s: %w", tok.Chain, tok.AssetID, err)
		}
	}

	r.mu.Lock()
	r.tokens[tokenKey{tok.Chain, tok.AssetID}] = tok
	r.mu.Unlock()
	return nil
}

// Contract addresses are hex and compared case-insensitively; Substrate asset
// ids are numeric so lowering them is harmless.
func normalizeAssetID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
