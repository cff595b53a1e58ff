package chain

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"gopkg.in/yaml.v3"
)

//go:embed chains.yaml
var chainsYAML []byte

var ErrUnknownChain = errors.New("unknown chain")

type chainFile struct {
	Chains []chainEntry `yaml:"chains"`
}

type chainEntry struct {
	ID         string       `yaml:"id"`
	Name       string       `yaml:"name"`
	Kind       string       `yaml:"kind"`
	Symbol     string       `yaml:"symbol"`
	Decimals   *uint8       `yaml:"decimals"`
	EVMChainID int64        `yaml:"evm_chain_id"`
	ParaID     uint32       `yaml:"para_id"`
	RPCURL     string       `yaml:"rpc_url"`
	ScanURL    string       `yaml:"scan_url"`
	Tokens     []tokenEntry `yaml:"tokens"`
}

type tokenEntry struct {
	AssetID  string `yaml:"asset_id"`
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Decimals *uint8 `yaml:"decimals"`
}

// DefaultSpecs parses the embedded chain list.
func DefaultSpecs() ([]model.ChainSpec, error) {
	return ParseSpecs(chainsYAML)
}

// ParseSpecs decodes a chain list. Decimals are required on every chain and
// token; they are never assumed.
func ParseSpecs(raw []byte) ([]model.ChainSpec, error) {
	var file chainFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse chain registry: %w", err)
	}

	seen := make(map[model.Chain]bool, len(file.Chains))
	specs := make([]model.ChainSpec, 0, len(file.Chains))
	for _, e := range file.Chains {
		id := model.Chain(strings.TrimSpace(e.ID))
		if id == "" {
			return nil, fmt.Errorf("parse chain registry: entry without id")
		}
		if seen[id] {
			return nil, fmt.Errorf("parse chain registry: duplicate chain %s", id)
		}
		seen[id] = true

		kind, err := model.ParseChainKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("parse chain registry: %s: %w", id, err)
		}
		if e.Decimals == nil {
			return nil, fmt.Errorf("parse chain registry: %s: decimals are required", id)
		}
		spec := model.ChainSpec{
			ID:         id,
			Name:       e.Name,
			Kind:       kind,
			Symbol:     e.Symbol,
			Decimals:   *e.Decimals,
			EVMChainID: e.EVMChainID,
			ParaID:     e.ParaID,
			RPCURL:     e.RPCURL,
			ScanURL:    e.ScanURL,
		}
		for _, t := range e.Tokens {
			if t.Decimals == nil || strings.TrimSpace(t.AssetID) == "" {
				return nil, fmt.Errorf("parse chain registry: %s: token %q needs asset_id and decimals", id, t.Symbol)
			}
			spec.Tokens = append(spec.Tokens, model.TokenSpec{
				Chain:    id,
				AssetID:  strings.ToLower(strings.TrimSpace(t.AssetID)),
				Symbol:   t.Symbol,
				Name:     t.Name,
				Decimals: *t.Decimals,
			})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ApplyOverrides replaces endpoint URLs from lookup, typically os.LookupEnv,
// using CHAIN_<ID>_RPC_URL and CHAIN_<ID>_SCAN_URL.
func ApplyOverrides(specs []model.ChainSpec, lookup func(string) (string, bool)) {
	for i := range specs {
		prefix := "CHAIN_" + strings.ToUpper(strings.ReplaceAll(string(specs[i].ID), "-", "_"))
		if v, ok := lookup(prefix + "_RPC_URL"); ok && strings.TrimSpace(v) != "" {
			specs[i].RPCURL = strings.TrimSpace(v)
		}
		if v, ok := lookup(prefix + "_SCAN_URL"); ok && strings.TrimSpace(v) != "" {
			specs[i].ScanURL = strings.TrimSpace(v)
		}
	}
}

// Registry maps chain ids to their spec and transaction source.
type Registry struct {
	mu      sync.RWMutex
	specs   map[model.Chain]model.ChainSpec
	sources map[model.Chain]Source
}

func NewRegistry(specs []model.ChainSpec) *Registry {
	r := &Registry{
		specs:   make(map[model.Chain]model.ChainSpec, len(specs)),
		sources: make(map[model.Chain]Source, len(specs)),
	}
	for _, s := range specs {
		r.specs[s.ID] = s
	}
	return r
}

func (r *Registry) Spec(id model.Chain) (model.ChainSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[id]
	if !ok {
		return model.ChainSpec{}, fmt.Errorf("%w: %s", ErrUnknownChain, id)
	}
	return spec, nil
}

// Specs returns every configured chain ordered by id.
func (r *Registry) Specs() []model.ChainSpec {
	r.mu.RLock()
	out := make([]model.ChainSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register attaches the source for a configured chain.
func (r *Registry) Register(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[src.Chain()]; !ok {
		return fmt.Errorf("register source: %w: %s", ErrUnknownChain, src.Chain())
	}
	r.sources[src.Chain()] = src
	return nil
}

// Source returns the registered source and the chain's spec.
func (r *Registry) Source(id model.Chain) (Source, model.ChainSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[id]
	if !ok {
		return nil, model.ChainSpec{}, fmt.Errorf("%w: %s", ErrUnknownChain, id)
	}
	src, ok := r.sources[id]
	if !ok {
		return nil, spec, fmt.Errorf("%w: %s has no transaction source", ErrUnknownChain, id)
	}
	return src, spec, nil
}

// Balances reads current balances through the chain's source.
func (r *Registry) Balances(ctx context.Context, id model.Chain, address string, extraTokens []string) (*Balances, error) {
	src, _, err := r.Source(id)
	if err != nil {
		return nil, err
	}
	reader, ok := src.(BalanceReader)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBalancesUnsupported, id)
	}
	return reader.Balances(ctx, address, extraTokens)
}
