package currency

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"gopkg.in/yaml.v3"
)

//go:embed currencies.yaml
var currenciesYAML []byte

type Type string

const (
	TypeFiat   Type = "fiat"
	TypeCrypto Type = "crypto"
)

type Currency struct {
	Code     string `yaml:"code" json:"code"`
	Name     string `yaml:"name" json:"name"`
	Type     Type   `yaml:"type" json:"type"`
	Decimals int32  `yaml:"decimals" json:"decimals"`
	Symbol   string `yaml:"symbol" json:"symbol"`
}

// Catalog is the set of currencies the service accepts.
type Catalog struct {
	mu     sync.RWMutex
	byCode map[string]Currency
}

// DefaultCatalog loads the embedded currency list.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(currenciesYAML)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var list []Currency
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse currency catalog: %w", err)
	}
	c := &Catalog{byCode: make(map[string]Currency, len(list))}
	for _, cur := range list {
		cur.Code = model.NormalizeCurrency(cur.Code)
		if cur.Code == "" {
			return nil, fmt.Errorf("parse currency catalog: entry without code")
		}
		if cur.Type != TypeFiat && cur.Type != TypeCrypto {
			return nil, fmt.Errorf("parse currency catalog: %s has unknown type %q", cur.Code, cur.Type)
		}
		if _, dup := c.byCode[cur.Code]; dup {
			return nil, fmt.Errorf("parse currency catalog: duplicate code %s", cur.Code)
		}
		c.byCode[cur.Code] = cur
	}
	return c, nil
}

func (c *Catalog) Lookup(code string) (Currency, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur, ok := c.byCode[model.NormalizeCurrency(code)]
	return cur, ok
}

// Add registers a currency at runtime, e.g. a parachain token symbol.
func (c *Catalog) Add(cur Currency) {
	cur.Code = model.NormalizeCurrency(cur.Code)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byCode[cur.Code]; ok {
		return
	}
	c.byCode[cur.Code] = cur
}

// List returns the catalog sorted by type then code.
func (c *Catalog) List() []Currency {
	c.mu.RLock()
	out := make([]Currency, 0, len(c.byCode))
	for _, cur := range c.byCode {
		out = append(out, cur)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// FormatAmount renders v for display under the profile's preferences.
func (c *Catalog) FormatAmount(s *model.AccountSettings, v, code string) (string, error) {
	num, err := amount.FormatDisplay(v, s.DecimalPlaces, s.UseThousandsSeparator)
	if err != nil {
		return "", err
	}
	code = model.NormalizeCurrency(code)
	cur, ok := c.Lookup(code)
	switch {
	case !ok || s.DisplayFormat == model.DisplayCode:
		return num + " " + code, nil
	case s.DisplayFormat == model.DisplayName:
		return num + " " + cur.Name, nil
	case cur.Type == TypeFiat && cur.Symbol != cur.Code:
		return cur.Symbol + num, nil
	default:
		return num + " " + cur.Symbol, nil
	}
}
