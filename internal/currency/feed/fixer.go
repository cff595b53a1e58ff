package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

const fixerURL = "https://api.fixer.io"

// Fixer quotes fiat currency pairs.
type Fixer struct {
	transport
	apiKey string
}

func NewFixer(apiKey string, opts ...Option) *Fixer {
	return &Fixer{
		transport: newTransport(model.RateSourceFixer, fixerURL, opts),
		apiKey:    apiKey,
	}
}

func (f *Fixer) Name() model.RateSource { return model.RateSourceFixer }

type fixerResponse struct {
	Success bool                   `json:"success"`
	Rates   map[string]json.Number `json:"rates"`
	Error   *struct {
		Code int    `json:"code"`
		Type string `json:"type"`
		Info string `json:"info"`
	} `json:"error"`
}

func (f *Fixer) Spot(ctx context.Context, base, quote string) (string, error) {
	return f.quote(ctx, "spot", "latest", base, quote)
}

func (f *Fixer) Historical(ctx context.Context, base, quote string, date time.Time) (string, error) {
	return f.quote(ctx, "historical", date.UTC().Format(time.DateOnly), base, quote)
}

func (f *Fixer) quote(ctx context.Context, kind, path, base, quote string) (string, error) {
	if f.apiKey == "" {
		return "", fmt.Errorf("fixer: missing access key: %w", ErrFeedAuth)
	}
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))

	q := url.Values{}
	q.Set("access_key", f.apiKey)
	q.Set("base", base)
	q.Set("symbols", quote)
	var resp fixerResponse
	if err := f.get(ctx, kind, f.baseURL+"/"+path+"?"+q.Encode(), &resp); err != nil {
		return "", err
	}

	if !resp.Success {
		return "", f.apiError(resp)
	}
	rate, ok := resp.Rates[quote]
	if !ok {
		return "", fmt.Errorf("fixer %s %s/%s: %w", kind, base, quote, ErrFeedNotFound)
	}
	return parsePrice(rate)
}

// apiError maps the error object Fixer sends with HTTP 200.
func (f *Fixer) apiError(resp fixerResponse) error {
	if resp.Error == nil {
		return &StatusError{Feed: f.name, StatusCode: http.StatusBadGateway, Body: "success=false"}
	}
	switch resp.Error.Code {
	case 101, 102, 103, 105:
		return fmt.Errorf("fixer %s: %w", resp.Error.Type, ErrFeedAuth)
	case 104:
		return &StatusError{Feed: f.name, StatusCode: http.StatusTooManyRequests, Body: resp.Error.Type}
	case 106, 201, 202, 301, 302:
		return fmt.Errorf("fixer %s: %w", resp.Error.Type, ErrFeedNotFound)
	default:
		return &StatusError{Feed: f.name, StatusCode: http.StatusBadGateway, Body: resp.Error.Type}
	}
}
