// Package api exposes sync, conversion, settings and transfer tracking over
// HTTP with JSON bodies.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/amount"
	"github.com/emperorhan/multichain-ledger/internal/chain"
	"github.com/emperorhan/multichain-ledger/internal/currency"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/ledgersync"
	"github.com/emperorhan/multichain-ledger/internal/store"
	"github.com/emperorhan/multichain-ledger/internal/xcm"
	"github.com/google/uuid"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1 MB
	defaultListLimit    = 100
	maxListLimit        = 1000
)

var errInvalidInput = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errInvalidInput}, args...)...)
}

type Syncer interface {
	Sync(ctx context.Context, req ledgersync.Request) (*ledgersync.Status, error)
}

// Converter is the currency surface the server exposes.
type Converter interface {
	Convert(ctx context.Context, req currency.Request) (*model.CurrencyConversion, error)
	ConvertForProfile(ctx context.Context, profileID string, req currency.Request) (*model.CurrencyConversion, error)
	ConvertToReporting(ctx context.Context, settings *model.AccountSettings, value, from string, at *time.Time) (*currency.ReportingResult, error)
	GetRate(ctx context.Context, from, to string) (*model.ExchangeRate, error)
	SetManualRate(ctx context.Context, from, to, rate string) (*model.ExchangeRate, error)
	GetSettings(ctx context.Context, profileID string) (*model.AccountSettings, error)
	UpdateSettings(ctx context.Context, settings *model.AccountSettings) (*model.AccountSettings, error)
	Catalog() *currency.Catalog
}

type Transfers interface {
	Track(ctx context.Context, req xcm.TrackRequest) (*model.XcmTransfer, error)
	Advance(ctx context.Context, id uuid.UUID, status model.XcmStatus, hop *model.Chain) (*model.XcmTransfer, error)
	Get(ctx context.Context, id uuid.UUID) (*model.XcmTransfer, error)
	GetByTransaction(ctx context.Context, transactionID uuid.UUID) (*model.XcmTransfer, error)
}

type TransactionLister interface {
	List(ctx context.Context, f store.TransactionFilter) ([]model.Transaction, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// BalanceReader reads live balances for a chain account.
type BalanceReader interface {
	Balances(ctx context.Context, id model.Chain, address string, extraTokens []string) (*chain.Balances, error)
}

type Server struct {
	syncer       Syncer
	balances     BalanceReader
	converter    Converter
	transfers    Transfers
	transactions TransactionLister
	accounts     store.WatchedAccountRepository
	health       HealthChecker
	logger       *slog.Logger
}

type ServerOption func(*Server)

func WithTransactions(l TransactionLister) ServerOption {
	return func(s *Server) { s.transactions = l }
}

func WithWatchedAccounts(repo store.WatchedAccountRepository) ServerOption {
	return func(s *Server) { s.accounts = repo }
}

func WithBalances(b BalanceReader) ServerOption {
	return func(s *Server) { s.balances = b }
}

func WithHealthChecker(h HealthChecker) ServerOption {
	return func(s *Server) { s.health = h }
}

func NewServer(syncer Syncer, converter Converter, transfers Transfers, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		syncer:    syncer,
		converter: converter,
		transfers: transfers,
		logger:    logger.With("component", "api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routes without middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("GET /v1/transactions", s.handleListTransactions)
	mux.HandleFunc("GET /v1/accounts", s.handleListAccounts)
	mux.HandleFunc("GET /v1/balances", s.handleBalances)
	mux.HandleFunc("POST /v1/accounts", s.handleWatchAccount)

	mux.HandleFunc("GET /v1/currencies", s.handleCurrencies)
	mux.HandleFunc("GET /v1/convert", s.handleConvert)
	mux.HandleFunc("GET /v1/convert/reporting", s.handleConvertReporting)
	mux.HandleFunc("GET /v1/rates", s.handleGetRate)
	mux.HandleFunc("PUT /v1/rates/manual", s.handleSetManualRate)
	mux.HandleFunc("GET /v1/settings/{profile}", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings/{profile}", s.handleUpdateSettings)

	mux.HandleFunc("POST /v1/transfers", s.handleTrackTransfer)
	mux.HandleFunc("GET /v1/transfers", s.handleGetTransferByTransaction)
	mux.HandleFunc("GET /v1/transfers/{id}", s.handleGetTransfer)
	mux.HandleFunc("POST /v1/transfers/{id}/status", s.handleAdvanceTransfer)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError maps service errors onto HTTP statuses. Unclassified errors are
// logged and hidden behind a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, errInvalidInput),
		errors.Is(err, amount.ErrMalformedAmount),
		errors.Is(err, currency.ErrInvalidSettings),
		errors.Is(err, ledgersync.ErrInvalidRequest),
		errors.Is(err, chain.ErrInvalidAddress),
		errors.Is(err, chain.ErrBalancesUnsupported):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, xcm.ErrTransferNotFound),
		errors.Is(err, chain.ErrUnknownChain):
		status = http.StatusNotFound
	case errors.Is(err, xcm.ErrInvalidStateTransition):
		status = http.StatusConflict
	case errors.Is(err, currency.ErrRateUnavailable),
		errors.Is(err, ledgersync.ErrRemoteUnavailable),
		errors.Is(err, chain.ErrSourceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeMessage(w, status, err.Error())
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseTimestamp(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, invalidf("timestamp %q must be RFC 3339 or unix seconds", raw)
	}
	return &t, nil
}

func parsePaging(r *http.Request) (limit, offset int, err error) {
	limit = defaultListLimit
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			return 0, 0, invalidf("limit must be within [1, %d]", maxListLimit)
		}
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, invalidf("offset must be non-negative")
		}
	}
	return limit, offset, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.PingContext(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
