package api

import (
	"net/http"
	"strings"

	"github.com/emperorhan/multichain-ledger/internal/currency"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

func (s *Server) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	catalog := s.converter.Catalog()
	if catalog == nil {
		writeJSON(w, http.StatusOK, []currency.Currency{})
		return
	}
	writeJSON(w, http.StatusOK, catalog.List())
}

// handleConvert prices ?amount=&from=&to= with optional timestamp, method and
// profile_id. With a profile the profile's method and feed keys apply.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := currency.Request{
		From:   q.Get("from"),
		To:     q.Get("to"),
		Amount: q.Get("amount"),
	}
	if req.From == "" || req.To == "" || req.Amount == "" {
		writeMessage(w, http.StatusBadRequest, "amount, from, and to query params required")
		return
	}
	at, err := parseTimestamp(q.Get("timestamp"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Timestamp = at
	if raw := q.Get("method"); raw != "" {
		method, err := model.ParseConversionMethod(raw)
		if err != nil {
			s.writeError(w, r, invalidf("%v", err))
			return
		}
		req.Method = &method
	}

	var conv *model.CurrencyConversion
	if profileID := strings.TrimSpace(q.Get("profile_id")); profileID != "" {
		conv, err = s.converter.ConvertForProfile(r.Context(), profileID, req)
	} else {
		conv, err = s.converter.Convert(r.Context(), req)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleConvertReporting(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	profileID := strings.TrimSpace(q.Get("profile_id"))
	value, from := q.Get("amount"), q.Get("from")
	if profileID == "" || value == "" || from == "" {
		writeMessage(w, http.StatusBadRequest, "profile_id, amount, and from query params required")
		return
	}
	at, err := parseTimestamp(q.Get("timestamp"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	settings, err := s.converter.GetSettings(r.Context(), profileID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.converter.ConvertToReporting(r.Context(), settings, value, from, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeMessage(w, http.StatusBadRequest, "from and to query params required")
		return
	}

	rate, err := s.converter.GetRate(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rate == nil {
		writeMessage(w, http.StatusNotFound, "no fresh rate cached for pair")
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

type manualRateRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Rate string `json:"rate"`
}

func (s *Server) handleSetManualRate(w http.ResponseWriter, r *http.Request) {
	var req manualRateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" || req.Rate == "" {
		writeMessage(w, http.StatusBadRequest, "from, to, and rate are required")
		return
	}

	rate, err := s.converter.SetManualRate(r.Context(), req.From, req.To, req.Rate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.converter.GetSettings(r.Context(), r.PathValue("profile"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// settingsRequest mirrors model.AccountSettings but accepts feed keys, which
// the model never serializes back out.
type settingsRequest struct {
	PrimaryCurrency       string   `json:"primary_currency"`
	ReportingCurrencies   []string `json:"reporting_currencies"`
	ConversionMethod      string   `json:"conversion_method"`
	DecimalPlaces         *int32   `json:"decimal_places"`
	UseThousandsSeparator *bool    `json:"use_thousands_separator"`
	DisplayFormat         string   `json:"display_format"`
	AutoConvert           *bool    `json:"auto_convert"`
	CacheExchangeRates    *bool    `json:"cache_exchange_rates"`
	CoinGeckoAPIKey       *string  `json:"coingecko_api_key"`
	FixerAPIKey           *string  `json:"fixer_api_key"`
}

// handleUpdateSettings applies the provided fields over the stored (or
// default) settings.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	settings, err := s.converter.GetSettings(r.Context(), r.PathValue("profile"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PrimaryCurrency != "" {
		settings.PrimaryCurrency = req.PrimaryCurrency
	}
	if req.ReportingCurrencies != nil {
		settings.ReportingCurrencies = req.ReportingCurrencies
	}
	if req.ConversionMethod != "" {
		settings.ConversionMethod = model.ConversionMethod(req.ConversionMethod)
	}
	if req.DecimalPlaces != nil {
		settings.DecimalPlaces = *req.DecimalPlaces
	}
	if req.UseThousandsSeparator != nil {
		settings.UseThousandsSeparator = *req.UseThousandsSeparator
	}
	if req.DisplayFormat != "" {
		settings.DisplayFormat = model.DisplayFormat(req.DisplayFormat)
	}
	if req.AutoConvert != nil {
		settings.AutoConvert = *req.AutoConvert
	}
	if req.CacheExchangeRates != nil {
		settings.CacheExchangeRates = *req.CacheExchangeRates
	}
	if req.CoinGeckoAPIKey != nil {
		settings.CoinGeckoAPIKey = req.CoinGeckoAPIKey
	}
	if req.FixerAPIKey != nil {
		settings.FixerAPIKey = req.FixerAPIKey
	}

	updated, err := s.converter.UpdateSettings(r.Context(), settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
