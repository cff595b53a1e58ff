package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/ledgersync"
	"github.com/emperorhan/multichain-ledger/internal/store"
)

type syncRequest struct {
	ProfileID string `json:"profile_id"`
	Chain     string `json:"chain"`
	Address   string `json:"address"`
}

// syncResponse carries the pass status even when the pass stopped early, so
// callers see which blocks were committed.
type syncResponse struct {
	Status *ledgersync.Status `json:"status,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	status, err := s.syncer.Sync(r.Context(), ledgersync.Request{
		ProfileID: req.ProfileID,
		Chain:     model.Chain(strings.ToLower(strings.TrimSpace(req.Chain))),
		Address:   req.Address,
	})
	if err != nil {
		if status != nil && errors.Is(err, ledgersync.ErrRemoteUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, syncResponse{Status: status, Error: err.Error()})
			return
		}
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{Status: status})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.transactions == nil {
		writeMessage(w, http.StatusServiceUnavailable, "transaction listing not available")
		return
	}

	profileID := strings.TrimSpace(r.URL.Query().Get("profile_id"))
	if profileID == "" {
		writeMessage(w, http.StatusBadRequest, "profile_id query param required")
		return
	}
	limit, offset, err := parsePaging(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	txs, err := s.transactions.List(r.Context(), store.TransactionFilter{
		ProfileID: profileID,
		Chain:     model.Chain(r.URL.Query().Get("chain")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeMessage(w, http.StatusServiceUnavailable, "watched accounts not available")
		return
	}

	accounts, err := s.accounts.ListActive(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	profileID := r.URL.Query().Get("profile_id")
	resp := make([]model.WatchedAccount, 0, len(accounts))
	for _, a := range accounts {
		if profileID == "" || a.ProfileID == profileID {
			resp = append(resp, a)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type watchAccountRequest struct {
	ProfileID string `json:"profile_id"`
	Chain     string `json:"chain"`
	Address   string `json:"address"`
	Active    *bool  `json:"active"`
}

func (s *Server) handleWatchAccount(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeMessage(w, http.StatusServiceUnavailable, "watched accounts not available")
		return
	}

	var req watchAccountRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.ProfileID = strings.TrimSpace(req.ProfileID)
	req.Address = strings.TrimSpace(req.Address)
	if req.ProfileID == "" || req.Chain == "" || req.Address == "" {
		writeMessage(w, http.StatusBadRequest, "profile_id, chain, and address are required")
		return
	}

	acct := &model.WatchedAccount{
		ProfileID: req.ProfileID,
		Chain:     model.Chain(strings.ToLower(strings.TrimSpace(req.Chain))),
		Address:   req.Address,
		Active:    req.Active == nil || *req.Active,
	}
	if err := s.accounts.Upsert(r.Context(), acct); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("watched account saved",
		"profile_id", acct.ProfileID,
		"chain", acct.Chain,
		"address", acct.Address,
		"active", acct.Active,
	)
	writeJSON(w, http.StatusCreated, acct)
}

// handleBalances reads live balances. tokens is an optional comma-separated
// list of contracts to read besides the registered ones.
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.balances == nil {
		writeMessage(w, http.StatusServiceUnavailable, "balances not available")
		return
	}
	q := r.URL.Query()
	id := model.Chain(strings.ToLower(strings.TrimSpace(q.Get("chain"))))
	address := strings.TrimSpace(q.Get("address"))
	if id == "" || address == "" {
		writeMessage(w, http.StatusBadRequest, "chain and address query params required")
		return
	}
	var extra []string
	if raw := q.Get("tokens"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				extra = append(extra, t)
			}
		}
	}

	balances, err := s.balances.Balances(r.Context(), id, address, extra)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}
