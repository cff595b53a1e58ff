package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/xcm"
	"github.com/google/uuid"
)

type trackTransferRequest struct {
	TransactionID string     `json:"transaction_id"`
	FromChain     string     `json:"from_chain"`
	FromAddress   string     `json:"from_address"`
	ToChain       string     `json:"to_chain"`
	ToAddress     string     `json:"to_address"`
	AssetID       string     `json:"asset_id"`
	Amount        string     `json:"amount"`
	Timestamp     *time.Time `json:"timestamp"`
}

func (s *Server) handleTrackTransfer(w http.ResponseWriter, r *http.Request) {
	var req trackTransferRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.TransactionID == "" || req.FromChain == "" || req.ToChain == "" || req.Amount == "" {
		writeMessage(w, http.StatusBadRequest, "transaction_id, from_chain, to_chain, and amount are required")
		return
	}
	txID, err := uuid.Parse(req.TransactionID)
	if err != nil {
		s.writeError(w, r, invalidf("transaction_id %q is not a UUID", req.TransactionID))
		return
	}

	track := xcm.TrackRequest{
		TransactionID: txID,
		FromChain:     model.Chain(strings.ToLower(req.FromChain)),
		FromAddress:   req.FromAddress,
		ToChain:       model.Chain(strings.ToLower(req.ToChain)),
		ToAddress:     req.ToAddress,
		AssetID:       req.AssetID,
		Amount:        req.Amount,
	}
	if req.Timestamp != nil {
		track.Timestamp = *req.Timestamp
	}

	transfer, err := s.transfers.Track(r.Context(), track)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, transfer)
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, invalidf("transfer id %q is not a UUID", r.PathValue("id")))
		return
	}
	transfer, err := s.transfers.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

func (s *Server) handleGetTransferByTransaction(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("transaction_id")
	if raw == "" {
		writeMessage(w, http.StatusBadRequest, "transaction_id query param required")
		return
	}
	txID, err := uuid.Parse(raw)
	if err != nil {
		s.writeError(w, r, invalidf("transaction_id %q is not a UUID", raw))
		return
	}
	transfer, err := s.transfers.GetByTransaction(r.Context(), txID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

type advanceTransferRequest struct {
	Status string  `json:"status"`
	Hop    *string `json:"hop"`
}

func (s *Server) handleAdvanceTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, invalidf("transfer id %q is not a UUID", r.PathValue("id")))
		return
	}
	var req advanceTransferRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	status, err := model.ParseXcmStatus(req.Status)
	if err != nil {
		s.writeError(w, r, invalidf("%v", err))
		return
	}
	var hop *model.Chain
	if req.Hop != nil && *req.Hop != "" {
		h := model.Chain(strings.ToLower(*req.Hop))
		hop = &h
	}

	transfer, err := s.transfers.Advance(r.Context(), id, status, hop)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}
