package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

type registerUserRequest struct {
	Email   string `json:"email"`
	Address string `json:"address"`
}

type walletLockRequest struct {
	Locked *bool `json:"locked"`
}

type unreconciledView struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Class     string    `json:"class"`
	Stage     string    `json:"stage"`
	Code      string    `json:"code"`
	Token     string    `json:"token,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	FundsAt   string    `json:"funds_at,omitempty"`
	IntentID  string    `json:"intent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if !decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Address)) {
		writeJSONError(w, http.StatusBadRequest, errors.New("address must be a hex address"))
		return
	}
	id, err := s.ledger.RegisterUser(r.Context(), req.Email, common.HexToAddress(strings.TrimSpace(req.Address)))
	if err != nil {
		s.fail(w, r, "register_user", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleSetWalletLock(w http.ResponseWriter, r *http.Request) {
	var req walletLockRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Locked == nil {
		writeJSONError(w, http.StatusBadRequest, errors.New("locked required"))
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.ledger.SetWalletLocked(r.Context(), userID, *req.Locked); err != nil {
		s.fail(w, r, "set_wallet_lock", err)
		return
	}
	s.logger.Info("wallet lock changed",
		slog.String("user_id", userID),
		slog.Bool("locked", *req.Locked),
		slog.String("by", SubjectFrom(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUnreconciled(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ledger.OpenUnreconciled(r.Context())
	if err != nil {
		s.fail(w, r, "list_unreconciled", err)
		return
	}
	out := make([]unreconciledView, 0, len(rows))
	for _, row := range rows {
		out = append(out, unreconciledView{
			ID:        row.ID.String(),
			Operation: row.Operation,
			Class:     row.Class,
			Stage:     row.Stage,
			Code:      row.Code,
			Token:     row.Token,
			Amount:    row.Amount,
			TxHash:    row.TxHash,
			FundsAt:   row.FundsAt,
			IntentID:  row.IntentID,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleResolveUnreconciled(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	if err := s.ledger.ResolveUnreconciled(r.Context(), entryID); err != nil {
		s.fail(w, r, "resolve_unreconciled", err)
		return
	}
	s.logger.Info("journal entry resolved",
		slog.String("entry_id", entryID),
		slog.String("by", SubjectFrom(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}
