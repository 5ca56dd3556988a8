package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"prxswap/native/settlement"
	"prxswap/storage/ledger"
)

var (
	errTooManyRequests = errors.New("too many requests")
	errBadRequest      = errors.New("invalid request body")
)

type errorBody struct {
	Error     string `json:"error"`
	Class     string `json:"class,omitempty"`
	Code      string `json:"code,omitempty"`
	Stage     string `json:"stage,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	FundsAt   string `json:"funds_at,omitempty"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps a settlement failure to an HTTP status.
func statusFor(err error) int {
	var se *settlement.Error
	if !errors.As(err, &se) {
		switch {
		case errors.Is(err, settlement.ErrUserNotFound), errors.Is(err, settlement.ErrCurrencyNotFound):
			return http.StatusNotFound
		case errors.Is(err, ledger.ErrJournalEntryNotFound):
			return http.StatusNotFound
		case errors.Is(err, ledger.ErrDuplicateCurrency), errors.Is(err, ledger.ErrDuplicateUser):
			return http.StatusConflict
		case errors.Is(err, ledger.ErrInvalidID), errors.Is(err, ledger.ErrInvalidEmail):
			return http.StatusBadRequest
		case errors.Is(err, settlement.ErrNotConfigured):
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	switch se.Class {
	case settlement.ClassPrecondition:
		switch {
		case errors.Is(se.Code, settlement.ErrNotConfigured):
			return http.StatusServiceUnavailable
		case errors.Is(se.Code, settlement.ErrUserNotFound), errors.Is(se.Code, settlement.ErrCurrencyNotFound):
			return http.StatusNotFound
		case errors.Is(se.Code, settlement.ErrIntentAlreadySettled), errors.Is(se.Code, settlement.ErrWalletLocked):
			return http.StatusConflict
		case errors.Is(se.Code, settlement.ErrInsufficientGas),
			errors.Is(se.Code, settlement.ErrInsufficientTokenBalance),
			errors.Is(se.Code, settlement.ErrAllowanceTooLow),
			errors.Is(se.Code, settlement.ErrPaymentNotSuccessful),
			errors.Is(se.Code, settlement.ErrPayoutPending):
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case settlement.ClassExecution:
		switch {
		case errors.Is(se.Code, settlement.ErrAddressBusy):
			return http.StatusConflict
		case errors.Is(se.Code, settlement.ErrTokenOperationFailed), errors.Is(se.Code, settlement.ErrPayoutFailed):
			return http.StatusUnprocessableEntity
		case errors.Is(se.Code, settlement.ErrLedger):
			return http.StatusInternalServerError
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeSettlementError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	body := errorBody{Error: strings.TrimSpace(err.Error())}
	var se *settlement.Error
	if errors.As(err, &se) {
		body.Class = string(se.Class)
		body.Code = se.CodeName()
		body.Stage = string(se.Stage)
		body.TxHash = se.TxHash
		body.FundsAt = se.FundsAt
		body.Retryable = se.Retryable()
	}
	writeJSON(w, status, body)
	return status
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
