package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"prxswap/native/amm"
	"prxswap/native/settlement"
	"prxswap/observability"
	"prxswap/storage/ledger"
)

const (
	maxRequestBody = 1 << 16
	moduleName     = "settlementd"
)

// Settlements is the orchestrator surface exposed over HTTP.
type Settlements interface {
	Transfer(ctx context.Context, req settlement.TransferRequest) (*settlement.Settlement, error)
	Trade(ctx context.Context, req settlement.TradeRequest) (*settlement.Settlement, error)
	BuyWithCard(ctx context.Context, req settlement.BuyRequest) (*settlement.IntentHandle, error)
	ConfirmBuy(ctx context.Context, intentID string) (*settlement.Settlement, error)
	SellForCard(ctx context.Context, req settlement.SellRequest) (*settlement.IntentHandle, error)
	ConfirmSell(ctx context.Context, intentID string) (*settlement.Settlement, error)
	CurrentPrice(ctx context.Context) (string, error)
}

// Ledger is the read side used for identity and history endpoints.
type Ledger interface {
	AddressOf(ctx context.Context, userID string) (common.Address, error)
	ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error)
	ListPriceHistory(ctx context.Context, symbol string, limit int) ([]ledger.PricePoint, error)
	CachedBalance(ctx context.Context, userID, token string) (*big.Int, error)
	CreateCurrency(ctx context.Context, symbol, name string) (settlement.Currency, error)
	RegisterUser(ctx context.Context, email string, address common.Address) (string, error)
	SetWalletLocked(ctx context.Context, userID string, locked bool) error
	OpenUnreconciled(ctx context.Context) ([]ledger.UnreconciledSettlement, error)
	ResolveUnreconciled(ctx context.Context, id string) error
}

// Config wires the server.
type Config struct {
	Settlements  Settlements
	Ledger       Ledger
	NativeSymbol string
	StableSymbol string
	Auth         AuthConfig
	RateLimit    RateLimit
	Logger       *slog.Logger
}

// Server is the HTTP adapter over the orchestrator.
type Server struct {
	settlements Settlements
	ledger      Ledger
	native      string
	stable      string
	auth        *Authenticator
	limiter     *RateLimiter
	adminScope  string
	logger      *slog.Logger
}

// New builds a server.
func New(cfg Config) (*Server, error) {
	if cfg.Settlements == nil || cfg.Ledger == nil {
		return nil, errors.New("server: settlements and ledger are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adminScope := strings.TrimSpace(cfg.Auth.AdminScope)
	if adminScope == "" {
		adminScope = "settlement:admin"
	}
	return &Server{
		settlements: cfg.Settlements,
		ledger:      cfg.Ledger,
		native:      strings.ToUpper(strings.TrimSpace(cfg.NativeSymbol)),
		stable:      strings.ToUpper(strings.TrimSpace(cfg.StableSymbol)),
		auth:        NewAuthenticator(cfg.Auth, logger),
		limiter:     NewRateLimiter(cfg.RateLimit),
		adminScope:  adminScope,
		logger:      logger,
	}, nil
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.auth.Middleware())
		v1.Use(s.limiter.Middleware)

		v1.Post("/transfers", s.handleTransfer)
		v1.Post("/trades", s.handleTrade)
		v1.Post("/payments/buy", s.handleBuy)
		v1.Post("/payments/buy/confirm", s.handleConfirmBuy)
		v1.Post("/payments/sell", s.handleSell)
		v1.Post("/payments/sell/confirm", s.handleConfirmSell)
		v1.Get("/price", s.handlePrice)
		v1.Get("/price/history", s.handlePriceHistory)
		v1.Get("/transactions", s.handleTransactions)
		v1.Get("/wallet", s.handleWallet)
		v1.With(s.auth.Middleware(s.adminScope)).Post("/currencies", s.handleCreateCurrency)

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware(s.adminScope))
			admin.Post("/users", s.handleRegisterUser)
			admin.Put("/users/{userID}/lock", s.handleSetWalletLock)
			admin.Get("/unreconciled", s.handleListUnreconciled)
			admin.Post("/unreconciled/{entryID}/resolve", s.handleResolveUnreconciled)
		})
	})
	return otelhttp.NewHandler(r, moduleName)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		observability.ModuleMetrics().Observe(moduleName, r.Method+" "+route, rec.status, time.Since(start))
	})
}

// caller resolves the authenticated user's wallet.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, common.Address, bool) {
	userID := SubjectFrom(r.Context())
	addr, err := s.ledger.AddressOf(r.Context(), userID)
	if err != nil {
		s.fail(w, r, "resolve_caller", err)
		return "", common.Address{}, false
	}
	return userID, addr, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err == nil {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		err = dec.Decode(dst)
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := writeSettlementError(w, err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		slog.String("operation", operation),
		slog.Int("status", status),
		slog.String("class", string(settlement.ClassOf(err))),
		slog.Any("error", err))
}

type transferRequest struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type tradeRequest struct {
	Side          string `json:"side"`
	InputCurrency string `json:"input_currency"`
	Amount        string `json:"amount"`
}

type buyRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type cardRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
}

type sellRequest struct {
	Amount   string      `json:"amount"`
	Currency string      `json:"currency"`
	Card     cardRequest `json:"card"`
}

type confirmRequest struct {
	IntentID string `json:"intent_id"`
}

type currencyRequest struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

type settlementResponse struct {
	Operation string `json:"operation"`
	RecordID  string `json:"record_id"`
	TxHash    string `json:"tx_hash"`
	Spent     string `json:"spent"`
	Received  string `json:"received,omitempty"`
	Direction string `json:"direction,omitempty"`
	IntentID  string `json:"intent_id,omitempty"`
	USD       string `json:"usd,omitempty"`
}

type intentResponse struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
	USD          string `json:"usd"`
	DebitTxHash  string `json:"debit_tx_hash,omitempty"`
}

func formatOptional(v *big.Int) string {
	if v == nil {
		return ""
	}
	return amm.FormatAmount(v)
}

func (s *Server) settled(w http.ResponseWriter, kind string, out *settlement.Settlement) {
	observability.Events().RecordSettled(kind, out.Operation.Spent, out.Spent)
	resp := settlementResponse{
		Operation: out.Operation.Kind.String(),
		RecordID:  out.RecordID,
		TxHash:    out.TxHash,
		Spent:     formatOptional(out.Spent),
		Received:  formatOptional(out.Received),
		Direction: string(out.Direction),
		IntentID:  out.IntentID,
	}
	if !out.USD.IsZero() {
		resp.USD = out.USD.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.To)) {
		writeJSONError(w, http.StatusBadRequest, errors.New("to must be a hex address"))
		return
	}
	_, from, ok := s.caller(w, r)
	if !ok {
		return
	}
	out, err := s.settlements.Transfer(r.Context(), settlement.TransferRequest{
		Token:  req.Token,
		From:   from,
		To:     common.HexToAddress(strings.TrimSpace(req.To)),
		Amount: req.Amount,
	})
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	s.settled(w, "transfer", out)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if !decode(w, r, &req) {
		return
	}
	_, trader, ok := s.caller(w, r)
	if !ok {
		return
	}
	out, err := s.settlements.Trade(r.Context(), settlement.TradeRequest{
		Side:          settlement.Side(req.Side),
		InputCurrency: req.InputCurrency,
		Amount:        req.Amount,
		Trader:        trader,
	})
	if err != nil {
		s.fail(w, r, "trade", err)
		return
	}
	s.settled(w, "trade", out)
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decode(w, r, &req) {
		return
	}
	_, addr, ok := s.caller(w, r)
	if !ok {
		return
	}
	handle, err := s.settlements.BuyWithCard(r.Context(), settlement.BuyRequest{Amount: req.Amount, Address: addr, Currency: req.Currency})
	if err != nil {
		s.fail(w, r, "buy_with_card", err)
		return
	}
	writeIntent(w, handle)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if !decode(w, r, &req) {
		return
	}
	_, addr, ok := s.caller(w, r)
	if !ok {
		return
	}
	handle, err := s.settlements.SellForCard(r.Context(), settlement.SellRequest{
		Amount:   req.Amount,
		Address:  addr,
		Currency: req.Currency,
		Card: settlement.CardDetails{
			PaymentMethodID: req.Card.PaymentMethodID,
			Email:           req.Card.Email,
			Name:            req.Card.Name,
		},
	})
	if err != nil {
		s.fail(w, r, "sell_for_card", err)
		return
	}
	writeIntent(w, handle)
}

func writeIntent(w http.ResponseWriter, handle *settlement.IntentHandle) {
	writeJSON(w, http.StatusCreated, intentResponse{
		IntentID:     handle.IntentID,
		ClientSecret: handle.ClientSecret,
		USD:          handle.USD.String(),
		DebitTxHash:  handle.DebitTxHash,
	})
}

func (s *Server) handleConfirmBuy(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, "confirm_buy", s.settlements.ConfirmBuy)
}

func (s *Server) handleConfirmSell(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, "confirm_sell", s.settlements.ConfirmSell)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request, operation string, fn func(context.Context, string) (*settlement.Settlement, error)) {
	var req confirmRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.IntentID) == "" {
		writeJSONError(w, http.StatusBadRequest, errors.New("intent_id required"))
		return
	}
	out, err := fn(r.Context(), req.IntentID)
	if err != nil {
		s.fail(w, r, operation, err)
		return
	}
	s.settled(w, "payment", out)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.settlements.CurrentPrice(r.Context())
	if err != nil {
		s.fail(w, r, "current_price", err)
		return
	}
	if f, perr := strconv.ParseFloat(price, 64); perr == nil {
		observability.Events().RecordPrice(f)
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": s.native, "price": price})
}

type pricePoint struct {
	Price string    `json:"price"`
	At    time.Time `json:"at"`
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	points, err := s.ledger.ListPriceHistory(r.Context(), s.native, queryLimit(r))
	if err != nil {
		s.fail(w, r, "price_history", err)
		return
	}
	out := make([]pricePoint, 0, len(points))
	for _, p := range points {
		out = append(out, pricePoint{Price: amm.FormatAmount(p.Price), At: p.At.UTC()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": s.native, "history": out})
}

type transactionView struct {
	ID                 string    `json:"id"`
	Kind               string    `json:"kind"`
	SpentAmount        string    `json:"spent_amount"`
	SpentCurrencyID    string    `json:"spent_currency_id"`
	ReceivedAmount     string    `json:"received_amount,omitempty"`
	ReceivedCurrencyID string    `json:"received_currency_id,omitempty"`
	TxHash             string    `json:"tx_hash"`
	SenderID           string    `json:"sender_id"`
	ReceiverID         string    `json:"receiver_id,omitempty"`
	Direction          string    `json:"direction,omitempty"`
	IntentID           string    `json:"intent_id,omitempty"`
	Reversal           bool      `json:"reversal"`
	CreatedAt          time.Time `json:"created_at"`
}

func baseUnits(raw string) string {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return raw
	}
	return amm.FormatAmount(v)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ledger.ListTransactionsByUser(r.Context(), SubjectFrom(r.Context()), queryLimit(r))
	if err != nil {
		s.fail(w, r, "transactions", err)
		return
	}
	out := make([]transactionView, 0, len(rows))
	for _, row := range rows {
		view := transactionView{
			ID:              row.ID.String(),
			Kind:            row.Kind,
			SpentAmount:     baseUnits(row.SpentAmount),
			SpentCurrencyID: row.SpentCurrencyID.String(),
			TxHash:          row.TxHash,
			SenderID:        row.SenderID.String(),
			Reversal:        row.Reversal,
			CreatedAt:       row.CreatedAt.UTC(),
		}
		if row.ReceivedAmount != nil {
			view.ReceivedAmount = baseUnits(*row.ReceivedAmount)
		}
		if row.ReceivedCurrencyID != nil {
			view.ReceivedCurrencyID = row.ReceivedCurrencyID.String()
		}
		if row.ReceiverID != nil {
			view.ReceiverID = row.ReceiverID.String()
		}
		if row.Direction != nil {
			view.Direction = *row.Direction
		}
		if row.IntentID != nil {
			view.IntentID = *row.IntentID
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// handleWallet reports the caller's cached balances as last reconciled
// against the chain.
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	userID, addr, ok := s.caller(w, r)
	if !ok {
		return
	}
	balances := make(map[string]string, 2)
	for _, symbol := range []string{s.native, s.stable} {
		if symbol == "" {
			continue
		}
		amount, err := s.ledger.CachedBalance(r.Context(), userID, symbol)
		if err != nil {
			s.fail(w, r, "wallet", err)
			return
		}
		balances[symbol] = amm.FormatAmount(amount)
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "balances": balances})
}

func (s *Server) handleCreateCurrency(w http.ResponseWriter, r *http.Request) {
	var req currencyRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Symbol) == "" || strings.TrimSpace(req.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, errors.New("symbol and name required"))
		return
	}
	c, err := s.ledger.CreateCurrency(r.Context(), req.Symbol, req.Name)
	if err != nil {
		s.fail(w, r, "create_currency", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": c.ID, "symbol": c.Symbol, "name": c.Name, "created_at": c.CreatedAt.UTC()})
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}
