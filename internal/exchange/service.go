// Package exchange provides the HTTP handlers for accounts, symbols, order
// entry, and market data queries.
//
// All monetary values use shopspring/decimal, never float64 for money.
package exchange

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/book"
	"github.com/crossledger/exchange-engine/internal/engine"
	"github.com/crossledger/exchange-engine/internal/ledger"
	"github.com/crossledger/exchange-engine/internal/model"
	"github.com/crossledger/exchange-engine/internal/orders"
	"github.com/crossledger/exchange-engine/internal/store"
	"github.com/crossledger/exchange-engine/internal/symbol"
)

// Service handles exchange operations. Matching itself is serialized inside
// the engine's per-symbol workers; handlers here validate input, route to
// the engine, and shape responses.
type Service struct {
	store  store.Store
	engine *engine.Engine
	tokens store.TokenReserver // optional idempotency tokens; nil without Redis
}

// NewService creates the exchange service. Pass nil for tokens when client
// order ID deduplication is not configured.
func NewService(st store.Store, eng *engine.Engine, tokens store.TokenReserver) *Service {
	return &Service{
		store:  st,
		engine: eng,
		tokens: tokens,
	}
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	AccountID string          `json:"account_id"` // empty → server-assigned UUID
	Balance   decimal.Decimal `json:"balance"`
}

// CreateSymbolRequest is the JSON body for listing a new symbol.
type CreateSymbolRequest struct {
	Symbol      string       `json:"symbol"`
	Allocations []Allocation `json:"allocations,omitempty"`
}

// Allocation grants an account an initial holding in a newly listed symbol.
type Allocation struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          model.Side      `json:"side"` // "buy" or "sell"
	Amount        decimal.Decimal `json:"amount"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	ClientOrderID string          `json:"client_order_id,omitempty"` // optional idempotency token
}

// PlaceOrderResponse reports the post-match state of a submission. Error is
// set when the order was accepted but ended cancelled because the account
// could not settle a fill; any fills that committed first are listed.
type PlaceOrderResponse struct {
	Order      *model.Order      `json:"order"`
	Executions []model.Execution `json:"executions"`
	Error      string            `json:"error,omitempty"`
}

// CancelOrderRequest is the JSON body for POST /orders/{orderID}/cancel.
type CancelOrderRequest struct {
	AccountID string `json:"account_id"`
}

// OrderStatusResponse is the JSON body for GET /orders/{orderID}.
type OrderStatusResponse struct {
	Order      *model.Order      `json:"order"`
	Executions []model.Execution `json:"executions"`
}

// BookResponse is the aggregated depth snapshot for one symbol.
type BookResponse struct {
	Symbol string       `json:"symbol"`
	Bids   []book.Level `json:"bids"`
	Asks   []book.Level `json:"asks"`
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, "balance must not be negative", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		req.AccountID = uuid.New().String()
	}

	acct := &model.Account{AccountID: req.AccountID, Balance: req.Balance}
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("account created", "account_id", acct.AccountID, "balance", acct.Balance.String())
	writeJSON(w, http.StatusCreated, acct)
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}
// Returns the account's cash balance and all nonzero holdings.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	writeJSON(w, http.StatusOK, model.Portfolio{
		AccountID: accountID,
		Balance:   acct.Balance,
		Positions: positions,
	})
}

// ListAccountOrders handles GET /api/v1/accounts/{accountID}/orders
// Returns the account's orders, newest first.
func (s *Service) ListAccountOrders(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		writeServiceError(w, err)
		return
	}
	list, err := s.store.ListOrdersByAccount(ctx, accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateSymbol handles POST /api/v1/symbols
// Lists a new symbol and grants any initial allocations, then opens the
// symbol's market for order entry.
func (s *Service) CreateSymbol(w http.ResponseWriter, r *http.Request) {
	var req CreateSymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := symbol.Validate(req.Symbol); err != nil {
		writeServiceError(w, err)
		return
	}
	ctx := r.Context()
	for _, alloc := range req.Allocations {
		if alloc.Amount.LessThanOrEqual(decimal.Zero) {
			writeError(w, "allocation amount must be positive", http.StatusBadRequest)
			return
		}
		if _, err := s.store.GetAccount(ctx, alloc.AccountID); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	if err := s.store.CreateSymbol(ctx, req.Symbol); err != nil {
		writeServiceError(w, err)
		return
	}
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		for _, alloc := range req.Allocations {
			pos, err := tx.GetPosition(ctx, alloc.AccountID, req.Symbol)
			if err != nil {
				return err
			}
			if err := tx.UpsertPosition(ctx, alloc.AccountID, req.Symbol, pos.Amount.Add(alloc.Amount)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.engine.RegisterSymbol(req.Symbol)

	slog.Info("symbol listed", "symbol", req.Symbol, "allocations", len(req.Allocations))
	writeJSON(w, http.StatusCreated, map[string]string{"symbol": req.Symbol})
}

// ListSymbols handles GET /api/v1/symbols
func (s *Service) ListSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.ListSymbols(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, symbols)
}

// PlaceOrder handles POST /api/v1/orders
// Submits a limit order for matching and returns its post-match state with
// any immediate executions.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	if req.ClientOrderID != "" && s.tokens != nil {
		if err := s.tokens.ReserveClientToken(ctx, req.ClientOrderID); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	o := &model.Order{
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Amount:     req.Amount,
		LimitPrice: req.LimitPrice,
	}
	placed, execs, err := s.engine.Submit(ctx, o)
	if execs == nil {
		execs = []model.Execution{}
	}
	if err != nil {
		// An order can be accepted and still come back cancelled when its
		// own account cannot settle a fill. Return the conflict with the
		// full submission state so committed fills are visible.
		if placed != nil && (errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrInsufficientPosition)) {
			writeJSON(w, http.StatusConflict, PlaceOrderResponse{
				Order:      placed,
				Executions: execs,
				Error:      err.Error(),
			})
			return
		}
		writeServiceError(w, err)
		return
	}

	slog.Info("order accepted",
		"order_id", placed.OrderID,
		"account_id", placed.AccountID,
		"symbol", placed.Symbol,
		"side", placed.Side,
		"amount", placed.Amount.String(),
		"limit_price", placed.LimitPrice.String(),
		"status", placed.Status,
		"fills", len(execs),
	)
	writeJSON(w, http.StatusCreated, PlaceOrderResponse{Order: placed, Executions: execs})
}

// GetOrder handles GET /api/v1/orders/{orderID}?account_id=...
// Returns the order and its executions. The order must belong to the
// requesting account; anything else reads as not found.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseOrderID(r)
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if o.AccountID != accountID {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	execs, err := s.store.ListExecutions(ctx, orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if execs == nil {
		execs = []model.Execution{}
	}
	writeJSON(w, http.StatusOK, OrderStatusResponse{Order: o, Executions: execs})
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseOrderID(r)
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return
	}
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	o, err := s.engine.Cancel(r.Context(), req.AccountID, orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("order cancelled", "order_id", o.OrderID, "account_id", o.AccountID, "symbol", o.Symbol)
	writeJSON(w, http.StatusOK, o)
}

// GetBook handles GET /api/v1/books/{symbol}
// Returns the aggregated resting depth, best price first on each side.
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	sym := chi.URLParam(r, "symbol")

	bids, asks, err := s.engine.Depth(r.Context(), sym)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if bids == nil {
		bids = []book.Level{}
	}
	if asks == nil {
		asks = []book.Level{}
	}
	writeJSON(w, http.StatusOK, BookResponse{Symbol: sym, Bids: bids, Asks: asks})
}

// --- helpers ---

func parseOrderID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
}

// errorStatus maps the service's sentinel errors to HTTP status codes.
// Validation wrappers win over what they wrap, so an unknown account inside
// an invalid order reports 400, not 404.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, orders.ErrInvalidOrder),
		errors.Is(err, symbol.ErrInvalidSymbol):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrSymbolNotFound),
		errors.Is(err, store.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAccountExists),
		errors.Is(err, store.ErrSymbolExists),
		errors.Is(err, store.ErrDuplicateClientOrder),
		errors.Is(err, orders.ErrOrderNotCancellable),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientPosition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err with its mapped status. Unrecognized errors
// are treated as storage failures: logged in full, reported generically.
func writeServiceError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
