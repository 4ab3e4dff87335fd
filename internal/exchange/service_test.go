package exchange_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/engine"
	"github.com/crossledger/exchange-engine/internal/exchange"
	"github.com/crossledger/exchange-engine/internal/ledger"
	"github.com/crossledger/exchange-engine/internal/model"
	"github.com/crossledger/exchange-engine/internal/orders"
	"github.com/crossledger/exchange-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// newTestEnv creates a Service over an in-memory store with a running
// matching engine and the chi router wired like the server does it.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	return newTestEnvWithTokens(t, nil)
}

func newTestEnvWithTokens(t *testing.T, tokens store.TokenReserver) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := engine.New(ms, ledger.New(), orders.NewManager(ms))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Stop(); err != nil {
			t.Errorf("stop engine: %v", err)
		}
	})
	svc := exchange.NewService(ms, eng, tokens)

	r := chi.NewRouter()
	r.Post("/api/v1/accounts", svc.CreateAccount)
	r.Get("/api/v1/accounts/{accountID}", svc.GetPortfolio)
	r.Get("/api/v1/accounts/{accountID}/orders", svc.ListAccountOrders)
	r.Post("/api/v1/symbols", svc.CreateSymbol)
	r.Get("/api/v1/symbols", svc.ListSymbols)
	r.Post("/api/v1/orders", svc.PlaceOrder)
	r.Get("/api/v1/orders/{orderID}", svc.GetOrder)
	r.Post("/api/v1/orders/{orderID}/cancel", svc.CancelOrder)
	r.Get("/api/v1/books/{symbol}", svc.GetBook)

	return ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createAccount(t *testing.T, router chi.Router, accountID, balance string) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/accounts", exchange.CreateAccountRequest{
		AccountID: accountID,
		Balance:   d(balance),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account %s: %d %s", accountID, w.Code, w.Body.String())
	}
}

func createSymbol(t *testing.T, router chi.Router, sym string, allocs ...exchange.Allocation) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/symbols", exchange.CreateSymbolRequest{
		Symbol:      sym,
		Allocations: allocs,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create symbol %s: %d %s", sym, w.Code, w.Body.String())
	}
}

func placeOrder(t *testing.T, router chi.Router, req exchange.PlaceOrderRequest) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, router, "POST", "/api/v1/orders", req)
}

func mustPlace(t *testing.T, router chi.Router, account, sym string, side model.Side, amount, price string) exchange.PlaceOrderResponse {
	t.Helper()
	w := placeOrder(t, router, exchange.PlaceOrderRequest{
		AccountID:  account,
		Symbol:     sym,
		Side:       side,
		Amount:     d(amount),
		LimitPrice: d(price),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place order: %d %s", w.Code, w.Body.String())
	}
	var resp exchange.PlaceOrderResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

// --- Accounts ---

func TestCreateAccount(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/accounts", exchange.CreateAccountRequest{
		AccountID: "alice",
		Balance:   d("100"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.AccountID != "alice" || !acct.Balance.Equal(d("100")) {
		t.Errorf("account = %+v, want alice with 100", acct)
	}

	// Duplicate IDs conflict.
	w = doJSON(t, router, "POST", "/api/v1/accounts", exchange.CreateAccountRequest{
		AccountID: "alice",
		Balance:   d("5"),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate account: expected 409, got %d", w.Code)
	}
}

func TestCreateAccount_GeneratedID(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/accounts", exchange.CreateAccountRequest{Balance: d("50")})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.AccountID == "" {
		t.Error("expected a server-assigned account_id")
	}
}

func TestCreateAccount_NegativeBalance(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/accounts", exchange.CreateAccountRequest{
		AccountID: "alice",
		Balance:   d("-1"),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Symbols ---

func TestCreateSymbol_WithAllocations(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "alice", "0")
	createAccount(t, router, "bob", "0")

	createSymbol(t, router, "ABC",
		exchange.Allocation{AccountID: "alice", Amount: d("100")},
		exchange.Allocation{AccountID: "bob", Amount: d("40")},
	)

	w := doJSON(t, router, "GET", "/api/v1/accounts/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio: %d %s", w.Code, w.Body.String())
	}
	var pf model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &pf)
	if len(pf.Positions) != 1 || pf.Positions[0].Symbol != "ABC" || !pf.Positions[0].Amount.Equal(d("100")) {
		t.Errorf("positions = %+v, want 100 ABC", pf.Positions)
	}

	w = doJSON(t, router, "GET", "/api/v1/symbols", nil)
	var syms []string
	json.Unmarshal(w.Body.Bytes(), &syms)
	if len(syms) != 1 || syms[0] != "ABC" {
		t.Errorf("symbols = %v, want [ABC]", syms)
	}
}

func TestCreateSymbol_Invalid(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "alice", "0")

	cases := []struct {
		name string
		req  exchange.CreateSymbolRequest
		code int
	}{
		{"lowercase", exchange.CreateSymbolRequest{Symbol: "abc"}, http.StatusBadRequest},
		{"too long", exchange.CreateSymbolRequest{Symbol: "ABCDEFGHIJK"}, http.StatusBadRequest},
		{"empty", exchange.CreateSymbolRequest{}, http.StatusBadRequest},
		{"zero allocation", exchange.CreateSymbolRequest{
			Symbol:      "ABC",
			Allocations: []exchange.Allocation{{AccountID: "alice", Amount: d("0")}},
		}, http.StatusBadRequest},
		{"unknown account", exchange.CreateSymbolRequest{
			Symbol:      "ABC",
			Allocations: []exchange.Allocation{{AccountID: "ghost", Amount: d("5")}},
		}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/symbols", tc.req)
			if w.Code != tc.code {
				t.Errorf("expected %d, got %d: %s", tc.code, w.Code, w.Body.String())
			}
		})
	}

	createSymbol(t, router, "ABC")
	w := doJSON(t, router, "POST", "/api/v1/symbols", exchange.CreateSymbolRequest{Symbol: "ABC"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate symbol: expected 409, got %d", w.Code)
	}
}

// --- Orders ---

func TestPlaceOrder_Rests(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "alice", "1000")
	createSymbol(t, router, "ABC")

	resp := mustPlace(t, router, "alice", "ABC", model.Buy, "10", "5")
	if resp.Order.OrderID == 0 {
		t.Fatal("expected an assigned order id")
	}
	if resp.Order.Status != model.StatusOpen {
		t.Errorf("status = %s, want open", resp.Order.Status)
	}
	if len(resp.Executions) != 0 {
		t.Errorf("executions = %+v, want none", resp.Executions)
	}

	w := doJSON(t, router, "GET", "/api/v1/books/ABC", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("book: %d %s", w.Code, w.Body.String())
	}
	var bk exchange.BookResponse
	json.Unmarshal(w.Body.Bytes(), &bk)
	if len(bk.Bids) != 1 || !bk.Bids[0].Quantity.Equal(d("10")) || !bk.Bids[0].Price.Equal(d("5")) {
		t.Errorf("bids = %+v, want one level 10@5", bk.Bids)
	}
	if len(bk.Asks) != 0 {
		t.Errorf("asks = %+v, want empty", bk.Asks)
	}
}

func TestPlaceOrder_Matches(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "buyer", "1000")
	createAccount(t, router, "seller", "0")
	createSymbol(t, router, "ABC", exchange.Allocation{AccountID: "seller", Amount: d("10")})

	mustPlace(t, router, "seller", "ABC", model.Sell, "10", "10")
	resp := mustPlace(t, router, "buyer", "ABC", model.Buy, "10", "12")

	if resp.Order.Status != model.StatusExecuted {
		t.Fatalf("status = %s, want executed", resp.Order.Status)
	}
	if len(resp.Executions) != 1 {
		t.Fatalf("executions = %+v, want one fill", resp.Executions)
	}
	if !resp.Executions[0].Price.Equal(d("10")) {
		t.Errorf("fill price = %s, want the resting 10", resp.Executions[0].Price)
	}

	var pf model.Portfolio
	w := doJSON(t, router, "GET", "/api/v1/accounts/buyer", nil)
	json.Unmarshal(w.Body.Bytes(), &pf)
	if !pf.Balance.Equal(d("900")) {
		t.Errorf("buyer balance = %s, want 900", pf.Balance)
	}
	if len(pf.Positions) != 1 || !pf.Positions[0].Amount.Equal(d("10")) {
		t.Errorf("buyer positions = %+v, want 10 ABC", pf.Positions)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "alice", "1000")
	createSymbol(t, router, "ABC")

	cases := []struct {
		name string
		req  exchange.PlaceOrderRequest
	}{
		{"bad side", exchange.PlaceOrderRequest{AccountID: "alice", Symbol: "ABC", Side: "hold", Amount: d("1"), LimitPrice: d("5")}},
		{"zero amount", exchange.PlaceOrderRequest{AccountID: "alice", Symbol: "ABC", Side: model.Buy, Amount: d("0"), LimitPrice: d("5")}},
		{"negative price", exchange.PlaceOrderRequest{AccountID: "alice", Symbol: "ABC", Side: model.Buy, Amount: d("1"), LimitPrice: d("-5")}},
		{"unknown symbol", exchange.PlaceOrderRequest{AccountID: "alice", Symbol: "NOPE", Side: model.Buy, Amount: d("1"), LimitPrice: d("5")}},
		{"unknown account", exchange.PlaceOrderRequest{AccountID: "ghost", Symbol: "ABC", Side: model.Buy, Amount: d("1"), LimitPrice: d("5")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := placeOrder(t, router, tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestPlaceOrder_InsolventSubmitter(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "pauper", "10")
	createAccount(t, router, "seller", "0")
	createSymbol(t, router, "ABC", exchange.Allocation{AccountID: "seller", Amount: d("5")})

	mustPlace(t, router, "seller", "ABC", model.Sell, "5", "10")

	w := placeOrder(t, router, exchange.PlaceOrderRequest{
		AccountID:  "pauper",
		Symbol:     "ABC",
		Side:       model.Buy,
		Amount:     d("5"),
		LimitPrice: d("10"),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var resp exchange.PlaceOrderResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error == "" {
		t.Error("expected an error message in the conflict body")
	}
	if resp.Order == nil || resp.Order.Status != model.StatusCancelled {
		t.Errorf("order = %+v, want cancelled", resp.Order)
	}
}

func TestCancelOrder(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "alice", "100")
	createAccount(t, router, "bob", "100")
	createSymbol(t, router, "ABC")

	resp := mustPlace(t, router, "alice", "ABC", model.Buy, "10", "5")
	path := fmt.Sprintf("/api/v1/orders/%d/cancel", resp.Order.OrderID)

	// Someone else's cancel reads as not found.
	w := doJSON(t, router, "POST", path, exchange.CancelOrderRequest{AccountID: "bob"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign cancel: expected 404, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", path, exchange.CancelOrderRequest{AccountID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	var cancelled model.Order
	json.Unmarshal(w.Body.Bytes(), &cancelled)
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	w = doJSON(t, router, "POST", path, exchange.CancelOrderRequest{AccountID: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/orders/99999/cancel", exchange.CancelOrderRequest{AccountID: "alice"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown order: expected 404, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/orders/abc/cancel", exchange.CancelOrderRequest{AccountID: "alice"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed id: expected 400, got %d", w.Code)
	}
}

func TestGetOrder(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "buyer", "1000")
	createAccount(t, router, "seller", "0")
	createSymbol(t, router, "ABC", exchange.Allocation{AccountID: "seller", Amount: d("60")})

	mustPlace(t, router, "seller", "ABC", model.Sell, "60", "10")
	resp := mustPlace(t, router, "buyer", "ABC", model.Buy, "100", "10")

	path := fmt.Sprintf("/api/v1/orders/%d", resp.Order.OrderID)
	w := doJSON(t, router, "GET", path+"?account_id=buyer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get order: %d %s", w.Code, w.Body.String())
	}
	var status exchange.OrderStatusResponse
	json.Unmarshal(w.Body.Bytes(), &status)
	if status.Order.Status != model.StatusOpen || !status.Order.RemainingAmount.Equal(d("40")) {
		t.Errorf("order = %+v, want open with 40 remaining", status.Order)
	}
	if len(status.Executions) != 1 || !status.Executions[0].Shares.Equal(d("60")) {
		t.Errorf("executions = %+v, want one 60-share fill", status.Executions)
	}

	// Ownership is enforced without leaking existence.
	w = doJSON(t, router, "GET", path+"?account_id=seller", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign query: expected 404, got %d", w.Code)
	}
	w = doJSON(t, router, "GET", path, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing account_id: expected 400, got %d", w.Code)
	}
	w = doJSON(t, router, "GET", "/api/v1/orders/99999?account_id=buyer", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown order: expected 404, got %d", w.Code)
	}
}

func TestListAccountOrders(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "alice", "1000")
	createSymbol(t, router, "ABC")

	first := mustPlace(t, router, "alice", "ABC", model.Buy, "1", "5")
	second := mustPlace(t, router, "alice", "ABC", model.Buy, "2", "6")

	w := doJSON(t, router, "GET", "/api/v1/accounts/alice/orders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list orders: %d %s", w.Code, w.Body.String())
	}
	var list []model.Order
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 2 {
		t.Fatalf("got %d orders, want 2", len(list))
	}
	if list[0].OrderID != second.Order.OrderID || list[1].OrderID != first.Order.OrderID {
		t.Errorf("order ids = [%d %d], want newest first [%d %d]",
			list[0].OrderID, list[1].OrderID, second.Order.OrderID, first.Order.OrderID)
	}

	w = doJSON(t, router, "GET", "/api/v1/accounts/ghost/orders", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown account: expected 404, got %d", w.Code)
	}
}

func TestGetBook_Aggregates(t *testing.T) {
	_, router := newTestEnv(t)
	createAccount(t, router, "a", "1000")
	createAccount(t, router, "b", "1000")
	createSymbol(t, router, "ABC")

	mustPlace(t, router, "a", "ABC", model.Buy, "10", "5")
	mustPlace(t, router, "b", "ABC", model.Buy, "7", "5")
	mustPlace(t, router, "a", "ABC", model.Buy, "3", "6")

	w := doJSON(t, router, "GET", "/api/v1/books/ABC", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("book: %d %s", w.Code, w.Body.String())
	}
	var bk exchange.BookResponse
	json.Unmarshal(w.Body.Bytes(), &bk)
	if len(bk.Bids) != 2 {
		t.Fatalf("bids = %+v, want 2 levels", bk.Bids)
	}
	// Best bid first.
	if !bk.Bids[0].Price.Equal(d("6")) || !bk.Bids[0].Quantity.Equal(d("3")) || bk.Bids[0].Orders != 1 {
		t.Errorf("best bid = %+v, want 3@6 from one order", bk.Bids[0])
	}
	if !bk.Bids[1].Price.Equal(d("5")) || !bk.Bids[1].Quantity.Equal(d("17")) || bk.Bids[1].Orders != 2 {
		t.Errorf("second bid = %+v, want 17@5 from two orders", bk.Bids[1])
	}

	w = doJSON(t, router, "GET", "/api/v1/books/NOPE", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol: expected 404, got %d", w.Code)
	}
}

func TestGetPortfolio_UnknownAccount(t *testing.T) {
	_, router := newTestEnv(t)
	w := doJSON(t, router, "GET", "/api/v1/accounts/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// fakeTokens reserves client order tokens in memory, standing in for the
// Redis-backed reserver.
type fakeTokens struct {
	mu   sync.Mutex
	used map[string]bool
}

func (f *fakeTokens) ReserveClientToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used[token] {
		return store.ErrDuplicateClientOrder
	}
	f.used[token] = true
	return nil
}

func TestPlaceOrder_ClientTokenDeduplicates(t *testing.T) {
	_, router := newTestEnvWithTokens(t, &fakeTokens{used: make(map[string]bool)})
	createAccount(t, router, "alice", "1000")
	createSymbol(t, router, "ABC")

	req := exchange.PlaceOrderRequest{
		AccountID:     "alice",
		Symbol:        "ABC",
		Side:          model.Buy,
		Amount:        d("1"),
		LimitPrice:    d("5"),
		ClientOrderID: "tok-1",
	}
	if w := placeOrder(t, router, req); w.Code != http.StatusCreated {
		t.Fatalf("first submission: %d %s", w.Code, w.Body.String())
	}
	if w := placeOrder(t, router, req); w.Code != http.StatusConflict {
		t.Errorf("replayed submission: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w := doJSON(t, router, "GET", "/api/v1/accounts/alice/orders", nil)
	var list []model.Order
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("stored orders = %d, want the single accepted submission", len(list))
	}
}
