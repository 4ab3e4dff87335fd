package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/model"
)

type posKey struct {
	account string
	symbol  string
}

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Transactions run under the store's single lock: RunInTx snapshots state,
// runs the closure against the live maps, and restores the snapshot when the
// closure fails. ForUpdate reads are plain reads, since the lock already
// serializes everything.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]*model.Account
	symbols     map[string]bool
	positions   map[posKey]*model.Position
	orders      map[int64]*model.Order
	executions  []model.Execution
	nextOrderID int64
	nextExecID  int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		symbols:   make(map[string]bool),
		positions: make(map[posKey]*model.Position),
		orders:    make(map[int64]*model.Order),
	}
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAccount(a)
}

func (s *MemoryStore) createAccount(a *model.Account) error {
	if _, ok := s.accounts[a.AccountID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.AccountID)
	}
	copy := *a
	s.accounts[a.AccountID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccount(accountID)
}

func (s *MemoryStore) GetAccountForUpdate(_ context.Context, accountID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccount(accountID)
}

func (s *MemoryStore) getAccount(accountID string) (*model.Account, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) UpdateAccountBalance(_ context.Context, accountID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAccountBalance(accountID, balance)
}

func (s *MemoryStore) updateAccountBalance(accountID string, balance decimal.Decimal) error {
	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	a.Balance = balance
	return nil
}

// --- Symbols ---

func (s *MemoryStore) CreateSymbol(_ context.Context, sym string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSymbol(sym)
}

func (s *MemoryStore) createSymbol(sym string) error {
	if s.symbols[sym] {
		return fmt.Errorf("%w: %s", ErrSymbolExists, sym)
	}
	s.symbols[sym] = true
	return nil
}

func (s *MemoryStore) SymbolExists(_ context.Context, sym string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbols[sym], nil
}

func (s *MemoryStore) ListSymbols(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSymbols(), nil
}

func (s *MemoryStore) listSymbols() []string {
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, accountID, sym string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPosition(accountID, sym), nil
}

func (s *MemoryStore) GetPositionForUpdate(_ context.Context, accountID, sym string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPosition(accountID, sym), nil
}

func (s *MemoryStore) getPosition(accountID, sym string) *model.Position {
	if p, ok := s.positions[posKey{accountID, sym}]; ok {
		copy := *p
		return &copy
	}
	return &model.Position{AccountID: accountID, Symbol: sym, Amount: decimal.Zero}
}

func (s *MemoryStore) UpsertPosition(_ context.Context, accountID, sym string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertPosition(accountID, sym, amount)
	return nil
}

func (s *MemoryStore) upsertPosition(accountID, sym string, amount decimal.Decimal) {
	s.positions[posKey{accountID, sym}] = &model.Position{
		AccountID: accountID,
		Symbol:    sym,
		Amount:    amount,
	}
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPositions(accountID), nil
}

func (s *MemoryStore) listPositions(accountID string) []model.Position {
	var positions []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID && !p.Amount.IsZero() {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOrder(o)
}

func (s *MemoryStore) createOrder(o *model.Order) error {
	s.nextOrderID++
	o.OrderID = s.nextOrderID
	o.TimeCreated = time.Now()
	copy := *o
	s.orders[o.OrderID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID int64) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrder(orderID)
}

func (s *MemoryStore) getOrder(orderID int64) (*model.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOpenOrders(), nil
}

func (s *MemoryStore) listOpenOrders() []model.Order {
	var orders []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusOpen {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].TimeCreated.Equal(orders[j].TimeCreated) {
			return orders[i].TimeCreated.Before(orders[j].TimeCreated)
		}
		return orders[i].OrderID < orders[j].OrderID
	})
	return orders
}

func (s *MemoryStore) ListOrdersByAccount(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrdersByAccount(accountID), nil
}

func (s *MemoryStore) listOrdersByAccount(accountID string) []model.Order {
	var orders []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].TimeCreated.Equal(orders[j].TimeCreated) {
			return orders[i].TimeCreated.After(orders[j].TimeCreated)
		}
		return orders[i].OrderID > orders[j].OrderID
	})
	return orders
}

func (s *MemoryStore) UpdateOrderFill(_ context.Context, orderID int64, remaining decimal.Decimal, status model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateOrderFill(orderID, remaining, status)
}

func (s *MemoryStore) updateOrderFill(orderID int64, remaining decimal.Decimal, status model.OrderStatus) error {
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	o.RemainingAmount = remaining
	o.Status = status
	return nil
}

func (s *MemoryStore) CancelOrderIfOpen(_ context.Context, orderID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelOrderIfOpen(orderID)
}

func (s *MemoryStore) cancelOrderIfOpen(orderID int64) (bool, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if o.Status != model.StatusOpen {
		return false, nil
	}
	o.Status = model.StatusCancelled
	return true, nil
}

// --- Executions ---

func (s *MemoryStore) InsertExecution(_ context.Context, e *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertExecution(e)
	return nil
}

func (s *MemoryStore) insertExecution(e *model.Execution) {
	s.nextExecID++
	e.ExecutionID = s.nextExecID
	e.TimeExecuted = time.Now()
	s.executions = append(s.executions, *e)
}

func (s *MemoryStore) ListExecutions(_ context.Context, orderID int64) ([]model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listExecutions(orderID), nil
}

func (s *MemoryStore) listExecutions(orderID int64) []model.Execution {
	var execs []model.Execution
	for _, e := range s.executions {
		if e.OrderID == orderID {
			execs = append(execs, e)
		}
	}
	return execs
}

// --- Transactions ---

type memSnapshot struct {
	accounts    map[string]*model.Account
	symbols     map[string]bool
	positions   map[posKey]*model.Position
	orders      map[int64]*model.Order
	executions  []model.Execution
	nextOrderID int64
	nextExecID  int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		accounts:    make(map[string]*model.Account, len(s.accounts)),
		symbols:     make(map[string]bool, len(s.symbols)),
		positions:   make(map[posKey]*model.Position, len(s.positions)),
		orders:      make(map[int64]*model.Order, len(s.orders)),
		executions:  append([]model.Execution(nil), s.executions...),
		nextOrderID: s.nextOrderID,
		nextExecID:  s.nextExecID,
	}
	for k, a := range s.accounts {
		copy := *a
		snap.accounts[k] = &copy
	}
	for k, v := range s.symbols {
		snap.symbols[k] = v
	}
	for k, p := range s.positions {
		copy := *p
		snap.positions[k] = &copy
	}
	for k, o := range s.orders {
		copy := *o
		snap.orders[k] = &copy
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.accounts = snap.accounts
	s.symbols = snap.symbols
	s.positions = snap.positions
	s.orders = snap.orders
	s.executions = snap.executions
	s.nextOrderID = snap.nextOrderID
	s.nextExecID = snap.nextExecID
}

// RunInTx holds the store lock for the whole transaction, so concurrent
// callers see either all of fn's mutations or none of them.
func (s *MemoryStore) RunInTx(_ context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memoryTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// memoryTx is the transactional view handed to RunInTx closures. The parent's
// lock is already held, so methods reach the unlocked internals directly.
type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) CreateAccount(_ context.Context, a *model.Account) error {
	return t.s.createAccount(a)
}

func (t *memoryTx) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	return t.s.getAccount(accountID)
}

func (t *memoryTx) GetAccountForUpdate(_ context.Context, accountID string) (*model.Account, error) {
	return t.s.getAccount(accountID)
}

func (t *memoryTx) UpdateAccountBalance(_ context.Context, accountID string, balance decimal.Decimal) error {
	return t.s.updateAccountBalance(accountID, balance)
}

func (t *memoryTx) CreateSymbol(_ context.Context, sym string) error {
	return t.s.createSymbol(sym)
}

func (t *memoryTx) SymbolExists(_ context.Context, sym string) (bool, error) {
	return t.s.symbols[sym], nil
}

func (t *memoryTx) ListSymbols(_ context.Context) ([]string, error) {
	return t.s.listSymbols(), nil
}

func (t *memoryTx) GetPosition(_ context.Context, accountID, sym string) (*model.Position, error) {
	return t.s.getPosition(accountID, sym), nil
}

func (t *memoryTx) GetPositionForUpdate(_ context.Context, accountID, sym string) (*model.Position, error) {
	return t.s.getPosition(accountID, sym), nil
}

func (t *memoryTx) UpsertPosition(_ context.Context, accountID, sym string, amount decimal.Decimal) error {
	t.s.upsertPosition(accountID, sym, amount)
	return nil
}

func (t *memoryTx) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	return t.s.listPositions(accountID), nil
}

func (t *memoryTx) CreateOrder(_ context.Context, o *model.Order) error {
	return t.s.createOrder(o)
}

func (t *memoryTx) GetOrder(_ context.Context, orderID int64) (*model.Order, error) {
	return t.s.getOrder(orderID)
}

func (t *memoryTx) ListOpenOrders(_ context.Context) ([]model.Order, error) {
	return t.s.listOpenOrders(), nil
}

func (t *memoryTx) ListOrdersByAccount(_ context.Context, accountID string) ([]model.Order, error) {
	return t.s.listOrdersByAccount(accountID), nil
}

func (t *memoryTx) UpdateOrderFill(_ context.Context, orderID int64, remaining decimal.Decimal, status model.OrderStatus) error {
	return t.s.updateOrderFill(orderID, remaining, status)
}

func (t *memoryTx) CancelOrderIfOpen(_ context.Context, orderID int64) (bool, error) {
	return t.s.cancelOrderIfOpen(orderID)
}

func (t *memoryTx) InsertExecution(_ context.Context, e *model.Execution) error {
	t.s.insertExecution(e)
	return nil
}

func (t *memoryTx) ListExecutions(_ context.Context, orderID int64) ([]model.Execution, error) {
	return t.s.listExecutions(orderID), nil
}

func (t *memoryTx) RunInTx(_ context.Context, fn func(tx Store) error) error {
	// Already transactional; run in the same transaction.
	return fn(t)
}
