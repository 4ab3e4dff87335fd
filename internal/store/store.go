// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for the symbol registry), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/model"
)

var (
	ErrAccountNotFound      = errors.New("store: account not found")
	ErrAccountExists        = errors.New("store: account already exists")
	ErrSymbolNotFound       = errors.New("store: symbol not found")
	ErrSymbolExists         = errors.New("store: symbol already exists")
	ErrOrderNotFound        = errors.New("store: order not found")
	ErrDuplicateClientOrder = errors.New("store: client order token already used")
)

// Store is the persistence interface. PostgreSQL is the source of truth.
//
// The engine settles trades inside RunInTx; the Store passed to the closure
// sees uncommitted state and every mutation through it is atomic with the
// rest of the transaction. The ForUpdate variants take row locks there (a
// no-op for the in-memory store, whose transactions run under one lock).
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. ErrAccountExists on duplicate.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account. ErrAccountNotFound when absent.
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)

	// GetAccountForUpdate is GetAccount holding the row lock for the
	// enclosing transaction.
	GetAccountForUpdate(ctx context.Context, accountID string) (*model.Account, error)

	// UpdateAccountBalance overwrites an account's balance.
	UpdateAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error

	// --- Symbols ---

	// CreateSymbol registers a tradeable symbol. ErrSymbolExists on duplicate.
	CreateSymbol(ctx context.Context, sym string) error

	// SymbolExists reports whether sym is registered.
	SymbolExists(ctx context.Context, sym string) (bool, error)

	// ListSymbols returns all registered symbols.
	ListSymbols(ctx context.Context) ([]string, error)

	// --- Positions ---

	// GetPosition returns the holding of one account in one symbol.
	// A missing row reads as a zero position, never an error.
	GetPosition(ctx context.Context, accountID, sym string) (*model.Position, error)

	// GetPositionForUpdate is GetPosition holding the row lock.
	GetPositionForUpdate(ctx context.Context, accountID, sym string) (*model.Position, error)

	// UpsertPosition overwrites a position, creating the row if needed.
	UpsertPosition(ctx context.Context, accountID, sym string, amount decimal.Decimal) error

	// ListPositions returns all nonzero positions of an account.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Orders ---

	// CreateOrder persists a new order and fills in the store-assigned
	// OrderID and TimeCreated.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order. ErrOrderNotFound when absent.
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)

	// ListOpenOrders returns every order with status open, oldest first
	// (creation time, then order ID). Book reconstruction depends on
	// this ordering.
	ListOpenOrders(ctx context.Context) ([]model.Order, error)

	// ListOrdersByAccount returns an account's orders, newest first.
	ListOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error)

	// UpdateOrderFill overwrites an order's remaining amount and status
	// after a fill.
	UpdateOrderFill(ctx context.Context, orderID int64, remaining decimal.Decimal, status model.OrderStatus) error

	// CancelOrderIfOpen atomically moves an order from open to cancelled.
	// Returns false without error when the order exists but is no longer
	// open; ErrOrderNotFound when it does not exist.
	CancelOrderIfOpen(ctx context.Context, orderID int64) (bool, error)

	// --- Executions ---

	// InsertExecution appends an immutable execution record and fills in
	// the store-assigned ExecutionID and TimeExecuted.
	InsertExecution(ctx context.Context, e *model.Execution) error

	// ListExecutions returns an order's executions, oldest first.
	ListExecutions(ctx context.Context, orderID int64) ([]model.Execution, error)

	// --- Transactions ---

	// RunInTx runs fn against a transactional view of the store and
	// commits iff fn returns nil. A non-nil error rolls back every
	// mutation made through the transactional Store. Calling RunInTx on
	// a transactional Store runs fn in the same transaction.
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}
