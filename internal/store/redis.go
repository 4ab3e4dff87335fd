package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/model"
)

// tokenTTL bounds how long a client order token stays reserved. A day is
// far beyond any sane retry window.
const tokenTTL = 24 * time.Hour

// TokenReserver claims client-supplied order tokens so a retried submission
// is rejected instead of creating a second order.
type TokenReserver interface {
	// ReserveClientToken claims token, returning ErrDuplicateClientOrder
	// if it was already claimed.
	ReserveClientToken(ctx context.Context, token string) error
}

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the symbol registry, which is immutable once written. Mutable
// rows (balances, positions, orders) are never cached: settlement writes
// them inside transactions on the primary, where this wrapper cannot see
// them to invalidate.
//
// CachedStore also implements TokenReserver on the same Redis client.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Symbols (cached) ---

func (s *CachedStore) CreateSymbol(ctx context.Context, sym string) error {
	if err := s.primary.CreateSymbol(ctx, sym); err != nil {
		return err
	}
	s.rdb.Set(ctx, symbolKey(sym), "1", s.ttl)
	// Invalidate the full listing; next read re-populates.
	s.rdb.Del(ctx, symbolsKey)
	return nil
}

func (s *CachedStore) SymbolExists(ctx context.Context, sym string) (bool, error) {
	// Try cache. Only presence is cached: a miss may just be expiry.
	if err := s.rdb.Get(ctx, symbolKey(sym)).Err(); err == nil {
		return true, nil
	}

	exists, err := s.primary.SymbolExists(ctx, sym)
	if err != nil {
		return false, err
	}
	if exists {
		s.rdb.Set(ctx, symbolKey(sym), "1", s.ttl)
	}
	return exists, nil
}

func (s *CachedStore) ListSymbols(ctx context.Context) ([]string, error) {
	data, err := s.rdb.Get(ctx, symbolsKey).Bytes()
	if err == nil {
		var symbols []string
		if json.Unmarshal(data, &symbols) == nil {
			return symbols, nil
		}
	}

	symbols, err := s.primary.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(symbols); err == nil {
		s.rdb.Set(ctx, symbolsKey, data, s.ttl)
	}
	return symbols, nil
}

// --- Client order tokens ---

func (s *CachedStore) ReserveClientToken(ctx context.Context, token string) error {
	ok, err := s.rdb.SetNX(ctx, tokenKey(token), "1", tokenTTL).Result()
	if err != nil {
		return fmt.Errorf("reserve client token: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClientOrder, token)
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, accountID)
}

func (s *CachedStore) GetAccountForUpdate(ctx context.Context, accountID string) (*model.Account, error) {
	return s.primary.GetAccountForUpdate(ctx, accountID)
}

func (s *CachedStore) UpdateAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	return s.primary.UpdateAccountBalance(ctx, accountID, balance)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, sym string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, sym)
}

func (s *CachedStore) GetPositionForUpdate(ctx context.Context, accountID, sym string) (*model.Position, error) {
	return s.primary.GetPositionForUpdate(ctx, accountID, sym)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, accountID, sym string, amount decimal.Decimal) error {
	return s.primary.UpsertPosition(ctx, accountID, sym, amount)
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, accountID)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.primary.GetOrder(ctx, orderID)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx)
}

func (s *CachedStore) ListOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.primary.ListOrdersByAccount(ctx, accountID)
}

func (s *CachedStore) UpdateOrderFill(ctx context.Context, orderID int64, remaining decimal.Decimal, status model.OrderStatus) error {
	return s.primary.UpdateOrderFill(ctx, orderID, remaining, status)
}

func (s *CachedStore) CancelOrderIfOpen(ctx context.Context, orderID int64) (bool, error) {
	return s.primary.CancelOrderIfOpen(ctx, orderID)
}

func (s *CachedStore) InsertExecution(ctx context.Context, e *model.Execution) error {
	return s.primary.InsertExecution(ctx, e)
}

func (s *CachedStore) ListExecutions(ctx context.Context, orderID int64) ([]model.Execution, error) {
	return s.primary.ListExecutions(ctx, orderID)
}

// RunInTx delegates to the primary: the closure must see and mutate the
// source of truth, not the cache.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	return s.primary.RunInTx(ctx, fn)
}

// --- Cache keys ---

const symbolsKey = "symbols"

func symbolKey(sym string) string  { return fmt.Sprintf("symbol:%s", sym) }
func tokenKey(token string) string { return fmt.Sprintf("order-token:%s", token) }
