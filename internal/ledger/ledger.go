// Package ledger owns cash and share settlement. A trade settles as one
// atomic four-way mutation inside the caller's transaction: debit buyer
// cash, credit seller cash, debit seller shares, credit buyer shares. No
// balance or position is ever left negative, and nothing is reserved ahead
// of time — sufficiency is checked at the instant of settlement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/model"
	"github.com/crossledger/exchange-engine/internal/store"
)

var (
	ErrInsufficientFunds    = errors.New("ledger: insufficient funds")
	ErrInsufficientPosition = errors.New("ledger: insufficient position")
)

// SettleError reports which account failed settlement and by how much.
// It unwraps to ErrInsufficientFunds or ErrInsufficientPosition.
type SettleError struct {
	AccountID string
	Need      decimal.Decimal
	Have      decimal.Decimal
	reason    error
}

func (e *SettleError) Error() string {
	return fmt.Sprintf("%v: account %s needs %s, has %s", e.reason, e.AccountID, e.Need, e.Have)
}

func (e *SettleError) Unwrap() error { return e.reason }

// Ledger settles trades and hands out the per-account exclusive sections
// that serialize cash access across symbol workers.
type Ledger struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *Ledger {
	return &Ledger{locks: make(map[string]*sync.Mutex)}
}

func (l *Ledger) lockFor(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[accountID] = m
	}
	return m
}

// LockAccounts acquires both accounts' exclusive sections and returns the
// release func. Locks are always taken in ascending account-ID order, so
// two workers settling against overlapping account pairs cannot deadlock.
// A same-account pair locks once.
func (l *Ledger) LockAccounts(a, b string) func() {
	if a == b {
		m := l.lockFor(a)
		m.Lock()
		return m.Unlock
	}
	if b < a {
		a, b = b, a
	}
	first, second := l.lockFor(a), l.lockFor(b)
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

// Settle moves qty shares of symbol from seller to buyer at price, inside
// the caller's transaction. Row locks are taken in ascending account-ID
// order. On insufficient funds or shares it returns a SettleError naming
// the offending account and mutates nothing.
//
// Callers must hold the accounts' exclusive sections (LockAccounts) for
// the duration of the enclosing transaction.
func (l *Ledger) Settle(ctx context.Context, tx store.Store, buyerID, sellerID, symbol string, qty, price decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("ledger: non-positive trade quantity %s", qty)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("ledger: non-positive trade price %s", price)
	}
	cost := qty.Mul(price)

	buyer, seller, err := l.readAccounts(ctx, tx, buyerID, sellerID)
	if err != nil {
		return err
	}

	if buyer.Balance.LessThan(cost) {
		return &SettleError{AccountID: buyerID, Need: cost, Have: buyer.Balance, reason: ErrInsufficientFunds}
	}
	sellerPos, err := tx.GetPositionForUpdate(ctx, sellerID, symbol)
	if err != nil {
		return fmt.Errorf("read seller position: %w", err)
	}
	if sellerPos.Amount.LessThan(qty) {
		return &SettleError{AccountID: sellerID, Need: qty, Have: sellerPos.Amount, reason: ErrInsufficientPosition}
	}

	if buyerID == sellerID {
		// Self-trade: debits and credits cancel exactly, but only settles
		// when the account could have covered both legs.
		return nil
	}

	buyerPos, err := tx.GetPositionForUpdate(ctx, buyerID, symbol)
	if err != nil {
		return fmt.Errorf("read buyer position: %w", err)
	}

	if err := tx.UpdateAccountBalance(ctx, buyerID, buyer.Balance.Sub(cost)); err != nil {
		return fmt.Errorf("debit buyer %s: %w", buyerID, err)
	}
	if err := tx.UpdateAccountBalance(ctx, sellerID, seller.Balance.Add(cost)); err != nil {
		return fmt.Errorf("credit seller %s: %w", sellerID, err)
	}
	if err := tx.UpsertPosition(ctx, sellerID, symbol, sellerPos.Amount.Sub(qty)); err != nil {
		return fmt.Errorf("debit seller position %s/%s: %w", sellerID, symbol, err)
	}
	if err := tx.UpsertPosition(ctx, buyerID, symbol, buyerPos.Amount.Add(qty)); err != nil {
		return fmt.Errorf("credit buyer position %s/%s: %w", buyerID, symbol, err)
	}
	return nil
}

// readAccounts fetches both account rows under row locks, lowest ID first.
func (l *Ledger) readAccounts(ctx context.Context, tx store.Store, buyerID, sellerID string) (buyer, seller *model.Account, err error) {
	if buyerID == sellerID {
		a, err := tx.GetAccountForUpdate(ctx, buyerID)
		if err != nil {
			return nil, nil, fmt.Errorf("read account: %w", err)
		}
		return a, a, nil
	}

	first, second := buyerID, sellerID
	if second < first {
		first, second = second, first
	}
	a1, err := tx.GetAccountForUpdate(ctx, first)
	if err != nil {
		return nil, nil, fmt.Errorf("read account %s: %w", first, err)
	}
	a2, err := tx.GetAccountForUpdate(ctx, second)
	if err != nil {
		return nil, nil, fmt.Errorf("read account %s: %w", second, err)
	}
	if first == buyerID {
		return a1, a2, nil
	}
	return a2, a1, nil
}
