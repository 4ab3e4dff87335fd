// Package orders is the order lifecycle manager. It validates new orders,
// creates the durable open row, records fills, and owns the only legal
// status transitions: open to executed exactly when remaining reaches zero,
// and open to cancelled via compare-and-swap.
package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/model"
	"github.com/crossledger/exchange-engine/internal/risk"
	"github.com/crossledger/exchange-engine/internal/store"
)

var (
	ErrInvalidOrder        = errors.New("orders: invalid order")
	ErrOrderNotCancellable = errors.New("orders: order not cancellable")
)

// Manager owns order state. All transitions flow through it; nothing else
// writes order rows.
type Manager struct {
	store store.Store
	rules []risk.Rule
}

func NewManager(st store.Store, rules ...risk.Rule) *Manager {
	return &Manager{store: st, rules: rules}
}

// ValidateNew rejects a submission before any state exists for it. Checks
// are explicit rather than delegated to storage constraints, so a bad order
// never reaches the store at all.
func (m *Manager) ValidateNew(ctx context.Context, o *model.Order) error {
	if !o.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	}
	if o.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: non-positive amount %s", ErrInvalidOrder, o.Amount)
	}
	if o.LimitPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: non-positive limit price %s", ErrInvalidOrder, o.LimitPrice)
	}

	if _, err := m.store.GetAccount(ctx, o.AccountID); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return fmt.Errorf("%w: unknown account %q", ErrInvalidOrder, o.AccountID)
		}
		return err
	}
	known, err := m.store.SymbolExists(ctx, o.Symbol)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: unknown symbol %q", ErrInvalidOrder, o.Symbol)
	}

	for _, r := range m.rules {
		if err := r.Check(o); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOrder, err)
		}
	}
	return nil
}

// Create persists a validated order as the durable open row, filling in its
// assigned ID and creation time. The order only exists once this returns.
func (m *Manager) Create(ctx context.Context, o *model.Order) error {
	o.Status = model.StatusOpen
	o.RemainingAmount = o.Amount
	if err := m.store.CreateOrder(ctx, o); err != nil {
		return fmt.Errorf("persist order: %w", err)
	}
	return nil
}

// RecordFill writes one leg of a trade inside tx: an execution row plus the
// monotonic remaining-amount decrement, flipping status to executed exactly
// when remaining hits zero. o is updated in place to mirror the new row
// state, but only trust it if the transaction commits.
func (m *Manager) RecordFill(ctx context.Context, tx store.Store, o *model.Order, qty, price decimal.Decimal) (*model.Execution, error) {
	if qty.LessThanOrEqual(decimal.Zero) || qty.GreaterThan(o.RemainingAmount) {
		return nil, fmt.Errorf("orders: fill %s outside (0, %s] for order %d", qty, o.RemainingAmount, o.OrderID)
	}
	if o.Status != model.StatusOpen {
		return nil, fmt.Errorf("orders: fill against %s order %d", o.Status, o.OrderID)
	}

	exec := &model.Execution{OrderID: o.OrderID, Shares: qty, Price: price}
	if err := tx.InsertExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}

	remaining := o.RemainingAmount.Sub(qty)
	status := model.StatusOpen
	if remaining.IsZero() {
		status = model.StatusExecuted
	}
	if err := tx.UpdateOrderFill(ctx, o.OrderID, remaining, status); err != nil {
		return nil, fmt.Errorf("apply fill: %w", err)
	}

	o.RemainingAmount = remaining
	o.Status = status
	return exec, nil
}

// Cancel moves an open order to cancelled. The swap is atomic against
// concurrent fills: whichever transition lands first wins, and a lost race
// surfaces as ErrOrderNotCancellable rather than a second transition.
func (m *Manager) Cancel(ctx context.Context, orderID int64) error {
	swapped, err := m.store.CancelOrderIfOpen(ctx, orderID)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("%w: %d", ErrOrderNotCancellable, orderID)
	}
	return nil
}
