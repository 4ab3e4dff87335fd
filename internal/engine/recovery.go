package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/book"
	"github.com/crossledger/exchange-engine/internal/metrics"
	"github.com/crossledger/exchange-engine/internal/model"
)

// loadBooks rebuilds every symbol's book from the durable open orders.
// Orders replay oldest first, so each price level's FIFO queue comes back
// in original arrival order and price-time priority survives a restart.
func (e *Engine) loadBooks(ctx context.Context) error {
	symbols, err := e.store.ListSymbols(ctx)
	if err != nil {
		return fmt.Errorf("engine: list symbols: %w", err)
	}
	for _, sym := range symbols {
		e.workers[sym] = newSymbolWorker(e, sym)
	}

	open, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("engine: list open orders: %w", err)
	}
	for i := range open {
		o := &open[i]
		if err := checkOpenOrder(o); err != nil {
			return err
		}
		w := e.workers[o.Symbol]
		if w == nil {
			return fmt.Errorf("engine: open order %d references unknown symbol %q", o.OrderID, o.Symbol)
		}
		entry := &book.Entry{
			OrderID:   o.OrderID,
			AccountID: o.AccountID,
			Side:      o.Side,
			Price:     o.LimitPrice,
			Remaining: o.RemainingAmount,
		}
		if err := w.book.Insert(entry); err != nil {
			return fmt.Errorf("engine: rebuild %s book: %w", o.Symbol, err)
		}
	}

	for sym, w := range e.workers {
		metrics.RestingOrders.WithLabelValues(sym).Set(float64(w.book.Len()))
	}
	slog.Info("order books rebuilt", "symbols", len(symbols), "open_orders", len(open))
	return nil
}

// checkOpenOrder validates the invariants every stored open order must hold
// before it may rest on a rebuilt book.
func checkOpenOrder(o *model.Order) error {
	switch {
	case !o.Side.Valid():
		return fmt.Errorf("engine: open order %d has invalid side %q", o.OrderID, o.Side)
	case o.LimitPrice.LessThanOrEqual(decimal.Zero):
		return fmt.Errorf("engine: open order %d has non-positive limit price %s", o.OrderID, o.LimitPrice)
	case o.RemainingAmount.LessThanOrEqual(decimal.Zero):
		return fmt.Errorf("engine: open order %d has nothing left to fill", o.OrderID)
	case o.RemainingAmount.GreaterThan(o.Amount):
		return fmt.Errorf("engine: open order %d remaining %s exceeds amount %s", o.OrderID, o.RemainingAmount, o.Amount)
	}
	return nil
}
