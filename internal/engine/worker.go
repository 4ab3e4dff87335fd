package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/book"
	"github.com/crossledger/exchange-engine/internal/ledger"
	"github.com/crossledger/exchange-engine/internal/metrics"
	"github.com/crossledger/exchange-engine/internal/model"
	"github.com/crossledger/exchange-engine/internal/store"
)

const taskBuffer = 128

type placeTask struct {
	order *model.Order
	reply chan placeResult
}

type placeResult struct {
	order *model.Order
	execs []model.Execution
	err   error
}

type cancelTask struct {
	orderID int64
	reply   chan error
}

type depthTask struct {
	reply chan depthResult
}

type depthResult struct {
	bids []book.Level
	asks []book.Level
}

// symbolWorker owns one symbol's book. Placements, cancellations, and book
// reads all funnel through its task channel, so effects on a symbol are
// serialized in arrival order and the book is only ever touched by this
// goroutine.
type symbolWorker struct {
	eng    *Engine
	symbol string
	book   *book.Book
	tasks  chan any
}

func newSymbolWorker(e *Engine, symbol string) *symbolWorker {
	return &symbolWorker{
		eng:    e,
		symbol: symbol,
		book:   book.New(symbol),
		tasks:  make(chan any, taskBuffer),
	}
}

func (w *symbolWorker) run() error {
	for {
		select {
		case <-w.eng.t.Dying():
			return nil
		case task := <-w.tasks:
			switch t := task.(type) {
			case placeTask:
				t.reply <- w.handlePlace(t.order)
			case cancelTask:
				t.reply <- w.handleCancel(t.orderID)
			case depthTask:
				bids, asks := w.book.Depth()
				t.reply <- depthResult{bids: bids, asks: asks}
			}
			metrics.RestingOrders.WithLabelValues(w.symbol).Set(float64(w.book.Len()))
		}
	}
}

// handlePlace writes the order durably, matches it against the book, and
// rests whatever is left. The reply carries the order's post-match state.
// Worker-side storage calls use the engine context, not the submitter's:
// once the order row exists the outcome no longer depends on whether the
// client is still waiting.
func (w *symbolWorker) handlePlace(o *model.Order) placeResult {
	ctx := w.eng.ctx
	if err := w.eng.orders.Create(ctx, o); err != nil {
		return placeResult{err: err}
	}
	execs, err := w.match(ctx, o)
	w.restRemainder(o)
	return placeResult{order: o, execs: execs, err: err}
}

// match trades the incoming order against the opposite side until its limit
// no longer crosses, it is exhausted, or a failure stops matching. Trades
// always execute at the resting order's price.
func (w *symbolWorker) match(ctx context.Context, o *model.Order) ([]model.Execution, error) {
	var execs []model.Execution
	for o.Status == model.StatusOpen && o.RemainingAmount.GreaterThan(decimal.Zero) {
		best, ok := w.book.PeekBest(o.Side.Opposite())
		if !ok || !o.Crosses(best.Price) {
			break
		}

		qty := decimal.Min(o.RemainingAmount, best.Remaining)

		resting, err := w.eng.store.GetOrder(ctx, best.OrderID)
		if err != nil {
			return execs, fmt.Errorf("load resting order %d: %w", best.OrderID, err)
		}

		exec, err := w.trade(ctx, o, resting, qty, best.Price)
		if err == nil {
			execs = append(execs, *exec)
			continue
		}

		var se *ledger.SettleError
		if !errors.As(err, &se) {
			return execs, err
		}
		restingAtFault := se.AccountID == resting.AccountID
		if resting.AccountID == o.AccountID {
			// Self-trade: the account matches both orders, so attribute
			// by role. Insufficient funds fails the buy side,
			// insufficient position the sell side.
			buyerFailed := errors.Is(se, ledger.ErrInsufficientFunds)
			restingAtFault = buyerFailed == (resting.Side == model.Buy)
		}
		if restingAtFault {
			// The resting side cannot settle. Pull its order and keep
			// matching against the rest of the book.
			w.pullResting(ctx, best, se)
			continue
		}
		// The submitter cannot settle. Cancel what remains and stop;
		// fills that already committed stand.
		w.cancelRemainder(ctx, o, se)
		return execs, err
	}
	return execs, nil
}

// trade executes one fill of qty shares at price. The cash and share moves
// and both fill records commit in a single transaction, under both account
// locks; the in-memory book is reduced only after the commit.
func (w *symbolWorker) trade(ctx context.Context, incoming, resting *model.Order, qty, price decimal.Decimal) (*model.Execution, error) {
	buyer, seller := incoming.AccountID, resting.AccountID
	if incoming.Side == model.Sell {
		buyer, seller = resting.AccountID, incoming.AccountID
	}

	var incomingExec, restingExec *model.Execution
	unlock := w.eng.ledger.LockAccounts(buyer, seller)
	err := w.eng.store.RunInTx(ctx, func(tx store.Store) error {
		if err := w.eng.ledger.Settle(ctx, tx, buyer, seller, w.symbol, qty, price); err != nil {
			return err
		}
		var err error
		if restingExec, err = w.eng.orders.RecordFill(ctx, tx, resting, qty, price); err != nil {
			return err
		}
		incomingExec, err = w.eng.orders.RecordFill(ctx, tx, incoming, qty, price)
		return err
	})
	unlock()
	if err != nil {
		return nil, err
	}

	if err := w.book.Reduce(resting.OrderID, qty); err != nil {
		slog.Error("book out of step with committed fill",
			"symbol", w.symbol, "order_id", resting.OrderID, "error", err)
	}

	metrics.ExecutionsTotal.Add(2)
	shares, _ := qty.Float64()
	metrics.MatchedVolume.WithLabelValues(w.symbol).Add(shares)

	w.eng.report(reportFor(resting, restingExec))
	w.eng.report(reportFor(incoming, incomingExec))

	slog.Info("trade executed",
		"symbol", w.symbol,
		"shares", qty.String(),
		"price", price.String(),
		"buyer", buyer,
		"seller", seller,
		"incoming_order", incoming.OrderID,
		"resting_order", resting.OrderID)

	return incomingExec, nil
}

// restRemainder puts the unfilled part of an order on the book. No-op when
// matching left the order in a terminal state.
func (w *symbolWorker) restRemainder(o *model.Order) {
	if o == nil || o.Status != model.StatusOpen || o.RemainingAmount.LessThanOrEqual(decimal.Zero) {
		return
	}
	entry := &book.Entry{
		OrderID:   o.OrderID,
		AccountID: o.AccountID,
		Side:      o.Side,
		Price:     o.LimitPrice,
		Remaining: o.RemainingAmount,
	}
	if err := w.book.Insert(entry); err != nil {
		slog.Error("order could not rest on book",
			"symbol", w.symbol, "order_id", o.OrderID, "error", err)
	}
}

// pullResting removes an insolvent resting order from the book and cancels
// it durably. The book removal happens even if the cancel write fails;
// leaving the entry in place would put the same uncoverable order at the
// head of the book on the next iteration.
func (w *symbolWorker) pullResting(ctx context.Context, e *book.Entry, se *ledger.SettleError) {
	if _, err := w.book.Cancel(e.OrderID); err != nil {
		slog.Error("insolvent order missing from book",
			"symbol", w.symbol, "order_id", e.OrderID, "error", err)
	}
	if err := w.eng.orders.Cancel(ctx, e.OrderID); err != nil {
		slog.Error("failed to cancel insolvent resting order",
			"symbol", w.symbol, "order_id", e.OrderID, "error", err)
	}
	metrics.InsolvencyPulls.Inc()
	slog.Warn("pulled insolvent resting order",
		"symbol", w.symbol,
		"order_id", e.OrderID,
		"account_id", e.AccountID,
		"reason", se.Error())
}

// cancelRemainder cancels the unfilled part of an incoming order whose own
// account could not settle.
func (w *symbolWorker) cancelRemainder(ctx context.Context, o *model.Order, se *ledger.SettleError) {
	if err := w.eng.orders.Cancel(ctx, o.OrderID); err != nil {
		slog.Error("failed to cancel insolvent submission",
			"symbol", w.symbol, "order_id", o.OrderID, "error", err)
		return
	}
	o.Status = model.StatusCancelled
	slog.Warn("cancelled insolvent submission",
		"symbol", w.symbol,
		"order_id", o.OrderID,
		"account_id", o.AccountID,
		"reason", se.Error())
}

// handleCancel serializes a user cancellation with matching. The status
// flip is a durable compare-and-set, so a cancel that loses the race to a
// fill reports the order as not cancellable.
func (w *symbolWorker) handleCancel(orderID int64) error {
	if err := w.eng.orders.Cancel(w.eng.ctx, orderID); err != nil {
		return err
	}
	if _, err := w.book.Cancel(orderID); err != nil {
		slog.Error("cancelled order missing from book",
			"symbol", w.symbol, "order_id", orderID, "error", err)
	}
	return nil
}

func reportFor(o *model.Order, exec *model.Execution) ExecutionReport {
	return ExecutionReport{
		AccountID:    o.AccountID,
		OrderID:      o.OrderID,
		ExecutionID:  exec.ExecutionID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Shares:       exec.Shares,
		Price:        exec.Price,
		Remaining:    o.RemainingAmount,
		Status:       o.Status,
		TimeExecuted: exec.TimeExecuted,
	}
}
