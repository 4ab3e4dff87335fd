// Package engine is the matching engine. It owns one worker goroutine per
// symbol; each worker serializes every order placement, cancellation, and
// book read for its symbol, so the order books themselves need no locking.
//
// Durability comes first: a trade's cash and share movement and both fill
// records commit in one storage transaction before the in-memory book is
// touched, and a submission is only acknowledged after its order row is
// written. On restart the books are rebuilt from the open orders.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/tomb.v2"

	"github.com/crossledger/exchange-engine/internal/book"
	"github.com/crossledger/exchange-engine/internal/ledger"
	"github.com/crossledger/exchange-engine/internal/metrics"
	"github.com/crossledger/exchange-engine/internal/model"
	"github.com/crossledger/exchange-engine/internal/orders"
	"github.com/crossledger/exchange-engine/internal/store"
)

// ErrShuttingDown is returned for requests that arrive while the engine is
// draining its workers.
var ErrShuttingDown = errors.New("engine: shutting down")

// ExecutionReport is the post-commit notification for one fill on one order.
// Every trade produces two reports, one per side.
type ExecutionReport struct {
	AccountID    string            `json:"account_id"`
	OrderID      int64             `json:"order_id"`
	ExecutionID  int64             `json:"execution_id"`
	Symbol       string            `json:"symbol"`
	Side         model.Side        `json:"side"`
	Shares       decimal.Decimal   `json:"shares"`
	Price        decimal.Decimal   `json:"price"`
	Remaining    decimal.Decimal   `json:"remaining"`
	Status       model.OrderStatus `json:"status"`
	TimeExecuted time.Time         `json:"time_executed"`
}

// Reporter receives execution reports after their trade has committed.
// Implementations must not block; they run on the matching goroutine.
type Reporter interface {
	Report(r ExecutionReport)
}

// Engine routes orders to per-symbol workers and supervises their lifecycle.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	orders *orders.Manager

	reporter Reporter

	t   *tomb.Tomb
	ctx context.Context

	mu      sync.Mutex
	workers map[string]*symbolWorker
}

func New(st store.Store, lg *ledger.Ledger, om *orders.Manager) *Engine {
	return &Engine{
		store:   st,
		ledger:  lg,
		orders:  om,
		workers: make(map[string]*symbolWorker),
	}
}

// SetReporter wires the execution report sink. Call before Start.
func (e *Engine) SetReporter(r Reporter) { e.reporter = r }

// Start rebuilds every book from the durable open orders and launches one
// worker per symbol. It refuses to serve if the stored orders fail their
// integrity checks: a book that disagrees with the ledger is worse than a
// server that will not start.
func (e *Engine) Start(ctx context.Context) error {
	e.t, e.ctx = tomb.WithContext(ctx)

	if err := e.loadBooks(e.ctx); err != nil {
		return err
	}

	e.mu.Lock()
	for _, w := range e.workers {
		w := w
		e.t.Go(w.run)
	}
	e.mu.Unlock()

	// Keeps the tomb alive when no symbols exist yet and logs the shutdown
	// once it begins.
	e.t.Go(func() error {
		<-e.t.Dying()
		slog.Info("matching engine shutting down")
		return nil
	})
	return nil
}

// Stop signals every worker to exit and waits for them. Tasks still queued
// are dropped; their submitters see ErrShuttingDown and nothing about them
// was acknowledged.
func (e *Engine) Stop() error {
	e.t.Kill(nil)
	if err := e.t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RegisterSymbol opens a market for a newly created symbol by starting its
// worker. Safe to call while the engine is serving; registering a symbol
// twice is a no-op.
func (e *Engine) RegisterSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workers[symbol]; ok {
		return
	}
	w := newSymbolWorker(e, symbol)
	e.workers[symbol] = w
	e.t.Go(w.run)
}

func (e *Engine) worker(symbol string) *symbolWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers[symbol]
}

// Submit validates an order, hands it to its symbol's worker, and waits for
// the outcome. On return the order reflects its post-match state and execs
// lists the fills it received, oldest first. When the submitter could not
// settle a fill the order comes back cancelled alongside the settlement
// error; fills that committed before the failure stand.
func (e *Engine) Submit(ctx context.Context, o *model.Order) (*model.Order, []model.Execution, error) {
	start := time.Now()
	if err := e.orders.ValidateNew(ctx, o); err != nil {
		metrics.OrdersRejected.Inc()
		return nil, nil, err
	}
	w := e.worker(o.Symbol)
	if w == nil {
		metrics.OrdersRejected.Inc()
		return nil, nil, fmt.Errorf("%w: no market for symbol %q", orders.ErrInvalidOrder, o.Symbol)
	}

	t := placeTask{order: o, reply: make(chan placeResult, 1)}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-e.t.Dying():
		return nil, nil, ErrShuttingDown
	}

	select {
	case res := <-t.reply:
		if res.order != nil {
			metrics.OrdersSubmitted.WithLabelValues(string(res.order.Side)).Inc()
			metrics.SubmitLatency.WithLabelValues(string(res.order.Side)).Observe(time.Since(start).Seconds())
		}
		return res.order, res.execs, res.err
	case <-e.t.Dying():
		return nil, nil, ErrShuttingDown
	}
}

// Cancel flips an open order to cancelled and removes it from its book. The
// requesting account must own the order; a cancel aimed at someone else's
// order reports not found rather than leaking its existence.
func (e *Engine) Cancel(ctx context.Context, accountID string, orderID int64) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.AccountID != accountID {
		return nil, fmt.Errorf("%w: order %d", store.ErrOrderNotFound, orderID)
	}
	w := e.worker(o.Symbol)
	if w == nil {
		return nil, fmt.Errorf("engine: no worker for symbol %q", o.Symbol)
	}

	t := cancelTask{orderID: orderID, reply: make(chan error, 1)}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.t.Dying():
		return nil, ErrShuttingDown
	}

	select {
	case err := <-t.reply:
		if err != nil {
			return nil, err
		}
	case <-e.t.Dying():
		return nil, ErrShuttingDown
	}
	return e.store.GetOrder(ctx, orderID)
}

// Depth returns the aggregated book for a symbol, best price first on each
// side. The read runs on the symbol's worker, so it sees a consistent book.
func (e *Engine) Depth(ctx context.Context, symbol string) (bids, asks []book.Level, err error) {
	w := e.worker(symbol)
	if w == nil {
		return nil, nil, fmt.Errorf("%w: %q", store.ErrSymbolNotFound, symbol)
	}

	t := depthTask{reply: make(chan depthResult, 1)}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-e.t.Dying():
		return nil, nil, ErrShuttingDown
	}

	select {
	case res := <-t.reply:
		return res.bids, res.asks, nil
	case <-e.t.Dying():
		return nil, nil, ErrShuttingDown
	}
}

func (e *Engine) report(r ExecutionReport) {
	if e.reporter != nil {
		e.reporter.Report(r)
	}
}
