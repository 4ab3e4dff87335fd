// Package book implements the resting limit order book for a single symbol.
//
// A Book keeps two price-level trees, bids and asks, each sorted so the best
// price is first, with a FIFO queue of entries per level. The head of the
// best level is therefore always the next order to trade under price-time
// priority.
//
// Book does no locking. Each instance is owned by the one engine goroutine
// that serializes its symbol, so all access is single-threaded.
package book

import (
	"errors"
	"fmt"

	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/crossledger/exchange-engine/internal/model"
)

var (
	ErrOrderNotFound  = errors.New("book: order not in book")
	ErrDuplicateOrder = errors.New("book: order already in book")
)

// Entry is one resting order. Remaining is the unfilled quantity; the engine
// updates it only after the corresponding fill has committed, so the book
// never runs ahead of the durable state.
type Entry struct {
	OrderID   int64
	AccountID string
	Side      model.Side
	Price     decimal.Decimal
	Remaining decimal.Decimal
}

// Level is an aggregated view of one price level.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

type priceLevel struct {
	price  decimal.Decimal
	orders *deque.Deque[*Entry]
}

// Book holds the resting orders for one symbol.
type Book struct {
	symbol string

	// Sorted best price first: highest bid, lowest ask. Empty levels are
	// removed eagerly, so the minimum of either tree always has a head entry.
	bids *btree.BTreeG[*priceLevel]
	asks *btree.BTreeG[*priceLevel]

	// Live entries by order ID for O(log n) cancellation.
	entries map[int64]*Entry
}

func New(symbol string) *Book {
	bids := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.GreaterThan(b.price)
	})
	asks := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price.LessThan(b.price)
	})
	return &Book{
		symbol:  symbol,
		bids:    bids,
		asks:    asks,
		entries: make(map[int64]*Entry),
	}
}

func (b *Book) Symbol() string { return b.symbol }

// Len is the number of resting orders across both sides.
func (b *Book) Len() int { return len(b.entries) }

func (b *Book) tree(side model.Side) *btree.BTreeG[*priceLevel] {
	if side == model.Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests an order at the back of its price level, creating the level
// if this is the first order at that price.
func (b *Book) Insert(e *Entry) error {
	if !e.Side.Valid() {
		return fmt.Errorf("book: invalid side %q", e.Side)
	}
	if e.Remaining.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("book: non-positive remaining %s for order %d", e.Remaining, e.OrderID)
	}
	if _, ok := b.entries[e.OrderID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, e.OrderID)
	}

	tree := b.tree(e.Side)
	lvl, ok := tree.GetMut(&priceLevel{price: e.Price})
	if !ok {
		lvl = &priceLevel{price: e.Price, orders: &deque.Deque[*Entry]{}}
		tree.Set(lvl)
	}
	lvl.orders.PushBack(e)
	b.entries[e.OrderID] = e
	return nil
}

// PeekBest returns the highest-priority resting order on the given side:
// the oldest order at the highest bid or lowest ask.
func (b *Book) PeekBest(side model.Side) (*Entry, bool) {
	lvl, ok := b.tree(side).MinMut()
	if !ok {
		return nil, false
	}
	return lvl.orders.Front(), true
}

// Reduce decrements a resting order's remaining quantity after a committed
// fill, removing the order once it reaches zero. qty must be positive and
// no greater than the entry's remaining.
func (b *Book) Reduce(orderID int64, qty decimal.Decimal) error {
	e, ok := b.entries[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if qty.LessThanOrEqual(decimal.Zero) || qty.GreaterThan(e.Remaining) {
		return fmt.Errorf("book: reduce %s outside (0, %s] for order %d", qty, e.Remaining, orderID)
	}
	e.Remaining = e.Remaining.Sub(qty)
	if e.Remaining.IsZero() {
		b.remove(e)
	}
	return nil
}

// Cancel removes a resting order and returns its entry as of removal.
func (b *Book) Cancel(orderID int64) (*Entry, error) {
	e, ok := b.entries[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	b.remove(e)
	return e, nil
}

func (b *Book) remove(e *Entry) {
	tree := b.tree(e.Side)
	if lvl, ok := tree.GetMut(&priceLevel{price: e.Price}); ok {
		i := lvl.orders.Index(func(x *Entry) bool { return x.OrderID == e.OrderID })
		if i >= 0 {
			lvl.orders.Remove(i)
		}
		if lvl.orders.Len() == 0 {
			tree.Delete(lvl)
		}
	}
	delete(b.entries, e.OrderID)
}

// Depth aggregates both sides by price level, best price first.
func (b *Book) Depth() (bids, asks []Level) {
	collect := func(tree *btree.BTreeG[*priceLevel]) []Level {
		var out []Level
		tree.Scan(func(lvl *priceLevel) bool {
			total := decimal.Zero
			for i := 0; i < lvl.orders.Len(); i++ {
				total = total.Add(lvl.orders.At(i).Remaining)
			}
			out = append(out, Level{Price: lvl.price, Quantity: total, Orders: lvl.orders.Len()})
			return true
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// Snapshot returns copies of every resting entry in priority order,
// best price first and FIFO within a level.
func (b *Book) Snapshot() (bids, asks []Entry) {
	collect := func(tree *btree.BTreeG[*priceLevel]) []Entry {
		var out []Entry
		tree.Scan(func(lvl *priceLevel) bool {
			for i := 0; i < lvl.orders.Len(); i++ {
				out = append(out, *lvl.orders.At(i))
			}
			return true
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}
