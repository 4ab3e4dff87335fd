// Package risk implements pre-trade checks. Every submission passes the
// configured rules before it can create an order row or touch the book;
// a violation rejects the order outright with no side effects.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/model"
)

var (
	// ErrTickSize is returned when a limit price does not fall on the
	// configured price grid.
	ErrTickSize = errors.New("risk: price off tick")

	// ErrNotionalCap is returned when a single order's notional value
	// (amount times limit price) exceeds the configured maximum.
	ErrNotionalCap = errors.New("risk: notional cap exceeded")
)

// Rule is one pre-trade check.
type Rule interface {
	Check(o *model.Order) error
}

// TickSizeRule requires limit prices to be a multiple of Tick.
// A zero tick disables the rule.
type TickSizeRule struct {
	Tick decimal.Decimal
}

func NewTickSizeRule(tick decimal.Decimal) *TickSizeRule {
	return &TickSizeRule{Tick: tick}
}

func (r *TickSizeRule) Check(o *model.Order) error {
	if r.Tick.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if !o.LimitPrice.Mod(r.Tick).IsZero() {
		return fmt.Errorf("%w: price %s is not a multiple of %s", ErrTickSize, o.LimitPrice, r.Tick)
	}
	return nil
}

// NotionalCapRule bounds the notional value of a single order. It is a
// fat-finger guard, not a margin check: settlement solvency is enforced
// separately at match time.
type NotionalCapRule struct {
	Max decimal.Decimal
}

func NewNotionalCapRule(max decimal.Decimal) *NotionalCapRule {
	return &NotionalCapRule{Max: max}
}

func (r *NotionalCapRule) Check(o *model.Order) error {
	notional := o.Amount.Mul(o.LimitPrice)
	if notional.GreaterThan(r.Max) {
		return fmt.Errorf("%w: notional %s exceeds %s", ErrNotionalCap, notional, r.Max)
	}
	return nil
}
