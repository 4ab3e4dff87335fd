// Package model defines the core domain types shared across the exchange engine.
// All monetary values and share quantities use shopspring/decimal — never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the side a counterparty order must hold.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus is the lifecycle state of an order. Orders move from open to
// exactly one of executed or cancelled; terminal states never change again.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusExecuted  OrderStatus = "executed"
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Account holds the cash balance for one participant.
// Balance is never negative.
type Account struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
}

// Position is the share holding of one account in one symbol.
// Amount is never negative (no short positions).
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
}

// Order is a limit order as stored. Amount is the original unsigned size;
// RemainingAmount only ever decreases and reaches zero exactly when the
// order is fully executed.
type Order struct {
	OrderID         int64           `json:"order_id" db:"order_id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Side            Side            `json:"side" db:"side"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	LimitPrice      decimal.Decimal `json:"limit_price" db:"limit_price"`
	RemainingAmount decimal.Decimal `json:"remaining_amount" db:"remaining_amount"`
	TimeCreated     time.Time       `json:"time_created" db:"time_created"`
	Status          OrderStatus     `json:"status" db:"status"`
}

// FilledAmount is the quantity executed so far.
func (o *Order) FilledAmount() decimal.Decimal {
	return o.Amount.Sub(o.RemainingAmount)
}

// Crosses reports whether an order at o's limit would trade against a resting
// counterparty at restingPrice: a buy crosses at or below its limit, a sell at
// or above.
func (o *Order) Crosses(restingPrice decimal.Decimal) bool {
	if o.Side == Buy {
		return restingPrice.LessThanOrEqual(o.LimitPrice)
	}
	return restingPrice.GreaterThanOrEqual(o.LimitPrice)
}

// Execution is an immutable record of one fill applied to one order. Once
// created these are never modified or deleted; Shares is strictly positive.
// Every trade produces two executions, one per side, at the same price.
type Execution struct {
	ExecutionID  int64           `json:"execution_id" db:"execution_id"`
	OrderID      int64           `json:"order_id" db:"order_id"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	Price        decimal.Decimal `json:"price" db:"price"`
	TimeExecuted time.Time       `json:"time_executed" db:"time_executed"`
}

// Portfolio aggregates one account's cash and share holdings.
type Portfolio struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Positions []Position      `json:"positions"`
}
