package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func order(amount, price float64) *model.Order {
	return &model.Order{
		AccountID:  "alice",
		Symbol:     "ABC",
		Side:       model.Buy,
		Amount:     d(amount),
		LimitPrice: d(price),
	}
}

func TestTickSizeRule(t *testing.T) {
	rule := NewTickSizeRule(d(0.01))

	if err := rule.Check(order(10, 25.05)); err != nil {
		t.Errorf("expected 25.05 on a 0.01 grid to pass: %v", err)
	}
	err := rule.Check(order(10, 25.005))
	if !errors.Is(err, ErrTickSize) {
		t.Errorf("expected ErrTickSize for 25.005, got %v", err)
	}
}

func TestTickSizeRule_Disabled(t *testing.T) {
	rule := NewTickSizeRule(decimal.Zero)
	if err := rule.Check(order(10, 25.005)); err != nil {
		t.Errorf("zero tick should disable the rule: %v", err)
	}
}

func TestNotionalCapRule(t *testing.T) {
	rule := NewNotionalCapRule(d(1000))

	if err := rule.Check(order(100, 10)); err != nil {
		t.Errorf("expected notional 1000 at the cap to pass: %v", err)
	}
	err := rule.Check(order(100, 10.01))
	if !errors.Is(err, ErrNotionalCap) {
		t.Errorf("expected ErrNotionalCap for notional 1001, got %v", err)
	}
}
