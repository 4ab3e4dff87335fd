package symbol

import (
	"errors"
	"testing"
)

func TestValidate_Valid(t *testing.T) {
	tests := []string{
		"T",
		"GE",
		"ABC",
		"BRK2",
		"A1B2C3",
		"ABCDEFGHIJ", // exactly MaxLen
	}
	for _, sym := range tests {
		if err := Validate(sym); err != nil {
			t.Errorf("unexpected error for symbol %q: %v", sym, err)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []string{
		"",
		"abc",         // lowercase
		"1AB",         // digit first
		"AB C",        // whitespace
		"AB-C",        // punctuation
		"ABCDEFGHIJK", // MaxLen + 1
		"ÉCLAIR",      // non-ASCII
	}
	for _, sym := range tests {
		err := Validate(sym)
		if err == nil {
			t.Errorf("expected error for symbol %q", sym)
			continue
		}
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", sym, err)
		}
	}
}
