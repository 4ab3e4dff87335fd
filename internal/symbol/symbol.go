// Package symbol validates the ticker identifiers under which instruments
// trade on the exchange.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
)

// MaxLen bounds symbol length. Real listings are short; anything longer is
// almost certainly a client bug.
const MaxLen = 10

// symbolRegex matches 1-10 uppercase alphanumerics starting with a letter.
// Examples: T, ABC, BRK2.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}$`)

var ErrInvalidSymbol = errors.New("symbol: invalid symbol")

// Validate checks that sym is a well-formed symbol identifier.
func Validate(sym string) error {
	if !symbolRegex.MatchString(sym) {
		return fmt.Errorf("%w: %q (expected 1-%d uppercase alphanumerics starting with a letter)",
			ErrInvalidSymbol, sym, MaxLen)
	}
	return nil
}
