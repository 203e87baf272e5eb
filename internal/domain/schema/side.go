package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts buy/sell as well as long/short spellings.
func ParseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG":
		return SideBuy, nil
	case "SELL", "SHORT":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", raw)
	}
}

// Valid reports whether the side is one of the known directions.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the closing direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Signed applies the side's sign to an unsigned quantity.
func (s Side) Signed(qty decimal.Decimal) decimal.Decimal {
	if s == SideSell {
		return qty.Abs().Neg()
	}
	return qty.Abs()
}

// SideForDelta returns the side that moves a position by delta.
func SideForDelta(delta decimal.Decimal) Side {
	if delta.IsNegative() {
		return SideSell
	}
	return SideBuy
}
