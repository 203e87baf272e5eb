package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) pgtype.Numeric {
	var out pgtype.Numeric
	// decimal.String never yields an unparsable literal
	_ = out.Scan(value.String())
	return out
}

// numericFromOptional maps a zero decimal to SQL NULL.
func numericFromOptional(value decimal.Decimal) pgtype.Numeric {
	if value.IsZero() {
		return pgtype.Numeric{}
	}
	return numericFromDecimal(value)
}

// decimalFromText parses a numeric column selected as text.
func decimalFromText(raw pgtype.Text) (decimal.Decimal, error) {
	if !raw.Valid {
		return decimal.Zero, nil
	}
	trimmed := strings.TrimSpace(raw.String)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// decimals parses several numeric text columns in order.
func decimals(raws []pgtype.Text, dests ...*decimal.Decimal) error {
	for i, dest := range dests {
		value, err := decimalFromText(raws[i])
		if err != nil {
			return err
		}
		*dest = value
	}
	return nil
}
