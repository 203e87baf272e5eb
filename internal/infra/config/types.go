package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Environment identifies the runtime environment where quantflow operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Amount is a decimal quantity written as a YAML string or number.
type Amount string

// Decimal parses the amount; an empty amount is zero.
func (a Amount) Decimal() (decimal.Decimal, error) {
	raw := strings.TrimSpace(string(a))
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", raw, err)
	}
	return d, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
