package models

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// USDC and most stablecoins settle in six decimals
const AmountDecimals = 6

var (
	addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	maxUnits     = decimal.NewFromInt(math.MaxInt64)
)

// NormalizeAddress validates a 20-byte hex address and lower-cases it
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressRegex.MatchString(addr) {
		return "", fmt.Errorf("invalid address: %q", addr)
	}
	return strings.ToLower(addr), nil
}

// ParseAmount converts a decimal string such as "1.50" into micro-units.
// Signs, more than AmountDecimals significant fractional digits and values
// beyond int64 are rejected.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if s[0] == '+' || s[0] == '-' {
		return 0, fmt.Errorf("amount %s must be unsigned", s)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %s: %w", s, err)
	}

	units := d.Shift(AmountDecimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimals", s, AmountDecimals)
	}
	if units.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("amount %s is too large", s)
	}
	return units.IntPart(), nil
}

// FormatAmount renders micro-units as a decimal string with six places
func FormatAmount(units int64) string {
	return decimal.New(units, -AmountDecimals).StringFixed(AmountDecimals)
}
