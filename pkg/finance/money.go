package finance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
)

var (
	ErrInvalidCurrency = errors.New("invalid currency code")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// cryptoScales covers settlement assets that ISO 4217 does not define.
var cryptoScales = map[string]int{
	"BTC":   8,
	"ETH":   8,
	"USDC":  6,
	"USDT":  6,
	"USDB":  6,
	"PYUSD": 6,
	"EURC":  6,
}

// Money represents a monetary value in a specific currency.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code or a known settlement asset
	Scale       int    `json:"scale"`    // e.g. 2 for USD/EUR, 8 for BTC
}

// NormalizeCurrency upper-cases code and checks it against ISO 4217 and the
// known settlement assets. It returns the currency's minor-unit scale.
func NormalizeCurrency(code string) (string, int, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if scale, ok := cryptoScales[code]; ok {
		return code, scale, nil
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return unit.String(), scale, nil
}

// NewMoney creates a Money from minor units. The currency must be known.
func NewMoney(amountMinor int64, code string) (Money, error) {
	cur, scale, err := NormalizeCurrency(code)
	if err != nil {
		return Money{}, err
	}
	return Money{AmountMinor: amountMinor, Currency: cur, Scale: scale}, nil
}

// ParseMoney parses a decimal string such as "12.50" in the given currency.
// More fractional digits than the currency's scale is an error; it never rounds.
func ParseMoney(amount, code string) (Money, error) {
	cur, scale, err := NormalizeCurrency(code)
	if err != nil {
		return Money{}, err
	}

	s := strings.TrimSpace(amount)
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && frac == "" || hasDot && frac == "" {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if len(frac) > scale {
		return Money{}, fmt.Errorf("%w: %q has more than %d decimal places for %s", ErrInvalidAmount, amount, scale, cur)
	}
	frac += strings.Repeat("0", scale-len(frac))
	if whole == "" {
		whole = "0"
	}

	digits := whole + frac
	for _, r := range digits {
		if r < '0' || r > '9' {
			return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
		}
	}
	minor, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, amount)
	}
	if neg {
		minor = -minor
	}
	return Money{AmountMinor: minor, Currency: cur, Scale: scale}, nil
}

// Decimal renders the amount without currency, e.g. "12.50".
func (m Money) Decimal() string {
	sign := ""
	abs := uint64(m.AmountMinor)
	if m.AmountMinor < 0 {
		sign = "-"
		abs = uint64(-(m.AmountMinor + 1)) + 1
	}
	s := strconv.FormatUint(abs, 10)
	if m.Scale <= 0 {
		return sign + s
	}
	if len(s) <= m.Scale {
		s = strings.Repeat("0", m.Scale-len(s)+1) + s
	}
	cut := len(s) - m.Scale
	return sign + s[:cut] + "." + s[cut:]
}

// String renders the amount with its currency, e.g. "12.50 USD".
func (m Money) String() string {
	return m.Decimal() + " " + m.Currency
}

// Equal reports whether both values denote the same amount of the same currency.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Scale == other.Scale && m.AmountMinor == other.AmountMinor
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	sum := m.AmountMinor + other.AmountMinor
	if (other.AmountMinor > 0 && sum < m.AmountMinor) || (other.AmountMinor < 0 && sum > m.AmountMinor) {
		return Money{}, fmt.Errorf("%w: overflow adding %s and %s", ErrInvalidAmount, m, other)
	}
	return Money{AmountMinor: sum, Currency: m.Currency, Scale: m.Scale}, nil
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}
