package ap2

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value. It marshals as a bare JSON number and accepts
// either a number or a numeric string when decoding.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps d.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

// ParseAmount parses a decimal string such as "48.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{Decimal: d}, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Round2 rounds half away from zero to cents.
func (a Amount) Round2() Amount {
	return Amount{Decimal: a.Decimal.Round(2)}
}

// MarshalJSON writes the amount as a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

// UnmarshalJSON reads a JSON number or numeric string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("amount must be numeric: %w", err)
	}
	a.Decimal = d
	return nil
}

// CurrencyAmount pairs a value with its ISO-4217 currency.
type CurrencyAmount struct {
	Currency string `json:"currency" validate:"required,len=3"`
	Value    Amount `json:"value"`
}
