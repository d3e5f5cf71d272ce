// Package money provides fixed-point decimal arithmetic for on-chain values.
//
// Every monetary quantity in the indexer — output values, balances, sums
// used in conservation checks — flows through Money. Binary floating point
// is never used for these comparisons: 0.1 + 0.2 must equal 0.3 exactly,
// which float64 cannot guarantee.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every Money value.
const Scale = 8

// Money wraps decimal.Decimal. Values built by FromString and FromDecimal,
// and the results of Add and Sub, are rounded to Scale fractional digits;
// Zero and New hold whole numbers and are not rescaled. Two values with the
// same amount may therefore differ in internal representation; Cmp, Equal
// and String compare and render by amount.
type Money struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Money{d: decimal.Zero}

// New builds a Money from an integer number of whole units.
func New(units int64) Money {
	return Money{d: decimal.New(units, 0)}
}

// FromString parses a decimal string (e.g. "123.45600000").
func FromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Money{d: d.Round(Scale)}, nil
}

// MustFromString is FromString but panics on error; for literals in tests
// and seed data.
func MustFromString(s string) Money {
	m, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal wraps an existing decimal.Decimal, rounding to Scale.
func FromDecimal(d decimal.Decimal) Money {
	return Money{d: d.Round(Scale)}
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return Money{d: m.d.Add(other.d).Round(Scale)}
}

// Sub returns m - other.
func (m Money) Sub(other Money) Money {
	return Money{d: m.d.Sub(other.d).Round(Scale)}
}

// Cmp compares m to other: -1, 0, or 1.
func (m Money) Cmp(other Money) int {
	return m.d.Cmp(other.d)
}

// Equal reports whether m and other represent the same amount.
func (m Money) Equal(other Money) bool {
	return m.d.Equal(other.d)
}

// IsNegative reports whether m < 0.
func (m Money) IsNegative() bool {
	return m.d.IsNegative()
}

// IsZero reports whether m == 0.
func (m Money) IsZero() bool {
	return m.d.IsZero()
}

// String renders the fixed-point decimal form, e.g. "123.45600000".
func (m Money) String() string {
	return m.d.StringFixed(Scale)
}

// MarshalJSON renders Money as a JSON string to avoid float round-tripping
// through encoding/json's number type.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number; both are
// parsed through decimal, never through float64.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value implements driver.Valuer for storing Money as a NUMERIC column.
func (m Money) Value() (driver.Value, error) {
	return m.d.Round(Scale).String(), nil
}

// Scan implements sql.Scanner for reading a NUMERIC column back into Money.
func (m *Money) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Zero
		return nil
	case string:
		parsed, err := FromString(v)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case []byte:
		parsed, err := FromString(string(v))
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case float64:
		// Defensive: some drivers surface NUMERIC as float64. Route through
		// decimal.NewFromFloat rather than string formatting of v directly,
		// since v itself already lost precision before reaching here.
		*m = FromDecimal(decimal.NewFromFloat(v))
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
}
