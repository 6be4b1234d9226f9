package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// RateCap is the denominator for every rate in the system (royalties and the
// platform fee). 1_000_000 == 100%.
const RateCap uint64 = 1_000_000

// Amount is an unsigned 256-bit token or item quantity. The zero value is 0.
// Arithmetic is overflow-checked: overflow wraps ErrValidation and underflow
// wraps ErrInsufficientBalance.
type Amount struct {
	u uint256.Int
}

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	var a Amount
	a.u.SetUint64(v)
	return a
}

// ParseAmount parses a base-10 string.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if err := a.u.SetFromDecimal(strings.TrimSpace(s)); err != nil {
		return Amount{}, fmt.Errorf("%w: invalid amount %q: %v", ErrValidation, s, err)
	}
	return a, nil
}

// MustAmount parses s and panics on failure. Intended for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the base-10 representation.
func (a Amount) String() string {
	return a.u.Dec()
}

// Uint64 returns the low 64 bits and whether the value fits.
func (a Amount) Uint64() (uint64, bool) {
	return a.u.Uint64(), a.u.IsUint64()
}

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool {
	return a.u.IsZero()
}

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.u.Cmp(&b.u)
}

// Lt reports whether a < b.
func (a Amount) Lt(b Amount) bool {
	return a.u.Lt(&b.u)
}

// Gt reports whether a > b.
func (a Amount) Gt(b Amount) bool {
	return a.u.Gt(&b.u)
}

// Eq reports whether a == b.
func (a Amount) Eq(b Amount) bool {
	return a.u.Eq(&b.u)
}

// Add returns a + b.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.u.AddOverflow(&a.u, &b.u); overflow {
		return Amount{}, fmt.Errorf("%w: amount overflow (%s + %s)", ErrValidation, a, b)
	}
	return out, nil
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.u.SubOverflow(&a.u, &b.u); underflow {
		return Amount{}, fmt.Errorf("%w: %s is less than %s", ErrInsufficientBalance, a, b)
	}
	return out, nil
}

// Mul returns a * b.
func (a Amount) Mul(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.u.MulOverflow(&a.u, &b.u); overflow {
		return Amount{}, fmt.Errorf("%w: amount overflow (%s * %s)", ErrValidation, a, b)
	}
	return out, nil
}

// MulDiv returns floor(a * num / den) using a 512-bit intermediate product.
// den must be non-zero.
func (a Amount) MulDiv(num, den Amount) (Amount, error) {
	if den.IsZero() {
		return Amount{}, fmt.Errorf("%w: division by zero", ErrValidation)
	}
	var out Amount
	if _, overflow := out.u.MulDivOverflow(&a.u, &num.u, &den.u); overflow {
		return Amount{}, fmt.Errorf("%w: amount overflow (%s * %s / %s)", ErrValidation, a, num, den)
	}
	return out, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

// MarshalJSON encodes the amount as a quoted decimal string so values above
// 2^53 survive JavaScript clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*a = Amount{}
		return nil
	}
	s = strings.Trim(s, `"`)
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText lets amounts appear as TOML/map keys and values.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
