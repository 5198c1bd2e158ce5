package password

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrPolicy is wrapped by every policy violation.
var ErrPolicy = errors.New("password does not meet policy")

// Policy describes the composition rules a new password must satisfy.
type Policy struct {
	MinLength      int
	MaxBytes       int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

// DefaultPolicy requires 8 characters with upper, lower and a digit.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:    8,
		MaxBytes:     DefaultMaxPasswordBytes,
		RequireUpper: true,
		RequireLower: true,
		RequireDigit: true,
	}
}

// Check reports the first rule password violates. Length is counted in
// characters for the minimum and in bytes for the maximum.
func (p Policy) Check(password string) error {
	if n := len([]rune(password)); n < p.MinLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrPolicy, p.MinLength)
	}
	if p.MaxBytes > 0 && len(password) > p.MaxBytes {
		return fmt.Errorf("%w: must be at most %d bytes", ErrPolicy, p.MaxBytes)
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			special = true
		}
	}

	switch {
	case p.RequireUpper && !upper:
		return fmt.Errorf("%w: needs an upper-case letter", ErrPolicy)
	case p.RequireLower && !lower:
		return fmt.Errorf("%w: needs a lower-case letter", ErrPolicy)
	case p.RequireDigit && !digit:
		return fmt.Errorf("%w: needs a digit", ErrPolicy)
	case p.RequireSpecial && !special:
		return fmt.Errorf("%w: needs a special character", ErrPolicy)
	}
	return nil
}

// Validate rejects policies that no password can satisfy.
func (p Policy) Validate() error {
	if p.MinLength < 1 {
		return errors.New("password min length must be >= 1")
	}
	if p.MaxBytes > 0 && p.MaxBytes < p.MinLength {
		return errors.New("password max bytes must be >= min length")
	}
	return nil
}
