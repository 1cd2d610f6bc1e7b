package math

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Fraction defined in terms of a numerator divided by a denominator in int64
// format.
type Fraction struct {
	// The portion of the denominator in the faction, e.g. 2 in 2/3.
	Numerator int64 `json:"numerator" toml:"numerator" mapstructure:"numerator"`
	// The value by which the numerator is divided, e.g. 3 in 2/3. Must be
	// positive.
	Denominator int64 `json:"denominator" toml:"denominator" mapstructure:"denominator"`
}

func (fr Fraction) String() string {
	return fmt.Sprintf("%d/%d", fr.Numerator, fr.Denominator)
}

// ValidateBasic requires 0 < Numerator <= Denominator.
func (fr Fraction) ValidateBasic() error {
	if fr.Denominator <= 0 {
		return errors.New("denominator must be positive")
	}
	if fr.Numerator <= 0 {
		return errors.New("numerator must be positive")
	}
	if fr.Numerator > fr.Denominator {
		return fmt.Errorf("fraction %v is greater than one", fr)
	}
	return nil
}

// Reached reports whether part/total >= fr without leaving integer
// arithmetic: part*Denominator >= total*Numerator.
func (fr Fraction) Reached(total, part int64) bool {
	return part*fr.Denominator >= total*fr.Numerator
}

// ParseFraction parses the format "a/b" into a Fraction.
func ParseFraction(f string) (Fraction, error) {
	o := strings.Split(f, "/")
	if len(o) != 2 {
		return Fraction{}, errors.New("incorrect formating: should have a single slash i.e. \"1/3\"")
	}
	numerator, err := strconv.ParseInt(o[0], 10, 64)
	if err != nil {
		return Fraction{}, fmt.Errorf("incorrect formatting, err: %w", err)
	}

	denominator, err := strconv.ParseInt(o[1], 10, 64)
	if err != nil {
		return Fraction{}, fmt.Errorf("incorrect formatting, err: %w", err)
	}
	if denominator == 0 {
		return Fraction{}, errors.New("denominator can't be 0")
	}
	return Fraction{Numerator: numerator, Denominator: denominator}, nil
}
