// Package datacap converts human-scale datacap quantities (PiB) to the
// integer base units the chain expects.
//
// Conversion is exact decimal fixed point: inputs are parsed as decimal
// strings, never as floats.
package datacap

import (
	"fmt"
	"math/big"
	"strings"
)

// Scale is the number of decimal places between PiB and base units.
const Scale = 12

// BaseUnitsPerPiB is 10^Scale.
var BaseUnitsPerPiB = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

// ToBaseUnits converts a decimal PiB quantity ("50", "0.5", "1.25") into base
// units. Quantities that are negative, not decimal, or finer than one base
// unit are rejected.
func ToBaseUnits(pib string) (*big.Int, error) {
	s := strings.TrimSpace(pib)
	if s == "" {
		return nil, fmt.Errorf("datacap: empty quantity")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("datacap: negative quantity %q", pib)
	}
	s = strings.TrimPrefix(s, "+")

	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if hasDot && fracPart == "" && intPart == "" {
		return nil, fmt.Errorf("datacap: invalid quantity %q", pib)
	}
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) || (hasDot && fracPart != "" && !isDigits(fracPart)) {
		return nil, fmt.Errorf("datacap: invalid quantity %q", pib)
	}

	fracPart = strings.TrimRight(fracPart, "0")
	if len(fracPart) > Scale {
		return nil, fmt.Errorf("datacap: %q has more than %d decimal places", pib, Scale)
	}
	fracPart += strings.Repeat("0", Scale-len(fracPart))

	out, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("datacap: invalid quantity %q", pib)
	}
	return out, nil
}

// MustBaseUnits is ToBaseUnits for compile-time constants.
func MustBaseUnits(pib string) *big.Int {
	v, err := ToBaseUnits(pib)
	if err != nil {
		panic(err)
	}
	return v
}

// FromBaseUnits renders base units as a decimal PiB string without trailing
// zeros ("50000000000000" -> "50").
func FromBaseUnits(units *big.Int) (string, error) {
	if units == nil {
		return "", fmt.Errorf("datacap: nil quantity")
	}
	if units.Sign() < 0 {
		return "", fmt.Errorf("datacap: negative quantity %s", units)
	}

	q, r := new(big.Int).QuoRem(units, BaseUnitsPerPiB, new(big.Int))
	if r.Sign() == 0 {
		return q.String(), nil
	}

	frac := r.String()
	frac = strings.Repeat("0", Scale-len(frac)) + frac
	frac = strings.TrimRight(frac, "0")
	return q.String() + "." + frac, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
