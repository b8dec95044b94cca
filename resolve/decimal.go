package resolve

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is a monetary amount in euro cents.
type Cents int64

// ParseDecimal parses a locale decimal ("5,49", "5.49", "1.234,50", "1,234.50")
// and rounds it half-to-even to two places.
// When both separators appear the last one is the decimal separator;
// a single separator kind is always read as the decimal separator.
func ParseDecimal(s string) (Cents, error) {
	raw := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "€"))
	if raw == "" {
		return 0, fmt.Errorf("parse decimal %q: empty", s)
	}

	neg := false
	switch raw[0] {
	case '-':
		neg = true
		raw = raw[1:]
	case '+':
		raw = raw[1:]
	}

	lastComma := strings.LastIndexByte(raw, ',')
	lastDot := strings.LastIndexByte(raw, '.')
	sep := lastComma
	if lastDot > sep {
		sep = lastDot
	}

	intPart, fracPart := raw, ""
	if sep >= 0 {
		intPart, fracPart = raw[:sep], raw[sep+1:]
		// The other separator may only group thousands in the integer part.
		intPart = strings.NewReplacer(",", "", ".", "").Replace(intPart)
	}
	if intPart == "" {
		intPart = "0"
	}
	if !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return 0, fmt.Errorf("parse decimal %q: not a number", s)
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}

	frac := fracPart + "00"
	cents := whole*100 + int64(frac[0]-'0')*10 + int64(frac[1]-'0')

	if rest := fracPart; len(rest) > 2 {
		rest = rest[2:]
		switch {
		case rest[0] > '5':
			cents++
		case rest[0] == '5':
			if strings.Trim(rest[1:], "0") != "" || cents%2 == 1 {
				cents++
			}
		}
	}

	if neg {
		cents = -cents
	}
	return Cents(cents), nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String renders the amount with a dot separator and two places ("5.49").
func (c Cents) String() string {
	return c.format(".")
}

// Comma renders the amount the way the marketplace's form fields expect ("5,49").
func (c Cents) Comma() string {
	return c.format(",")
}

func (c Cents) format(sep string) string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d%s%02d", sign, v/100, sep, v%100)
}

// NormalizeDecimal parses s and renders it with two places and a dot separator.
func NormalizeDecimal(s string) (string, error) {
	c, err := ParseDecimal(s)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}
