package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var ErrInvalidNumber = errors.New("invalid number")

var (
	numericShapePattern   = regexp.MustCompile(`^[+-]?[0-9.,]+$`)
	canonicalDecimalShape = regexp.MustCompile(`^[+-]?([0-9]+\.?[0-9]*|\.[0-9]+)$`)
)

// Money parses a money amount written with either comma or dot decimal
// separators and space, apostrophe or punctuation grouping ("1 234,50",
// "1,234.50", "1.234.567"). Currency symbols are ignored. An empty input is
// valid and yields a null decimal.
func Money(raw string) (decimal.NullDecimal, error) {
	text := Text(raw)
	if text == "" {
		return decimal.NullDecimal{}, nil
	}
	candidate, ok := numericCandidate(text)
	if !ok {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %q", ErrInvalidNumber, text)
	}
	d, err := decimal.NewFromString(candidate)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %q", ErrInvalidNumber, text)
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

// NumericString returns the canonical decimal text for a numeric-looking
// input, or false when raw is blank or not a number.
func NumericString(raw string) (string, bool) {
	d, err := Money(raw)
	if err != nil || !d.Valid {
		return "", false
	}
	return d.Decimal.String(), true
}

func numericCandidate(text string) (string, bool) {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == ' ' || r == '\'' || r == '_':
			continue
		case r == '\u2212':
			b.WriteRune('-')
		case unicode.Is(unicode.Sc, r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || !numericShapePattern.MatchString(s) {
		return "", false
	}
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0 && strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	if !canonicalDecimalShape.MatchString(s) {
		return "", false
	}
	return s, true
}
