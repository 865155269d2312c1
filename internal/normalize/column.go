package normalize

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidColumn = errors.New("invalid column")

// ColumnIndex converts spreadsheet letters (A, Z, AA, AB...) to a 0-based
// column index.
func ColumnIndex(letters string) (int, error) {
	letters = strings.ToUpper(strings.TrimSpace(letters))
	if letters == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidColumn)
	}
	n := 0
	for _, r := range letters {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidColumn, letters)
		}
		n = n*26 + int(r-'A'+1)
		if n > 1<<20 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidColumn, letters)
		}
	}
	return n - 1, nil
}

// ColumnLetters is the inverse of ColumnIndex.
func ColumnLetters(index int) string {
	if index < 0 {
		return ""
	}
	var buf []byte
	for n := index + 1; n > 0; n = (n - 1) / 26 {
		buf = append([]byte{byte('A' + (n-1)%26)}, buf...)
	}
	return string(buf)
}

// ColumnRange converts a lock entry (["D"], ["D","F"]) into an inclusive
// 0-based index range. Reversed bounds are swapped.
func ColumnRange(entry []string) (from, to int, err error) {
	switch len(entry) {
	case 1:
		from, err = ColumnIndex(entry[0])
		return from, from, err
	case 2:
		if from, err = ColumnIndex(entry[0]); err != nil {
			return 0, 0, err
		}
		if to, err = ColumnIndex(entry[1]); err != nil {
			return 0, 0, err
		}
		if from > to {
			from, to = to, from
		}
		return from, to, nil
	default:
		return 0, 0, fmt.Errorf("%w: range %v", ErrInvalidColumn, entry)
	}
}

// SplitColumnSpec splits the textual range forms "D:F" and "D-F" into
// range entries; a bare letter yields a single-element entry.
func SplitColumnSpec(spec string) []string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if parts := strings.FieldsFunc(spec, func(r rune) bool { return r == ':' || r == '-' }); len(parts) == 2 {
		return []string{strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])}
	}
	return []string{spec}
}
