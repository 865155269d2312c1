package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

// DateLayout is the canonical date form sent to the backend.
const DateLayout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid date")

// Serial numbers outside this window are plain numbers, not dates
// (roughly 1954 to 2119).
const (
	minDateSerial = 20000
	maxDateSerial = 80000
)

var (
	isoDatePattern = regexp.MustCompile(`^(\d{4})[-./](\d{1,2})[-./](\d{1,2})(?:[T ].*)?$`)
	dmyDatePattern = regexp.MustCompile(`^(\d{1,2})[./-](\d{1,2})[./-](\d{4}|\d{2})$`)
)

// Date converts day-first (01.02.2024, 1/2/2024, 01-02-24), ISO and
// spreadsheet serial (45292) inputs to YYYY-MM-DD. An empty input is valid
// and yields an empty string.
func Date(raw string) (string, error) {
	text := Text(raw)
	if text == "" {
		return "", nil
	}
	if serial, err := strconv.ParseFloat(text, 64); err == nil {
		if !(serial >= minDateSerial && serial <= maxDateSerial) {
			return "", fmt.Errorf("%w: %q", ErrInvalidDate, text)
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidDate, text)
		}
		return t.Format(DateLayout), nil
	}
	var year, month, day int
	if m := isoDatePattern.FindStringSubmatch(text); m != nil {
		year, _ = strconv.Atoi(m[1])
		month, _ = strconv.Atoi(m[2])
		day, _ = strconv.Atoi(m[3])
	} else if m := dmyDatePattern.FindStringSubmatch(text); m != nil {
		day, _ = strconv.Atoi(m[1])
		month, _ = strconv.Atoi(m[2])
		year, _ = strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
	} else {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, text)
	}
	if month < 1 || month > 12 || day < 1 || year < 1900 || year > 2999 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, text)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, text)
	}
	return t.Format(DateLayout), nil
}

// IsDate reports whether raw normalizes to a date.
func IsDate(raw string) bool {
	_, err := Date(raw)
	return err == nil
}
