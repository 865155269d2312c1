// Package export writes period lists to an xlsx workbook and reads grid
// rows back from one.
package export

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

const maxSheetName = 31

var ErrNoSheets = errors.New("workbook has no sheets")

// Workbook renders one sheet per list, sorted by list name, each starting
// with the header row. Money columns are written as numbers so they sum in
// a spreadsheet; everything else is text.
func Workbook(lists map[string][]ledger.Record) (*excelize.File, error) {
	names := make([]string, 0, len(lists))
	for name := range lists {
		names = append(names, name)
	}
	sort.Strings(names)

	file := excelize.NewFile()
	defaultSheet := file.GetSheetName(0)
	used := map[string]struct{}{}
	for i, name := range names {
		sheet := uniqueSheetName(SheetName(name), used)
		if i == 0 {
			if err := file.SetSheetName(defaultSheet, sheet); err != nil {
				_ = file.Close()
				return nil, err
			}
		} else if _, err := file.NewSheet(sheet); err != nil {
			_ = file.Close()
			return nil, err
		}
		if err := writeSheet(file, sheet, lists[name]); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("sheet %s: %w", sheet, err)
		}
	}
	if len(names) == 0 {
		if err := file.SetSheetRow(defaultSheet, "A1", rowValues(ledger.Header())); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	file.SetActiveSheet(0)
	return file, nil
}

// Write renders lists and streams the workbook to w.
func Write(w io.Writer, lists map[string][]ledger.Record) error {
	file, err := Workbook(lists)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()
	_, err = file.WriteTo(w)
	return err
}

func writeSheet(file *excelize.File, sheet string, records []ledger.Record) error {
	if err := file.SetSheetRow(sheet, "A1", rowValues(ledger.Header())); err != nil {
		return err
	}
	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := file.SetSheetRow(sheet, cell, recordValues(record)); err != nil {
			return err
		}
	}
	return file.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func rowValues(cells []string) *[]any {
	out := make([]any, len(cells))
	for i, cell := range cells {
		out[i] = cell
	}
	return &out
}

func recordValues(record ledger.Record) *[]any {
	out := make([]any, len(ledger.Fields))
	for i, field := range ledger.Fields {
		text := field.Get(record)
		switch field.Kind {
		case ledger.KindID:
			if record.ID > 0 {
				out[i] = record.ID
				continue
			}
		case ledger.KindMoney:
			if value, err := strconv.ParseFloat(text, 64); err == nil && text != "" {
				out[i] = value
				continue
			}
		}
		out[i] = text
	}
	return &out
}

// SheetName strips characters xlsx forbids in sheet names and truncates to
// the format's limit.
func SheetName(list string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, strings.TrimSpace(list))
	name = strings.Trim(name, "'")
	if name == "" {
		name = "list"
	}
	return truncateRunes(name, maxSheetName)
}

func uniqueSheetName(name string, used map[string]struct{}) string {
	candidate := name
	for n := 2; ; n++ {
		key := strings.ToLower(candidate)
		if _, taken := used[key]; !taken {
			used[key] = struct{}{}
			return candidate
		}
		suffix := "~" + strconv.Itoa(n)
		candidate = truncateRunes(name, maxSheetName-utf8.RuneCountInString(suffix)) + suffix
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// ReadRows returns the rows of the first sheet of the workbook in r. A
// leading row matching the header is dropped.
func ReadRows(r io.Reader) ([][]string, error) {
	file, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	sheet := file.GetSheetName(0)
	if sheet == "" {
		return nil, ErrNoSheets
	}
	rows, err := file.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 && isHeader(rows[0]) {
		rows = rows[1:]
	}
	return rows, nil
}

func isHeader(row []string) bool {
	header := ledger.Header()
	if len(row) == 0 {
		return false
	}
	for i, cell := range row {
		if i >= len(header) {
			break
		}
		if !strings.EqualFold(strings.TrimSpace(cell), header[i]) {
			return false
		}
	}
	return true
}
