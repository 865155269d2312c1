package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agentworkforce/gridsync/internal/normalize"
)

// Kind tells edit, paste and export code how a column's text is
// normalized.
type Kind int

const (
	KindID Kind = iota
	KindText
	KindDate
	KindMoney
)

func (k Kind) String() string {
	switch k {
	case KindID:
		return "id"
	case KindDate:
		return "date"
	case KindMoney:
		return "money"
	default:
		return "text"
	}
}

// Field maps one grid column to a Record field.
type Field struct {
	Column int
	Letter string
	Name   string
	Kind   Kind

	get func(*Record) string
	set func(*Record, string) error
}

// Get renders the field as cell text.
func (f Field) Get(r Record) string {
	return f.get(&r)
}

// Set normalizes value according to the field kind and stores it.
func (f Field) Set(r *Record, value string) error {
	if err := f.set(r, value); err != nil {
		return &FieldError{Field: f.Name, Column: f.Column, Value: value, Err: err}
	}
	return nil
}

// Normalize returns the canonical cell text for value without touching a
// record.
func (f Field) Normalize(value string) (string, error) {
	var scratch Record
	if err := f.Set(&scratch, value); err != nil {
		return "", err
	}
	return f.Get(scratch), nil
}

// FieldError reports a cell whose text does not fit its column kind.
type FieldError struct {
	Field  string
	Column int
	Value  string
	Err    error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("column %s (%s): %v", normalize.ColumnLetters(e.Column), e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Column indexes with special meaning to the engine.
const (
	IDColumn     = 0
	ClientColumn = 2
)

// HeaderRow is the grid row holding column titles.
const HeaderRow = 0

var errInvalidID = errors.New("id must be a positive integer")

func textField(column int, name string, ptr func(*Record) *string) Field {
	return Field{
		Column: column,
		Letter: normalize.ColumnLetters(column),
		Name:   name,
		Kind:   KindText,
		get:    func(r *Record) string { return *ptr(r) },
		set: func(r *Record, value string) error {
			*ptr(r) = normalize.Text(value)
			return nil
		},
	}
}

func dateField(column int, name string, ptr func(*Record) *string) Field {
	return Field{
		Column: column,
		Letter: normalize.ColumnLetters(column),
		Name:   name,
		Kind:   KindDate,
		get:    func(r *Record) string { return *ptr(r) },
		set: func(r *Record, value string) error {
			canonical, err := normalize.Date(value)
			if err != nil {
				return err
			}
			*ptr(r) = canonical
			return nil
		},
	}
}

func moneyField(column int, name string, ptr func(*Record) *decimal.NullDecimal) Field {
	return Field{
		Column: column,
		Letter: normalize.ColumnLetters(column),
		Name:   name,
		Kind:   KindMoney,
		get: func(r *Record) string {
			amount := ptr(r)
			if !amount.Valid {
				return ""
			}
			return amount.Decimal.String()
		},
		set: func(r *Record, value string) error {
			amount, err := normalize.Money(value)
			if err != nil {
				return err
			}
			*ptr(r) = amount
			return nil
		},
	}
}

// Fields is the single column table used by cell edits, paste handling,
// inbound event mapping and export.
var Fields = []Field{
	{
		Column: IDColumn,
		Letter: "A",
		Name:   "id",
		Kind:   KindID,
		get: func(r *Record) string {
			if r.ID <= 0 {
				return ""
			}
			return strconv.FormatInt(r.ID, 10)
		},
		set: func(r *Record, value string) error {
			if normalize.Text(value) == "" {
				r.ID = 0
				return nil
			}
			id, ok := ParseID(value)
			if !ok {
				return errInvalidID
			}
			r.ID = id
			return nil
		},
	},
	dateField(1, "date", func(r *Record) *string { return &r.Date }),
	textField(2, "client", func(r *Record) *string { return &r.Client }),
	textField(3, "route", func(r *Record) *string { return &r.Route }),
	textField(4, "vehicle", func(r *Record) *string { return &r.Vehicle }),
	textField(5, "driver", func(r *Record) *string { return &r.Driver }),
	moneyField(6, "amount", func(r *Record) *decimal.NullDecimal { return &r.Amount }),
	dateField(7, "paymentDate", func(r *Record) *string { return &r.PaymentDate }),
	moneyField(8, "paidAmount", func(r *Record) *decimal.NullDecimal { return &r.PaidAmount }),
	textField(9, "manager", func(r *Record) *string { return &r.Manager }),
	textField(10, "comment", func(r *Record) *string { return &r.Comment }),
}

// ColumnCount is the number of grid columns backed by record fields.
var ColumnCount = len(Fields)

// FieldAt returns the field rendered in column col.
func FieldAt(col int) (Field, bool) {
	if col < 0 || col >= len(Fields) {
		return Field{}, false
	}
	return Fields[col], true
}

// FieldByName looks a field up by its JSON name.
func FieldByName(name string) (Field, bool) {
	for _, field := range Fields {
		if strings.EqualFold(field.Name, name) {
			return field, true
		}
	}
	return Field{}, false
}

// Header returns the column titles written to row 0 of every list.
func Header() []string {
	out := make([]string, len(Fields))
	for i, field := range Fields {
		out[i] = field.Name
	}
	return out
}

// RowFromRecord renders r as grid cells in column order.
func RowFromRecord(r Record) []string {
	out := make([]string, len(Fields))
	for i, field := range Fields {
		out[i] = field.Get(r)
	}
	return out
}

// ApplyRow overlays the cells of a grid row onto r, leaving fields outside
// the table (lock metadata, temp id, list) untouched. Every invalid cell is
// reported; valid cells are applied regardless.
func ApplyRow(r *Record, cells []string) error {
	var errs []error
	for i, field := range Fields {
		if i >= len(cells) {
			break
		}
		if err := field.Set(r, cells[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordFromRow builds a record from grid cells.
func RecordFromRow(listName string, cells []string) (Record, error) {
	r := Record{ListName: listName}
	err := ApplyRow(&r, cells)
	return r, err
}

// SameFields reports whether a and b render identically in every data
// column once trimmed. The id column and lock metadata are not compared.
func SameFields(a, b Record) bool {
	for _, field := range Fields {
		if field.Kind == KindID {
			continue
		}
		if strings.TrimSpace(field.Get(a)) != strings.TrimSpace(field.Get(b)) {
			return false
		}
	}
	return true
}
