// Package ledger holds the record model shared by the client engine, the
// reference backend and the exporters: the Record type with its tolerant
// wire decoding, the column table mapping grid cells to fields, and the
// canonical SyncEvent produced from broadcast envelopes.
package ledger

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agentworkforce/gridsync/internal/normalize"
)

// Record is one row of a period. ID is zero until the backend persists the
// record; TempID is a negative placeholder assigned by the creating client.
type Record struct {
	ID                   int64               `json:"id,omitempty"`
	TempID               int64               `json:"tempId,omitempty"`
	ListName             string              `json:"listName,omitempty"`
	Date                 string              `json:"date"`
	Client               string              `json:"client"`
	Route                string              `json:"route"`
	Vehicle              string              `json:"vehicle"`
	Driver               string              `json:"driver"`
	Amount               decimal.NullDecimal `json:"amount"`
	PaymentDate          string              `json:"paymentDate"`
	PaidAmount           decimal.NullDecimal `json:"paidAmount"`
	Manager              string              `json:"manager"`
	Comment              string              `json:"comment"`
	ManagerBlock         bool                `json:"managerBlock"`
	ManagerBlockListCell [][]string          `json:"managerBlockListCell,omitempty"`
}

// Persisted reports whether the backend has assigned an id.
func (r Record) Persisted() bool {
	return r.ID > 0
}

// Pending reports whether the record is a local create awaiting its id.
func (r Record) Pending() bool {
	return r.ID <= 0 && r.TempID < 0
}

// Clone returns a deep copy; the lock ranges slice is not shared.
func (r Record) Clone() Record {
	out := r
	if r.ManagerBlockListCell != nil {
		out.ManagerBlockListCell = make([][]string, len(r.ManagerBlockListCell))
		for i, entry := range r.ManagerBlockListCell {
			out.ManagerBlockListCell[i] = append([]string(nil), entry...)
		}
	}
	return out
}

type recordWire struct {
	ID                   json.RawMessage `json:"id"`
	TempID               json.RawMessage `json:"tempId"`
	ListName             json.RawMessage `json:"listName"`
	Date                 json.RawMessage `json:"date"`
	Client               json.RawMessage `json:"client"`
	Route                json.RawMessage `json:"route"`
	Vehicle              json.RawMessage `json:"vehicle"`
	Driver               json.RawMessage `json:"driver"`
	Amount               json.RawMessage `json:"amount"`
	PaymentDate          json.RawMessage `json:"paymentDate"`
	PaidAmount           json.RawMessage `json:"paidAmount"`
	Manager              json.RawMessage `json:"manager"`
	Comment              json.RawMessage `json:"comment"`
	ManagerBlock         json.RawMessage `json:"managerBlock"`
	ManagerBlockListCell json.RawMessage `json:"managerBlockListCell"`
}

// UnmarshalJSON accepts the shapes produced by every backend version seen
// in the wild: numeric fields as numbers or strings, null or empty money,
// dates in any format normalize.Date understands, and lock ranges either as
// nested arrays or as "D:F" strings. Values that cannot be interpreted are
// left at their zero value instead of failing the whole record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var wire recordWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Record{
		ID:                   rawInt(wire.ID),
		TempID:               rawInt(wire.TempID),
		Date:                 rawDate(wire.Date),
		Client:               rawText(wire.Client),
		Route:                rawText(wire.Route),
		Vehicle:              rawText(wire.Vehicle),
		Driver:               rawText(wire.Driver),
		Amount:               rawMoney(wire.Amount),
		PaymentDate:          rawDate(wire.PaymentDate),
		PaidAmount:           rawMoney(wire.PaidAmount),
		Manager:              rawText(wire.Manager),
		Comment:              rawText(wire.Comment),
		ManagerBlock:         rawBool(wire.ManagerBlock),
		ManagerBlockListCell: rawLockRanges(wire.ManagerBlockListCell),
	}
	r.ListName = rawText(wire.ListName)
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func rawScalar(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var value any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		return typed, true
	case json.Number:
		return typed.String(), true
	case bool:
		return strconv.FormatBool(typed), true
	default:
		return normalize.CellText(typed), true
	}
}

func rawInt(raw json.RawMessage) int64 {
	text, ok := rawScalar(raw)
	if !ok {
		return 0
	}
	id, _ := ParseInt(text)
	return id
}

// ParseInt parses an integral id written as "12", "12.0" or " 12 ".
// Fractional, non-finite and unparsable inputs report false.
func ParseInt(text string) (int64, bool) {
	text = normalize.Text(text)
	if text == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// ParseID returns the id held by a grid id cell; only positive integers
// identify persisted records.
func ParseID(cell string) (int64, bool) {
	id, ok := ParseInt(cell)
	if !ok || id <= 0 {
		return 0, false
	}
	return id, true
}

func rawText(raw json.RawMessage) string {
	text, _ := rawScalar(raw)
	return normalize.Text(text)
}

func rawDate(raw json.RawMessage) string {
	text := rawText(raw)
	if canonical, err := normalize.Date(text); err == nil {
		return canonical
	}
	return text
}

func rawMoney(raw json.RawMessage) decimal.NullDecimal {
	text, ok := rawScalar(raw)
	if !ok {
		return decimal.NullDecimal{}
	}
	amount, err := normalize.Money(text)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return amount
}

func rawBool(raw json.RawMessage) bool {
	text, ok := rawScalar(raw)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func rawLockRanges(raw json.RawMessage) [][]string {
	if isNull(raw) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil
		}
		items = nil
		for _, part := range strings.FieldsFunc(single, func(r rune) bool { return r == ',' || r == ';' || r == ' ' }) {
			encoded, _ := json.Marshal(part)
			items = append(items, encoded)
		}
	}
	var out [][]string
	for _, item := range items {
		var entry []string
		if err := json.Unmarshal(item, &entry); err == nil {
			entry = cleanRangeEntry(entry)
		} else {
			var spec string
			if err := json.Unmarshal(item, &spec); err != nil {
				continue
			}
			entry = cleanRangeEntry(normalize.SplitColumnSpec(spec))
		}
		if len(entry) > 0 {
			out = append(out, entry)
		}
	}
	return out
}

func cleanRangeEntry(entry []string) []string {
	if len(entry) == 1 {
		entry = normalize.SplitColumnSpec(entry[0])
	}
	out := make([]string, 0, len(entry))
	for _, letters := range entry {
		letters = strings.ToUpper(strings.TrimSpace(letters))
		if _, err := normalize.ColumnIndex(letters); err != nil {
			return nil
		}
		out = append(out, letters)
	}
	if len(out) == 0 || len(out) > 2 {
		return nil
	}
	return out
}
