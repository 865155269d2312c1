package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType discriminates broadcast envelopes.
type EventType string

const (
	EventCreate EventType = "status_create"
	EventUpdate EventType = "status_update"
	EventDelete EventType = "status_delete"
)

// Valid reports whether t is one of the reconciled event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete:
		return true
	default:
		return false
	}
}

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event type")
)

// Embedded record field names in probe order. Older producers used each of
// these for the same payload.
var embeddedRecordKeys = []string{"record", "records", "data", "dto", "transportAccounting", "item"}

// SyncEvent is the canonical form of an inbound broadcast. Every legacy
// envelope variant decodes into this shape exactly once, at the transport
// boundary.
type SyncEvent struct {
	Type     EventType
	UserID   int64
	ListName string
	// Records holds the embedded records found under the first legacy key
	// present in the envelope.
	Records []Record
	// PerList holds the "object" (or "body.object") payload; PerListOrder
	// keeps its keys in document order.
	PerList      map[string][]Record
	PerListOrder []string
	// DeleteIDs is the parsed listToDel field.
	DeleteIDs []int64
	// Skipped counts embedded entries that could not be decoded.
	Skipped int
}

// FirstListName returns the first per-list key in document order.
func (e SyncEvent) FirstListName() string {
	for _, name := range e.PerListOrder {
		if strings.TrimSpace(name) != "" {
			return name
		}
	}
	return ""
}

// AllRecords returns embedded records followed by per-list records in
// document order.
func (e SyncEvent) AllRecords() []Record {
	out := make([]Record, 0, len(e.Records))
	out = append(out, e.Records...)
	for _, name := range e.PerListOrder {
		out = append(out, e.PerList[name]...)
	}
	return out
}

// DecodeSyncEvent parses one broadcast envelope. It fails only when the
// envelope itself is not a JSON object or names an unknown type; individual
// malformed records are skipped and counted.
func DecodeSyncEvent(data []byte) (SyncEvent, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return SyncEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope == nil {
		return SyncEvent{}, fmt.Errorf("%w: null envelope", ErrMalformedEvent)
	}
	var eventType string
	if raw, ok := envelope["type"]; ok {
		if err := json.Unmarshal(raw, &eventType); err != nil {
			return SyncEvent{}, fmt.Errorf("%w: type is not a string", ErrMalformedEvent)
		}
	}
	event := SyncEvent{Type: EventType(strings.TrimSpace(eventType))}
	if !event.Type.Valid() {
		return SyncEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
	event.UserID = rawInt(envelope["userId"])
	event.ListName = rawText(envelope["listName"])

	for _, key := range embeddedRecordKeys {
		raw, ok := envelope[key]
		if !ok || isNull(raw) {
			continue
		}
		records, skipped := decodeRecords(raw)
		event.Records = records
		event.Skipped += skipped
		break
	}

	perList, ok := envelope["object"]
	if !ok || isNull(perList) {
		perList = nil
		if body, ok := envelope["body"]; ok && !isNull(body) {
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(body, &inner); err == nil {
				perList = inner["object"]
			}
		}
	}
	if !isNull(perList) {
		order, values, err := decodeOrderedObject(perList)
		if err != nil {
			event.Skipped++
		}
		for _, name := range order {
			records, skipped := decodeRecords(values[name])
			event.Skipped += skipped
			if event.PerList == nil {
				event.PerList = make(map[string][]Record)
			}
			if _, seen := event.PerList[name]; !seen {
				event.PerListOrder = append(event.PerListOrder, name)
			}
			event.PerList[name] = append(event.PerList[name], records...)
		}
	}

	event.DeleteIDs = ParseIDList(envelope["listToDel"])
	return event, nil
}

func decodeRecords(raw json.RawMessage) ([]Record, int) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, 0
	}
	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, 1
		}
	case '{':
		items = []json.RawMessage{trimmed}
	default:
		return nil, 1
	}
	out := make([]Record, 0, len(items))
	skipped := 0
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			skipped++
			continue
		}
		var record Record
		if err := json.Unmarshal(item, &record); err != nil {
			skipped++
			continue
		}
		out = append(out, record)
	}
	return out, skipped
}

// decodeOrderedObject decodes a JSON object keeping its key order, which
// maps lose.
func decodeOrderedObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("%w: expected object", ErrMalformedEvent)
	}
	var order []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return order, values, err
		}
		key, ok := tok.(string)
		if !ok {
			return order, values, fmt.Errorf("%w: object key", ErrMalformedEvent)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return order, values, err
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, seen := values[key]; !seen {
			order = append(order, key)
		}
		values[key] = value
	}
	return order, values, nil
}

// ParseIDList extracts positive ids from a listToDel value: a JSON array of
// numbers or numeric strings, or a string separated by commas, semicolons
// or whitespace. Duplicates are dropped; first occurrence order is kept.
func ParseIDList(raw json.RawMessage) []int64 {
	if isNull(raw) {
		return nil
	}
	var parts []string
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		for _, item := range items {
			if text, ok := rawScalar(item); ok {
				parts = append(parts, text)
			}
		}
	} else if text, ok := rawScalar(raw); ok {
		parts = SplitIDs(text)
	}
	return dedupeIDs(parts)
}

// SplitIDs splits "5,6;7 8" style id lists.
func SplitIDs(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

func dedupeIDs(parts []string) []int64 {
	seen := make(map[int64]struct{}, len(parts))
	var out []int64
	for _, part := range parts {
		id, ok := ParseID(part)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Envelope is the broadcast shape emitted by the reference backend. It is
// a strict subset of what DecodeSyncEvent accepts.
type Envelope struct {
	Type      EventType           `json:"type"`
	UserID    int64               `json:"userId"`
	ListName  string              `json:"listName,omitempty"`
	Records   []Record            `json:"records,omitempty"`
	ListToDel []int64             `json:"listToDel,omitempty"`
	Object    map[string][]Record `json:"object,omitempty"`
}
