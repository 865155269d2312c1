package syncclient

import (
	"sort"
	"strconv"
	"sync"

	"github.com/agentworkforce/gridsync/internal/ledger"
	"github.com/agentworkforce/gridsync/internal/normalize"
)

// NoticeLevel is the severity of a transient user notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// TempIDColumn is a hidden cell past the field columns in which the bridge
// remembers the temp id of a row whose create is outstanding.
var TempIDColumn = ledger.ColumnCount

// Grid is the editing widget. Row 0 of every list is the header.
type Grid interface {
	Row(list string, row int) []any
	RowCount(list string) int
	SetCell(list string, row, col int, value any)
	Notify(level NoticeLevel, message string)
}

// Notice is a recorded user notice.
type Notice struct {
	Level   NoticeLevel
	Message string
}

// StoreView is what MemoryGrid renders from.
type StoreView interface {
	Lists() []string
	Records(list string) []ledger.Record
	ResolveTemp(tempID int64) (int64, bool)
}

// PendingSource reports updates that are queued or in flight, keyed by
// id. The store does not reflect them until they are acknowledged.
type PendingSource interface {
	PendingUpdates(list string) map[int64]ledger.Record
}

// MemoryGrid is a headless Grid. Render rebuilds each list from the store:
// persisted rows sorted by id, followed by local rows that have no id yet.
type MemoryGrid struct {
	mu      sync.Mutex
	rows    map[string][][]any
	notices []Notice
	pending PendingSource
}

func NewMemoryGrid() *MemoryGrid {
	return &MemoryGrid{rows: map[string][][]any{}}
}

func headerRow() []any {
	header := ledger.Header()
	out := make([]any, len(header)+1)
	for i, title := range header {
		out[i] = title
	}
	out[len(header)] = ""
	return out
}

func (g *MemoryGrid) ensureLocked(list string) {
	if _, ok := g.rows[list]; !ok {
		g.rows[list] = [][]any{headerRow()}
	}
}

func (g *MemoryGrid) Row(list string, row int) []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	rows := g.rows[list]
	if row < 0 || row >= len(rows) {
		return nil
	}
	return append([]any(nil), rows[row]...)
}

func (g *MemoryGrid) RowCount(list string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rows[list])
}

// SetCell writes value, growing the list with blank rows as needed.
func (g *MemoryGrid) SetCell(list string, row, col int, value any) {
	if row < 0 || col < 0 || col > TempIDColumn {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLocked(list)
	for len(g.rows[list]) <= row {
		g.rows[list] = append(g.rows[list], make([]any, TempIDColumn+1))
	}
	g.rows[list][row][col] = value
}

func (g *MemoryGrid) Notify(level NoticeLevel, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notices = append(g.notices, Notice{Level: level, Message: message})
}

// Notices returns the notices shown so far.
func (g *MemoryGrid) Notices() []Notice {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Notice(nil), g.notices...)
}

// RemoveRows deletes rows (header excluded) and returns their cells, as a
// grid hands them to Bridge.OnRowsRemoved.
func (g *MemoryGrid) RemoveRows(list string, rows ...int) [][]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	drop := map[int]struct{}{}
	for _, row := range rows {
		if row > ledger.HeaderRow {
			drop[row] = struct{}{}
		}
	}
	var removed [][]any
	var kept [][]any
	for i, cells := range g.rows[list] {
		if _, ok := drop[i]; ok {
			removed = append(removed, cells)
			continue
		}
		kept = append(kept, cells)
	}
	if kept != nil {
		g.rows[list] = kept
	}
	return removed
}

// Texts returns the normalized text of every cell of a list, header
// included, without the hidden column.
func (g *MemoryGrid) Texts(list string) [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]string, 0, len(g.rows[list]))
	for _, cells := range g.rows[list] {
		out = append(out, rowTexts(cells))
	}
	return out
}

// KeepPending makes Render show unacknowledged edits from source instead
// of the stored values they will replace.
func (g *MemoryGrid) KeepPending(source PendingSource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = source
}

// FindRow returns the grid row showing id.
func (g *MemoryGrid) FindRow(list string, id int64) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, cells := range g.rows[list] {
		if i == ledger.HeaderRow || len(cells) == 0 {
			continue
		}
		if got, ok := ledger.ParseID(normalize.CellText(cells[ledger.IDColumn])); ok && got == id {
			return i, true
		}
	}
	return 0, false
}

// Render rebuilds every list from view. Local rows without an id are kept
// after the persisted rows unless their temp id has been promoted, in
// which case the persisted row replaces them. Persisted rows with a
// pending update show the pending values.
func (g *MemoryGrid) Render(view StoreView) {
	lists := view.Lists()
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make(map[string]struct{}, len(lists))
	for _, list := range lists {
		names[list] = struct{}{}
	}
	for list := range g.rows {
		names[list] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)
	for _, list := range ordered {
		g.renderLocked(list, view)
	}
}

func (g *MemoryGrid) renderLocked(list string, view StoreView) {
	records := view.Records(list)
	rows := make([][]any, 0, len(records)+1)
	rows = append(rows, headerRow())
	var unsent map[int64]ledger.Record
	if g.pending != nil {
		unsent = g.pending.PendingUpdates(list)
	}
	for _, record := range records {
		if edited, ok := unsent[record.ID]; ok {
			record = edited
		}
		rows = append(rows, recordRow(record))
	}
	existing := g.rows[list]
	for i, cells := range existing {
		if i == ledger.HeaderRow || len(cells) == 0 {
			continue
		}
		texts := rowTexts(cells)
		if _, ok := ledger.ParseID(texts[ledger.IDColumn]); ok {
			continue
		}
		if tempID, ok := ledger.ParseInt(normalize.CellText(cellAt(cells, TempIDColumn))); ok && tempID < 0 {
			if _, promoted := view.ResolveTemp(tempID); promoted {
				continue
			}
		}
		if normalize.IsBlank(texts) {
			continue
		}
		rows = append(rows, cells)
	}
	g.rows[list] = rows
}

func recordRow(record ledger.Record) []any {
	texts := ledger.RowFromRecord(record)
	out := make([]any, TempIDColumn+1)
	for i, text := range texts {
		out[i] = text
	}
	out[TempIDColumn] = ""
	return out
}

func cellAt(cells []any, col int) any {
	if col < 0 || col >= len(cells) {
		return nil
	}
	return cells[col]
}

// rowTexts flattens the field columns of a grid row to text.
func rowTexts(cells []any) []string {
	out := make([]string, ledger.ColumnCount)
	for i := range out {
		out[i] = normalize.CellText(cellAt(cells, i))
	}
	return out
}

func tempIDText(tempID int64) string {
	return strconv.FormatInt(tempID, 10)
}
