package syncclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/gridsync/internal/access"
	"github.com/agentworkforce/gridsync/internal/ledger"
	"github.com/agentworkforce/gridsync/internal/normalize"
)

// CellEdit is one committed cell change reported by the grid.
type CellEdit struct {
	List string
	Row  int
	Col  int
	Old  any
	New  any
}

// Paste is a clipboard block about to be written at (Row, Col).
type Paste struct {
	List string
	Row  int
	Col  int
	Data [][]any
}

func (p Paste) width() int {
	width := 0
	for _, row := range p.Data {
		if len(row) > width {
			width = len(row)
		}
	}
	return width
}

type BridgeOptions struct {
	Role   string
	Policy access.Source
	Logger logrus.FieldLogger
}

type heldRow struct {
	list  string
	row   int
	cells []string
}

// Bridge turns grid events into write intents. It reads the store to
// classify rows but never mutates it.
type Bridge struct {
	grid    Grid
	store   *Store
	writer  Writer
	batcher *Batcher
	policy  access.Source
	role    string
	logger  logrus.FieldLogger

	mu sync.Mutex
	// creating holds temp ids of creates sent from this session and not
	// yet promoted, keyed to their list.
	creating map[int64]string
	// held keeps the latest cells of rows edited while their create was
	// outstanding; they are replayed as an update on promotion.
	held map[int64]heldRow
	// doomed temp ids belong to rows removed before their create landed.
	doomed map[int64]struct{}

	unsubscribe func()
}

func NewBridge(grid Grid, store *Store, writer Writer, batcher *Batcher, opts BridgeOptions) (*Bridge, error) {
	if grid == nil || store == nil || writer == nil || batcher == nil {
		return nil, fmt.Errorf("grid, store, writer and batcher are required")
	}
	policy := opts.Policy
	if policy == nil {
		policy = access.StaticSource{Policy: access.DefaultPolicy()}
	}
	b := &Bridge{
		grid:     grid,
		store:    store,
		writer:   writer,
		batcher:  batcher,
		policy:   policy,
		role:     opts.Role,
		logger:   componentLogger(opts.Logger, "bridge"),
		creating: map[int64]string{},
		held:     map[int64]heldRow{},
		doomed:   map[int64]struct{}{},
	}
	b.unsubscribe = store.Subscribe(b.handleChange)
	return b, nil
}

// Close detaches the bridge from the store.
func (b *Bridge) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}

// lookup resolves the record shown at a grid row for permission checks.
// Rows without a persisted id have no record.
func (b *Bridge) lookup(list string, row int) (ledger.Record, bool) {
	cells := b.grid.Row(list, row)
	id, ok := ledger.ParseID(normalize.CellText(cellAt(cells, ledger.IDColumn)))
	if !ok {
		return ledger.Record{}, false
	}
	return b.store.Lookup(list, id)
}

// IsLocked reports whether the acting role may not edit the cell.
func (b *Bridge) IsLocked(list string, row, col int) bool {
	return access.IsLocked(b.policy.Current(), b.role, list, row, col, b.lookup)
}

// OnCellEdit handles a committed edit: normalize, check permission, then
// queue a create or update for the row.
func (b *Bridge) OnCellEdit(ctx context.Context, edit CellEdit) error {
	if edit.Row <= ledger.HeaderRow {
		return nil
	}
	field, ok := ledger.FieldAt(edit.Col)
	if !ok {
		return nil
	}
	text := normalize.CellText(edit.New)
	if field.Kind == ledger.KindDate || field.Kind == ledger.KindMoney {
		canonical, err := field.Normalize(text)
		if err != nil {
			b.revert(edit)
			b.grid.Notify(NoticeWarning, fmt.Sprintf("Invalid %s format: %q", field.Kind, text))
			return &ValidationError{List: edit.List, Row: edit.Row, Column: edit.Col, Value: text, Err: err}
		}
		if raw, isString := edit.New.(string); !isString || raw != canonical {
			b.grid.SetCell(edit.List, edit.Row, edit.Col, canonical)
		}
	}
	if b.IsLocked(edit.List, edit.Row, edit.Col) {
		b.revert(edit)
		b.grid.Notify(NoticeWarning, fmt.Sprintf("Column %s is locked for editing", field.Letter))
		return &PermissionError{List: edit.List, Row: edit.Row, Column: edit.Col, Role: b.role}
	}
	b.submitRow(edit.List, edit.Row, edit.Col, edit.Old)
	return nil
}

func (b *Bridge) revert(edit CellEdit) {
	b.grid.SetCell(edit.List, edit.Row, edit.Col, edit.Old)
}

// submitRow classifies a row by its id cell and queues the matching
// intent.
func (b *Bridge) submitRow(list string, row, col int, old any) {
	cells := b.grid.Row(list, row)
	texts := rowTexts(cells)
	if id, ok := ledger.ParseID(texts[ledger.IDColumn]); ok {
		b.batcher.Enqueue(BatchItem{
			Type:   OpUpdate,
			Row:    row,
			List:   list,
			Data:   b.patchFor(list, id, texts),
			OnFail: b.onWriteFailed(list, row, col, old),
		})
		return
	}
	if texts[ledger.IDColumn] != "" {
		b.logger.WithFields(logrus.Fields{"list": list, "row": row}).Warn("row id is not a positive integer; edit not sent")
		return
	}
	if normalize.IsBlank(texts) {
		return
	}
	if tempID, ok := rowTempID(cells); ok {
		if id, promoted := b.store.ResolveTemp(tempID); promoted {
			b.markPersisted(list, row, id)
			b.batcher.Enqueue(BatchItem{
				Type:   OpUpdate,
				Row:    row,
				List:   list,
				Data:   b.patchFor(list, id, texts),
				OnFail: b.onWriteFailed(list, row, col, old),
			})
			return
		}
		if b.holdIfCreating(tempID, list, row, texts) {
			return
		}
	}
	draft := b.draftFor(list, row, texts)
	b.batcher.Enqueue(BatchItem{
		Type:   OpCreate,
		Row:    row,
		List:   list,
		Data:   draft,
		OnFail: b.onCreateFailed(list, draft.TempID, row, col, old),
	})
}

// draftFor assigns a temp id to the row and builds its create draft.
func (b *Bridge) draftFor(list string, row int, texts []string) ledger.Record {
	tempID := b.store.NextTempID()
	b.grid.SetCell(list, row, TempIDColumn, tempIDText(tempID))
	draft, err := ledger.RecordFromRow(list, texts)
	if err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{"list": list, "row": row}).Warn("row has invalid cells; sending the valid ones")
	}
	draft.ID = 0
	draft.TempID = tempID
	b.mu.Lock()
	b.creating[tempID] = list
	b.mu.Unlock()
	return draft
}

// patchFor overlays row cells on the known record so fields outside the
// grid (lock metadata) are preserved, forcing the id.
func (b *Bridge) patchFor(list string, id int64, texts []string) ledger.Record {
	patch, ok := b.store.Lookup(list, id)
	if !ok {
		patch = ledger.Record{ID: id, ListName: list}
	}
	if err := ledger.ApplyRow(&patch, texts); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{"list": list, "id": id}).Warn("row has invalid cells; keeping known values")
	}
	patch.ID = id
	patch.TempID = 0
	patch.ListName = list
	return patch
}

func (b *Bridge) holdIfCreating(tempID int64, list string, row int, texts []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.creating[tempID]; !ok {
		return false
	}
	b.held[tempID] = heldRow{list: list, row: row, cells: append([]string(nil), texts...)}
	b.logger.WithFields(logrus.Fields{"list": list, "tempId": tempID}).Debug("holding edit until create is confirmed")
	return true
}

func (b *Bridge) markPersisted(list string, row int, id int64) {
	b.grid.SetCell(list, row, ledger.IDColumn, strconv.FormatInt(id, 10))
	b.grid.SetCell(list, row, TempIDColumn, "")
}

func (b *Bridge) onWriteFailed(list string, row, col int, old any) func(error) {
	return func(err error) {
		b.grid.Notify(NoticeError, failureMessage(err))
		if col == ledger.ClientColumn {
			b.grid.SetCell(list, row, col, old)
		}
	}
}

func (b *Bridge) onCreateFailed(list string, tempID int64, row, col int, old any) func(error) {
	return func(err error) {
		if found, ok := b.abandonCreate(list, tempID); ok {
			row = found
		}
		b.grid.Notify(NoticeError, failureMessage(err))
		if col == ledger.ClientColumn {
			b.grid.SetCell(list, row, col, old)
		}
	}
}

// abandonCreate forgets a failed create and clears its row's temp id so
// the next edit retries it. It returns the row that held the temp id.
func (b *Bridge) abandonCreate(list string, tempID int64) (int, bool) {
	b.mu.Lock()
	delete(b.creating, tempID)
	delete(b.held, tempID)
	delete(b.doomed, tempID)
	b.mu.Unlock()
	row, ok := b.findTempRow(list, tempID)
	if ok {
		b.grid.SetCell(list, row, TempIDColumn, "")
	}
	return row, ok
}

func failureMessage(err error) string {
	var writeErr *WriteError
	if errors.As(err, &writeErr) {
		return "Save failed: " + writeErr.Message
	}
	return "Save failed: " + err.Error()
}

func rowTempID(cells []any) (int64, bool) {
	tempID, ok := ledger.ParseInt(normalize.CellText(cellAt(cells, TempIDColumn)))
	if !ok || tempID >= 0 {
		return 0, false
	}
	return tempID, true
}

func (b *Bridge) findTempRow(list string, tempID int64) (int, bool) {
	for row := 1; row < b.grid.RowCount(list); row++ {
		if got, ok := rowTempID(b.grid.Row(list, row)); ok && got == tempID {
			return row, true
		}
	}
	return 0, false
}

// handleChange writes promoted ids into their rows and replays edits held
// while the create was outstanding.
func (b *Bridge) handleChange(change Change) {
	if change.Kind != ChangePromoted {
		return
	}
	for i, tempID := range change.TempIDs {
		if i >= len(change.IDs) {
			break
		}
		id := change.IDs[i]
		b.mu.Lock()
		list, mine := b.creating[tempID]
		held, hasHeld := b.held[tempID]
		_, doomed := b.doomed[tempID]
		delete(b.creating, tempID)
		delete(b.held, tempID)
		delete(b.doomed, tempID)
		b.mu.Unlock()
		if !mine {
			continue
		}
		if row, ok := b.findTempRow(list, tempID); ok {
			b.markPersisted(list, row, id)
		}
		logger := b.logger.WithFields(logrus.Fields{"list": list, "tempId": tempID, "id": id})
		switch {
		case doomed:
			logger.Info("row removed before its create landed; deleting")
			b.batcher.Enqueue(BatchItem{Type: OpDelete, List: list, Data: ledger.Record{ID: id}})
		case hasHeld:
			logger.Debug("replaying held edit")
			b.batcher.Enqueue(BatchItem{
				Type:   OpUpdate,
				Row:    held.row,
				List:   held.list,
				Data:   b.patchFor(held.list, id, held.cells),
				OnFail: b.onWriteFailed(held.list, held.row, -1, nil),
			})
		}
	}
}

// BeforePaste normalizes a clipboard block and rejects it whole when any
// target cell is locked. The returned paste holds canonical strings.
func (b *Bridge) BeforePaste(p Paste) (Paste, error) {
	out := Paste{List: p.List, Row: p.Row, Col: p.Col, Data: make([][]any, len(p.Data))}
	for i, row := range p.Data {
		out.Data[i] = make([]any, len(row))
		for j, value := range row {
			out.Data[i][j] = normalizeForColumn(p.Col+j, normalize.CellText(value))
		}
	}
	if len(p.Data) == 0 || p.width() == 0 {
		return out, nil
	}
	fromRow := p.Row
	if fromRow <= ledger.HeaderRow {
		fromRow = ledger.HeaderRow + 1
	}
	toRow := p.Row + len(p.Data) - 1
	toCol := p.Col + p.width() - 1
	if toRow >= fromRow && access.AnyLocked(b.policy.Current(), b.role, p.List, fromRow, toRow, p.Col, toCol, b.lookup) {
		b.grid.Notify(NoticeWarning, "Paste cancelled: the range contains locked cells")
		return p, &PermissionError{List: p.List, Row: p.Row, Column: p.Col, Role: b.role}
	}
	return out, nil
}

// normalizeForColumn returns canonical text for date and money columns
// when the value parses, and the plain text otherwise.
func normalizeForColumn(col int, text string) string {
	field, ok := ledger.FieldAt(col)
	if !ok || (field.Kind != ledger.KindDate && field.Kind != ledger.KindMoney) {
		return text
	}
	if canonical, err := field.Normalize(text); err == nil {
		return canonical
	}
	return text
}

// AfterPaste normalizes the committed block again and sends one create
// call and one update call covering every affected row.
func (b *Bridge) AfterPaste(ctx context.Context, list string, fromRow, toRow, fromCol, toCol int) error {
	if fromRow <= ledger.HeaderRow {
		fromRow = ledger.HeaderRow + 1
	}
	for row := fromRow; row <= toRow; row++ {
		cells := b.grid.Row(list, row)
		for col := fromCol; col <= toCol && col < ledger.ColumnCount; col++ {
			raw := cellAt(cells, col)
			canonical := normalizeForColumn(col, normalize.CellText(raw))
			if current, isString := raw.(string); !isString || current != canonical {
				if raw == nil && canonical == "" {
					continue
				}
				b.grid.SetCell(list, row, col, canonical)
			}
		}
	}

	var drafts []ledger.Record
	var updates []BatchItem
	for row := fromRow; row <= toRow; row++ {
		cells := b.grid.Row(list, row)
		texts := rowTexts(cells)
		if id, ok := ledger.ParseID(texts[ledger.IDColumn]); ok {
			updates = append(updates, BatchItem{Type: OpUpdate, Row: row, List: list, Data: b.patchFor(list, id, texts)})
			continue
		}
		if texts[ledger.IDColumn] != "" || normalize.IsBlank(texts) {
			continue
		}
		if tempID, ok := rowTempID(cells); ok {
			if id, promoted := b.store.ResolveTemp(tempID); promoted {
				b.markPersisted(list, row, id)
				updates = append(updates, BatchItem{Type: OpUpdate, Row: row, List: list, Data: b.patchFor(list, id, texts)})
				continue
			}
			if b.holdIfCreating(tempID, list, row, texts) {
				continue
			}
		}
		drafts = append(drafts, b.draftFor(list, row, texts))
	}

	var errs []error
	if len(drafts) > 0 {
		if _, err := b.writer.Create(ctx, list, drafts); err != nil {
			for _, draft := range drafts {
				b.abandonCreate(list, draft.TempID)
			}
			b.grid.Notify(NoticeError, failureMessage(err))
			errs = append(errs, err)
		}
	}
	updates = FilterUpdates(b.store, list, updates)
	if len(updates) > 0 {
		patches := make([]ledger.Record, len(updates))
		for i, item := range updates {
			patches[i] = item.Data
		}
		if err := b.writer.Update(ctx, list, patches); err != nil {
			b.grid.Notify(NoticeError, failureMessage(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnRowsRemoved queues deletes for the removed rows' ids. Rows whose
// create is still outstanding are deleted once it lands.
func (b *Bridge) OnRowsRemoved(ctx context.Context, list string, rows [][]any) error {
	policy := b.policy.Current()
	var denied int
	for _, cells := range rows {
		texts := rowTexts(cells)
		if id, ok := ledger.ParseID(texts[ledger.IDColumn]); ok {
			if record, known := b.store.Lookup(list, id); known && !access.CanDelete(policy, b.role, record) {
				denied++
				continue
			}
			b.batcher.Enqueue(BatchItem{
				Type:   OpDelete,
				List:   list,
				Data:   ledger.Record{ID: id},
				OnFail: b.onWriteFailed(list, -1, -1, nil),
			})
			continue
		}
		if tempID, ok := rowTempID(cells); ok {
			b.mu.Lock()
			if _, creating := b.creating[tempID]; creating {
				b.doomed[tempID] = struct{}{}
				delete(b.held, tempID)
			}
			b.mu.Unlock()
		}
	}
	if denied > 0 {
		b.grid.Notify(NoticeWarning, fmt.Sprintf("%d blocked row(s) cannot be deleted", denied))
		return &PermissionError{List: list, Row: -1, Column: ledger.IDColumn, Role: b.role}
	}
	return nil
}
