package syncclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/gridsync/internal/access"
	"github.com/agentworkforce/gridsync/internal/ledger"
)

type fixture struct {
	session *Session
	grid    *MemoryGrid
	remote  *fakeRemote
}

func newFixture(t *testing.T, role string, lists Lists) fixture {
	t.Helper()
	remote := newFakeRemote(lists)
	grid := NewMemoryGrid()
	session, err := NewSession(SessionOptions{
		Role:     role,
		Debounce: time.Hour,
		Remote:   remote,
		Grid:     grid,
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(func() { session.Close(context.Background()) })
	return fixture{session: session, grid: grid, remote: remote}
}

// edit commits value into the grid and reports it to the bridge the way
// a widget would.
func (f fixture) edit(list string, row, col int, value any) error {
	old := cellAt(f.grid.Row(list, row), col)
	f.grid.SetCell(list, row, col, value)
	return f.session.Bridge.OnCellEdit(context.Background(), CellEdit{List: list, Row: row, Col: col, Old: old, New: value})
}

func (f fixture) flush() {
	f.session.Batcher.Flush(context.Background())
}

func (f fixture) cell(list string, row, col int) string {
	return f.grid.Texts(list)[row][col]
}

func baseLists() Lists {
	return Lists{"P1": {
		{ID: 1, Date: "2024-01-05", Client: "acme", Amount: money("100")},
		{ID: 2, Client: "beta", ManagerBlock: true, ManagerBlockListCell: [][]string{{"D", "F"}}},
	}}
}

func TestBridgeInvalidDateIsRevertedAndNotSent(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())

	err := f.edit("P1", 1, 1, "31.13.2024")

	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "2024-01-05", f.cell("P1", 1, 1))
	assert.Zero(t, f.session.Batcher.Pending())
	notices := f.grid.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeWarning, notices[0].Level)
}

func TestBridgeCanonicalizesDateAndMoney(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())

	require.NoError(t, f.edit("P1", 1, 1, "05.02.2024"))
	require.NoError(t, f.edit("P1", 1, 6, "1 234,50"))
	assert.Equal(t, "2024-02-05", f.cell("P1", 1, 1))
	assert.Equal(t, "1234.5", f.cell("P1", 1, 6))

	f.flush()
	require.Len(t, f.remote.updates, 1)
	patch := f.remote.updates[0]
	require.Len(t, patch, 1)
	assert.Equal(t, int64(1), patch[0].ID)
	assert.Equal(t, "2024-02-05", patch[0].Date)
	assert.Equal(t, "1234.5", patch[0].Amount.Decimal.String())
}

func TestBridgeLockedCellIsReverted(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())

	err := f.edit("P1", 1, 8, "50")
	require.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, "", f.cell("P1", 1, 8))

	// Record 2 locks D:F for its row.
	err = f.edit("P1", 2, 4, "truck")
	require.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, "", f.cell("P1", 2, 4))

	// Comment stays editable on a blocked record.
	require.NoError(t, f.edit("P1", 2, 10, "note"))
	assert.Equal(t, 1, f.session.Batcher.Pending())
}

func TestBridgeAdminSkipsManagerBlockButKeepsRanges(t *testing.T) {
	f := newFixture(t, access.RoleAdmin, baseLists())

	require.NoError(t, f.edit("P1", 2, 2, "beta ltd"))
	assert.Equal(t, "beta ltd", f.cell("P1", 2, 2))
	for _, col := range []int{3, 4, 5} {
		assert.True(t, f.session.Bridge.IsLocked("P1", 2, col), "col %d", col)
	}
	assert.True(t, f.session.Bridge.IsLocked("P1", 2, ledger.IDColumn))

	err := f.edit("P1", 2, 4, "truck")
	require.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, 1, f.session.Batcher.Pending())
}

func TestBridgeCreatesNewRowAndPromotesIt(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())

	require.NoError(t, f.edit("P1", 3, 2, "gamma"))
	tempText, _ := cellAt(f.grid.Row("P1", 3), TempIDColumn).(string)
	require.NotEmpty(t, tempText)
	assert.Equal(t, 1, f.session.Batcher.Pending())

	f.flush()
	require.Len(t, f.remote.creates, 1)
	draft := f.remote.creates[0][0]
	assert.Equal(t, "gamma", draft.Client)
	assert.Less(t, draft.TempID, int64(0))

	records := f.session.Store.Records("P1")
	require.Len(t, records, 3)
	row, ok := f.grid.FindRow("P1", records[2].ID)
	require.True(t, ok)
	assert.Equal(t, "gamma", f.cell("P1", row, 2))
	assert.Equal(t, 3, f.grid.RowCount("P1")-1)
}

func TestBridgeReplaysEditHeldDuringCreate(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())

	require.NoError(t, f.edit("P1", 3, 2, "gamma"))
	require.NoError(t, f.edit("P1", 3, 3, "north"))
	assert.Equal(t, 1, f.session.Batcher.Pending())

	f.flush()
	require.Len(t, f.remote.creates, 1)
	assert.Equal(t, "", f.remote.creates[0][0].Route)
	assert.Equal(t, 1, f.session.Batcher.Pending())

	f.flush()
	require.Len(t, f.remote.updates, 1)
	patch := f.remote.updates[0][0]
	assert.Equal(t, f.remote.creates[0][0].Client, patch.Client)
	assert.Equal(t, "north", patch.Route)
	assert.Positive(t, patch.ID)

	record, ok := f.session.Store.Lookup("P1", patch.ID)
	require.True(t, ok)
	assert.Equal(t, "north", record.Route)
}

func TestBridgeKeepsQueuedTextAcrossUnrelatedBroadcast(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())

	require.NoError(t, f.edit("P1", 1, 2, "acme corp"))
	f.session.Store.Reconcile(ledger.SyncEvent{
		Type:     ledger.EventUpdate,
		ListName: "P1",
		Records:  []ledger.Record{{ID: 2, Client: "beta two", ManagerBlock: true, ManagerBlockListCell: [][]string{{"D", "F"}}}},
	}, "")
	assert.Equal(t, "beta two", f.cell("P1", 2, 2))
	assert.Equal(t, "acme corp", f.cell("P1", 1, 2))

	require.NoError(t, f.edit("P1", 1, 3, "north"))
	f.flush()

	require.Len(t, f.remote.updates, 1)
	require.Len(t, f.remote.updates[0], 1)
	patch := f.remote.updates[0][0]
	assert.Equal(t, int64(1), patch.ID)
	assert.Equal(t, "acme corp", patch.Client)
	assert.Equal(t, "north", patch.Route)

	record, ok := f.session.Store.Lookup("P1", 1)
	require.True(t, ok)
	assert.Equal(t, "acme corp", record.Client)
	assert.Equal(t, "acme corp", f.cell("P1", 1, 2))
}

func TestBridgeIgnoresRowWithNonNumericID(t *testing.T) {
	f := newFixture(t, access.RoleAdmin, baseLists())
	f.grid.SetCell("P1", 3, ledger.IDColumn, "abc")
	require.NoError(t, f.edit("P1", 3, 2, "x"))
	assert.Zero(t, f.session.Batcher.Pending())
}

func TestBridgeFailedWriteNotifiesAndRevertsClient(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())
	f.remote.ackErr = "period is archived"

	require.NoError(t, f.edit("P1", 1, 2, "renamed"))
	f.flush()

	assert.Equal(t, "acme", f.cell("P1", 1, 2))
	notices := f.grid.Notices()
	require.NotEmpty(t, notices)
	last := notices[len(notices)-1]
	assert.Equal(t, NoticeError, last.Level)
	assert.Contains(t, last.Message, "period is archived")
}

func TestBridgeBeforePasteNormalizesAndRejectsLockedRanges(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())

	out, err := f.session.Bridge.BeforePaste(Paste{List: "P1", Row: 1, Col: 1, Data: [][]any{{"01.02.2024", " x "}}})
	require.NoError(t, err)
	assert.Equal(t, []any{"2024-02-01", "x"}, out.Data[0])

	in := Paste{List: "P1", Row: 1, Col: 7, Data: [][]any{{"1", "2"}}}
	out, err = f.session.Bridge.BeforePaste(in)
	require.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, in, out)
}

func TestBridgeAfterPasteSendsOneCreateAndOneUpdate(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())
	for i, value := range []string{"acme-2", "beta", "c3", "c4"} {
		f.grid.SetCell("P1", i+1, 2, value)
	}

	require.NoError(t, f.session.Bridge.AfterPaste(context.Background(), "P1", 1, 4, 2, 2))

	require.Len(t, f.remote.creates, 1)
	assert.Len(t, f.remote.creates[0], 2)
	require.Len(t, f.remote.updates, 1)
	require.Len(t, f.remote.updates[0], 1)
	assert.Equal(t, int64(1), f.remote.updates[0][0].ID)
	assert.Len(t, f.session.Store.Records("P1"), 4)
	assert.Zero(t, f.session.Batcher.Pending())
}

func TestBridgeRowsRemovedQueuesDeletes(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())

	removed := f.grid.RemoveRows("P1", 1)
	require.NoError(t, f.session.Bridge.OnRowsRemoved(context.Background(), "P1", removed))
	f.flush()

	require.Len(t, f.remote.deletes, 1)
	assert.Equal(t, []int64{1}, f.remote.deletes[0])
	_, ok := f.session.Store.Lookup("P1", 1)
	assert.False(t, ok)
}

func TestBridgeBlockedRowCannotBeDeletedByManager(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())

	row, ok := f.grid.FindRow("P1", 2)
	require.True(t, ok)
	err := f.session.Bridge.OnRowsRemoved(context.Background(), "P1", f.grid.RemoveRows("P1", row))

	require.ErrorIs(t, err, ErrPermission)
	assert.Zero(t, f.session.Batcher.Pending())
}

func TestBridgeRowRemovedBeforeCreateLandsIsDeletedAfterwards(t *testing.T) {
	f := newFixture(t, access.RoleManager, baseLists())
	require.NoError(t, f.edit("P1", 3, 2, "gamma"))

	require.NoError(t, f.session.Bridge.OnRowsRemoved(context.Background(), "P1", f.grid.RemoveRows("P1", 3)))
	f.flush()
	require.Len(t, f.remote.creates, 1)
	f.flush()

	require.Len(t, f.remote.deletes, 1)
	assert.Len(t, f.session.Store.Records("P1"), 2)
}
