package access

import (
	"github.com/agentworkforce/gridsync/internal/ledger"
	"github.com/agentworkforce/gridsync/internal/normalize"
)

// Lookup returns the record rendered at a grid row of a list, if any.
type Lookup func(listName string, row int) (ledger.Record, bool)

// IsLocked reports whether role may not edit the cell at (row, col) of
// listName. It has no side effects and is called on every keystroke.
func IsLocked(policy Policy, role, listName string, row, col int, lookup Lookup) bool {
	if row <= ledger.HeaderRow {
		return false
	}
	rules := policy.Role(role)
	if rules.staticallyLocked(col) {
		return true
	}
	if col == ledger.IDColumn {
		return false
	}
	if lookup == nil {
		return false
	}
	record, ok := lookup(listName, row)
	if !ok {
		return false
	}
	// Bypass lifts the whole-row block only; cell ranges bind every role.
	if record.ManagerBlock && !rules.BypassCellLocks && !rules.exemptFromBlock(col) {
		return true
	}
	return RangeLocked(record.ManagerBlockListCell, col)
}

// RangeLocked reports whether col falls inside any lock range entry.
// Entries that do not parse are ignored.
func RangeLocked(ranges [][]string, col int) bool {
	for _, entry := range ranges {
		from, to, err := normalize.ColumnRange(entry)
		if err != nil {
			continue
		}
		if col >= from && col <= to {
			return true
		}
	}
	return false
}

// AnyLocked reports whether any cell in the inclusive rectangle is locked.
func AnyLocked(policy Policy, role, listName string, fromRow, toRow, fromCol, toCol int, lookup Lookup) bool {
	for row := fromRow; row <= toRow; row++ {
		for col := fromCol; col <= toCol; col++ {
			if IsLocked(policy, role, listName, row, col, lookup) {
				return true
			}
		}
	}
	return false
}

// CanDelete reports whether role may remove record. Records under a
// manager block can only be removed by roles that bypass cell locks.
func CanDelete(policy Policy, role string, record ledger.Record) bool {
	if !record.ManagerBlock {
		return true
	}
	return policy.Role(role).BypassCellLocks
}
