// Package recordstore persists transport accounting records for the
// reference backend. Repositories are selected by DSN scheme.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("record not found")
	ErrUnsupported  = errors.New("unsupported repository")
)

// NotFoundError lists the ids an update referenced that do not exist.
type NotFoundError struct {
	IDs []int64
}

func (e *NotFoundError) Error() string {
	parts := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("records not found: %s", strings.Join(parts, ", "))
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Repository is the backend of record. Create keeps each draft's TempID
// on the returned record so callers can echo it; stored records never
// carry one. Update is all-or-nothing. Delete ignores unknown ids and
// returns the records it removed.
type Repository interface {
	List(ctx context.Context) (map[string][]ledger.Record, error)
	Create(ctx context.Context, drafts []ledger.Record) ([]ledger.Record, error)
	Update(ctx context.Context, patches []ledger.Record) ([]ledger.Record, error)
	Delete(ctx context.Context, ids []int64) ([]ledger.Record, error)
	Close() error
}

func validateDrafts(drafts []ledger.Record) error {
	for i, draft := range drafts {
		if strings.TrimSpace(draft.ListName) == "" {
			return fmt.Errorf("%w: draft %d has no listName", ErrInvalidInput, i)
		}
	}
	return nil
}

func validatePatches(patches []ledger.Record) error {
	for i, patch := range patches {
		if patch.ID <= 0 {
			return fmt.Errorf("%w: patch %d has no id", ErrInvalidInput, i)
		}
	}
	return nil
}

// stored strips the transient fields before a record is written.
func stored(record ledger.Record, id int64, list string) ledger.Record {
	out := record.Clone()
	out.ID = id
	out.TempID = 0
	out.ListName = strings.TrimSpace(list)
	return out
}

func groupByList(records []ledger.Record) map[string][]ledger.Record {
	out := map[string][]ledger.Record{}
	for _, record := range records {
		out[record.ListName] = append(out[record.ListName], record)
	}
	for name := range out {
		sort.SliceStable(out[name], func(i, j int) bool { return out[name][i].ID < out[name][j].ID })
	}
	return out
}
