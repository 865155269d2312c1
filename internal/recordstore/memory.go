package recordstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

type snapshot struct {
	NextID  int64           `json:"nextId"`
	Records []ledger.Record `json:"records"`
}

// MemoryRepository keeps records in process. A commit hook, when set, sees
// every new state before it becomes visible and can veto it.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[int64]ledger.Record
	nextID  int64
	commit  func(snapshot) error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: map[int64]ledger.Record{}}
}

func (r *MemoryRepository) restore(state snapshot) {
	r.records = make(map[int64]ledger.Record, len(state.Records))
	r.nextID = state.NextID
	for _, record := range state.Records {
		if record.ID <= 0 {
			continue
		}
		r.records[record.ID] = stored(record, record.ID, record.ListName)
		if record.ID > r.nextID {
			r.nextID = record.ID
		}
	}
}

func (r *MemoryRepository) List(ctx context.Context) (map[string][]ledger.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]ledger.Record, 0, len(r.records))
	for _, record := range r.records {
		all = append(all, record.Clone())
	}
	return groupByList(all), nil
}

func (r *MemoryRepository) Create(ctx context.Context, drafts []ledger.Record) ([]ledger.Record, error) {
	if err := validateDrafts(drafts); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cloneLocked()
	nextID := r.nextID
	out := make([]ledger.Record, len(drafts))
	for i, draft := range drafts {
		nextID++
		record := stored(draft, nextID, draft.ListName)
		next[nextID] = record
		out[i] = record.Clone()
		out[i].TempID = draft.TempID
	}
	if err := r.applyLocked(next, nextID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MemoryRepository) Update(ctx context.Context, patches []ledger.Record) ([]ledger.Record, error) {
	if err := validatePatches(patches); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []int64
	for _, patch := range patches {
		if _, ok := r.records[patch.ID]; !ok {
			missing = append(missing, patch.ID)
		}
	}
	if len(missing) > 0 {
		return nil, &NotFoundError{IDs: missing}
	}
	next := r.cloneLocked()
	out := make([]ledger.Record, len(patches))
	for i, patch := range patches {
		list := strings.TrimSpace(patch.ListName)
		if list == "" {
			list = next[patch.ID].ListName
		}
		record := stored(patch, patch.ID, list)
		next[patch.ID] = record
		out[i] = record.Clone()
	}
	if err := r.applyLocked(next, r.nextID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, ids []int64) ([]ledger.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cloneLocked()
	var removed []ledger.Record
	for _, id := range ids {
		if record, ok := next[id]; ok {
			removed = append(removed, record)
			delete(next, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := r.applyLocked(next, r.nextID); err != nil {
		return nil, err
	}
	return removed, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) cloneLocked() map[int64]ledger.Record {
	out := make(map[int64]ledger.Record, len(r.records))
	for id, record := range r.records {
		out[id] = record
	}
	return out
}

func (r *MemoryRepository) applyLocked(next map[int64]ledger.Record, nextID int64) error {
	if r.commit != nil {
		state := snapshot{NextID: nextID, Records: make([]ledger.Record, 0, len(next))}
		for _, record := range next {
			state.Records = append(state.Records, record)
		}
		sort.Slice(state.Records, func(i, j int) bool { return state.Records[i].ID < state.Records[j].ID })
		if err := r.commit(state); err != nil {
			return err
		}
	}
	r.records = next
	r.nextID = nextID
	return nil
}
