package syncclient

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

// OpType names a write intent.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// OperationKey identifies a logical write: type::list::ref, where ref is
// the record id, its temp id, or the grid row.
func OperationKey(op OpType, list, ref string) string {
	return fmt.Sprintf("%s::%s::%s", op, list, ref)
}

func recordRef(record ledger.Record) string {
	switch {
	case record.ID > 0:
		return strconv.FormatInt(record.ID, 10)
	case record.TempID < 0:
		return strconv.FormatInt(record.TempID, 10)
	default:
		return ""
	}
}

// Guard tracks writes in flight. A key is held for the duration of one
// network call.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{inflight: map[string]struct{}{}}
}

// Acquire registers key, reporting false when it is already held.
func (g *Guard) Acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.inflight[key]; held {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

func (g *Guard) Release(keys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, key := range keys {
		delete(g.inflight, key)
	}
}

// InFlight reports whether key is held.
func (g *Guard) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.inflight[key]
	return held
}

// Writer is the write side the Batcher and Bridge depend on.
type Writer interface {
	Create(ctx context.Context, list string, drafts []ledger.Record) (Ack, error)
	Update(ctx context.Context, list string, patches []ledger.Record) error
	Delete(ctx context.Context, list string, ids []int64) error
}

// SyncManager runs store writes through the in-flight guard. Items whose
// key is already held are dropped; the rest are sent in one call.
type SyncManager struct {
	store  *Store
	guard  *Guard
	logger logrus.FieldLogger
}

func NewSyncManager(store *Store, guard *Guard, logger logrus.FieldLogger) *SyncManager {
	if guard == nil {
		guard = NewGuard()
	}
	return &SyncManager{store: store, guard: guard, logger: componentLogger(logger, "sync")}
}

func (m *SyncManager) Guard() *Guard {
	return m.guard
}

func (m *SyncManager) Create(ctx context.Context, list string, drafts []ledger.Record) (Ack, error) {
	drafts = slices.Clone(drafts)
	for i := range drafts {
		if drafts[i].TempID >= 0 {
			drafts[i].TempID = m.store.NextTempID()
		}
	}
	kept, keys := m.acquire(OpCreate, list, len(drafts), func(i int) string { return recordRef(drafts[i]) })
	defer m.guard.Release(keys...)
	if len(kept) == 0 {
		return Ack{}, nil
	}
	out := make([]ledger.Record, len(kept))
	for i, idx := range kept {
		out[i] = drafts[idx]
	}
	return m.store.Create(ctx, list, out)
}

func (m *SyncManager) Update(ctx context.Context, list string, patches []ledger.Record) error {
	kept, keys := m.acquire(OpUpdate, list, len(patches), func(i int) string { return recordRef(patches[i]) })
	defer m.guard.Release(keys...)
	if len(kept) == 0 {
		return nil
	}
	out := make([]ledger.Record, len(kept))
	for i, idx := range kept {
		out[i] = patches[idx]
		if out[i].ListName == "" {
			out[i].ListName = list
		}
	}
	return m.store.Update(ctx, out)
}

func (m *SyncManager) Delete(ctx context.Context, list string, ids []int64) error {
	kept, keys := m.acquire(OpDelete, list, len(ids), func(i int) string { return strconv.FormatInt(ids[i], 10) })
	defer m.guard.Release(keys...)
	if len(kept) == 0 {
		return nil
	}
	out := make([]int64, len(kept))
	for i, idx := range kept {
		out[i] = ids[idx]
	}
	return m.store.Delete(ctx, out)
}

// acquire takes a guard key per item and returns the indexes that were
// free together with the keys to release.
func (m *SyncManager) acquire(op OpType, list string, n int, ref func(int) string) ([]int, []string) {
	var kept []int
	var keys []string
	seen := map[string]struct{}{}
	for i := 0; i < n; i++ {
		r := strings.TrimSpace(ref(i))
		if r == "" {
			kept = append(kept, i)
			continue
		}
		key := OperationKey(op, list, r)
		if _, dup := seen[key]; dup {
			dedupedTotal.WithLabelValues(string(op)).Inc()
			continue
		}
		if !m.guard.Acquire(key) {
			dedupedTotal.WithLabelValues(string(op)).Inc()
			m.logger.WithFields(logrus.Fields{"op": op, "list": list, "key": key}).Debug("dropping duplicate in-flight operation")
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
		kept = append(kept, i)
	}
	return kept, keys
}
