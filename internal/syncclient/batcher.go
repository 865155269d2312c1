package syncclient

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

// BatchItem is one queued edit. Data is the create draft or update patch;
// deletes carry the id in Data.ID.
type BatchItem struct {
	Type      OpType
	Row       int
	List      string
	Data      ledger.Record
	Timestamp time.Time
	// OnFail runs when the group containing the item fails.
	OnFail func(error)
}

func (i BatchItem) key() string {
	if i.Type == OpDelete {
		return OperationKey(i.Type, i.List, strconv.FormatInt(i.Data.ID, 10))
	}
	return OperationKey(i.Type, i.List, "row:"+strconv.Itoa(i.Row))
}

func (i BatchItem) sameAs(other BatchItem) bool {
	return i.Type == other.Type &&
		i.Row == other.Row &&
		i.List == other.List &&
		i.Data.ID == other.Data.ID &&
		i.Data.TempID == other.Data.TempID &&
		ledger.SameFields(i.Data, other.Data)
}

// RecordLookup is the read side used for no-op suppression.
type RecordLookup interface {
	Lookup(list string, id int64) (ledger.Record, bool)
}

type BatcherOptions struct {
	// Debounce is the quiet period after the last enqueue before a flush.
	Debounce time.Duration
	// MaxSize flushes immediately once this many items are queued.
	MaxSize int
	Logger  logrus.FieldLogger
	// Context bounds timer-driven flushes.
	Context context.Context
}

// Batcher coalesces bursts of edits into bounded backend calls.
type Batcher struct {
	writer   Writer
	lookup   RecordLookup
	debounce time.Duration
	maxSize  int
	logger   logrus.FieldLogger
	ctx      context.Context

	mu       sync.Mutex
	queue    []BatchItem
	inflight []BatchItem
	timer    *time.Timer
	closed   bool

	flushMu sync.Mutex
}

func NewBatcher(writer Writer, lookup RecordLookup, opts BatcherOptions) *Batcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 100
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &Batcher{
		writer:   writer,
		lookup:   lookup,
		debounce: debounce,
		maxSize:  maxSize,
		logger:   componentLogger(opts.Logger, "batcher"),
		ctx:      ctx,
	}
}

// Enqueue queues item. An item identical to the one queued just before it
// is dropped.
func (b *Batcher) Enqueue(item BatchItem) {
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.WithField("op", item.Type).Warn("batcher closed; dropping edit")
		return
	}
	if n := len(b.queue); n > 0 && b.queue[n-1].sameAs(item) {
		b.mu.Unlock()
		coalescedTotal.Inc()
		return
	}
	b.queue = append(b.queue, item)
	full := len(b.queue) >= b.maxSize
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if !full {
		b.timer = time.AfterFunc(b.debounce, func() { b.Flush(b.ctx) })
	}
	b.mu.Unlock()
	if full {
		go b.Flush(b.ctx)
	}
}

// Pending returns the number of queued items.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// PendingUpdates returns the latest queued or in-flight update per id of
// list.
func (b *Batcher) PendingUpdates(list string) map[int64]ledger.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[int64]ledger.Record{}
	for _, items := range [][]BatchItem{b.inflight, b.queue} {
		for _, item := range items {
			if item.Type == OpUpdate && item.List == list && item.Data.ID > 0 {
				out[item.Data.ID] = item.Data.Clone()
			}
		}
	}
	return out
}

// Flush sends everything queued so far. Group failures are logged and
// reported to item callbacks; they never abort other groups.
func (b *Batcher) Flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	items := b.queue
	b.queue = nil
	b.inflight = items
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	if len(items) == 0 {
		return
	}
	defer func() {
		b.mu.Lock()
		b.inflight = nil
		b.mu.Unlock()
	}()
	batchSize.Observe(float64(len(items)))

	for _, group := range groupItems(mergeItems(items)) {
		b.flushGroup(ctx, group)
	}
}

// Close flushes what is queued and rejects later edits.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush(ctx)
}

type itemGroup struct {
	list  string
	op    OpType
	items []BatchItem
}

// mergeItems keeps the latest item per (type, row, list) at the position
// of its first occurrence.
func mergeItems(items []BatchItem) []BatchItem {
	index := make(map[string]int, len(items))
	out := make([]BatchItem, 0, len(items))
	for _, item := range items {
		if pos, ok := index[item.key()]; ok {
			out[pos] = item
			coalescedTotal.Inc()
			continue
		}
		index[item.key()] = len(out)
		out = append(out, item)
	}
	return out
}

func groupItems(items []BatchItem) []itemGroup {
	var groups []itemGroup
	index := map[string]int{}
	for _, item := range items {
		key := item.List + "::" + string(item.Type)
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, itemGroup{list: item.List, op: item.Type})
		}
		groups[pos].items = append(groups[pos].items, item)
	}
	return groups
}

func (b *Batcher) flushGroup(ctx context.Context, group itemGroup) {
	logger := b.logger.WithFields(logrus.Fields{"list": group.list, "op": group.op})
	var err error
	sent := group.items
	switch group.op {
	case OpCreate:
		drafts := make([]ledger.Record, len(sent))
		for i, item := range sent {
			drafts[i] = item.Data
		}
		_, err = b.writer.Create(ctx, group.list, drafts)
	case OpUpdate:
		sent = FilterUpdates(b.lookup, group.list, sent)
		if len(sent) == 0 {
			return
		}
		patches := make([]ledger.Record, len(sent))
		for i, item := range sent {
			patches[i] = item.Data
		}
		err = b.writer.Update(ctx, group.list, patches)
	case OpDelete:
		sent = dedupeByID(sent)
		ids := make([]int64, 0, len(sent))
		for _, item := range sent {
			if item.Data.ID > 0 {
				ids = append(ids, item.Data.ID)
			}
		}
		if len(ids) == 0 {
			return
		}
		err = b.writer.Delete(ctx, group.list, ids)
	default:
		logger.Warn("unknown batch operation")
		return
	}
	if err != nil {
		logger.WithError(err).WithField("items", len(sent)).Error("batch write failed")
		for _, item := range sent {
			if item.OnFail != nil {
				item.OnFail(err)
			}
		}
		return
	}
	logger.WithField("items", len(sent)).Debug("batch written")
}

// FilterUpdates keeps the latest patch per id and drops patches whose
// fields all match the record currently known for that id.
func FilterUpdates(lookup RecordLookup, list string, items []BatchItem) []BatchItem {
	items = dedupeByID(items)
	out := items[:0:0]
	for _, item := range items {
		if item.Data.ID <= 0 {
			continue
		}
		if lookup != nil {
			if current, ok := lookup.Lookup(list, item.Data.ID); ok && ledger.SameFields(current, item.Data) {
				noopTotal.Inc()
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

func dedupeByID(items []BatchItem) []BatchItem {
	index := make(map[int64]int, len(items))
	out := make([]BatchItem, 0, len(items))
	for _, item := range items {
		id := item.Data.ID
		if id <= 0 {
			out = append(out, item)
			continue
		}
		if pos, ok := index[id]; ok {
			out[pos] = item
			coalescedTotal.Inc()
			continue
		}
		index[id] = len(out)
		out = append(out, item)
	}
	return out
}
