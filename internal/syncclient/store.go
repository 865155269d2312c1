package syncclient

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

// ChangeKind classifies store notifications.
type ChangeKind string

const (
	ChangeLoaded   ChangeKind = "loaded"
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangePromoted ChangeKind = "promoted"
)

// Change is delivered to subscribers after every state mutation. For
// ChangePromoted, TempIDs[i] became IDs[i].
type Change struct {
	Kind    ChangeKind
	List    string
	IDs     []int64
	TempIDs []int64
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Type      ledger.EventType
	Lists     []string
	Added     int
	Updated   int
	Removed   int
	Ignored   int
	Promoted  map[int64]int64
	Discarded bool
}

type StoreOptions struct {
	// Elevated selects the admin view on FetchAll.
	Elevated bool
	// UserID identifies this session's broadcasts; only those (and direct
	// create acks) may promote pending temp ids.
	UserID int64
	Logger   logrus.FieldLogger
}

type subscriber struct {
	id uint64
	fn func(Change)
}

// Store is the single owner of canonical record lists. Reconcile is the
// only path that mutates them; reads take a shared lock and return copies.
type Store struct {
	client   RemoteClient
	elevated bool
	logger   logrus.FieldLogger
	userID   atomic.Int64

	mu       sync.RWMutex
	lists    map[string][]ledger.Record
	pending  map[int64]ledger.Record
	promoted map[int64]int64
	nextTemp int64

	subsMu  sync.RWMutex
	subs    []subscriber
	nextSub uint64
}

func NewStore(client RemoteClient, opts StoreOptions) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	s := &Store{
		client:   client,
		elevated: opts.Elevated,
		logger:   componentLogger(opts.Logger, "store"),
		lists:    map[string][]ledger.Record{},
		pending:  map[int64]ledger.Record{},
		promoted: map[int64]int64{},
		// Sessions draw temp ids from random offsets so concurrent
		// clients rarely hand out the same placeholder.
		nextTemp: -rand.Int63n(1 << 40),
	}
	s.userID.Store(opts.UserID)
	return s, nil
}

// SetUserID changes the user whose broadcasts count as this session's own.
func (s *Store) SetUserID(userID int64) {
	s.userID.Store(userID)
}

func componentLogger(logger logrus.FieldLogger, component string) logrus.FieldLogger {
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return logger.WithField("component", component)
}

// Subscribe registers fn for change notifications, delivered in
// registration order after the store lock is released.
func (s *Store) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subsMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.subsMu.RLock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.RUnlock()
	for _, change := range changes {
		for _, sub := range subs {
			s.deliver(sub.fn, change)
		}
	}
}

func (s *Store) deliver(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("change", change.Kind).Errorf("store subscriber panicked: %v", r)
		}
	}()
	fn(change)
}

// NextTempID returns a fresh negative placeholder id.
func (s *Store) NextTempID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTemp--
	return s.nextTemp
}

// FetchAll replaces every list with the backend's view for the configured
// role. On failure the previous lists are kept and a *LoadError returned.
func (s *Store) FetchAll(ctx context.Context) error {
	lists, err := s.client.FetchAll(ctx, s.elevated)
	if err != nil {
		reconcileTotal.WithLabelValues("load", "failed").Inc()
		return &LoadError{Err: err}
	}
	next := make(map[string][]ledger.Record, len(lists))
	for name, records := range lists {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		kept := make([]ledger.Record, 0, len(records))
		seen := make(map[int64]struct{}, len(records))
		for _, record := range records {
			if !record.Persisted() {
				continue
			}
			if _, dup := seen[record.ID]; dup {
				continue
			}
			seen[record.ID] = struct{}{}
			record.ListName = name
			record.TempID = 0
			kept = append(kept, record)
		}
		sortByID(kept)
		next[name] = kept
	}
	s.mu.Lock()
	s.lists = next
	s.mu.Unlock()
	reconcileTotal.WithLabelValues("load", "applied").Inc()
	s.logger.WithField("lists", len(next)).Info("lists loaded")
	s.notify([]Change{{Kind: ChangeLoaded}})
	return nil
}

// Create sends drafts for list. Lists are not touched until the
// acknowledgement (or the matching broadcast) is reconciled; persisted
// records in the ack are reconciled here as a synthesized status_create.
func (s *Store) Create(ctx context.Context, list string, drafts []ledger.Record) (Ack, error) {
	if len(drafts) == 0 {
		return Ack{}, nil
	}
	list = strings.TrimSpace(list)
	s.mu.Lock()
	sent := make([]ledger.Record, len(drafts))
	for i, draft := range drafts {
		draft = draft.Clone()
		draft.ID = 0
		if list != "" {
			draft.ListName = list
		}
		if draft.TempID >= 0 {
			s.nextTemp--
			draft.TempID = s.nextTemp
		}
		s.pending[draft.TempID] = draft
		sent[i] = draft
	}
	s.mu.Unlock()

	ack, err := s.client.Create(ctx, sent)
	if werr := writeError("create", ack, err); werr != nil {
		s.mu.Lock()
		for _, draft := range sent {
			delete(s.pending, draft.TempID)
		}
		s.mu.Unlock()
		writesTotal.WithLabelValues("create", "failed").Inc()
		return ack, werr
	}
	writesTotal.WithLabelValues("create", "ok").Inc()

	if len(ack.Records) > 0 {
		echoed := make([]ledger.Record, len(ack.Records))
		copy(echoed, ack.Records)
		// Older backends omit tempId; pair by position when counts match.
		if len(echoed) == len(sent) {
			for i := range echoed {
				if echoed[i].TempID == 0 {
					echoed[i].TempID = sent[i].TempID
				}
			}
		}
		s.reconcile(ledger.SyncEvent{Type: ledger.EventCreate, ListName: list, Records: echoed}, list, true)
	}
	return ack, nil
}

// Update sends patches. An ack carrying records is reconciled as a
// status_update.
func (s *Store) Update(ctx context.Context, patches []ledger.Record) error {
	if len(patches) == 0 {
		return nil
	}
	ack, err := s.client.Update(ctx, patches)
	if werr := writeError("update", ack, err); werr != nil {
		writesTotal.WithLabelValues("update", "failed").Inc()
		return werr
	}
	writesTotal.WithLabelValues("update", "ok").Inc()
	if len(ack.Records) > 0 {
		s.Reconcile(ledger.SyncEvent{Type: ledger.EventUpdate, Records: ack.Records}, "")
	}
	return nil
}

// Delete removes ids on the backend and, once acknowledged, locally.
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ack, err := s.client.Delete(ctx, ids)
	if werr := writeError("delete", ack, err); werr != nil {
		writesTotal.WithLabelValues("delete", "failed").Inc()
		return werr
	}
	writesTotal.WithLabelValues("delete", "ok").Inc()
	s.Reconcile(ledger.SyncEvent{Type: ledger.EventDelete, DeleteIDs: ids}, "")
	return nil
}

// Records returns a copy of list.
func (s *Store) Records(list string) []ledger.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(s.lists[list])
}

// Lookup finds id in list.
func (s *Store) Lookup(list string, id int64) (ledger.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := indexOf(s.lists[list], id); idx >= 0 {
		return s.lists[list][idx].Clone(), true
	}
	return ledger.Record{}, false
}

// FindByID searches every list for id.
func (s *Store) FindByID(id int64) (ledger.Record, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := s.owningListLocked(id)
	if name == "" {
		return ledger.Record{}, "", false
	}
	return s.lists[name][indexOf(s.lists[name], id)].Clone(), name, true
}

// Lists returns list names in lexical order.
func (s *Store) Lists() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.lists))
	for name := range s.lists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies every list.
func (s *Store) Snapshot() Lists {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Lists, len(s.lists))
	for name, records := range s.lists {
		out[name] = cloneRecords(records)
	}
	return out
}

// ResolveTemp returns the id a temp id was promoted to.
func (s *Store) ResolveTemp(tempID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.promoted[tempID]
	return id, ok
}

// PendingList reports the list of a create still awaiting confirmation.
func (s *Store) PendingList(tempID int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	draft, ok := s.pending[tempID]
	return draft.ListName, ok
}

// Reconcile applies one inbound event to the canonical lists. It never
// fails: events without a resolvable target and malformed records are
// logged and skipped.
func (s *Store) Reconcile(event ledger.SyncEvent, fallbackList string) ReconcileResult {
	return s.reconcile(event, fallbackList, false)
}

// reconcile applies event. Temp ids are promoted from acks and from
// broadcasts attributed to this session's user; a foreign broadcast that
// happens to echo the same temp id is applied as a plain create.
func (s *Store) reconcile(event ledger.SyncEvent, fallbackList string, ack bool) ReconcileResult {
	result := ReconcileResult{Type: event.Type}
	own := ack
	if !own {
		userID := s.userID.Load()
		own = userID > 0 && event.UserID == userID
	}
	logger := s.logger.WithField("event", event.Type)

	s.mu.Lock()
	var changes []Change
	switch event.Type {
	case ledger.EventCreate:
		changes = s.reconcileCreateLocked(event, fallbackList, own, &result)
	case ledger.EventUpdate:
		changes = s.reconcileUpdateLocked(event, fallbackList, &result)
	case ledger.EventDelete:
		changes = s.reconcileDeleteLocked(event, &result)
	default:
		result.Discarded = true
	}
	s.mu.Unlock()

	switch {
	case result.Discarded:
		reconcileTotal.WithLabelValues(string(event.Type), "discarded").Inc()
		logger.Warn("event discarded: no target list")
	case result.Removed > 0:
		reconcileTotal.WithLabelValues(string(event.Type), "applied").Inc()
		logger.WithField("removed", result.Removed).Info("records removed")
	case result.Added+result.Updated > 0:
		reconcileTotal.WithLabelValues(string(event.Type), "applied").Inc()
		logger.WithFields(logrus.Fields{"added": result.Added, "updated": result.Updated}).Debug("event applied")
	default:
		reconcileTotal.WithLabelValues(string(event.Type), "noop").Inc()
	}
	s.notify(changes)
	return result
}

type targetedRecord struct {
	list   string
	record ledger.Record
}

// eventTarget resolves the target list named by the payload itself:
// explicit listName, then the first embedded record's listName, then the
// first per-list key.
func eventTarget(event ledger.SyncEvent) string {
	if name := strings.TrimSpace(event.ListName); name != "" {
		return name
	}
	for _, record := range event.Records {
		if name := strings.TrimSpace(record.ListName); name != "" {
			return name
		}
	}
	return event.FirstListName()
}

// candidates pairs records with their list. Embedded records take
// precedence over the per-list payload; per-list records belong to the
// list they are keyed under.
func candidates(event ledger.SyncEvent, target string) []targetedRecord {
	var out []targetedRecord
	if len(event.Records) > 0 {
		for _, record := range event.Records {
			out = append(out, targetedRecord{list: target, record: record})
		}
		return out
	}
	for _, name := range event.PerListOrder {
		for _, record := range event.PerList[name] {
			out = append(out, targetedRecord{list: name, record: record})
		}
	}
	return out
}

func (s *Store) reconcileCreateLocked(event ledger.SyncEvent, fallback string, own bool, result *ReconcileResult) []Change {
	target := eventTarget(event)
	if target == "" {
		target = strings.TrimSpace(fallback)
	}
	if target == "" {
		result.Discarded = true
		return nil
	}
	added := map[string][]int64{}
	var order []string
	var promotedTemps, promotedIDs []int64
	promotedList := ""
	for _, item := range candidates(event, target) {
		record := item.record
		if item.list == "" || !record.Persisted() {
			result.Ignored++
			continue
		}
		if tempID := record.TempID; own && tempID < 0 {
			if s.promoteLocked(tempID, record.ID) {
				promotedTemps = append(promotedTemps, tempID)
				promotedIDs = append(promotedIDs, record.ID)
				promotedList = item.list
			}
		}
		if indexOf(s.lists[item.list], record.ID) >= 0 {
			result.Ignored++
			continue
		}
		record.ListName = item.list
		record.TempID = 0
		s.lists[item.list] = append(s.lists[item.list], record.Clone())
		if _, seen := added[item.list]; !seen {
			order = append(order, item.list)
		}
		added[item.list] = append(added[item.list], record.ID)
		result.Added++
	}
	var changes []Change
	for _, name := range order {
		sortByID(s.lists[name])
		changes = append(changes, Change{Kind: ChangeCreated, List: name, IDs: added[name]})
	}
	result.Lists = order
	if len(promotedTemps) > 0 {
		result.Promoted = make(map[int64]int64, len(promotedTemps))
		for i, tempID := range promotedTemps {
			result.Promoted[tempID] = promotedIDs[i]
		}
		changes = append(changes, Change{Kind: ChangePromoted, List: promotedList, IDs: promotedIDs, TempIDs: promotedTemps})
	}
	return changes
}

// promoteLocked moves a pending create to persisted. A second promotion
// of the same temp id is a no-op.
func (s *Store) promoteLocked(tempID, id int64) bool {
	if _, done := s.promoted[tempID]; done {
		return false
	}
	if _, ok := s.pending[tempID]; !ok {
		return false
	}
	delete(s.pending, tempID)
	s.promoted[tempID] = id
	return true
}

func (s *Store) reconcileUpdateLocked(event ledger.SyncEvent, fallback string, result *ReconcileResult) []Change {
	target := eventTarget(event)
	updated := map[string][]int64{}
	var order []string
	unresolved := 0
	for _, item := range candidates(event, target) {
		record := item.record
		if !record.Persisted() {
			result.Ignored++
			continue
		}
		list := item.list
		if list == "" {
			list = s.owningListLocked(record.ID)
		}
		if list == "" {
			list = strings.TrimSpace(fallback)
		}
		if list == "" {
			unresolved++
			result.Ignored++
			continue
		}
		record.ListName = list
		record.TempID = 0
		records := s.lists[list]
		if idx := indexOf(records, record.ID); idx >= 0 {
			records[idx] = record.Clone()
			result.Updated++
		} else {
			s.lists[list] = append(records, record.Clone())
			result.Added++
		}
		if _, seen := updated[list]; !seen {
			order = append(order, list)
		}
		updated[list] = append(updated[list], record.ID)
	}
	if len(order) == 0 && unresolved > 0 {
		result.Discarded = true
		return nil
	}
	var changes []Change
	for _, name := range order {
		sortByID(s.lists[name])
		changes = append(changes, Change{Kind: ChangeUpdated, List: name, IDs: updated[name]})
	}
	result.Lists = order
	return changes
}

func (s *Store) reconcileDeleteLocked(event ledger.SyncEvent, result *ReconcileResult) []Change {
	remove := map[int64]struct{}{}
	for _, id := range event.DeleteIDs {
		remove[id] = struct{}{}
	}
	for _, record := range event.AllRecords() {
		if record.Persisted() {
			remove[record.ID] = struct{}{}
		}
	}
	if len(remove) == 0 {
		return nil
	}

	var lists []string
	if target := eventTarget(event); target != "" {
		lists = []string{target}
	} else {
		for name := range s.lists {
			lists = append(lists, name)
		}
		sort.Strings(lists)
	}

	var changes []Change
	for _, name := range lists {
		records, ok := s.lists[name]
		if !ok {
			continue
		}
		kept := records[:0]
		var removed []int64
		for _, record := range records {
			if _, drop := remove[record.ID]; drop {
				removed = append(removed, record.ID)
				continue
			}
			kept = append(kept, record)
		}
		if len(removed) == 0 {
			continue
		}
		for i := len(kept); i < len(records); i++ {
			records[i] = ledger.Record{}
		}
		s.lists[name] = kept
		result.Removed += len(removed)
		result.Lists = append(result.Lists, name)
		changes = append(changes, Change{Kind: ChangeDeleted, List: name, IDs: removed})
	}
	return changes
}

func (s *Store) owningListLocked(id int64) string {
	names := make([]string, 0, len(s.lists))
	for name := range s.lists {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if indexOf(s.lists[name], id) >= 0 {
			return name
		}
	}
	return ""
}

func indexOf(records []ledger.Record, id int64) int {
	if id <= 0 {
		return -1
	}
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

func sortByID(records []ledger.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
}

func cloneRecords(records []ledger.Record) []ledger.Record {
	if records == nil {
		return nil
	}
	out := make([]ledger.Record, len(records))
	for i, record := range records {
		out[i] = record.Clone()
	}
	return out
}
