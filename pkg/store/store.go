// Package store implements the object store (§4.2 component C2): a
// timeline of apply/delete events, a per-kind content index derived from
// it, and a pod lifecycle table keyed by owner rather than pod name.
//
// Writes serialize through a single mutex, matching the cachemanager
// pattern of a struct-owned lock guarding a handful of maps mutated from
// many watch goroutines (§5 "the store has a single serialized writer").
// Export takes the lock just long enough to clone the state, then encodes
// outside the critical section.
package store

import (
	"fmt"
	"sync"

	"github.com/clusterplay/tracesim/pkg/tracedata"
)

// Store is the mutable, in-process object store a tracer process holds for
// its lifetime.
type Store struct {
	mu sync.Mutex

	config tracedata.TrackerConfig

	events   []tracedata.TimelineEvent
	eventIdx map[int64]int // ts -> index into events, for same-ts coalescing

	index       tracedata.KindIndex
	lifecycles  tracedata.PodLifecycleTable
}

// New creates an empty store scoped to the given tracker configuration.
// The configuration is recorded verbatim into every exported trace so a
// decoder knows the canonicalization rules a recording was made under.
func New(config tracedata.TrackerConfig) *Store {
	return &Store{
		config:     config,
		eventIdx:   make(map[int64]int),
		index:      make(tracedata.KindIndex),
		lifecycles: make(tracedata.PodLifecycleTable),
	}
}

// ObservedObject is what a watch hands the store after canonicalization:
// identity, content hash, and canonical body.
type ObservedObject struct {
	Kind tracedata.KindKey
	Key  tracedata.ObjectKey
	Hash uint64
	Body map[string]interface{}
}

// ObserveApplied records an apply at ts: appends to the timeline (§4.2) and
// updates the Kind Index to reflect the object as currently live.
func (s *Store) ObserveApplied(ts int64, obj ObservedObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.upsertEventLocked(ts)
	if err != nil {
		return err
	}
	o := tracedata.Object{Kind: obj.Kind, Key: obj.Key, Hash: obj.Hash, Body: obj.Body}
	clearKeyInEventLocked(ev, o.Kind, o.Key)
	ev.Applied = append(ev.Applied, o)

	byName, ok := s.index[obj.Kind]
	if !ok {
		byName = make(map[tracedata.ObjectKey]uint64)
		s.index[obj.Kind] = byName
	}
	byName[obj.Key] = obj.Hash
	return nil
}

// ObserveDeleted records a delete at ts and removes the object from the
// Kind Index.
func (s *Store) ObserveDeleted(ts int64, obj ObservedObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.upsertEventLocked(ts)
	if err != nil {
		return err
	}
	o := tracedata.Object{Kind: obj.Kind, Key: obj.Key, Hash: obj.Hash, Body: obj.Body}
	clearKeyInEventLocked(ev, o.Kind, o.Key)
	ev.Deleted = append(ev.Deleted, o)

	if byName, ok := s.index[obj.Kind]; ok {
		delete(byName, obj.Key)
		if len(byName) == 0 {
			delete(s.index, obj.Kind)
		}
	}
	return nil
}

// upsertEventLocked returns the timeline event at ts, creating one in
// sorted position if none exists yet. The timeline must stay chronological
// (§3): ts must not fall strictly before the last committed event's ts,
// except for the exact-match coalescing case this function itself
// resolves.
func (s *Store) upsertEventLocked(ts int64) (*tracedata.TimelineEvent, error) {
	if idx, ok := s.eventIdx[ts]; ok {
		return &s.events[idx], nil
	}
	if n := len(s.events); n > 0 && ts < s.events[n-1].TS {
		return nil, fmt.Errorf("store: out-of-order timeline write at ts=%d, last committed ts=%d", ts, s.events[n-1].TS)
	}
	s.events = append(s.events, tracedata.TimelineEvent{TS: ts})
	s.eventIdx[ts] = len(s.events) - 1
	return &s.events[len(s.events)-1], nil
}

// clearKeyInEventLocked drops any existing applied/deleted entry for
// (kind, key) within ev, implementing "later writes with equal ts replace
// earlier within the same second" (§3): the caller re-appends the fresh
// entry to whichever list this write belongs to.
func clearKeyInEventLocked(ev *tracedata.TimelineEvent, kind tracedata.KindKey, key tracedata.ObjectKey) {
	ev.Applied = removeKey(ev.Applied, kind, key)
	ev.Deleted = removeKey(ev.Deleted, kind, key)
}

func removeKey(objs []tracedata.Object, kind tracedata.KindKey, key tracedata.ObjectKey) []tracedata.Object {
	out := objs[:0:0]
	for _, o := range objs {
		if o.Kind == kind && o.Key == key {
			continue
		}
		out = append(out, o)
	}
	return out
}

// RecordPodStart appends a lifecycle record with an open end (§4.2).
func (s *Store) RecordPodStart(owner tracedata.OwnerKey, templateHash uint64, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTpl, ok := s.lifecycles[owner]
	if !ok {
		byTpl = make(map[uint64][]tracedata.LifecycleInterval)
		s.lifecycles[owner] = byTpl
	}
	byTpl[templateHash] = append(byTpl[templateHash], tracedata.LifecycleInterval{StartTS: ts})
}

// RecordPodEnd closes the most recent open record matching (owner,
// templateHash). If none exists it accepts the out-of-order arrival by
// opening and immediately closing a record at ts (§4.2).
func (s *Store) RecordPodEnd(owner tracedata.OwnerKey, templateHash uint64, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTpl, ok := s.lifecycles[owner]
	if !ok {
		byTpl = make(map[uint64][]tracedata.LifecycleInterval)
		s.lifecycles[owner] = byTpl
	}
	intervals := byTpl[templateHash]
	for i := len(intervals) - 1; i >= 0; i-- {
		if !intervals[i].Closed() {
			end := ts
			intervals[i].EndTS = &end
			byTpl[templateHash] = intervals
			return
		}
	}
	end := ts
	byTpl[templateHash] = append(intervals, tracedata.LifecycleInterval{StartTS: ts, EndTS: &end})
}

// RecordGap marks that the watch fabric dropped one or more events at ts
// under queue back-pressure (§9 "Back-pressure") rather than block. It
// never returns the out-of-order error for a ts behind the last commit:
// gap markers are best-effort bookkeeping, so a late marker simply folds
// into the most recent event instead of failing the caller.
func (s *Store) RecordGap(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.events); n > 0 && ts < s.events[n-1].TS {
		s.events[n-1].Gap = true
		return
	}
	ev, err := s.upsertEventLocked(ts)
	if err != nil {
		return
	}
	ev.Gap = true
}

// Snapshot is a consistent, independently-mutable copy of the store's
// state, taken under the lock and safe to read/encode afterwards.
type Snapshot struct {
	Config     tracedata.TrackerConfig
	Events     []tracedata.TimelineEvent
	Index      tracedata.KindIndex
	Lifecycles tracedata.PodLifecycleTable
}

// Snapshot clones the store's current state (§4.2 "reads for export take a
// consistent snapshot"). The clone is a short exclusive hold: the deep
// copies happen under the lock, but nothing downstream touches it again.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]tracedata.TimelineEvent, len(s.events))
	copy(events, s.events)
	for i, ev := range events {
		events[i].Applied = append([]tracedata.Object(nil), ev.Applied...)
		events[i].Deleted = append([]tracedata.Object(nil), ev.Deleted...)
	}
	cfg := make(tracedata.TrackerConfig, len(s.config))
	for k, v := range s.config {
		cfg[k] = v
	}

	return Snapshot{
		Config:     cfg,
		Events:     events,
		Index:      s.index.Clone(),
		Lifecycles: s.lifecycles.Clone(),
	}
}
