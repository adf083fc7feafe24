package store

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/labels"

	"github.com/clusterplay/tracesim/pkg/tracedata"
)

// Filters mirrors the exclusion filters accepted by the export endpoint
// (§6 "Export HTTP endpoint").
type Filters struct {
	ExcludedNamespaces     []string
	ExcludedLabelSelectors []string
	ExcludeDaemonSets      bool
}

// ExportRequest is the decoded body of POST /export (§6).
type ExportRequest struct {
	StartTS int64
	EndTS   int64
	Filters Filters
}

// ErrInvalidRange is returned when end_ts < start_ts (§4.5 "InvalidRange").
var ErrInvalidRange = fmt.Errorf("store: end_ts before start_ts")

type compiledFilters struct {
	namespaces        map[string]bool
	selectors         []labels.Selector
	excludeDaemonSets bool
}

func compileFilters(f Filters) (*compiledFilters, error) {
	cf := &compiledFilters{
		namespaces:        make(map[string]bool, len(f.ExcludedNamespaces)),
		excludeDaemonSets: f.ExcludeDaemonSets,
	}
	for _, ns := range f.ExcludedNamespaces {
		cf.namespaces[ns] = true
	}
	for _, raw := range f.ExcludedLabelSelectors {
		sel, err := labels.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("store: invalid label selector %q: %w", raw, err)
		}
		cf.selectors = append(cf.selectors, sel)
	}
	return cf, nil
}

func (cf *compiledFilters) matches(obj tracedata.Object) bool {
	if cf.namespaces[obj.Key.Namespace] {
		return true
	}
	if cf.excludeDaemonSets && strings.HasSuffix(string(obj.Kind), ".DaemonSet") {
		return true
	}
	if len(cf.selectors) == 0 {
		return false
	}
	set := labels.Set(objectLabels(obj.Body))
	for _, sel := range cf.selectors {
		if sel.Matches(set) {
			return true
		}
	}
	return false
}

func objectLabels(body map[string]interface{}) map[string]string {
	meta, _ := body["metadata"].(map[string]interface{})
	raw, _ := meta["labels"].(map[string]interface{})
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func objectsKey(kind tracedata.KindKey, key tracedata.ObjectKey) string {
	return string(kind) + "|" + key.Namespace + "/" + key.Name
}

func sortObjects(objs []tracedata.Object) {
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].Kind != objs[j].Kind {
			return objs[i].Kind < objs[j].Kind
		}
		ni, nj := objs[i].Key, objs[j].Key
		if ni.Namespace != nj.Namespace {
			return ni.Namespace < nj.Namespace
		}
		return ni.Name < nj.Name
	})
}

// liveEntry tracks, for a single object across the export window, both its
// last known form and whether it is currently represented in the exported
// stream (excluded objects are tracked but never emitted).
type liveEntry struct {
	obj         tracedata.Object
	includedNow bool
	wasIncluded bool
}

// Export implements the seven-step algorithm of §4.5: snapshot, alive-at-
// start synthesis, windowed real events with exclusions applied, synthetic
// end-deletes for objects that leave the exported view mid-window, and
// reduced index/lifecycle projections.
func (s *Store) Export(req ExportRequest) (*tracedata.Trace, error) {
	if req.EndTS < req.StartTS {
		return nil, ErrInvalidRange
	}
	cf, err := compileFilters(req.Filters)
	if err != nil {
		return nil, err
	}

	snap := s.Snapshot()
	live := make(map[string]*liveEntry)

	i := 0
	for ; i < len(snap.Events) && snap.Events[i].TS <= req.StartTS; i++ {
		ev := snap.Events[i]
		for _, d := range ev.Deleted {
			delete(live, objectsKey(d.Kind, d.Key))
		}
		for _, a := range ev.Applied {
			live[objectsKey(a.Kind, a.Key)] = &liveEntry{obj: a}
		}
	}

	var startApplied []tracedata.Object
	for _, le := range live {
		excluded := cf.matches(le.obj)
		le.includedNow = !excluded
		le.wasIncluded = !excluded
		if !excluded {
			startApplied = append(startApplied, le.obj)
		}
	}
	sortObjects(startApplied)

	outEvents := []tracedata.TimelineEvent{{TS: req.StartTS, Applied: startApplied}}

	for ; i < len(snap.Events) && snap.Events[i].TS <= req.EndTS; i++ {
		ev := snap.Events[i]
		var outApplied, outDeleted []tracedata.Object

		for _, d := range ev.Deleted {
			k := objectsKey(d.Kind, d.Key)
			if le, ok := live[k]; ok && le.includedNow {
				outDeleted = append(outDeleted, d)
			}
			delete(live, k)
		}
		for _, a := range ev.Applied {
			k := objectsKey(a.Kind, a.Key)
			le, ok := live[k]
			if !ok {
				le = &liveEntry{}
				live[k] = le
			}
			le.obj = a
			if cf.matches(a) {
				le.includedNow = false
				continue
			}
			outApplied = append(outApplied, a)
			le.includedNow = true
			le.wasIncluded = true
		}

		if len(outApplied) > 0 || len(outDeleted) > 0 || ev.Gap {
			sortObjects(outApplied)
			sortObjects(outDeleted)
			outEvents = append(outEvents, tracedata.TimelineEvent{TS: ev.TS, Applied: outApplied, Deleted: outDeleted, Gap: ev.Gap})
		}
	}

	var endDeleted []tracedata.Object
	for _, le := range live {
		if le.wasIncluded && !le.includedNow {
			endDeleted = append(endDeleted, le.obj)
		}
	}
	if len(endDeleted) > 0 {
		sortObjects(endDeleted)
		outEvents = append(outEvents, tracedata.TimelineEvent{TS: req.EndTS, Deleted: endDeleted})
	}

	reducedIndex := make(tracedata.KindIndex)
	for _, le := range live {
		if !le.includedNow {
			continue
		}
		byName, ok := reducedIndex[le.obj.Kind]
		if !ok {
			byName = make(map[tracedata.ObjectKey]uint64)
			reducedIndex[le.obj.Kind] = byName
		}
		byName[le.obj.Key] = le.obj.Hash
	}

	reducedLifecycles := reduceLifecycles(snap.Lifecycles, reducedIndex, req.StartTS, req.EndTS)

	return &tracedata.Trace{
		Version:       tracedata.SchemaVersion,
		Config:        snap.Config,
		Events:        outEvents,
		Index:         reducedIndex,
		PodLifecycles: reducedLifecycles,
	}, nil
}

// reduceLifecycles keeps only owners present in the reduced Kind Index and
// clips every interval to [startTS, endTS] (§4.5 step 6).
func reduceLifecycles(full tracedata.PodLifecycleTable, idx tracedata.KindIndex, startTS, endTS int64) tracedata.PodLifecycleTable {
	out := make(tracedata.PodLifecycleTable)
	for owner, byTpl := range full {
		byName, ok := idx[owner.Kind]
		if !ok {
			continue
		}
		if _, ok := byName[owner.Name]; !ok {
			continue
		}
		for tpl, intervals := range byTpl {
			var kept []tracedata.LifecycleInterval
			for _, iv := range intervals {
				start := iv.StartTS
				if start < startTS {
					start = startTS
				}
				if start > endTS {
					continue
				}
				if iv.EndTS == nil {
					kept = append(kept, tracedata.LifecycleInterval{StartTS: start})
					continue
				}
				end := *iv.EndTS
				if end > endTS {
					end = endTS
				}
				if end < start {
					continue
				}
				endCopy := end
				kept = append(kept, tracedata.LifecycleInterval{StartTS: start, EndTS: &endCopy})
			}
			if len(kept) > 0 {
				if _, ok := out[owner]; !ok {
					out[owner] = make(map[uint64][]tracedata.LifecycleInterval)
				}
				out[owner][tpl] = kept
			}
		}
	}
	return out
}
