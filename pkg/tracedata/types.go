// Package tracedata defines the shapes shared by the object store (which
// builds them), the trace codec (which encodes/decodes them), and the
// replay engine (which consumes them). Keeping them dependency-free of any
// single component lets C2/C4/C6 each import only this package rather than
// one another.
package tracedata

// KindKey identifies a tracked kind in the wire form "group/version.Kind",
// e.g. "apps/v1.Deployment" (§6).
type KindKey string

// ObjectKey identifies an object within a kind by "namespace/name".
type ObjectKey struct {
	Namespace string
	Name      string
}

// OwnerKey identifies the owner side of the Pod Lifecycle Table: an
// owner-kind paired with the owner's namespaced name (§3).
type OwnerKey struct {
	Kind KindKey
	Name ObjectKey
}

// Object is a canonicalized, tagged-sum-type object tree (§9 "Dynamic-typed
// objects") paired with the identity and content hash the store indexes it
// under.
type Object struct {
	Kind KindKey
	Key  ObjectKey
	Hash uint64
	Body map[string]interface{}
}

// TimelineEvent is one committed timeline entry (§3). Applied and Deleted
// may both be non-empty when multiple objects transition at the same
// timestamp. Gap records that the watch fabric dropped one or more events
// at this timestamp under queue back-pressure (§9 "Back-pressure"); it
// carries no object payload, only a marker that the timeline has a known
// hole here.
type TimelineEvent struct {
	TS      int64
	Applied []Object
	Deleted []Object
	Gap     bool
}

// KindIndex maps kind -> namespaced-name -> content hash, reflecting the
// objects live as of the most recently committed timeline prefix (§3).
type KindIndex map[KindKey]map[ObjectKey]uint64

// Clone returns a deep copy safe to hand to a reader outside the store's
// mutation lock.
func (idx KindIndex) Clone() KindIndex {
	out := make(KindIndex, len(idx))
	for k, names := range idx {
		cp := make(map[ObjectKey]uint64, len(names))
		for n, h := range names {
			cp[n] = h
		}
		out[k] = cp
	}
	return out
}

// LifecycleInterval is one observed pod lifetime. EndTS is nil while the
// pod is still live.
type LifecycleInterval struct {
	StartTS int64
	EndTS   *int64
}

// Closed reports whether the interval has a recorded end.
func (li LifecycleInterval) Closed() bool { return li.EndTS != nil }

// PodLifecycleTable maps owner -> pod-template-hash -> observed intervals
// (§3).
type PodLifecycleTable map[OwnerKey]map[uint64][]LifecycleInterval

// Clone returns a deep copy.
func (t PodLifecycleTable) Clone() PodLifecycleTable {
	out := make(PodLifecycleTable, len(t))
	for owner, byTpl := range t {
		cp := make(map[uint64][]LifecycleInterval, len(byTpl))
		for tpl, intervals := range byTpl {
			cpIntervals := make([]LifecycleInterval, len(intervals))
			for i, iv := range intervals {
				if iv.EndTS != nil {
					end := *iv.EndTS
					iv.EndTS = &end
				}
				cpIntervals[i] = iv
			}
			cp[tpl] = cpIntervals
		}
		out[owner] = cp
	}
	return out
}

// KindConfigEntry is the per-kind tracker configuration as carried inside a
// trace, mirroring the tracker config file (§6) without importing the
// config-loading package.
type KindConfigEntry struct {
	PodSpecTemplatePaths []string
	TrackLifecycle       bool
}

// TrackerConfig is the full set of tracked-kind configuration entries,
// embedded verbatim in a Trace so a decoder can reconstruct the
// canonicalization rules a recording was made under.
type TrackerConfig map[KindKey]KindConfigEntry

// SchemaVersion is the current trace format version (§6). Bump this, and
// reject lower/higher versions in the codec, on any breaking change to
// canonicalization or hashing (§9).
const SchemaVersion = 2

// Trace is the complete artifact produced by export (§4.5) and consumed by
// replay (§4.6): schema version, the tracker config it was recorded under,
// the ordered timeline, and the two derived indices.
type Trace struct {
	Version       int64
	Config        TrackerConfig
	Events        []TimelineEvent
	Index         KindIndex
	PodLifecycles PodLifecycleTable
}
