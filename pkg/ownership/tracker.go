package ownership

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/clusterplay/tracesim/pkg/kindkey"
	"github.com/clusterplay/tracesim/pkg/tracedata"
)

// Tracker is the driver-side ownership tracker (§4.8 component C8): it
// answers representative-TTL queries from the Pod Lifecycle Table a trace
// carries, and resolves a live admission-time pod back to its tracked
// owner using the same walk the recorder used to build that table.
type Tracker struct {
	lifecycles tracedata.PodLifecycleTable
	tracked    map[schema.GroupVersionKind]tracedata.KindKey
}

// NewTracker loads a Tracker from a decoded trace's config and pod
// lifecycle table. The tracked-kind set comes from the trace's own config
// (§6 tracked_objects), so resolve_owner climbs exactly the kinds the
// recording covered.
func NewTracker(config tracedata.TrackerConfig, lifecycles tracedata.PodLifecycleTable) (*Tracker, error) {
	tracked := make(map[schema.GroupVersionKind]tracedata.KindKey, len(config))
	for key := range config {
		gvk, err := kindkey.Parse(key)
		if err != nil {
			return nil, err
		}
		tracked[gvk] = key
	}
	return &Tracker{lifecycles: lifecycles, tracked: tracked}, nil
}

func (t *Tracker) isTracked(gvk schema.GroupVersionKind) (tracedata.KindKey, bool) {
	key, ok := t.tracked[gvk]
	return key, ok
}

// RepresentativeTTL returns a TTL for (owner, templateHash) by selecting
// the longest closed interval recorded against that key (§4.8, §9 "Open
// question" — resolved here as "longest", not "median": the mutator uses
// this value as an upper bound on simulated pod lifetime, and the longest
// observed real-world lifetime is the only one of the two candidates that
// is safe to use as a bound rather than a mere typical-case estimate).
// Returns false when no closed interval was recorded for the key.
func (t *Tracker) RepresentativeTTL(owner tracedata.OwnerKey, templateHash uint64) (time.Duration, bool) {
	intervals := t.lifecycles[owner][templateHash]
	var longest time.Duration
	found := false
	for _, iv := range intervals {
		if !iv.Closed() {
			continue
		}
		d := time.Duration(*iv.EndTS-iv.StartTS) * time.Second
		if !found || d > longest {
			longest = d
			found = true
		}
	}
	return longest, found
}

// ResolveOwner performs the same ownership-chain walk as the watch fabric
// (§4.3), but against live cluster state rather than an informer cache, as
// §4.8 requires.
func (t *Tracker) ResolveOwner(ctx context.Context, cl Getter, pod *unstructured.Unstructured) (*tracedata.OwnerKey, error) {
	chain, err := Resolve(ctx, cl, pod, t.isTracked)
	if err != nil {
		return nil, err
	}
	return &tracedata.OwnerKey{Kind: chain.OwnerKind, Name: chain.OwnerName}, nil
}
