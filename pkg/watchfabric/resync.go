package watchfabric

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/clusterplay/tracesim/pkg/canon"
	"github.com/clusterplay/tracesim/pkg/store"
	"github.com/clusterplay/tracesim/pkg/tracedata"
)

// Resync performs a full list of gvk and reconciles it against the Kind
// Index by diffing (§4.3 "Resilience"): objects present live but missing
// or stale in the index get a synthetic applied event; objects present in
// the index but absent from the live list get a synthetic deleted event.
// This is how the fabric recovers from a forced watch resubscription
// without assuming the intervening history is recoverable.
func (f *Fabric) Resync(ctx context.Context, gvk schema.GroupVersionKind, ts int64) error {
	spec, ok := f.tracked[gvk]
	if !ok {
		return fmt.Errorf("watchfabric: resync requested for untracked kind %s", gvk)
	}

	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(gvk)
	if err := f.cache.List(ctx, list); err != nil {
		return fmt.Errorf("watchfabric: resync list %s: %w", gvk, err)
	}

	live := make(map[tracedata.ObjectKey]store.ObservedObject, len(list.Items))
	for i := range list.Items {
		obj := &list.Items[i]
		canonical, err := canon.Canonicalize(obj.Object, spec.Config)
		if err != nil {
			return fmt.Errorf("watchfabric: resync canonicalize %s %s/%s: %w", gvk, obj.GetNamespace(), obj.GetName(), err)
		}
		key := tracedata.ObjectKey{Namespace: obj.GetNamespace(), Name: obj.GetName()}
		live[key] = store.ObservedObject{Kind: spec.Kind, Key: key, Hash: canon.Hash(canonical), Body: canonical}
	}

	snap := f.store.Snapshot()
	indexed := snap.Index[spec.Kind]

	for key, observed := range live {
		if existingHash, ok := indexed[key]; !ok || existingHash != observed.Hash {
			if err := f.store.ObserveApplied(ts, observed); err != nil {
				f.log.Error(err, "resync applied write failed")
			}
		}
	}
	for key, hash := range indexed {
		if _, stillLive := live[key]; !stillLive {
			gone := store.ObservedObject{Kind: spec.Kind, Key: key, Hash: hash}
			if err := f.store.ObserveDeleted(ts, gone); err != nil {
				f.log.Error(err, "resync deleted write failed")
			}
		}
	}
	return nil
}
