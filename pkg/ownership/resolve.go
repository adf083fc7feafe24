// Package ownership implements the controller-back-reference walk shared
// by the watch fabric (§4.3 component C3, recorder side) and the
// ownership tracker (§4.8 component C8, driver side): given a pod (or any
// object), climb ownerReferences until a tracked kind is reached.
//
// Grounded on the same walk-ownerReferences-via-the-dynamic-client idiom a
// reverse-tracing tool in the reference set uses to climb from a Pod to its
// owning Deployment, adapted here with the bounded-depth/cycle-detection
// discipline §9 requires ("Cyclic ownership walks").
package ownership

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/clusterplay/tracesim/pkg/tracedata"
)

// MaxDepth bounds how many controller hops the walk follows before giving
// up (§9: "Walk with a depth bound and a visited-set").
const MaxDepth = 16

var (
	// ErrNoOwner means the walk reached an object with no owner reference
	// before finding a tracked kind.
	ErrNoOwner = errors.New("ownership: chain ended with no further owner reference")
	// ErrCycle means the walk revisited an object it had already seen.
	ErrCycle = errors.New("ownership: cyclic owner reference chain")
	// ErrDepthExceeded means MaxDepth hops were taken without resolving.
	ErrDepthExceeded = errors.New("ownership: exceeded maximum ownership chain depth")
)

// Getter fetches a single object by GVK and namespaced name. It abstracts
// over both the recorder's dynamic watch cache and the driver's live
// cluster client, since the walk is identical either way (§4.8
// "resolve_owner ... same ownership walk as §4.3, using live-cluster
// state").
type Getter interface {
	Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error)
}

// TrackedKindFunc reports whether gvk is one of the configured tracked
// kinds, returning its wire-form key when it is.
type TrackedKindFunc func(gvk schema.GroupVersionKind) (tracedata.KindKey, bool)

// Chain is the resolved terminus of an ownership walk: the tracked-kind
// ancestor a pod (or other object) ultimately belongs to.
type Chain struct {
	OwnerKind tracedata.KindKey
	OwnerName tracedata.ObjectKey
}

type visitedKey struct {
	gvk       schema.GroupVersionKind
	namespace string
	name      string
}

// Resolve climbs controller back-references starting at obj until isTracked
// matches, a cycle is detected, the chain runs out, or MaxDepth is
// exceeded.
func Resolve(ctx context.Context, cl Getter, obj *unstructured.Unstructured, isTracked TrackedKindFunc) (*Chain, error) {
	current := obj
	visited := make(map[visitedKey]bool, MaxDepth)

	for depth := 0; depth < MaxDepth; depth++ {
		gvk := current.GroupVersionKind()
		if key, ok := isTracked(gvk); ok {
			return &Chain{
				OwnerKind: key,
				OwnerName: tracedata.ObjectKey{Namespace: current.GetNamespace(), Name: current.GetName()},
			}, nil
		}

		ref := controllerRef(current)
		if ref == nil {
			return nil, fmt.Errorf("%w (last: %s %s/%s)", ErrNoOwner, gvk, current.GetNamespace(), current.GetName())
		}

		ownerGVK := schema.FromAPIVersionAndKind(ref.APIVersion, ref.Kind)
		vk := visitedKey{gvk: ownerGVK, namespace: current.GetNamespace(), name: ref.Name}
		if visited[vk] {
			return nil, fmt.Errorf("%w (at %s %s/%s)", ErrCycle, ownerGVK, current.GetNamespace(), ref.Name)
		}
		visited[vk] = true

		next, err := cl.Get(ctx, ownerGVK, current.GetNamespace(), ref.Name)
		if err != nil {
			return nil, fmt.Errorf("ownership: fetch owner %s %s/%s: %w", ownerGVK, current.GetNamespace(), ref.Name, err)
		}
		current = next
	}
	return nil, ErrDepthExceeded
}

// ownerRef is the subset of metav1.OwnerReference the walk needs.
type ownerRef struct {
	APIVersion string
	Kind       string
	Name       string
}

// controllerRef returns the owner reference whose Controller flag is set,
// falling back to the first listed owner when none is marked controller
// (mirrors how the control plane itself treats ownerReferences for
// garbage collection).
func controllerRef(obj *unstructured.Unstructured) *ownerRef {
	refs := obj.GetOwnerReferences()
	if len(refs) == 0 {
		return nil
	}
	chosen := refs[0]
	for _, r := range refs {
		if r.Controller != nil && *r.Controller {
			chosen = r
			break
		}
	}
	return &ownerRef{APIVersion: chosen.APIVersion, Kind: chosen.Kind, Name: chosen.Name}
}
