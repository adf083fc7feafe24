package ownership

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ResolveRoot climbs controller back-references all the way to the object
// with no further owner reference, ignoring tracked-kind membership. The
// admission mutator (§4.7) uses this instead of Resolve: it needs to know
// whether the chain terminates at the simulation root, not at a tracked
// kind, so a pod several hops below any tracked owner (a Job's Pod owned by
// a CronJob owned by the simulation root, say) still resolves correctly.
func ResolveRoot(ctx context.Context, cl Getter, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	current := obj
	visited := make(map[visitedKey]bool, MaxDepth)

	for depth := 0; depth < MaxDepth; depth++ {
		ref := controllerRef(current)
		if ref == nil {
			return current, nil
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
