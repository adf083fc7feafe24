package ownership

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/clusterplay/tracesim/pkg/tracedata"
)

type fakeGetter struct {
	objects map[string]*unstructured.Unstructured
}

func (f *fakeGetter) key(gvk schema.GroupVersionKind, namespace, name string) string {
	return gvk.String() + "|" + namespace + "/" + name
}

func (f *fakeGetter) Get(_ context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	obj, ok := f.objects[f.key(gvk, namespace, name)]
	if !ok {
		return nil, errNotFound
	}
	return obj, nil
}

var errNotFound = errNotFoundType{}

type errNotFoundType struct{}

func (errNotFoundType) Error() string { return "not found" }

func podOwnedByReplicaSet() *unstructured.Unstructured {
	pod := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name":      "web-xyz-123",
			"namespace": "default",
			"ownerReferences": []interface{}{
				map[string]interface{}{
					"apiVersion": "apps/v1",
					"kind":       "ReplicaSet",
					"name":       "web-xyz",
					"controller": true,
				},
			},
		},
	}}
	return pod
}

func replicaSetOwnedByDeployment() *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "ReplicaSet",
		"metadata": map[string]interface{}{
			"name":      "web-xyz",
			"namespace": "default",
			"ownerReferences": []interface{}{
				map[string]interface{}{
					"apiVersion": "apps/v1",
					"kind":       "Deployment",
					"name":       "web",
					"controller": true,
				},
			},
		},
	}}
}

func deployment() *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":      "web",
			"namespace": "default",
		},
	}}
}

func isTrackedDeployment(gvk schema.GroupVersionKind) (tracedata.KindKey, bool) {
	if gvk.Group == "apps" && gvk.Version == "v1" && gvk.Kind == "Deployment" {
		return "apps/v1.Deployment", true
	}
	return "", false
}

func TestResolveClimbsToTrackedKind(t *testing.T) {
	g := NewWithT(t)

	rs := replicaSetOwnedByDeployment()
	dep := deployment()
	fg := &fakeGetter{objects: map[string]*unstructured.Unstructured{
		fakeKeyFor(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "ReplicaSet"}, "default", "web-xyz"):  rs,
		fakeKeyFor(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}, "default", "web"): dep,
	}}

	chain, err := Resolve(context.Background(), fg, podOwnedByReplicaSet(), isTrackedDeployment)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(chain.OwnerKind).To(Equal(tracedata.KindKey("apps/v1.Deployment")))
	g.Expect(chain.OwnerName).To(Equal(tracedata.ObjectKey{Namespace: "default", Name: "web"}))
}

func TestResolveNoOwnerReturnsError(t *testing.T) {
	g := NewWithT(t)

	orphan := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata":   map[string]interface{}{"name": "solo", "namespace": "default"},
	}}
	fg := &fakeGetter{objects: map[string]*unstructured.Unstructured{}}

	_, err := Resolve(context.Background(), fg, orphan, isTrackedDeployment)
	g.Expect(err).To(MatchError(ErrNoOwner))
}

func fakeKeyFor(gvk schema.GroupVersionKind, namespace, name string) string {
	return gvk.String() + "|" + namespace + "/" + name
}
