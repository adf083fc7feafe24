package mutator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/clusterplay/tracesim/pkg/ownership"
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
		return nil, errNotFound{}
	}
	return obj, nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

func namespace(name, simID string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata":   map[string]interface{}{"name": name},
	}}
	if simID != "" {
		obj.SetLabels(map[string]string{SimulationLabelKey: simID})
	}
	return obj
}

func podJSON(name, namespace, ownerNS string) []byte {
	pod := map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
			"ownerReferences": []interface{}{
				map[string]interface{}{
					"apiVersion": "apps/v1",
					"kind":       "ReplicaSet",
					"name":       "owner-rs",
					"controller": true,
				},
			},
		},
		"spec": map[string]interface{}{
			"containers": []interface{}{map[string]interface{}{"name": "app", "image": "example:1"}},
		},
	}
	b, _ := json.Marshal(pod)
	return b
}

func replicaSet(namespace string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "ReplicaSet",
		"metadata": map[string]interface{}{
			"name":      "owner-rs",
			"namespace": namespace,
			"ownerReferences": []interface{}{
				map[string]interface{}{
					"apiVersion": "v1",
					"kind":       "Namespace",
					"name":       namespace,
					"controller": true,
				},
			},
		},
	}}
}

func newHandler(simID string, objects map[string]*unstructured.Unstructured) *Handler {
	fg := &fakeGetter{objects: objects}
	tr, _ := ownership.NewTracker(tracedata.TrackerConfig{}, tracedata.PodLifecycleTable{})
	return &Handler{Client: fg, Tracker: tr, SimulationID: simID, Log: logr.Discard()}
}

func requestFor(raw []byte) admission.Request {
	return admission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
		Object: runtime.RawExtension{Raw: raw},
	}}
}

func TestMutatePodInSimulationAddsNodeSelectorLabelAndToleration(t *testing.T) {
	g := NewWithT(t)

	fg := map[string]*unstructured.Unstructured{
		(&fakeGetter{}).key(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "ReplicaSet"}, "sim-ns", "owner-rs"): replicaSet("sim-ns"),
		(&fakeGetter{}).key(schema.GroupVersionKind{Group: "", Version: "v1", Kind: "Namespace"}, "sim-ns", "sim-ns"):        namespace("sim-ns", "sim-42"),
	}
	h := newHandler("sim-42", fg)

	resp := h.Handle(context.Background(), requestFor(podJSON("web-abc", "sim-ns", "sim-ns")))
	g.Expect(resp.Allowed).To(BeTrue())
	g.Expect(resp.Patches).NotTo(BeEmpty())

	paths := map[string]bool{}
	for _, p := range resp.Patches {
		paths[p.Path] = true
	}
	g.Expect(paths).To(HaveKey("/metadata/labels"))
	g.Expect(paths).To(HaveKey("/spec/nodeSelector"))
	g.Expect(paths).To(HaveKey("/spec/tolerations"))
}

func TestMutatePodOutsideSimulationIsNoOp(t *testing.T) {
	g := NewWithT(t)

	fg := map[string]*unstructured.Unstructured{
		(&fakeGetter{}).key(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "ReplicaSet"}, "other-ns", "owner-rs"): replicaSet("other-ns"),
		(&fakeGetter{}).key(schema.GroupVersionKind{Group: "", Version: "v1", Kind: "Namespace"}, "other-ns", "other-ns"):      namespace("other-ns", ""),
	}
	h := newHandler("sim-42", fg)

	resp := h.Handle(context.Background(), requestFor(podJSON("web-abc", "other-ns", "other-ns")))
	g.Expect(resp.Allowed).To(BeTrue())
	g.Expect(resp.Patches).To(BeEmpty())
}

func TestMutateRejectsMalformedObject(t *testing.T) {
	g := NewWithT(t)

	h := newHandler("sim-42", map[string]*unstructured.Unstructured{})
	resp := h.Handle(context.Background(), requestFor([]byte("not json")))
	g.Expect(resp.Allowed).To(BeFalse())
}

func TestMutateIsIdempotent(t *testing.T) {
	g := NewWithT(t)

	fg := map[string]*unstructured.Unstructured{
		(&fakeGetter{}).key(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "ReplicaSet"}, "sim-ns", "owner-rs"): replicaSet("sim-ns"),
		(&fakeGetter{}).key(schema.GroupVersionKind{Group: "", Version: "v1", Kind: "Namespace"}, "sim-ns", "sim-ns"):        namespace("sim-ns", "sim-42"),
	}
	h := newHandler("sim-42", fg)

	first := podJSON("web-abc", "sim-ns", "sim-ns")
	g.Expect(h.Handle(context.Background(), requestFor(first)).Allowed).To(BeTrue())

	patched, err := alreadyMutated(first)
	g.Expect(err).NotTo(HaveOccurred())

	resp2 := h.Handle(context.Background(), requestFor(patched))
	g.Expect(resp2.Patches).To(BeEmpty())
}

// alreadyMutated applies the same in-place mutation Handle would, standing
// in for a real JSON-patch apply so the idempotence check can feed an
// already-mutated pod back through Handle without a patch-apply library.
func alreadyMutated(raw []byte) ([]byte, error) {
	obj := &unstructured.Unstructured{}
	if err := obj.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	applyPatch(obj, "sim-42")
	return obj.MarshalJSON()
}
