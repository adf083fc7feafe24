// Package mutator implements the admission mutator (§4.7 component C7): a
// webhook handler that rewrites simulated pods to land on virtual nodes and
// carry a representative TTL, and leaves every other pod untouched.
//
// Grounded on the teacher's pkg/webhook/mutation.go: unmarshal the raw admission
// object into unstructured.Unstructured, mutate the tree in place, and hand
// the before/after JSON to admission.PatchResponseFromRaw rather than
// hand-building a JSON-patch document.
package mutator

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/clusterplay/tracesim/pkg/canon"
	"github.com/clusterplay/tracesim/pkg/logging"
	"github.com/clusterplay/tracesim/pkg/ownership"
	"github.com/clusterplay/tracesim/pkg/telemetry"
)

// SimulationLabelKey marks both the simulation root object (set by the
// driver's job controller, out of scope here) and every pod this mutator
// admits into the simulation (§4.7).
const SimulationLabelKey = "clusterplay.io/simulation"

const (
	nodeSelectorKey   = "node-role"
	nodeSelectorValue = "virtual"
	tolerationKey     = "virtual-node-taint"
	ttlAnnotationKey  = "clusterplay.io/lifetime-seconds"
)

// Handler is the /mutate endpoint (§6). Client resolves both the
// ownership-root walk and the tracker's live-cluster owner lookup against
// the simulation cluster; Tracker answers representative-TTL queries from
// the loaded trace's Pod Lifecycle Table.
type Handler struct {
	Client       ownership.Getter
	Tracker      *ownership.Tracker
	SimulationID string
	Log          logr.Logger

	// Metrics is optional; a nil value is treated the same as
	// telemetry.Noop() so tests can construct a Handler without wiring a
	// meter provider.
	Metrics *telemetry.Instruments
}

var _ admission.Handler = &Handler{}

// Handle implements the contract of §4.7: pods whose ownership chain does
// not reach an object labeled with this simulation's identity pass through
// unchanged; pods that do reach it are patched. Malformed requests are
// rejected with a clear reason; any other internal error admits the pod
// unmutated rather than blocking pod creation on a mutator bug.
func (h *Handler) Handle(ctx context.Context, req admission.Request) admission.Response {
	log := h.Log.WithValues(logging.Operation, "mutate")
	start := time.Now()
	defer func() {
		h.metrics().AdmissionDuration.Record(ctx, time.Since(start).Seconds())
	}()

	obj := unstructured.Unstructured{}
	if err := obj.UnmarshalJSON(req.Object.Raw); err != nil {
		return admission.Errored(http.StatusBadRequest, fmt.Errorf("admission: malformed pod object: %w", err))
	}

	root, err := ownership.ResolveRoot(ctx, h.Client, &obj)
	if err != nil {
		log.Error(err, "ownership root resolution failed, admitting unmutated",
			logging.Namespace, obj.GetNamespace(), logging.Name, obj.GetName())
		return admission.Allowed("ownership resolution failed")
	}
	if root.GetLabels()[SimulationLabelKey] != h.SimulationID {
		return admission.Allowed("pod ownership chain does not reach this simulation")
	}

	mutated := obj.DeepCopy()
	applyPatch(mutated, h.SimulationID)

	if ttl, ok := h.representativeTTL(ctx, &obj); ok {
		setAnnotation(mutated, ttlAnnotationKey, strconv.FormatInt(int64(ttl.Seconds()), 10))
	}

	newJSON, err := mutated.MarshalJSON()
	if err != nil {
		log.Error(err, "failed to marshal mutated pod, admitting unmutated")
		return admission.Allowed("failed to marshal mutated pod")
	}
	return admission.PatchResponseFromRaw(req.Object.Raw, newJSON)
}

var noopMetrics = telemetry.Noop()

func (h *Handler) metrics() *telemetry.Instruments {
	if h.Metrics == nil {
		return noopMetrics
	}
	return h.Metrics
}

func (h *Handler) representativeTTL(ctx context.Context, obj *unstructured.Unstructured) (time.Duration, bool) {
	owner, err := h.Tracker.ResolveOwner(ctx, h.Client, obj)
	if err != nil {
		return 0, false
	}
	podSpec, _ := obj.Object["spec"].(map[string]interface{})
	tplHash := canon.HashPodTemplate(podSpec)
	return h.Tracker.RepresentativeTTL(*owner, tplHash)
}

// applyPatch performs the three unconditional mutations of §4.7 in place,
// each guarded so re-applying to an already-mutated pod is a no-op (§8
// "Mutator idempotence").
func applyPatch(obj *unstructured.Unstructured, simID string) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[SimulationLabelKey] = simID
	obj.SetLabels(labels)

	spec, _ := obj.Object["spec"].(map[string]interface{})
	if spec == nil {
		spec = map[string]interface{}{}
		obj.Object["spec"] = spec
	}

	nodeSelector, _ := spec["nodeSelector"].(map[string]interface{})
	if nodeSelector == nil {
		nodeSelector = map[string]interface{}{}
	}
	nodeSelector[nodeSelectorKey] = nodeSelectorValue
	spec["nodeSelector"] = nodeSelector

	spec["tolerations"] = withVirtualNodeToleration(spec["tolerations"])
}

func withVirtualNodeToleration(existing interface{}) []interface{} {
	tolerations, _ := existing.([]interface{})
	for _, t := range tolerations {
		m, ok := t.(map[string]interface{})
		if ok && m["key"] == tolerationKey {
			return tolerations
		}
	}
	return append(tolerations, map[string]interface{}{
		"key":      tolerationKey,
		"operator": "Exists",
		"effect":   "NoSchedule",
	})
}

func setAnnotation(obj *unstructured.Unstructured, key, value string) {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[key] = value
	obj.SetAnnotations(annotations)
}
