// Package kindkey converts between the wire kind-string form used
// throughout the trace format (§6 "group/version.Kind") and
// schema.GroupVersionKind, so the watch fabric, the tracker config loader,
// and the driver-side ownership tracker all agree on one parsing.
package kindkey

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/clusterplay/tracesim/pkg/tracedata"
)

// Format renders gvk as "group/version.Kind", using apimachinery's own
// GroupVersion.String() convention that omits the slash for the core group
// (so a core Pod is "v1.Pod", not "/v1.Pod").
func Format(gvk schema.GroupVersionKind) tracedata.KindKey {
	gv := schema.GroupVersion{Group: gvk.Group, Version: gvk.Version}
	return tracedata.KindKey(fmt.Sprintf("%s.%s", gv.String(), gvk.Kind))
}

// Parse reverses Format. Malformed kind strings (missing ".Kind" suffix)
// return an error the config loader surfaces as ConfigInvalid.
func Parse(key tracedata.KindKey) (schema.GroupVersionKind, error) {
	s := string(key)
	idx := strings.LastIndex(s, ".")
	if idx < 0 || idx == len(s)-1 {
		return schema.GroupVersionKind{}, fmt.Errorf("kindkey: malformed kind string %q, want group/version.Kind", s)
	}
	gvPart, kind := s[:idx], s[idx+1:]
	gv, err := schema.ParseGroupVersion(gvPart)
	if err != nil {
		return schema.GroupVersionKind{}, fmt.Errorf("kindkey: malformed group/version in %q: %w", s, err)
	}
	return gv.WithKind(kind), nil
}
