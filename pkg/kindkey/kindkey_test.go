package kindkey

import (
	"testing"

	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/clusterplay/tracesim/pkg/tracedata"
)

func TestFormatAndParseRoundTripNamedGroup(t *testing.T) {
	g := NewWithT(t)
	gvk := schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}

	key := Format(gvk)
	g.Expect(key).To(Equal(tracedata.KindKey("apps/v1.Deployment")))

	back, err := Parse(key)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(back).To(Equal(gvk))
}

func TestFormatAndParseRoundTripCoreGroup(t *testing.T) {
	g := NewWithT(t)
	gvk := schema.GroupVersionKind{Group: "", Version: "v1", Kind: "Pod"}

	key := Format(gvk)
	g.Expect(key).To(Equal(tracedata.KindKey("v1.Pod")))

	back, err := Parse(key)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(back).To(Equal(gvk))
}

func TestParseRejectsMalformed(t *testing.T) {
	g := NewWithT(t)

	_, err := Parse(tracedata.KindKey("no-dot-here"))
	g.Expect(err).To(HaveOccurred())
}
