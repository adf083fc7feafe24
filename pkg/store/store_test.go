package store

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/clusterplay/tracesim/pkg/tracedata"
)

const deploymentKind tracedata.KindKey = "apps/v1.Deployment"

func webObject(hash uint64) ObservedObject {
	return ObservedObject{
		Kind: deploymentKind,
		Key:  tracedata.ObjectKey{Namespace: "default", Name: "web"},
		Hash: hash,
		Body: map[string]interface{}{"spec": map[string]interface{}{"replicas": int64(3)}},
	}
}

// Scenario 1: record a single apply after start_ts, export full window,
// decode. The object is not part of the timeline-prefix ≤ start_ts (§4.5
// step 2), so the alive-at-start synthetic event is empty and the apply
// itself is re-emitted at its own ts as a real in-window event (step 3);
// see the Export correctness quantified invariant in §8.
func TestExportAliveAtStart(t *testing.T) {
	g := NewWithT(t)
	s := New(tracedata.TrackerConfig{})

	g.Expect(s.ObserveApplied(100, webObject(42))).To(Succeed())

	trace, err := s.Export(ExportRequest{StartTS: 50, EndTS: 200})
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(trace.Events).To(HaveLen(2))
	g.Expect(trace.Events[0].TS).To(Equal(int64(50)))
	g.Expect(trace.Events[0].Applied).To(BeEmpty())
	g.Expect(trace.Events[1].TS).To(Equal(int64(100)))
	g.Expect(trace.Events[1].Applied).To(HaveLen(1))
	g.Expect(trace.Events[1].Applied[0].Hash).To(Equal(uint64(42)))

	byName := trace.Index[deploymentKind]
	g.Expect(byName).To(HaveLen(1))
	g.Expect(byName[tracedata.ObjectKey{Namespace: "default", Name: "web"}]).To(Equal(uint64(42)))
}

// Scenario 2: apply then delete, export spanning both, with start_ts
// preceding the apply. Both the apply and the delete fall inside
// (start_ts, end_ts] and are emitted as separate real events at their own
// timestamps; the alive-at-start snapshot is empty.
func TestExportApplyThenDelete(t *testing.T) {
	g := NewWithT(t)
	s := New(tracedata.TrackerConfig{})

	g.Expect(s.ObserveApplied(100, webObject(42))).To(Succeed())
	g.Expect(s.ObserveDeleted(150, webObject(42))).To(Succeed())

	trace, err := s.Export(ExportRequest{StartTS: 90, EndTS: 160})
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(trace.Events).To(HaveLen(3))
	g.Expect(trace.Events[0].TS).To(Equal(int64(90)))
	g.Expect(trace.Events[0].Applied).To(BeEmpty())
	g.Expect(trace.Events[1].TS).To(Equal(int64(100)))
	g.Expect(trace.Events[1].Applied).To(HaveLen(1))
	g.Expect(trace.Events[2].TS).To(Equal(int64(150)))
	g.Expect(trace.Events[2].Applied).To(BeEmpty())
	g.Expect(trace.Events[2].Deleted).To(HaveLen(1))

	g.Expect(trace.Index).To(BeEmpty())
}

// Scenario 3: exclusion of namespace.
func TestExportExcludesNamespace(t *testing.T) {
	g := NewWithT(t)
	s := New(tracedata.TrackerConfig{})

	a := ObservedObject{
		Kind: deploymentKind,
		Key:  tracedata.ObjectKey{Namespace: "default", Name: "a"},
		Hash: 1,
		Body: map[string]interface{}{},
	}
	b := ObservedObject{
		Kind: deploymentKind,
		Key:  tracedata.ObjectKey{Namespace: "kube-system", Name: "b"},
		Hash: 2,
		Body: map[string]interface{}{},
	}
	g.Expect(s.ObserveApplied(10, a)).To(Succeed())
	g.Expect(s.ObserveApplied(10, b)).To(Succeed())

	trace, err := s.Export(ExportRequest{
		StartTS: 0,
		EndTS:   1000,
		Filters: Filters{ExcludedNamespaces: []string{"kube-system"}},
	})
	g.Expect(err).NotTo(HaveOccurred())

	for _, ev := range trace.Events {
		for _, o := range ev.Applied {
			g.Expect(o.Key.Namespace).NotTo(Equal("kube-system"))
		}
		for _, o := range ev.Deleted {
			g.Expect(o.Key.Namespace).NotTo(Equal("kube-system"))
		}
	}
	byName := trace.Index[deploymentKind]
	g.Expect(byName).To(HaveLen(1))
	g.Expect(byName).NotTo(HaveKey(tracedata.ObjectKey{Namespace: "kube-system", Name: "b"}))
}

// Scenario 4: pod lifecycle bookkeeping across rename.
func TestPodLifecycleAcrossRename(t *testing.T) {
	g := NewWithT(t)
	s := New(tracedata.TrackerConfig{})

	owner := tracedata.OwnerKey{Kind: deploymentKind, Name: tracedata.ObjectKey{Namespace: "default", Name: "web"}}
	const tplHash uint64 = 7

	s.RecordPodStart(owner, tplHash, 10)
	s.RecordPodEnd(owner, tplHash, 40)
	s.RecordPodStart(owner, tplHash, 50)

	trace, err := s.Export(ExportRequest{StartTS: 0, EndTS: 1000})
	g.Expect(err).NotTo(HaveOccurred())

	// The owner never appears in the Kind Index in this test (no apply was
	// recorded for it), so the lifecycle table is reduced away entirely;
	// assert directly against the store's own clone instead of the export.
	g.Expect(trace.PodLifecycles).To(BeEmpty())

	snap := s.Snapshot()
	intervals := snap.Lifecycles[owner][tplHash]
	g.Expect(intervals).To(HaveLen(2))
	g.Expect(intervals[0].StartTS).To(Equal(int64(10)))
	g.Expect(*intervals[0].EndTS).To(Equal(int64(40)))
	g.Expect(intervals[1].StartTS).To(Equal(int64(50)))
	g.Expect(intervals[1].Closed()).To(BeFalse())
}

func TestRecordPodEndOutOfOrderOpensAndCloses(t *testing.T) {
	g := NewWithT(t)
	s := New(tracedata.TrackerConfig{})

	owner := tracedata.OwnerKey{Kind: deploymentKind, Name: tracedata.ObjectKey{Namespace: "default", Name: "web"}}
	s.RecordPodEnd(owner, 1, 40)

	snap := s.Snapshot()
	intervals := snap.Lifecycles[owner][1]
	g.Expect(intervals).To(HaveLen(1))
	g.Expect(intervals[0].StartTS).To(Equal(int64(40)))
	g.Expect(*intervals[0].EndTS).To(Equal(int64(40)))
}

func TestExportInvalidRange(t *testing.T) {
	g := NewWithT(t)
	s := New(tracedata.TrackerConfig{})

	_, err := s.Export(ExportRequest{StartTS: 100, EndTS: 50})
	g.Expect(err).To(MatchError(ErrInvalidRange))
}

func TestObserveAppliedRejectsOutOfOrderTimestamp(t *testing.T) {
	g := NewWithT(t)
	s := New(tracedata.TrackerConfig{})

	g.Expect(s.ObserveApplied(100, webObject(1))).To(Succeed())
	err := s.ObserveApplied(50, webObject(2))
	g.Expect(err).To(HaveOccurred())
}

func TestObserveAppliedSameTSReplaces(t *testing.T) {
	g := NewWithT(t)
	s := New(tracedata.TrackerConfig{})

	g.Expect(s.ObserveApplied(100, webObject(1))).To(Succeed())
	g.Expect(s.ObserveApplied(100, webObject(2))).To(Succeed())

	snap := s.Snapshot()
	g.Expect(snap.Events).To(HaveLen(1))
	g.Expect(snap.Events[0].Applied).To(HaveLen(1))
	g.Expect(snap.Events[0].Applied[0].Hash).To(Equal(uint64(2)))
}
