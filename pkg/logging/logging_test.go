package logging

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestLogKeysAreDistinct(t *testing.T) {
	g := NewWithT(t)
	keys := []string{Component, Kind, Namespace, Name, ContentHash, OwnerKind, OwnerName, SimulationID, TraceEventTS, Operation}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		g.Expect(seen[k]).To(BeFalse(), "duplicate log key %q", k)
		seen[k] = true
	}
}
