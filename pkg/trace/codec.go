// Package trace implements the trace codec (§4.4 component C4): binary
// encode/decode of a complete store export into the single-artifact format
// described in §6.
//
// The format is CBOR (github.com/fxamacker/cbor/v2). Every example repo in
// the retrieved reference set carries this library indirectly through
// k8s.io/apimachinery, but it is promoted to a direct dependency here
// because it is the only codec in reach that satisfies §9's "tuple map
// keys" requirement: the Pod Lifecycle Table is keyed by
// (owner-kind, owner-namespaced-name), and a JSON pivot cannot round-trip
// a non-string map key.
package trace

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/clusterplay/tracesim/pkg/errtax"
	"github.com/clusterplay/tracesim/pkg/tracedata"
)

// wireTrace pins the five top-level fields to the exact order §6 mandates.
// The leading blank field with the "toarray" tag is cbor/v2's documented
// idiom for encoding a struct as a CBOR array (positional, ordered) instead
// of its default string-keyed map — which is what makes the field order a
// wire guarantee rather than an implementation accident.
type wireTrace struct {
	_             struct{} `cbor:",toarray"`
	Version       int64
	Config        tracedata.TrackerConfig
	Events        []tracedata.TimelineEvent
	Index         tracedata.KindIndex
	PodLifecycles tracedata.PodLifecycleTable
}

// decMode decodes untyped maps as map[string]interface{} and integers as
// int64, the same shapes unstructured objects are built from, so a decoded
// trace compares equal to the one that was encoded.
var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: invalid cbor decode options: %v", err))
	}
	return dm
}()

// Encode serializes a trace to its binary wire form. A single CBOR data
// item is self-delimiting, so no separate length prefix is needed when the
// artifact is written as a standalone object (file or S3 body); a caller
// framing several traces back-to-back in one stream should length-prefix
// each call's output itself.
func Encode(t *tracedata.Trace) ([]byte, error) {
	w := wireTrace{
		Version:       t.Version,
		Config:        t.Config,
		Events:        t.Events,
		Index:         t.Index,
		PodLifecycles: t.PodLifecycles,
	}
	buf, err := cbor.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("trace: encode: %w", err)
	}
	return buf, nil
}

// Decode parses a trace's binary wire form. It rejects anything other than
// the current schema version outright (§4.4 "Forward-compat minimum") and
// never attempts to auto-upgrade an older or newer document.
func Decode(data []byte) (*tracedata.Trace, error) {
	var w wireTrace
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, errtax.New(errtax.TraceCorrupt, err)
	}
	if w.Version != tracedata.SchemaVersion {
		return nil, errtax.New(errtax.UnsupportedVersion,
			fmt.Errorf("trace: decoded version %d, this binary supports %d", w.Version, tracedata.SchemaVersion))
	}
	return &tracedata.Trace{
		Version:       w.Version,
		Config:        w.Config,
		Events:        w.Events,
		Index:         w.Index,
		PodLifecycles: w.PodLifecycles,
	}, nil
}
