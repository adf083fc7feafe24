// Package config parses the tracker configuration file (§6): which kinds
// the recorder watches, where their pod templates live, and whether pod
// lifecycle should be tracked for their owned pods.
//
// Grounded on the teacher's pkg/util/crd_helpers.go: JSON-tag structs
// unmarshaled through sigs.k8s.io/yaml's YAML-to-JSON shim, never a
// bespoke parser.
package config

import (
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/clusterplay/tracesim/pkg/canon"
	"github.com/clusterplay/tracesim/pkg/errtax"
	"github.com/clusterplay/tracesim/pkg/kindkey"
	"github.com/clusterplay/tracesim/pkg/tracedata"
)

// trackedObjectFile is the on-disk YAML shape (§6):
//
//	trackedObjects:
//	  <group/version.Kind>:
//	    podSpecTemplatePaths: [<json-path-with-*>]
//	    trackLifecycle: <bool>
type trackedObjectFile struct {
	TrackedObjects map[string]trackedObjectEntry `json:"trackedObjects"`
}

type trackedObjectEntry struct {
	PodSpecTemplatePaths []string `json:"podSpecTemplatePaths"`
	TrackLifecycle       bool     `json:"trackLifecycle"`
}

// KindSpec is a single parsed and validated tracked-kind entry, ready to
// build a watch fabric KindSpec from.
type KindSpec struct {
	Kind   tracedata.KindKey
	Config canon.KindConfig
}

// Parse decodes the tracker config YAML, validating every kind string and
// template path (§7 ConfigInvalid: "missing template path, malformed kind
// string").
func Parse(data []byte) ([]KindSpec, error) {
	var file trackedObjectFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errtax.New(errtax.ConfigInvalid, fmt.Errorf("config: invalid yaml: %w", err))
	}

	specs := make([]KindSpec, 0, len(file.TrackedObjects))
	for kindStr, entry := range file.TrackedObjects {
		if _, err := kindkey.Parse(tracedata.KindKey(kindStr)); err != nil {
			return nil, errtax.New(errtax.ConfigInvalid, fmt.Errorf("config: tracked object %q: %w", kindStr, err))
		}
		paths := make([]canon.Path, 0, len(entry.PodSpecTemplatePaths))
		for _, raw := range entry.PodSpecTemplatePaths {
			path, err := canon.ParsePath(raw)
			if err != nil {
				return nil, errtax.New(errtax.ConfigInvalid, fmt.Errorf("config: tracked object %q: %w", kindStr, err))
			}
			paths = append(paths, path)
		}
		specs = append(specs, KindSpec{
			Kind: tracedata.KindKey(kindStr),
			Config: canon.KindConfig{
				PodSpecTemplatePaths: paths,
				TrackLifecycle:       entry.TrackLifecycle,
			},
		})
	}
	return specs, nil
}

// ToTrackerConfig projects parsed KindSpecs into the wire-form
// tracedata.TrackerConfig embedded verbatim in every exported trace (§6).
func ToTrackerConfig(specs []KindSpec) tracedata.TrackerConfig {
	out := make(tracedata.TrackerConfig, len(specs))
	for _, s := range specs {
		paths := make([]string, len(s.Config.PodSpecTemplatePaths))
		for i, p := range s.Config.PodSpecTemplatePaths {
			paths[i] = p.String()
		}
		out[s.Kind] = tracedata.KindConfigEntry{
			PodSpecTemplatePaths: paths,
			TrackLifecycle:       s.Config.TrackLifecycle,
		}
	}
	return out
}
