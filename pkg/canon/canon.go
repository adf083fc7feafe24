// Package canon implements the canonicalizer (§4.1 component C1): it strips
// runtime-assigned fields from an arbitrary object so that two objects of
// identical workload shape produce bit-identical canonical forms and equal
// content hashes, no matter which process recorded them or when.
//
// Objects arrive as the tagged sum type unstructured.Unstructured already
// uses under the hood — map[string]interface{} (mapping), []interface{}
// (sequence), or a scalar — so no kind-specific static type is required
// (§9 "Dynamic-typed objects").
package canon

import (
	"sort"
	"strings"
)

// KindConfig is the per-kind configuration from the tracker config file
// (§3 Tracked Kind, §6): where pod templates live within an object of this
// kind, and whether pod lifecycles should be tracked for its owned pods.
type KindConfig struct {
	PodSpecTemplatePaths []Path
	TrackLifecycle       bool
}

// topLevelMetadataStrip are the server-assigned metadata fields the control
// plane re-establishes on apply; keeping them would make two recordings of
// the same object shape hash differently (§3 Canonical Object).
var topLevelMetadataStrip = []string{
	"resourceVersion", "uid", "generation", "managedFields",
	"creationTimestamp", "selfLink",
}

var ownerBackReferenceStrip = []string{"ownerReferences"}

var templateMetaStrip = append(append([]string(nil), topLevelMetadataStrip...), ownerBackReferenceStrip...)

var syntheticVolumePrefixes = []string{"kube-api-access-", "default-token-"}

// Canonicalize strips obj down to its reproducible shape: no status, no
// server-assigned metadata, and every pod template configured via
// cfg.PodSpecTemplatePaths additionally stripped of control-plane-injected
// volumes and service-account defaults. The transformation order below is
// fixed so that canonicalize is idempotent and deterministic: running it
// twice, or differently ordering the template strips, never changes the
// result (§4.1, §8).
func Canonicalize(obj map[string]interface{}, cfg KindConfig) (map[string]interface{}, error) {
	out, _ := deepCopy(obj).(map[string]interface{})

	delete(out, "status")
	if meta, ok := out["metadata"].(map[string]interface{}); ok {
		stripKeys(meta, topLevelMetadataStrip)
		stripKeys(meta, ownerBackReferenceStrip)
		dropEmptyCollections(meta)
	}

	for _, p := range cfg.PodSpecTemplatePaths {
		templates, err := Resolve(out, p)
		if err != nil {
			return nil, err
		}
		for _, tpl := range templates {
			canonicalizeTemplate(tpl)
		}
	}

	dropEmptyCollections(out)
	return out, nil
}

// canonicalizeTemplate strips a single resolved pod-template node in
// place: default service-account references, token-mount volumes
// synthesized by the control plane, normalized image pull secrets, and
// empty status blocks (§3, §4.1).
func canonicalizeTemplate(tpl map[string]interface{}) {
	if meta, ok := tpl["metadata"].(map[string]interface{}); ok {
		stripKeys(meta, templateMetaStrip)
		dropEmptyCollections(meta)
	}
	spec, ok := tpl["spec"].(map[string]interface{})
	if !ok {
		return
	}
	delete(spec, "status")
	stripDefaultServiceAccount(spec)
	stripTokenVolumes(spec)
	normalizeImagePullSecrets(spec)
	dropEmptyCollections(spec)
}

func stripDefaultServiceAccount(spec map[string]interface{}) {
	if sa, _ := spec["serviceAccountName"].(string); sa == "default" || sa == "" {
		delete(spec, "serviceAccountName")
	}
	delete(spec, "serviceAccount") // deprecated alias field, same semantics
}

func isSyntheticVolumeName(name string) bool {
	for _, prefix := range syntheticVolumePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// stripTokenVolumes removes volumes whose name is synthesized by the
// control plane (projected service-account tokens) along with the matching
// volumeMounts in every container, so that the same workload shape
// recorded on different clusters/versions still hashes identically.
func stripTokenVolumes(spec map[string]interface{}) {
	volumes, _ := spec["volumes"].([]interface{})
	if len(volumes) == 0 {
		return
	}
	removed := map[string]bool{}
	kept := make([]interface{}, 0, len(volumes))
	for _, v := range volumes {
		vm, ok := v.(map[string]interface{})
		if !ok {
			kept = append(kept, v)
			continue
		}
		name, _ := vm["name"].(string)
		if isSyntheticVolumeName(name) {
			removed[name] = true
			continue
		}
		kept = append(kept, v)
	}
	if len(removed) == 0 {
		return
	}
	setOrDelete(spec, "volumes", kept)

	for _, field := range []string{"containers", "initContainers", "ephemeralContainers"} {
		containers, _ := spec[field].([]interface{})
		for _, c := range containers {
			if cm, ok := c.(map[string]interface{}); ok {
				stripVolumeMounts(cm, removed)
			}
		}
	}
}

func stripVolumeMounts(container map[string]interface{}, removed map[string]bool) {
	mounts, _ := container["volumeMounts"].([]interface{})
	if len(mounts) == 0 {
		return
	}
	kept := make([]interface{}, 0, len(mounts))
	for _, m := range mounts {
		mm, ok := m.(map[string]interface{})
		if !ok {
			kept = append(kept, m)
			continue
		}
		if name, _ := mm["name"].(string); removed[name] {
			continue
		}
		kept = append(kept, m)
	}
	setOrDelete(container, "volumeMounts", kept)
}

// normalizeImagePullSecrets drops auto-injected dockercfg pull-secret
// references (their names carry a random suffix and are never reproducible
// across recordings) and sorts the remainder by name so hash stability
// doesn't depend on API-server-assigned ordering.
func normalizeImagePullSecrets(spec map[string]interface{}) {
	secrets, _ := spec["imagePullSecrets"].([]interface{})
	if len(secrets) == 0 {
		return
	}
	kept := make([]interface{}, 0, len(secrets))
	for _, s := range secrets {
		sm, ok := s.(map[string]interface{})
		if !ok {
			kept = append(kept, s)
			continue
		}
		if name, _ := sm["name"].(string); strings.Contains(name, "-dockercfg-") {
			continue
		}
		kept = append(kept, s)
	}
	sort.Slice(kept, func(i, j int) bool {
		ni, _ := kept[i].(map[string]interface{})["name"].(string)
		nj, _ := kept[j].(map[string]interface{})["name"].(string)
		return ni < nj
	})
	setOrDelete(spec, "imagePullSecrets", kept)
}

func setOrDelete(m map[string]interface{}, key string, vals []interface{}) {
	if len(vals) == 0 {
		delete(m, key)
		return
	}
	m[key] = vals
}

func stripKeys(m map[string]interface{}, keys []string) {
	for _, k := range keys {
		delete(m, k)
	}
}

// dropEmptyCollections removes any key whose value is an empty mapping or
// sequence, recursively, so that e.g. an empty "labels: {}" left over from
// a stripped field doesn't perturb the content hash (§3).
func dropEmptyCollections(m map[string]interface{}) {
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			dropEmptyCollections(t)
			if len(t) == 0 {
				delete(m, k)
			}
		case []interface{}:
			if len(t) == 0 {
				delete(m, k)
			}
		}
	}
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
