package canon

import (
	"fmt"
	"strings"
)

// segment is one hop of a pod-template path. A literal segment descends
// into a mapping by key; a wildcard segment ("*") fans out over every
// element of a sequence found at that point.
type segment struct {
	field    string
	wildcard bool
}

// Path is a parsed pod-template-path, e.g. "spec.template" or
// "spec.workers.*.template" (§3 Tracked Kind, §4.1).
type Path struct {
	raw      string
	segments []segment
}

// ParsePath parses the mini-DSL described in §6: dot-separated field names
// with a bare "*" standing for "every element of this array".
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return Path{}, fmt.Errorf("canon: empty template path")
	}
	parts := strings.Split(raw, ".")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return Path{}, fmt.Errorf("canon: empty path segment in %q", raw)
		}
		if p == "*" {
			segs = append(segs, segment{wildcard: true})
			continue
		}
		segs = append(segs, segment{field: p})
	}
	return Path{raw: raw, segments: segs}, nil
}

func (p Path) String() string { return p.raw }

// Resolve walks obj along p and returns every mapping node found at its
// end. A literal segment requires the current node to be a mapping; a
// wildcard segment requires it to be a sequence. Any mismatch is a
// configuration error (§4.1): the path is not reachable for this object's
// shape, which is fatal at startup per §3.
func Resolve(obj map[string]interface{}, p Path) ([]map[string]interface{}, error) {
	nodes := []interface{}{(map[string]interface{})(obj)}
	for _, seg := range p.segments {
		var next []interface{}
		for _, n := range nodes {
			if seg.wildcard {
				seq, ok := n.([]interface{})
				if !ok {
					return nil, fmt.Errorf("canon: path %q expects an array where a wildcard is used but found %T", p.raw, n)
				}
				next = append(next, seq...)
				continue
			}
			m, ok := n.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("canon: path %q expects an object at field %q but found %T", p.raw, seg.field, n)
			}
			v, ok := m[seg.field]
			if !ok {
				return nil, fmt.Errorf("canon: path %q: field %q not found", p.raw, seg.field)
			}
			next = append(next, v)
		}
		nodes = next
	}
	out := make([]map[string]interface{}, 0, len(nodes))
	for _, n := range nodes {
		m, ok := n.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("canon: path %q resolved to a non-object %T", p.raw, n)
		}
		out = append(out, m)
	}
	return out, nil
}
