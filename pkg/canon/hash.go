package canon

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash computes the stable structural content hash of a canonical object
// (§4.1 C1, §9 "Content hashing"). Equal canonical forms always hash equal;
// a collision must never be treated as proof of equality, only as a bucket
// key (§4.1). Changing this algorithm is a breaking, schema-version-bumping
// change (§9) because it invalidates every previously recorded Kind Index.
func Hash(canonical map[string]interface{}) uint64 {
	return xxhash.Sum64(canonicalBytes(canonical))
}

// HashPodTemplate computes the content hash of a live pod's spec as though
// it were a pod template, so it can be compared against the template
// hashes recorded in the Pod Lifecycle Table (§4.3): the
// pod's spec is wrapped and run through the same template-scoped stripping
// canonicalizeTemplate applies to a recorded owner's template.
func HashPodTemplate(podSpec map[string]interface{}) uint64 {
	tpl := map[string]interface{}{"spec": deepCopy(podSpec)}
	canonicalizeTemplate(tpl)
	return Hash(tpl)
}

// canonicalBytes serializes a tagged-sum-type node deterministically.
// encoding/json sorts map[string]interface{} keys by construction, and
// preserves sequence order as-given, which is exactly the ordering
// discipline §9 requires of the hash input.
func canonicalBytes(node interface{}) []byte {
	b, err := json.Marshal(node)
	if err != nil {
		// Canonical nodes are built exclusively from
		// map[string]interface{}/[]interface{}/scalars, which always marshal.
		panic(fmt.Sprintf("canon: unmarshalable canonical node: %v", err))
	}
	return b
}
