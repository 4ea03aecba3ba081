package lsi

import (
	"sort"
	"strconv"

	"github.com/orket/orket/pkg/canonical"
)

// Ref is one (type, id) reference discovered in a links blob. Pointer is its
// RFC 6901 location with the /links prefix the rest of the system reports
// locations under.
type Ref struct {
	Type         string
	ID           string
	Relationship string
	Pointer      string
}

// ExtractRefs walks a decoded links blob and returns its refs in sorted key
// order. A links value is a ref when it is an object carrying string type
// and id fields; array values contribute one ref per matching element.
// Anything else is scalar annotation and is ignored.
//
// Extraction always runs over the stored canonical form of the blob, so
// staging and validation enumerate byte-identical refs.
func ExtractRefs(links map[string]any) []Ref {
	keys := make([]string, 0, len(links))
	for k := range links {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var refs []Ref
	for _, k := range keys {
		base := "/links/" + canonical.EscapeToken(k)
		switch v := links[k].(type) {
		case map[string]any:
			if ref, ok := refAt(v, k, base); ok {
				refs = append(refs, ref)
			}
		case []any:
			for i, el := range v {
				obj, ok := el.(map[string]any)
				if !ok {
					continue
				}
				if ref, ok := refAt(obj, k, base+"/"+strconv.Itoa(i)); ok {
					refs = append(refs, ref)
				}
			}
		}
	}
	return refs
}

// SortRefs orders refs by (pointer, type, id): the enumeration order link
// validation reports issues in.
func SortRefs(refs []Ref) {
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Pointer != b.Pointer {
			return a.Pointer < b.Pointer
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})
}

// refAt applies the ref-object predicate: an object with string type and id.
// The relationship defaults to the link key when the object does not name
// one.
func refAt(obj map[string]any, key, pointer string) (Ref, bool) {
	refType, ok := obj["type"].(string)
	if !ok {
		return Ref{}, false
	}
	refID, ok := obj["id"].(string)
	if !ok {
		return Ref{}, false
	}
	rel := key
	if r, ok := obj["relationship"].(string); ok {
		rel = r
	}
	return Ref{Type: refType, ID: refID, Relationship: rel, Pointer: pointer}, true
}
