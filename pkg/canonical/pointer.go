package canonical

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

// EscapeToken escapes a single RFC 6901 reference token.
func EscapeToken(s string) string {
	return pointerEscaper.Replace(s)
}

// JoinPointer builds an RFC 6901 pointer from unescaped tokens. No tokens
// yields the root pointer "".
func JoinPointer(tokens ...string) string {
	if len(tokens) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		b.WriteString(EscapeToken(t))
	}
	return b.String()
}

// FirstDiffPath parses a and b as JSON and returns an RFC 6901 pointer to the
// first node where they differ. Object keys are visited in sorted order and
// arrays positionally. Returns "$" when the documents are equal or either
// side does not parse; the empty pointer "" means the documents differ at the
// root.
func FirstDiffPath(a, b []byte) string {
	va, err := DecodeJSON(a)
	if err != nil {
		return "$"
	}
	vb, err := DecodeJSON(b)
	if err != nil {
		return "$"
	}
	path, found := diffValue(va, vb, "")
	if !found {
		return "$"
	}
	return path
}

func diffValue(a, b any, path string) (string, bool) {
	switch av := a.(type) {
	case nil:
		if b != nil {
			return path, true
		}
	case bool:
		bv, ok := b.(bool)
		if !ok || av != bv {
			return path, true
		}
	case string:
		bv, ok := b.(string)
		if !ok || av != bv {
			return path, true
		}
	case json.Number:
		bv, ok := b.(json.Number)
		if !ok || av.String() != bv.String() {
			return path, true
		}
	case []any:
		bv, ok := b.([]any)
		if !ok {
			return path, true
		}
		return diffArray(av, bv, path)
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return path, true
		}
		return diffObject(av, bv, path)
	default:
		return path, true
	}
	return "", false
}

func diffArray(a, b []any, path string) (string, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if p, found := diffValue(a[i], b[i], path+"/"+strconv.Itoa(i)); found {
			return p, true
		}
	}
	if len(a) != len(b) {
		return path + "/" + strconv.Itoa(n), true
	}
	return "", false
}

func diffObject(a, b map[string]any, path string) (string, bool) {
	keys := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range b {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		childPath := path + "/" + EscapeToken(k)
		av, inA := a[k]
		bv, inB := b[k]
		if !inA || !inB {
			return childPath, true
		}
		if p, found := diffValue(av, bv, childPath); found {
			return p, true
		}
	}
	return "", false
}
