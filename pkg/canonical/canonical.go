// Package canonical produces deterministic byte encodings and digests of
// JSON-typed values.
//
// The encoding is RFC 8785 (JCS) with three profile restrictions layered on
// top:
//
//   - Strings are newline-normalized (`\r\n` and bare `\r` become `\n`)
//     before encoding. Non-ASCII text is emitted as literal UTF-8.
//   - Numbers must be integers inside the JS-safe range ±(2^53-1). Floats,
//     NaN and infinities fail with *Error.
//   - Arrays keep their order except directly under one of the unordered-list
//     keys (nodes, edges, relationships, links, refs), where elements are
//     sorted by their canonical byte form.
//
// Digests additionally strip a fixed set of non-semantic keys (timestamps,
// run ids, filesystem paths, latency counters) anywhere in the tree, so two
// runs of the same work hash identically even though their bookkeeping
// differs.
//
// Inputs should be decoded with DecodeJSON rather than plain json.Unmarshal:
// it preserves the textual form of numbers, which is what lets the encoder
// tell the integer 1 from the float 1.0.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// maxSafeInt is the largest integer exactly representable as an IEEE 754
// double, 2^53-1. Values beyond it (either sign) are rejected.
const maxSafeInt = int64(1)<<53 - 1

// unorderedListKeys name the object keys whose array values carry set
// semantics. Element order under them is not meaningful, so it is normalized
// away.
var unorderedListKeys = map[string]bool{
	"nodes":         true,
	"edges":         true,
	"relationships": true,
	"links":         true,
	"refs":          true,
}

// nonSemanticKeys are stripped from the tree before digesting. They record
// when and where something happened, never what it was.
var nonSemanticKeys = map[string]bool{
	"timestamp":       true,
	"timestamps":      true,
	"created_at":      true,
	"updated_at":      true,
	"recorded_at":     true,
	"run_id":          true,
	"run_ids":         true,
	"run_path":        true,
	"path":            true,
	"paths":           true,
	"temp_path":       true,
	"elapsed_ms":      true,
	"duration_ms":     true,
	"latency_ms":      true,
	"perf":            true,
	"metrics_runtime": true,
}

// Bytes returns the canonical encoding of v. Nothing is stripped: the output
// round-trips every semantic and non-semantic field, which is what the index
// stores for records that must keep their run ids.
func Bytes(v any) ([]byte, error) {
	n, err := normalizeValue(v, "", false, false)
	if err != nil {
		return nil, err
	}
	return encodeNormalized(n)
}

// DigestBytes returns the canonical encoding of v after removing all
// non-semantic keys. This is the byte form that content digests are computed
// over, and the byte form the object store persists for content-addressed
// blobs (so a blob's digest is always the sha256 of its stored bytes).
func DigestBytes(v any) ([]byte, error) {
	n, err := normalizeValue(v, "", false, true)
	if err != nil {
		return nil, err
	}
	return encodeNormalized(n)
}

// Digest returns hex(sha256(DigestBytes(v))).
func Digest(v any) (string, error) {
	b, err := DigestBytes(v)
	if err != nil {
		return "", err
	}
	return StructuralDigest(b), nil
}

// StructuralDigest returns hex(sha256(b)) over raw bytes.
func StructuralDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DecodeJSON parses data into the generic JSON value tree used by this
// package. Numbers stay json.Number so integer fidelity survives decoding.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode json: trailing data after value")
	}
	return v, nil
}

// NormalizeNewlines rewrites CRLF and bare CR line endings to LF. Applied to
// every string in the tree, and exported because raw model output passes
// through the same normalization before parsing.
func NormalizeNewlines(s string) string {
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// normalizeValue walks v producing a tree of nil/bool/string/int64/[]any/
// map[string]any with all profile rules applied. path tracks the RFC 6901
// location for error reporting. unordered marks that v is an array directly
// under an unordered-list key. strip removes non-semantic keys.
func normalizeValue(v any, path string, unordered bool, strip bool) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		return NormalizeNewlines(val), nil
	case json.Number:
		return normalizeNumber(val, path)
	case int:
		return boundedInt(int64(val), path)
	case int8:
		return boundedInt(int64(val), path)
	case int16:
		return boundedInt(int64(val), path)
	case int32:
		return boundedInt(int64(val), path)
	case int64:
		return boundedInt(val, path)
	case uint:
		return boundedUint(uint64(val), path)
	case uint8:
		return boundedUint(uint64(val), path)
	case uint16:
		return boundedUint(uint64(val), path)
	case uint32:
		return boundedUint(uint64(val), path)
	case uint64:
		return boundedUint(val, path)
	case float32:
		return nil, rejectFloat(float64(val), path)
	case float64:
		return nil, rejectFloat(val, path)
	case []any:
		return normalizeArray(val, path, unordered, strip)
	case map[string]any:
		return normalizeObject(val, path, strip)
	default:
		return nil, newError(path, "unsupported type %T", v)
	}
}

func normalizeNumber(n json.Number, path string) (any, error) {
	i, err := n.Int64()
	if err != nil {
		return nil, newError(path, "number %s is not an integer", n.String())
	}
	return boundedInt(i, path)
}

func boundedInt(i int64, path string) (any, error) {
	if i > maxSafeInt || i < -maxSafeInt {
		return nil, newError(path, "integer %d outside the JS-safe range", i)
	}
	return i, nil
}

func boundedUint(u uint64, path string) (any, error) {
	if u > uint64(maxSafeInt) {
		return nil, newError(path, "integer %d outside the JS-safe range", u)
	}
	return int64(u), nil
}

func rejectFloat(f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return newError(path, "non-finite number")
	}
	return newError(path, "float %v rejected, only integers are canonicalizable", f)
}

func normalizeArray(arr []any, path string, unordered bool, strip bool) (any, error) {
	out := make([]any, len(arr))
	for i, el := range arr {
		n, err := normalizeValue(el, path+"/"+strconv.Itoa(i), false, strip)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	if !unordered || len(out) < 2 {
		return out, nil
	}
	keys := make([][]byte, len(out))
	for i, el := range out {
		b, err := encodeNormalized(el)
		if err != nil {
			return nil, err
		}
		keys[i] = b
	}
	sort.SliceStable(out, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
	sort.SliceStable(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
	return out, nil
}

func normalizeObject(obj map[string]any, path string, strip bool) (any, error) {
	out := make(map[string]any, len(obj))
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strip && nonSemanticKeys[k] {
			continue
		}
		nk := NormalizeNewlines(k)
		childPath := path + "/" + EscapeToken(nk)
		if _, dup := out[nk]; dup {
			return nil, newError(childPath, "duplicate key after newline normalization")
		}
		n, err := normalizeValue(obj[k], childPath, unorderedListKeys[nk], strip)
		if err != nil {
			return nil, err
		}
		out[nk] = n
	}
	return out, nil
}

// encodeNormalized serializes an already-normalized tree. encoding/json gives
// sorted keys and decimal integers; the JCS transform then applies the
// RFC 8785 string escaping rules so the final bytes match the profile
// exactly.
func encodeNormalized(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal normalized value: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform: %w", err)
	}
	return out, nil
}
