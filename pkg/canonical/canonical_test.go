package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{
			name:  "sorted keys without whitespace",
			input: map[string]any{"b": 1, "a": 2},
			want:  `{"a":2,"b":1}`,
		},
		{
			name:  "crlf and cr normalized to lf",
			input: map[string]any{"s": "one\r\ntwo\rthree"},
			want:  `{"s":"one\ntwo\nthree"}`,
		},
		{
			name:  "non-ascii preserved as utf-8",
			input: map[string]any{"s": "héllo"},
			want:  `{"s":"héllo"}`,
		},
		{
			name:  "nested objects sorted recursively",
			input: map[string]any{"z": map[string]any{"y": 1, "x": 2}, "a": []any{true, nil}},
			want:  `{"a":[true,null],"z":{"x":2,"y":1}}`,
		},
		{
			name:  "scalar root",
			input: "plain",
			want:  `"plain"`,
		},
		{
			name:  "ordinary arrays preserve order",
			input: map[string]any{"steps": []any{3, 1, 2}},
			want:  `{"steps":[3,1,2]}`,
		},
		{
			name:  "unordered key sorts elements by canonical form",
			input: map[string]any{"nodes": []any{map[string]any{"id": "b"}, map[string]any{"id": "a"}}},
			want:  `{"nodes":[{"id":"a"},{"id":"b"}]}`,
		},
		{
			name:  "refs array of scalars sorted",
			input: map[string]any{"refs": []any{"c", "a", "b"}},
			want:  `{"refs":["a","b","c"]}`,
		},
		{
			name:  "unordered sorting is not inherited by nested arrays",
			input: map[string]any{"edges": []any{[]any{2, 1}}},
			want:  `{"edges":[[2,1]]}`,
		},
		{
			name:  "non-semantic keys survive plain encoding",
			input: map[string]any{"a": 1, "run_id": "run-7"},
			want:  `{"a":1,"run_id":"run-7"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Bytes(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestBytesRejections(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		wantPath string
	}{
		{
			name:     "float value",
			input:    map[string]any{"a": 1.5},
			wantPath: "/a",
		},
		{
			name:     "integral float still rejected",
			input:    map[string]any{"a": float64(2)},
			wantPath: "/a",
		},
		{
			name:     "textual float via json.Number",
			input:    map[string]any{"m": map[string]any{"v": json.Number("1.5")}},
			wantPath: "/m/v",
		},
		{
			name:     "exponent notation",
			input:    map[string]any{"v": json.Number("1e3")},
			wantPath: "/v",
		},
		{
			name:     "integer beyond js-safe range",
			input:    map[string]any{"v": int64(1) << 53},
			wantPath: "/v",
		},
		{
			name:     "negative integer beyond js-safe range",
			input:    map[string]any{"v": -(int64(1)<<53 + 1)},
			wantPath: "/v",
		},
		{
			name:     "unsupported go type",
			input:    map[string]any{"v": struct{}{}},
			wantPath: "/v",
		},
		{
			name:     "float inside array",
			input:    map[string]any{"xs": []any{1, 2.5}},
			wantPath: "/xs/1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bytes(tt.input)
			require.Error(t, err)
			require.True(t, IsError(err))
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.wantPath, cerr.Path)
		})
	}

	t.Run("js-safe boundary accepted", func(t *testing.T) {
		got, err := Bytes(map[string]any{"v": int64(1)<<53 - 1})
		require.NoError(t, err)
		assert.Equal(t, `{"v":9007199254740991}`, string(got))
	})
}

func TestDigestBytes(t *testing.T) {
	t.Run("strips non-semantic keys at every depth", func(t *testing.T) {
		in := map[string]any{
			"a":         1,
			"timestamp": "2024-01-01T00:00:00Z",
			"nested": map[string]any{
				"run_id":      "run-9",
				"b":           2,
				"duration_ms": 41,
			},
		}
		got, err := DigestBytes(in)
		require.NoError(t, err)
		assert.Equal(t, `{"a":1,"nested":{"b":2}}`, string(got))
	})

	t.Run("stripped subtrees are not validated", func(t *testing.T) {
		in := map[string]any{"a": 1, "perf": map[string]any{"ratio": 0.5}}
		got, err := DigestBytes(in)
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(got))

		_, err = Bytes(in)
		require.Error(t, err, "plain encoding still sees the float")
	})
}

func TestDigest(t *testing.T) {
	t.Run("matches sha256 of digest bytes", func(t *testing.T) {
		in := map[string]any{"kind": "demo", "n": 3}
		b, err := DigestBytes(in)
		require.NoError(t, err)
		sum := sha256.Sum256(b)

		d, err := Digest(in)
		require.NoError(t, err)
		assert.Equal(t, hex.EncodeToString(sum[:]), d)
		assert.Len(t, d, 64)
	})

	t.Run("insensitive to timestamp and list-order churn", func(t *testing.T) {
		a := map[string]any{
			"name":      "graph",
			"nodes":     []any{map[string]any{"id": "n2"}, map[string]any{"id": "n1"}},
			"timestamp": "2024-05-01T10:00:00Z",
		}
		b := map[string]any{
			"timestamp": "2025-12-31T23:59:59Z",
			"nodes":     []any{map[string]any{"id": "n1"}, map[string]any{"id": "n2"}},
			"name":      "graph",
		}
		da, err := Digest(a)
		require.NoError(t, err)
		db, err := Digest(b)
		require.NoError(t, err)
		assert.Equal(t, da, db)
	})

	t.Run("sensitive to semantic change", func(t *testing.T) {
		da, err := Digest(map[string]any{"v": 1})
		require.NoError(t, err)
		db, err := Digest(map[string]any{"v": 2})
		require.NoError(t, err)
		assert.NotEqual(t, da, db)
	})
}

func TestBytesIdempotent(t *testing.T) {
	in := map[string]any{
		"links": []any{map[string]any{"type": "skill", "id": "b"}, map[string]any{"type": "skill", "id": "a"}},
		"text":  "line1\r\nline2",
	}
	first, err := Bytes(in)
	require.NoError(t, err)

	decoded, err := DecodeJSON(first)
	require.NoError(t, err)
	second, err := Bytes(decoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeJSON(t *testing.T) {
	t.Run("numbers stay textual", func(t *testing.T) {
		v, err := DecodeJSON([]byte(`{"n":1}`))
		require.NoError(t, err)
		obj := v.(map[string]any)
		assert.Equal(t, json.Number("1"), obj["n"])
	})

	t.Run("trailing data rejected", func(t *testing.T) {
		_, err := DecodeJSON([]byte(`{} {}`))
		require.Error(t, err)
	})

	t.Run("invalid input rejected", func(t *testing.T) {
		_, err := DecodeJSON([]byte(`{"n":`))
		require.Error(t, err)
	})
}
