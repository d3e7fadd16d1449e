package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsObjectKeys(t *testing.T) {
	a := map[string]any{"b": 2.0, "a": 1.0, "c": []any{"x", "y"}}
	b := map[string]any{"c": []any{"x", "y"}, "a": 1.0, "b": 2.0}

	ba, err := Marshal(a)
	require.NoError(t, err)
	bb, err := Marshal(b)
	require.NoError(t, err)
	require.Equal(t, string(ba), string(bb))
	require.JSONEq(t, `{"a":1,"b":2,"c":["x","y"]}`, string(ba))
}

func TestMarshalPreservesArrayOrder(t *testing.T) {
	out, err := Marshal([]any{"z", "a", "m"})
	require.NoError(t, err)
	require.Equal(t, `["z","a","m"]`, string(out))
}

func TestMarshalStructsRoundTrip(t *testing.T) {
	type inner struct {
		Who  string `json:"who"`
		Load int    `json:"load"`
	}
	// Field declaration order differs from key order; canonical output
	// must not depend on it.
	out, err := Marshal(inner{Who: "r1", Load: 3})
	require.NoError(t, err)
	require.Equal(t, `{"load":3,"who":"r1"}`, string(out))
}

func TestHashIsStable(t *testing.T) {
	v := map[string]any{"plan": "p-1", "seed": 42.0}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"seed": 42.0, "plan": "p-1"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)

	h3, err := Hash(map[string]any{"seed": 43.0, "plan": "p-1"})
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestLargeNumbersKeepTheirText(t *testing.T) {
	// int64 values past 2^53 must not pick up float formatting.
	out, err := Marshal(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	require.Equal(t, `{"n":9007199254740993}`, string(out))
}
