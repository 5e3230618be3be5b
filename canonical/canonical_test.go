// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package canonical

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshal_KeyOrderAndNumberFormsCollapse(t *testing.T) {
	m1 := map[string]any{
		"b": 1,
		"a": map[string]any{"y": 2.0, "x": []any{1, 2.5}},
	}
	m2 := map[string]any{
		"a": map[string]any{"x": []any{1.0, 2.5}, "y": int64(2)},
		"b": float32(1),
	}

	c1, err := Canonicalize(m1)
	require.NoError(t, err)
	c2, err := Canonicalize(m2)
	require.NoError(t, err)
	require.Equal(t, c1, c2)

	b1, err := Marshal(m1)
	require.NoError(t, err)
	b2, err := Marshal(m2)
	require.NoError(t, err)
	require.Equal(t, string(b1), string(b2))
	require.Equal(t, `{"a":{"x":[1,2.5],"y":2},"b":1}`, string(b1))
}

func TestMarshal_JSONInputMatchesNativeInput(t *testing.T) {
	fromJSON, err := MarshalJSON([]byte(`{ "z": 10.0, "list": [3, "t", null, true], "n": -0.5 }`))
	require.NoError(t, err)

	native, err := Marshal(map[string]any{
		"n":    -0.5,
		"list": []any{3, "t", nil, true},
		"z":    10,
	})
	require.NoError(t, err)
	require.Equal(t, string(native), string(fromJSON))
}

func TestMarshal_PreservesSequenceOrder(t *testing.T) {
	b, err := Marshal([]any{3, 1, 2})
	require.NoError(t, err)
	require.Equal(t, "[3,1,2]", string(b))
}

func TestMarshal_StructsAreConverted(t *testing.T) {
	type reading struct {
		Sensor string  `json:"senseur"`
		Value  float64 `json:"valeur"`
	}
	b, err := Marshal(reading{Sensor: "dht", Value: 21})
	require.NoError(t, err)
	require.Equal(t, `{"senseur":"dht","valeur":21}`, string(b))
}

func TestMarshal_StringEscapingAndUTF8(t *testing.T) {
	b, err := Marshal(map[string]any{"s": "é\"\n\x01"})
	require.NoError(t, err)
	require.Equal(t, "{\"s\":\"é\\\"\\n\\u0001\"}", string(b))
}

func TestMarshal_LargeIntegersKeepPrecision(t *testing.T) {
	b, err := Marshal(map[string]any{"n": json.Number("9007199254740993")})
	require.NoError(t, err)
	require.Equal(t, `{"n":9007199254740993}`, string(b))
}

func TestMarshal_UnsignedAboveInt64IsIdempotent(t *testing.T) {
	native, err := Marshal(map[string]any{"n": uint64(math.MaxUint64)})
	require.NoError(t, err)
	require.Equal(t, `{"n":18446744073709551615}`, string(native))

	reparsed, err := MarshalJSON(native)
	require.NoError(t, err)
	require.Equal(t, string(native), string(reparsed))

	again, err := MarshalJSON(reparsed)
	require.NoError(t, err)
	require.Equal(t, string(native), string(again))
}

func TestMarshal_RejectsTrailingData(t *testing.T) {
	_, err := MarshalJSON([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestNormalizeFloat(t *testing.T) {
	cases := map[float64]string{
		1e21:     "1e21",
		0.000001: "0.000001",
		1e-7:     "1e-7",
		-12.75:   "-12.75",
		3.0:      "3",
	}
	for in, want := range cases {
		got, err := normalizeFloat(in)
		require.NoError(t, err)
		require.Equal(t, want, got.String(), "input %v", in)
	}
}

func TestContentHash_StableAndSelfDescribing(t *testing.T) {
	h1, err := ContentHash(map[string]any{"a": 1, "b": 2.0})
	require.NoError(t, err)
	h2, err := ContentHash(map[string]any{"b": 2, "a": 1.0})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.True(t, strings.HasPrefix(h1, "m"), "multibase base64 prefix")

	b, err := Marshal(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	ok, err := VerifyDigest(b, h1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyDigest([]byte(`{"a":1,"b":3}`), h1)
	require.NoError(t, err)
	require.False(t, ok)
}
