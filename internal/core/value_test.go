package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSONRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
	}{
		{"null", `null`},
		{"bool", `true`},
		{"number", `42.5`},
		{"string", `"hello"`},
		{"array", `[1,"two",false,null]`},
		{"object", `{"a":1,"b":{"c":[true]}}`},
		{"empty object", `{}`},
		{"empty array", `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var v Value
			require.NoError(t, json.Unmarshal([]byte(tt.json), &v))
			out, err := json.Marshal(v)
			require.NoError(t, err)
			assert.JSONEq(t, tt.json, string(out))
		})
	}
}

func TestValueFromAny(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindNull, FromAny(nil).Kind())
	assert.Equal(t, KindNumber, FromAny(3).Kind())
	assert.Equal(t, KindNumber, FromAny(int64(3)).Kind())
	assert.Equal(t, KindString, FromAny("x").Kind())
	assert.Equal(t, KindBool, FromAny(true).Kind())

	v := FromAny(map[string]any{"items": []any{1.0, 2.0}})
	items, ok := v.Get("items")
	require.True(t, ok)
	assert.Equal(t, 2, items.Len())

	n, ok := FromAny(json.Number("7")).AsNumber()
	require.True(t, ok)
	assert.Equal(t, 7.0, n)
}

func TestValueGetPresence(t *testing.T) {
	t.Parallel()

	v := Object(map[string]Value{"present": Null()})

	member, ok := v.Get("present")
	assert.True(t, ok, "null member counts as present")
	assert.True(t, member.IsNull())

	_, ok = v.Get("absent")
	assert.False(t, ok)
}

func TestValueEqual(t *testing.T) {
	t.Parallel()

	a := FromAny(map[string]any{"x": []any{1.0, "s"}, "y": nil})
	b := FromAny(map[string]any{"y": nil, "x": []any{1.0, "s"}})
	assert.True(t, a.Equal(b))

	c := FromAny(map[string]any{"x": []any{1.0, "t"}, "y": nil})
	assert.False(t, a.Equal(c))
	assert.False(t, Number(1).Equal(String("1")))
}

func TestValueCloneIsolation(t *testing.T) {
	t.Parallel()

	inner := map[string]Value{"k": String("v")}
	orig := Object(map[string]Value{"nested": Object(inner)})
	clone := orig.Clone()

	obj, _ := clone.AsObject()
	nested, _ := obj["nested"].AsObject()
	nested["k"] = String("changed")

	got, _ := orig.Get("nested")
	member, _ := got.Get("k")
	s, _ := member.AsString()
	assert.Equal(t, "v", s)
}

func TestValueStringRendering(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plain", String("plain").String())
	assert.Equal(t, `"plain"`, String("plain").JSON())
	assert.Equal(t, `{"a":1}`, Object(map[string]Value{"a": Number(1)}).String())
}
