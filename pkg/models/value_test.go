package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_UnmarshalJSON_Variants(t *testing.T) {
	tests := []struct {
		input string
		kind  ValueKind
		want  string
	}{
		{`null`, KindNull, "null"},
		{`true`, KindBool, "true"},
		{`42`, KindInt, "42"},
		{`-7`, KindInt, "-7"},
		{`1.5`, KindFloat, "1.5"},
		{`1e3`, KindFloat, "1000"},
		{`"hello"`, KindString, "hello"},
		{`{"a": 1,  "b": [1, 2]}`, KindJSON, `{"a":1,"b":[1,2]}`},
		{`[ "x" ]`, KindJSON, `["x"]`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var v Value
			require.NoError(t, json.Unmarshal([]byte(tt.input), &v))
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestValue_MarshalRoundTrip(t *testing.T) {
	values := []Value{Null(), Bool(false), Int(30), Float(2.25), String("a@example.com")}
	for _, v := range values {
		raw, err := json.Marshal(v)
		require.NoError(t, err)

		var got Value
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.True(t, v.Equal(got), "%s round-tripped to %s", v, got)
	}
}

func TestValueOf(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"nil", nil, Null()},
		{"int", 30, Int(30)},
		{"int32", int32(5), Int(5)},
		{"float32", float32(0.5), Float(0.5)},
		{"string", "x", String("x")},
		{"uuid", id, String(id.String())},
		{"time", ts, String("2024-03-01T12:00:00Z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValueOf(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	t.Run("map becomes json", func(t *testing.T) {
		got, err := ValueOf(map[string]any{"k": "v"})
		require.NoError(t, err)
		raw, ok := got.AsJSON()
		require.True(t, ok)
		assert.JSONEq(t, `{"k":"v"}`, string(raw))
	})
}

func TestRow_PreservesOrder(t *testing.T) {
	input := `{"zeta":1,"alpha":"a","mid":null}`

	var r Row
	require.NoError(t, json.Unmarshal([]byte(input), &r))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, r.Keys())

	out, err := json.Marshal(&r)
	require.NoError(t, err)
	assert.Equal(t, input, string(out))
}

func TestRow_SetKeepsPosition(t *testing.T) {
	r := RowOf("a", 1, "b", 2)
	r.Set("a", Int(10))
	r.Set("c", Int(3))

	assert.Equal(t, []string{"a", "b", "c"}, r.Keys())
	v, ok := r.Get("a")
	require.True(t, ok)
	n, _ := v.AsInt()
	assert.Equal(t, int64(10), n)
}

func TestRow_Delete(t *testing.T) {
	r := RowOf("a", 1, "b", 2, "c", 3)
	r.Delete("b")
	r.Delete("missing")

	assert.Equal(t, []string{"a", "c"}, r.Keys())
	assert.False(t, r.Has("b"))
	assert.Equal(t, 2, r.Len())
}

func TestRow_UnmarshalRejectsNonObject(t *testing.T) {
	var r Row
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &r))
}

func TestRow_Map(t *testing.T) {
	r := RowOf("n", 1, "s", "x", "z", nil)
	assert.Equal(t, map[string]any{"n": int64(1), "s": "x", "z": nil}, r.Map())
}
