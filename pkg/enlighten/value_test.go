package enlighten

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) Value {
	t.Helper()
	var v Value
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestValueBool(t *testing.T) {
	for _, raw := range []string{`true`, `"true"`, `1`, `"yes"`, `"Y"`, `"1"`, `2.5`} {
		assert.True(t, decode(t, raw).Bool(), raw)
	}
	for _, raw := range []string{`false`, `0`, `""`, `"no"`, `null`, `"false"`, `{}`} {
		assert.False(t, decode(t, raw).Bool(), raw)
	}
}

func TestValueTruthy(t *testing.T) {
	assert.True(t, decode(t, `"no"`).Truthy())
	assert.True(t, decode(t, `[1]`).Truthy())
	assert.False(t, decode(t, `[]`).Truthy())
	assert.False(t, decode(t, `0`).Truthy())
	assert.False(t, Value{}.Truthy())
}

func TestValueScalars(t *testing.T) {
	v := decode(t, `{"a": 12, "b": "7", "c": 1.5, "d": " 3.25 ", "e": null, "f": [1, 2]}`)

	t.Run("Int", func(t *testing.T) {
		i, ok := v.Get("a").Int()
		assert.True(t, ok)
		assert.EqualValues(t, 12, i)

		i, ok = v.Get("b").Int()
		assert.True(t, ok)
		assert.EqualValues(t, 7, i)

		_, ok = v.Get("c").Int()
		assert.False(t, ok, "fractions are not truncated")

		_, ok = v.Get("e").Int()
		assert.False(t, ok)
	})

	t.Run("Float", func(t *testing.T) {
		f, ok := v.Get("d").Float()
		assert.True(t, ok)
		assert.InDelta(t, 3.25, f, 1e-9)

		_, ok = v.Get("f").Float()
		assert.False(t, ok)
	})

	t.Run("Text", func(t *testing.T) {
		s, ok := v.Get("a").Text()
		assert.True(t, ok)
		assert.Equal(t, "12", s)

		s, ok = v.Get("c").Text()
		assert.True(t, ok)
		assert.Equal(t, "1.5", s)

		_, ok = v.Get("f").Text()
		assert.False(t, ok)
		assert.Nil(t, v.Get("missing").StringPtr())
	})

	t.Run("Seconds", func(t *testing.T) {
		s, ok := NewValue(float64(1700000000123)).Seconds()
		assert.True(t, ok)
		assert.EqualValues(t, 1700000000, s)

		s, ok = NewValue("1700000000").Seconds()
		assert.True(t, ok)
		assert.EqualValues(t, 1700000000, s)
	})
}

func TestValueNavigation(t *testing.T) {
	v := decode(t, `{"z": 1, "a": {"list": [{"x": "first"}, {"x": "second"}]}}`)
	assert.Equal(t, []string{"a", "z"}, v.Keys())
	assert.True(t, v.Get("a").IsObject())
	assert.True(t, v.Get("a").Get("list").IsList())
	assert.Len(t, v.Get("a").Get("list").List(), 2)

	x, _ := v.Get("a").Get("list").First().Get("x").Text()
	assert.Equal(t, "first", x)

	assert.True(t, v.Get("nope").Get("deeper").IsNull())
	assert.True(t, v.Get("z").First().IsNull())

	assert.Equal(t, "b", func() string {
		s, _ := FirstTruthy(NewValue(""), NewValue("b"), NewValue("c")).Text()
		return s
	}())
	assert.False(t, FirstTruthy(NewValue(0), NewValue(false)).Truthy())
}
