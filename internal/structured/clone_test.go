package structured

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Label  string `json:"label,omitempty"`
	Hidden string `json:"-"`
	secret string
}

type node struct {
	Name string `json:"name"`
	Next *node  `json:"next"`
}

func TestClone_Primitives(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"undefined", Undefined, Undefined},
		{"bool", true, true},
		{"int", 4, int64(4)},
		{"int8", int8(-3), int64(-3)},
		{"uint32", uint32(7), int64(7)},
		{"float32", float32(1.5), float64(1.5)},
		{"string", "hello", "hello"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Clone(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClone_Struct(t *testing.T) {
	t.Parallel()
	got, err := Clone(point{X: 1, Y: 2, Hidden: "h", secret: "s"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(1), "y": int64(2)}, got)

	got, err = Clone(&point{X: 1, Label: "p"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(1), "y": int64(0), "label": "p"}, got)
}

func TestClone_DeepCopiesBytes(t *testing.T) {
	t.Parallel()
	src := []byte("abc")
	got, err := Clone(map[string]any{"buf": src})
	require.NoError(t, err)
	src[0] = 'z'
	assert.Equal(t, []byte("abc"), got.(map[string]any)["buf"])
}

func TestClone_TransferMovesBytes(t *testing.T) {
	t.Parallel()
	src := []byte("abc")
	got, err := Clone(src, src)
	require.NoError(t, err)
	src[0] = 'z'
	assert.Equal(t, []byte("zbc"), got)

	_, err = Clone(src, src, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotCloneable)
}

func TestClone_PreservesCycles(t *testing.T) {
	t.Parallel()
	n := &node{Name: "a"}
	n.Next = n
	got, err := Clone(n)
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, "a", m["name"])
	next := m["next"].(map[string]any)
	next["name"] = "changed"
	assert.Equal(t, "changed", m["name"], "cycle must resolve to the same clone")
}

func TestClone_NonStringKeysBecomeMap(t *testing.T) {
	t.Parallel()
	got, err := Clone(map[int]string{1: "one"})
	require.NoError(t, err)
	m, ok := got.(*Map)
	require.True(t, ok)
	v, found := m.Get(int64(1))
	require.True(t, found)
	assert.Equal(t, "one", v)
}

func TestClone_SpecialTypes(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	big1 := big.NewInt(42)
	got, err := Clone([]any{now, big1, errors.New("boom"), &Set{Values: []any{1}}, RegExp{Source: "a+", Flags: "g"}})
	require.NoError(t, err)
	list := got.([]any)
	assert.Equal(t, now, list[0])
	assert.Equal(t, 0, big1.Cmp(list[1].(*big.Int)))
	assert.NotSame(t, big1, list[1])
	assert.Equal(t, &Error{Name: "Error", Message: "boom"}, list[2])
	assert.Equal(t, &Set{Values: []any{int64(1)}}, list[3])
	assert.Equal(t, RegExp{Source: "a+", Flags: "g"}, list[4])
}

func TestClone_Rejects(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		in   any
	}{
		{"func", func() {}},
		{"chan", make(chan int)},
		{"complex", complex(1, 2)},
		{"nested func", map[string]any{"cb": func() {}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Clone(tc.in)
			require.Error(t, err)
			var serr *SerializationError
			require.ErrorAs(t, err, &serr)
			assert.ErrorIs(t, err, ErrNotCloneable)
		})
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "TypeError: bad", (&Error{Name: "TypeError", Message: "bad"}).Error())
	assert.Equal(t, "bad", (&Error{Message: "bad"}).Error())
	assert.Equal(t, "RangeError", (&Error{Name: "RangeError"}).Error())
}
