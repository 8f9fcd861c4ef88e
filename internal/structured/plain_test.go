package structured

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlain(t *testing.T) {
	t.Parallel()
	in := map[string]any{
		"undef":  Undefined,
		"nan":    math.NaN(),
		"big":    big.NewInt(12345678901234),
		"when":   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		"re":     RegExp{Source: "a+", Flags: "gi"},
		"bytes":  []byte{1, 2},
		"typed":  TypedArray{Type: "Int16Array", Bytes: []byte{3}},
		"err":    &Error{Name: "TypeError", Message: "nope"},
		"map":    &Map{Entries: []Entry{{Key: int64(1), Value: "one"}}},
		"set":    &Set{Values: []any{"a", true}},
		"nested": []any{int64(1), 2.5, nil},
	}

	data, err := json.Marshal(Plain(in))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"undef": null,
		"nan": null,
		"big": "12345678901234",
		"when": "2024-01-02T03:04:05Z",
		"re": "/a+/gi",
		"bytes": [1, 2],
		"typed": [3],
		"err": {"name": "TypeError", "message": "nope"},
		"map": [[1, "one"]],
		"set": ["a", true],
		"nested": [1, 2.5, null]
	}`, string(data))
}

func TestPlain_Cycles(t *testing.T) {
	t.Parallel()
	loop := map[string]any{"name": "root"}
	loop["self"] = loop
	shared := []any{"x"}

	data, err := json.Marshal(Plain(map[string]any{
		"loop": loop,
		"a":    shared,
		"b":    shared,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"loop": {"name": "root", "self": "[Circular]"},
		"a": ["x"],
		"b": ["x"]
	}`, string(data))
}

func TestPlain_ClonedCycle(t *testing.T) {
	t.Parallel()
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	cloned, err := Clone(n)
	require.NoError(t, err)

	data, err := json.Marshal(Plain(cloned))
	require.NoError(t, err)
	assert.JSONEq(t, `{"next": "[Circular]"}`, string(data))
}
