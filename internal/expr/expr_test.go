package expr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepShape(t *testing.T) {
	e := Step(Zoom(), 1, Stop{At: 14, Value: 0})
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `["step",["zoom"],1,14,0]`, string(b))
}

func TestCaseShape(t *testing.T) {
	e := Case("#1f78b4", Branch{When: Eq(Get("id"), "42"), Then: "#e31a1c"})
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `["case",["==",["get","id"],"42"],"#e31a1c","#1f78b4"]`, string(b))
}

func TestEvalStep(t *testing.T) {
	e := Step(Zoom(), 1, Stop{At: 14, Value: 0})
	for _, tc := range []struct {
		zoom float64
		want any
	}{{0, 1}, {13.99, 1}, {14, 0}, {18, 0}} {
		got, err := EvalStep(e, tc.zoom)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "zoom %v", tc.zoom)
	}
}

func TestEvalStepDecoded(t *testing.T) {
	var raw []any
	require.NoError(t, json.Unmarshal([]byte(`["step",["zoom"],1,10,0.5,12,0]`), &raw))
	got, err := EvalStep(raw, 11)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got)
}

func TestEvalStepRejects(t *testing.T) {
	_, err := EvalStep(Get("x"), 1)
	assert.Error(t, err)
	_, err = EvalStep("nope", 1)
	assert.Error(t, err)
}

func TestOp(t *testing.T) {
	assert.Equal(t, "match", Op(Match(Get("type"), "grey", "stream", "blue")))
	assert.Equal(t, "", Op(42))
}

func TestMatches(t *testing.T) {
	cluster := map[string]any{"point_count": 3, "cluster": true}
	point := map[string]any{"type": "stream"}

	assert.True(t, Matches(Has("point_count"), cluster))
	assert.False(t, Matches(Has("point_count"), point))
	assert.True(t, Matches(Not(Has("point_count")), point))
	assert.True(t, Matches(Expression{"all", Not(Has("point_count")), Eq(Get("type"), "stream")}, point))
	assert.False(t, Matches(Eq(Get("type"), "well"), point))
	assert.True(t, Matches(Eq(Get("point_count"), 3.0), cluster))
	assert.True(t, Matches(nil, point))
	assert.True(t, Matches(Expression{"within", "x"}, point))
}
