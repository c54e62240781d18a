package evaluator

import (
	"testing"

	"github.com/mpataki/journey/internal/models"
	"github.com/stretchr/testify/require"
)

func TestInterpolateString(t *testing.T) {
	require.Equal(t, "Hello Ava", InterpolateString("Hello {{name}}", map[string]any{"name": "Ava"}))
	require.Equal(t, "Hello {{name}}", InterpolateString("Hello {{name}}", map[string]any{}))
	require.Equal(t, "Hello {{name}}", InterpolateString("Hello {{name}}", nil))
	require.Equal(t, "3 drinks", InterpolateString("{{ count }} drinks", map[string]any{"count": 3.0}))
	require.Equal(t, "Ava from Oslo", InterpolateString("{{profile.name}} from {{$.profile.city}}", map[string]any{
		"profile": map[string]any{"name": "Ava", "city": "Oslo"},
	}))
}

func TestInterpolateWalksCollections(t *testing.T) {
	state := map[string]any{"name": "Ava", "tags": []any{"a", "b"}}
	in := map[string]any{
		"title": "Hi {{name}}",
		"list":  []any{"{{name}}", 4, map[string]any{"nested": "x{{name}}"}},
		"tags":  "{{tags}}",
		"n":     12,
	}

	out := Interpolate(in, state).(map[string]any)
	require.Equal(t, "Hi Ava", out["title"])
	require.Equal(t, []any{"Ava", 4, map[string]any{"nested": "xAva"}}, out["list"])
	require.Equal(t, []any{"a", "b"}, out["tags"], "a lone token keeps the value's type")
	require.Equal(t, 12, out["n"])
	require.Equal(t, "Hi {{name}}", in["title"], "input is not mutated")
}

func TestEvaluate(t *testing.T) {
	state := map[string]any{
		"substance": "alcohol",
		"days":      4.0,
		"done":      true,
		"goals":     []any{"sleep", "money"},
		"profile":   map[string]any{"age": 31.0},
	}

	for scenario, tc := range map[string]struct {
		rules []*models.ConditionRule
		want  bool
	}{
		"no rules":               {nil, true},
		"exists":                 {[]*models.ConditionRule{{Key: "substance", Operator: models.OpExists}}, true},
		"missing key is falsy":   {[]*models.ConditionRule{{Key: "unknown"}}, false},
		"missing key not exists": {[]*models.ConditionRule{{Key: "unknown", Operator: models.OpNotExists}}, true},
		"equals case-insensitive": {
			[]*models.ConditionRule{{Key: "substance", Operator: models.OpEquals, Value: "Alcohol"}}, true,
		},
		"numeric equals across types": {
			[]*models.ConditionRule{{Key: "days", Operator: models.OpEquals, Value: 4}}, true,
		},
		"not equals on missing": {
			[]*models.ConditionRule{{Key: "unknown", Operator: models.OpNotEquals, Value: "x"}}, true,
		},
		"gt":  {[]*models.ConditionRule{{Key: "days", Operator: models.OpGreater, Value: 3}}, true},
		"lte": {[]*models.ConditionRule{{Key: "days", Operator: models.OpLessEq, Value: 3}}, false},
		"contains list": {
			[]*models.ConditionRule{{Key: "goals", Operator: models.OpContains, Value: "money"}}, true,
		},
		"in": {
			[]*models.ConditionRule{{Key: "substance", Operator: models.OpIn, Value: []any{"alcohol", "nicotine"}}}, true,
		},
		"nested jsonpath": {
			[]*models.ConditionRule{{Key: "profile.age", Operator: models.OpGreaterEq, Value: 18}}, true,
		},
		"any": {
			[]*models.ConditionRule{{Any: []*models.ConditionRule{
				{Key: "unknown"},
				{Key: "done"},
			}}}, true,
		},
		"all fails": {
			[]*models.ConditionRule{{All: []*models.ConditionRule{
				{Key: "done"},
				{Key: "unknown"},
			}}}, false,
		},
		"not": {
			[]*models.ConditionRule{{Not: &models.ConditionRule{Key: "done"}}}, false,
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			require.Equal(t, tc.want, Evaluate(tc.rules, state))
		})
	}
}

func TestTruthy(t *testing.T) {
	require.False(t, Truthy(nil))
	require.False(t, Truthy(""))
	require.False(t, Truthy("false"))
	require.False(t, Truthy(0.0))
	require.False(t, Truthy([]any{}))
	require.True(t, Truthy("yes"))
	require.True(t, Truthy(1))
	require.True(t, Truthy(map[string]any{"a": 1}))
}
