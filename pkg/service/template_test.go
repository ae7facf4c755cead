package service_test

import (
	"testing"

	"github.com/cadenceio/cadence/pkg/service"
	"github.com/stretchr/testify/assert"
)

func TestLenientRenderer(t *testing.T) {
	r := service.LenientRenderer{}
	vars := map[string]interface{}{
		"customer_name": "Sarah",
		"visits":        3,
	}

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"SimpleSubstitution", "Hi {{customer_name}}!", "Hi Sarah!"},
		{"WhitespaceInsidePlaceholder", "Hi {{ customer_name }}!", "Hi Sarah!"},
		{"NonStringValue", "Visit number {{visits}}", "Visit number 3"},
		{"UnknownVariableLeftLiteral", "Hi {{customer_name}}, see {{review_link}}", "Hi Sarah, see {{review_link}}"},
		{"NoPlaceholders", "plain text", "plain text"},
		{"EmptyTemplate", "", ""},
		{"RepeatedPlaceholder", "{{customer_name}} {{customer_name}}", "Sarah Sarah"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, r.Render(tc.template, vars))
		})
	}

	t.Run("NilVars", func(t *testing.T) {
		assert.Equal(t, "Hi {{customer_name}}", r.Render("Hi {{customer_name}}", nil))
	})
}

func TestStopRuleEvaluator(t *testing.T) {
	e := service.NewStopRuleEvaluator()

	t.Run("TrueRule", func(t *testing.T) {
		met, err := e.Evaluate(`review_left == true`, map[string]interface{}{"review_left": true})
		assert.NoError(t, err)
		assert.True(t, met)
	})

	t.Run("FalseRule", func(t *testing.T) {
		met, err := e.Evaluate(`review_left == true`, map[string]interface{}{"review_left": false})
		assert.NoError(t, err)
		assert.False(t, met)
	})

	t.Run("NumericComparison", func(t *testing.T) {
		met, err := e.Evaluate(`visits > 2`, map[string]interface{}{"visits": 3})
		assert.NoError(t, err)
		assert.True(t, met)
	})

	t.Run("SyntaxError", func(t *testing.T) {
		_, err := e.Evaluate(`review_left ==`, map[string]interface{}{"review_left": true})
		assert.Error(t, err)
	})

	t.Run("NonBooleanResult", func(t *testing.T) {
		_, err := e.Evaluate(`visits + 1`, map[string]interface{}{"visits": 3})
		assert.Error(t, err)
	})

	t.Run("CachedProgramReused", func(t *testing.T) {
		rule := `visits >= 5`
		met, err := e.Evaluate(rule, map[string]interface{}{"visits": 4})
		assert.NoError(t, err)
		assert.False(t, met)
		met, err = e.Evaluate(rule, map[string]interface{}{"visits": 6})
		assert.NoError(t, err)
		assert.True(t, met)
	})
}
