package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExprEvaluator_Evaluate(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		context    map[string]interface{}
		want       bool
		wantErr    bool
	}{
		{
			name:       "signature field by name and payload",
			expression: `name contains "sign" && image`,
			context:    map[string]interface{}{"name": "signature_1", "image": true},
			want:       true,
		},
		{
			name:       "plain text field is not a signature",
			expression: `name contains "sign" && image`,
			context:    map[string]interface{}{"name": "full_name", "image": false},
			want:       false,
		},
		{
			name:       "reserved field match",
			expression: `name == "kbup"`,
			context:    map[string]interface{}{"name": "kbup"},
			want:       true,
		},
		{
			name:       "order gate",
			expression: `order > 1 && role == "countersigner"`,
			context:    map[string]interface{}{"order": 2, "role": "countersigner"},
			want:       true,
		},
		{
			name:       "invalid syntax",
			expression: `name contains`,
			context:    map[string]interface{}{"name": "x"},
			wantErr:    true,
		},
		{
			name:       "non-boolean result",
			expression: `name`,
			context:    map[string]interface{}{"name": "x"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.expression, tt.context)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEvaluator_CacheReuse(t *testing.T) {
	evaluator := NewExprEvaluator()
	expression := `name startsWith "auth"`

	got, err := evaluator.Evaluate(expression, map[string]interface{}{"name": "auth_signature"})
	assert.NoError(t, err)
	assert.True(t, got)

	evaluator.mu.RLock()
	_, cached := evaluator.cache[expression]
	evaluator.mu.RUnlock()
	assert.True(t, cached)

	// Second run hits the cached program.
	got, err = evaluator.Evaluate(expression, map[string]interface{}{"name": "full_name"})
	assert.NoError(t, err)
	assert.False(t, got)
}

func TestExprEvaluator_AddOptionFunc(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.AddOptionFunc("lowered", func(ctx map[string]interface{}) interface{} {
		name, _ := ctx["name"].(string)
		return strings.ToLower(name)
	})

	got, err := evaluator.Evaluate(`lowered contains "sign"`, map[string]interface{}{"name": "SIGNATURE"})
	assert.NoError(t, err)
	assert.True(t, got)
}

func TestExprEvaluator_Precompile(t *testing.T) {
	evaluator := NewExprEvaluator()

	err := evaluator.Precompile(`name contains "sign"`, `order > 1`)
	assert.NoError(t, err)

	evaluator.mu.RLock()
	cached := len(evaluator.cache)
	evaluator.mu.RUnlock()
	assert.Equal(t, 2, cached)

	err = evaluator.Precompile(`name contains`)
	assert.Error(t, err)
}
