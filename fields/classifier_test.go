package fields

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/signrelay/signrelay/rules"
)

func TestPatternClassifier(t *testing.T) {
	c := NewPatternClassifier()

	tests := []struct {
		name  string
		field string
		value any
		want  bool
	}{
		{"name contains sign", "signature_1", "typed", true},
		{"name contains auth", "authorized_by", "typed", true},
		{"case insensitive", "SIGNED_BY", "typed", true},
		{"image payload without name hint", "stamp", "data:image/png;base64,AA==", true},
		{"plain text field", "full_name", "Ada", false},
		{"empty value", "full_name", nil, false},
		{"name hint with nil value", "signature_1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.IsSignature(tt.field, tt.value))
		})
	}
}

func TestPatternClassifierCustomFragments(t *testing.T) {
	c := NewPatternClassifier("initial")

	assert.True(t, c.IsSignature("initials_here", "x"))
	assert.False(t, c.IsSignature("signature_1", "x"))
	assert.True(t, c.IsSignature("signature_1", "data:image/png;base64,AA=="))
}

func TestRuleClassifier(t *testing.T) {
	c := NewRuleClassifier(rules.NewExprEvaluator(), `image || name contains "seal"`)

	assert.True(t, c.IsSignature("company_seal", "anything"))
	assert.True(t, c.IsSignature("whatever", "data:image/png;base64,AA=="))
	assert.False(t, c.IsSignature("full_name", "Ada"))
}

func TestRuleClassifierBadRule(t *testing.T) {
	c := NewRuleClassifier(rules.NewExprEvaluator(), `name contains`)

	// Evaluation failures never place signatures.
	assert.False(t, c.IsSignature("signature_1", "data:image/png;base64,AA=="))
}
