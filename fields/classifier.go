// Package fields binds submitted recipient form data onto a document
// template: merging per-recipient data, matching keys to fields, and
// placing signature images.
package fields

import (
	"log/slog"
	"strings"

	"github.com/signrelay/signrelay/rules"
	"github.com/signrelay/signrelay/types"
)

// Classifier decides whether a submitted key/value pair should be treated
// as a signature. The matcher consults it for keys the template gives no
// signature slot to, and for text slots handed an image payload; in the
// latter case value is nil so only the name is judged.
type Classifier interface {
	IsSignature(name string, value any) bool
}

// PatternClassifier matches on name fragments and payload shape: a pair is
// a signature when its value is an image payload or its name contains one
// of the fragments.
type PatternClassifier struct {
	fragments []string
}

// NewPatternClassifier builds a classifier over lowercase name fragments.
// With no arguments it uses the default set ("sign", "auth").
func NewPatternClassifier(fragments ...string) *PatternClassifier {
	if len(fragments) == 0 {
		fragments = []string{"sign", "auth"}
	}
	lowered := make([]string, len(fragments))
	for i, f := range fragments {
		lowered[i] = strings.ToLower(f)
	}
	return &PatternClassifier{fragments: lowered}
}

func (c *PatternClassifier) IsSignature(name string, value any) bool {
	if types.IsImagePayload(value) {
		return true
	}
	lower := strings.ToLower(name)
	for _, frag := range c.fragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// RuleClassifier evaluates a configured expression per pair. The rule sees
// name (lowercased), value (string form) and image (whether the value is
// an image payload), and must yield a boolean.
type RuleClassifier struct {
	evaluator rules.Evaluator
	rule      string
}

// NewRuleClassifier wraps an expression rule as a Classifier.
func NewRuleClassifier(evaluator rules.Evaluator, rule string) *RuleClassifier {
	return &RuleClassifier{evaluator: evaluator, rule: rule}
}

func (c *RuleClassifier) IsSignature(name string, value any) bool {
	ok, err := c.evaluator.Evaluate(c.rule, map[string]interface{}{
		"name":  strings.ToLower(name),
		"value": types.ValueString(value),
		"image": types.IsImagePayload(value),
	})
	if err != nil {
		slog.Warn("signature rule evaluation failed", "rule", c.rule, "error", err)
		return false
	}
	return ok
}
