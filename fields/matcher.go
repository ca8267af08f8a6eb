package fields

import (
	"sort"
	"strings"

	"github.com/signrelay/signrelay/document"
	"github.com/signrelay/signrelay/types"
)

// DefaultMarker is drawn into a signature slot when the submitted image
// cannot be decoded.
const DefaultMarker = "[signature on file]"

// Matcher applies merged form data to a template.
type Matcher struct {
	reserved   map[string]bool
	classifier Classifier
	minWidth   float64
	minHeight  float64
	marker     string
}

// MatcherOption defines functional options for configuring Matcher.
type MatcherOption func(*Matcher)

// WithReservedNames replaces the reserved field name set. Reserved fields
// are cleared, locked and suppressed from the flattened output. Matching
// is case-insensitive.
func WithReservedNames(names ...string) MatcherOption {
	return func(m *Matcher) {
		m.reserved = make(map[string]bool, len(names))
		for _, n := range names {
			m.reserved[strings.ToLower(n)] = true
		}
	}
}

// WithClassifier sets the signature classifier.
func WithClassifier(c Classifier) MatcherOption {
	return func(m *Matcher) {
		m.classifier = c
	}
}

// WithSignatureBounds sets the minimum rendered signature size in points.
func WithSignatureBounds(minWidth, minHeight float64) MatcherOption {
	return func(m *Matcher) {
		m.minWidth = minWidth
		m.minHeight = minHeight
	}
}

// WithMarker sets the text drawn when a signature image cannot be decoded.
func WithMarker(text string) MatcherOption {
	return func(m *Matcher) {
		m.marker = text
	}
}

// NewMatcher creates a Matcher with the default reserved set ("kbup"),
// the default pattern classifier and default signature bounds.
func NewMatcher(options ...MatcherOption) *Matcher {
	m := &Matcher{
		reserved:   map[string]bool{"kbup": true},
		classifier: NewPatternClassifier(),
		minWidth:   defaultMinWidth,
		minHeight:  defaultMinHeight,
		marker:     DefaultMarker,
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Merge folds recipient form data in ascending order index. Later
// recipients override earlier values key by key; keys no recipient
// submitted are absent.
func Merge(recipients []types.Recipient) map[string]any {
	sorted := append([]types.Recipient(nil), recipients...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrderIndex < sorted[j].OrderIndex })

	out := make(map[string]any)
	for _, r := range sorted {
		out = types.MergeFormData(out, r.FormData)
	}
	return out
}

// Apply fills a copy of the template with merged form data and returns
// it. The original template is never modified. Apply does not fail: bad
// values degrade to skipped fields or marker text.
func (m *Matcher) Apply(tpl *document.Template, data map[string]any) *document.Template {
	filled := tpl.Clone()

	// Index by position, not pointer: fallback placement appends fields
	// and can reallocate the slice.
	index := make(map[string]int, len(filled.Fields))
	for i := range filled.Fields {
		lower := strings.ToLower(filled.Fields[i].Name)
		index[lower] = i
		if m.reserved[lower] {
			f := &filled.Fields[i]
			f.Value, f.Checked, f.Image = "", false, nil
			f.ReadOnly = true
			f.Hidden = true
		}
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := data[key]
		lower := strings.ToLower(key)
		if m.reserved[lower] {
			continue
		}
		i, ok := index[lower]
		if !ok {
			// No template slot. Signatures still render via the
			// last-page fallback; anything else is dropped.
			if types.IsImagePayload(value) && m.classifier.IsSignature(key, value) {
				m.placeFallback(filled, key, value)
			}
			continue
		}
		m.applyToField(filled, &filled.Fields[i], value)
	}
	return filled
}

func (m *Matcher) applyToField(tpl *document.Template, f *document.Field, value any) {
	if f.ReadOnly {
		return
	}
	switch f.Type {
	case document.FieldCheckbox:
		f.Checked = types.Truthy(value)
	case document.FieldChoice:
		v := types.ValueString(value)
		for _, opt := range f.Options {
			if opt == v {
				f.Value = v
				break
			}
		}
	case document.FieldSignature:
		m.placeInField(tpl, f, value)
	default:
		if types.IsImagePayload(value) {
			// A text slot with a signature-pattern name takes the
			// image; any other text slot drops it rather than render
			// a data URI.
			if m.classifier.IsSignature(f.Name, nil) {
				m.placeInField(tpl, f, value)
			}
			return
		}
		f.Value = types.ValueString(value)
	}
}
