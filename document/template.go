// Package document implements the fillable document codec: a JSON form
// template with typed, positioned fields, and a renderer that flattens a
// filled template into a static PDF.
package document

import (
	"encoding/json"
	"fmt"

	"github.com/signrelay/signrelay/types"
)

// FieldType classifies a form field.
type FieldType string

const (
	FieldText      FieldType = "text"
	FieldCheckbox  FieldType = "checkbox"
	FieldChoice    FieldType = "choice"
	FieldSignature FieldType = "signature"
)

// Rect is a field's bounding box in page coordinates: origin at the
// top-left corner of the page, units in points.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// PageSpec declares one page of the document and its size in points.
type PageSpec struct {
	Number int     `json:"number"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// BodyLine is a static text run positioned on a page. Body text renders
// identically on every copy of the document; only fields change.
type BodyLine struct {
	Page int     `json:"page"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Size float64 `json:"size,omitempty"`
	Text string  `json:"text"`
}

// Field is one fillable slot in the template. The fill state (Value,
// Checked, Image) is populated while applying recipient form data and is
// never part of the template JSON.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Page     int       `json:"page"`
	Rect     Rect      `json:"rect"`
	Options  []string  `json:"options,omitempty"`
	ReadOnly bool      `json:"read_only,omitempty"`
	Hidden   bool      `json:"hidden,omitempty"`

	Value   string      `json:"-"`
	Checked bool        `json:"-"`
	Image   *ImageValue `json:"-"`
}

// ImageValue is a decoded signature image with the rectangle it will
// occupy on the page.
type ImageValue struct {
	Data   []byte
	Format string // "PNG" or "JPG"
	Width  int    // pixels
	Height int
	Rect   Rect
}

// Template is a fillable source document.
type Template struct {
	Title  string     `json:"title,omitempty"`
	Pages  []PageSpec `json:"pages"`
	Body   []BodyLine `json:"body,omitempty"`
	Fields []Field    `json:"fields"`
}

// ParseTemplate decodes and validates template JSON.
func ParseTemplate(data []byte) (*Template, error) {
	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse template: %v: %w", err, types.ErrValidation)
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// Validate checks page and field declarations.
func (t *Template) Validate() error {
	if len(t.Pages) == 0 {
		return fmt.Errorf("template has no pages: %w", types.ErrValidation)
	}
	pages := make(map[int]bool, len(t.Pages))
	for _, p := range t.Pages {
		if p.Number <= 0 {
			return fmt.Errorf("page number %d: %w", p.Number, types.ErrValidation)
		}
		if pages[p.Number] {
			return fmt.Errorf("duplicate page %d: %w", p.Number, types.ErrValidation)
		}
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("page %d has size %.1fx%.1f: %w", p.Number, p.Width, p.Height, types.ErrValidation)
		}
		pages[p.Number] = true
	}
	names := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if f.Name == "" {
			return fmt.Errorf("field without name: %w", types.ErrValidation)
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate field %q: %w", f.Name, types.ErrValidation)
		}
		names[f.Name] = true
		switch f.Type {
		case FieldText, FieldCheckbox, FieldChoice, FieldSignature:
		default:
			return fmt.Errorf("field %q has unknown type %q: %w", f.Name, f.Type, types.ErrValidation)
		}
		if !pages[f.Page] {
			return fmt.Errorf("field %q references page %d: %w", f.Name, f.Page, types.ErrValidation)
		}
		if f.Type == FieldChoice && len(f.Options) == 0 {
			return fmt.Errorf("choice field %q has no options: %w", f.Name, types.ErrValidation)
		}
	}
	for _, line := range t.Body {
		if !pages[line.Page] {
			return fmt.Errorf("body line references page %d: %w", line.Page, types.ErrValidation)
		}
	}
	return nil
}

// Page returns the spec for a page number.
func (t *Template) Page(number int) (PageSpec, bool) {
	for _, p := range t.Pages {
		if p.Number == number {
			return p, true
		}
	}
	return PageSpec{}, false
}

// LastPage returns the spec with the highest page number.
func (t *Template) LastPage() PageSpec {
	last := t.Pages[0]
	for _, p := range t.Pages[1:] {
		if p.Number > last.Number {
			last = p
		}
	}
	return last
}

// Clone returns a deep copy safe to fill without touching the original.
func (t *Template) Clone() *Template {
	out := &Template{
		Title:  t.Title,
		Pages:  append([]PageSpec(nil), t.Pages...),
		Body:   append([]BodyLine(nil), t.Body...),
		Fields: append([]Field(nil), t.Fields...),
	}
	for i, f := range out.Fields {
		if len(f.Options) > 0 {
			out.Fields[i].Options = append([]string(nil), f.Options...)
		}
		if f.Image != nil {
			img := *f.Image
			out.Fields[i].Image = &img
		}
	}
	return out
}
