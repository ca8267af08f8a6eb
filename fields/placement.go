package fields

import (
	"github.com/signrelay/signrelay/document"
	"github.com/signrelay/signrelay/types"
)

const (
	defaultMinWidth  = 90
	defaultMinHeight = 30

	// Fallback placement for signatures without a template slot: anchored
	// at the bottom-right of the last page.
	fallbackWidthFrac = 0.25
	fallbackMargin    = 36

	markerWidth  = 180
	markerHeight = 18
)

// placeInField decodes the submitted value into a signature field. Text
// submitted into a signature slot renders as a typed signature; decode
// failures leave the marker instead of an image.
func (m *Matcher) placeInField(tpl *document.Template, f *document.Field, value any) {
	if !types.IsImagePayload(value) {
		f.Value = types.ValueString(value)
		return
	}
	img, err := decodePayload(value)
	if err != nil {
		f.Value = m.marker
		f.Image = nil
		return
	}
	if f.Rect.W <= 0 || f.Rect.H <= 0 {
		m.placeOnLastPage(tpl, f, img)
		return
	}
	img.Rect = fitImage(img, f.Rect, m.minWidth, m.minHeight)
	f.Image = img
	f.Value = ""
}

// placeFallback renders a classified signature that matched no template
// field at all, as a synthetic field on the last page.
func (m *Matcher) placeFallback(tpl *document.Template, key string, value any) {
	last := tpl.LastPage()
	synthetic := document.Field{
		Name: "fallback:" + key,
		Type: document.FieldSignature,
		Page: last.Number,
	}
	img, err := decodePayload(value)
	if err != nil {
		synthetic.Rect = document.Rect{
			X: last.Width - markerWidth - fallbackMargin,
			Y: last.Height - markerHeight - fallbackMargin,
			W: markerWidth,
			H: markerHeight,
		}
		synthetic.Value = m.marker
	} else {
		img.Rect = lastPageRect(last, img)
		synthetic.Rect = img.Rect
		synthetic.Image = img
	}
	tpl.Fields = append(tpl.Fields, synthetic)
}

// placeOnLastPage moves a signature whose field carries no usable
// geometry onto the last page.
func (m *Matcher) placeOnLastPage(tpl *document.Template, f *document.Field, img *document.ImageValue) {
	last := tpl.LastPage()
	img.Rect = lastPageRect(last, img)
	f.Page = last.Number
	f.Rect = img.Rect
	f.Image = img
	f.Value = ""
}

// lastPageRect computes the bottom-right anchor rectangle: the signature
// width is proportional to the page width, the aspect ratio preserved.
func lastPageRect(page document.PageSpec, img *document.ImageValue) document.Rect {
	w := page.Width * fallbackWidthFrac
	h := w * float64(img.Height) / float64(img.Width)
	return document.Rect{
		X: page.Width - w - fallbackMargin,
		Y: page.Height - h - fallbackMargin,
		W: w,
		H: h,
	}
}

// fitImage scales the image to fit a box derived from the field, never
// smaller than the configured minimums, and centers it on the field.
func fitImage(img *document.ImageValue, rect document.Rect, minW, minH float64) document.Rect {
	boundW := rect.W
	if boundW < minW {
		boundW = minW
	}
	boundH := rect.H
	if boundH < minH {
		boundH = minH
	}
	w, h := scaleToFit(float64(img.Width), float64(img.Height), boundW, boundH)
	return document.Rect{
		X: rect.X + (rect.W-w)/2,
		Y: rect.Y + (rect.H-h)/2,
		W: w,
		H: h,
	}
}

func scaleToFit(srcW, srcH, maxW, maxH float64) (float64, float64) {
	if srcW <= 0 || srcH <= 0 {
		return maxW, maxH
	}
	scale := maxW / srcW
	if s := maxH / srcH; s < scale {
		scale = s
	}
	return srcW * scale, srcH * scale
}

func decodePayload(value any) (*document.ImageValue, error) {
	payload, err := types.ParseImagePayload(value)
	if err != nil {
		return nil, err
	}
	return document.DecodeImage(payload)
}
