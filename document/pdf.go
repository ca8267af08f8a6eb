package document

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/phpdave11/gofpdf"
)

const (
	fieldFontSize = 10
	bodyFontSize  = 11

	// signatureMarker replaces an image the PDF encoder rejects.
	signatureMarker = "[signature on file]"
)

// Flatten renders a filled template into a static PDF. Fill state is
// painted directly onto the pages; the output has no interactive form
// layer left.
func Flatten(tpl *Template) ([]byte, error) {
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	pages := append([]PageSpec(nil), tpl.Pages...)
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: pages[0].Width, Ht: pages[0].Height},
	})
	if tpl.Title != "" {
		pdf.SetTitle(tpl.Title, true)
	}
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Helvetica", "", bodyFontSize)

	for _, page := range pages {
		pdf.AddPageFormat("P", gofpdf.SizeType{Wd: page.Width, Ht: page.Height})
		for _, line := range tpl.Body {
			if line.Page != page.Number {
				continue
			}
			size := line.Size
			if size == 0 {
				size = bodyFontSize
			}
			pdf.SetFontSize(size)
			pdf.Text(line.X, line.Y, line.Text)
		}
		pdf.SetFontSize(fieldFontSize)
		for _, f := range tpl.Fields {
			if f.Page != page.Number || f.Hidden {
				continue
			}
			drawField(pdf, f)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	return buf.Bytes(), nil
}

func drawField(pdf *gofpdf.Fpdf, f Field) {
	switch {
	case f.Type == FieldCheckbox:
		pdf.Rect(f.Rect.X, f.Rect.Y, f.Rect.W, f.Rect.H, "D")
		if f.Checked {
			pdf.SetXY(f.Rect.X, f.Rect.Y)
			pdf.CellFormat(f.Rect.W, f.Rect.H, "X", "", 0, "CM", false, 0, "")
		}
	case f.Type == FieldSignature || f.Image != nil:
		drawSignature(pdf, f)
	default:
		if f.Value == "" {
			return
		}
		pdf.SetXY(f.Rect.X, f.Rect.Y)
		pdf.CellFormat(f.Rect.W, f.Rect.H, f.Value, "", 0, "LM", false, 0, "")
	}
}

// drawSignature places the decoded image, or the text marker left behind
// when the submitted payload could not be decoded.
func drawSignature(pdf *gofpdf.Fpdf, f Field) {
	if f.Image == nil {
		if f.Value != "" {
			pdf.SetXY(f.Rect.X, f.Rect.Y)
			pdf.CellFormat(f.Rect.W, f.Rect.H, f.Value, "", 0, "LM", false, 0, "")
		}
		return
	}
	if pdf.Err() {
		return
	}
	opts := gofpdf.ImageOptions{ImageType: f.Image.Format}
	pdf.RegisterImageOptionsReader(f.Name, opts, bytes.NewReader(f.Image.Data))
	if pdf.Err() {
		// Registration parses the raster data eagerly and can reject
		// bytes the header sniff accepted. Degrade to the marker
		// instead of failing the whole render.
		pdf.ClearError()
		pdf.SetXY(f.Rect.X, f.Rect.Y)
		pdf.CellFormat(f.Rect.W, f.Rect.H, signatureMarker, "", 0, "LM", false, 0, "")
		return
	}
	r := f.Image.Rect
	pdf.ImageOptions(f.Name, r.X, r.Y, r.W, r.H, false, opts, 0, "")
}
