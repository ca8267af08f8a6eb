// Package audit compiles the audit certificate: a printable record of
// every recipient's submission, in order, plus the attachment manifest.
package audit

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/phpdave11/gofpdf"

	"github.com/signrelay/signrelay/document"
	"github.com/signrelay/signrelay/types"
)

const (
	pageMargin  = 54
	titleSize   = 18
	headingSize = 12
	textSize    = 10
	lineHeight  = 14
	keyColWidth = 110

	thumbMaxWidth  = 120
	thumbMaxHeight = 45

	defaultMarker = "[signature on file]"
)

// Compiler renders audit certificates. The certificate shows each
// recipient's raw submitted values verbatim; nothing is merged or
// overridden across recipients.
type Compiler struct {
	marker string
}

// CompilerOption defines functional options for configuring Compiler.
type CompilerOption func(*Compiler)

// WithMarker sets the text shown for signature payloads that cannot be
// decoded into a thumbnail.
func WithMarker(text string) CompilerOption {
	return func(c *Compiler) {
		c.marker = text
	}
}

// NewCompiler creates a certificate compiler.
func NewCompiler(options ...CompilerOption) *Compiler {
	c := &Compiler{marker: defaultMarker}
	for _, option := range options {
		option(c)
	}
	return c
}

// Compile renders the certificate PDF for a workflow.
func (c *Compiler) Compile(wf types.Workflow, recipients []types.Recipient, attachments []types.Attachment) ([]byte, error) {
	sorted := append([]types.Recipient(nil), recipients...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrderIndex < sorted[j].OrderIndex })

	pdf := gofpdf.New("P", "pt", "Letter", "")
	pdf.SetTitle("Audit Certificate", true)
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", titleSize)
	pdf.CellFormat(0, titleSize+8, "Audit Certificate", "", 1, "L", false, 0, "")

	c.keyValue(pdf, "Workflow", wf.Token)
	c.keyValue(pdf, "Status", string(wf.Status))
	c.keyValue(pdf, "Initiated", wf.CreatedAt.UTC().Format(time.RFC1123))
	metaKeys := make([]string, 0, len(wf.Metadata))
	for k := range wf.Metadata {
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(metaKeys)
	for _, k := range metaKeys {
		c.keyValue(pdf, k, wf.Metadata[k])
	}
	pdf.Ln(lineHeight)

	for _, r := range sorted {
		c.writeRecipient(pdf, r)
	}
	c.writeAttachments(pdf, attachments)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render audit certificate: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Compiler) writeRecipient(pdf *gofpdf.Fpdf, r types.Recipient) {
	pdf.SetFont("Helvetica", "B", headingSize)
	pdf.CellFormat(0, lineHeight+4, fmt.Sprintf("%d. %s", r.OrderIndex+1, r.Name), "", 1, "L", false, 0, "")

	if r.Email != "" {
		c.keyValue(pdf, "Email", r.Email)
	}
	if r.Mobile != "" {
		c.keyValue(pdf, "Mobile", r.Mobile)
	}
	c.keyValue(pdf, "Role", string(r.Role))
	c.keyValue(pdf, "Status", string(r.Status))
	if r.SubmittedAt != nil {
		c.keyValue(pdf, "Submitted", r.SubmittedAt.UTC().Format(time.RFC1123))
	}

	keys := make([]string, 0, len(r.FormData))
	for k := range r.FormData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := r.FormData[k]
		if types.IsImagePayload(value) {
			c.writeThumbnail(pdf, fmt.Sprintf("audit-%d-%s", r.ID, k), k, value)
			continue
		}
		c.keyValue(pdf, k, types.ValueString(value))
	}
	pdf.Ln(lineHeight)
}

// writeThumbnail draws a submitted signature image scaled down next to its
// key, or the marker when the payload does not decode.
func (c *Compiler) writeThumbnail(pdf *gofpdf.Fpdf, name, key string, value any) {
	img, err := decodeThumbnail(value)
	if err != nil {
		c.keyValue(pdf, key, c.marker)
		return
	}
	opts := gofpdf.ImageOptions{ImageType: img.Format}
	if pdf.Ok() {
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(img.Data))
		if pdf.Err() {
			// The encoder rejected bytes the header sniff accepted.
			pdf.ClearError()
			c.keyValue(pdf, key, c.marker)
			return
		}
	}
	pdf.SetFont("Helvetica", "B", textSize)
	pdf.CellFormat(keyColWidth, lineHeight, key, "", 0, "L", false, 0, "")

	w, h := thumbnailSize(img)
	pdf.ImageOptions(name, pdf.GetX(), 0, w, h, true, opts, 0, "")
	pdf.Ln(4)
}

func (c *Compiler) writeAttachments(pdf *gofpdf.Fpdf, attachments []types.Attachment) {
	if len(attachments) == 0 {
		return
	}
	pdf.SetFont("Helvetica", "B", headingSize)
	pdf.CellFormat(0, lineHeight+4, "Attachments", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", textSize)
	for _, a := range attachments {
		line := fmt.Sprintf("%s (%s, %d bytes)", a.Name, a.ContentType, a.Size)
		if a.UploadedBy != "" {
			line += ", uploaded by " + a.UploadedBy
		}
		pdf.MultiCell(0, lineHeight, line, "", "L", false)
	}
}

func (c *Compiler) keyValue(pdf *gofpdf.Fpdf, key, value string) {
	pdf.SetFont("Helvetica", "B", textSize)
	pdf.CellFormat(keyColWidth, lineHeight, key, "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", textSize)
	pdf.MultiCell(0, lineHeight, value, "", "L", false)
}

func thumbnailSize(img *document.ImageValue) (float64, float64) {
	scale := thumbMaxWidth / float64(img.Width)
	if s := thumbMaxHeight / float64(img.Height); s < scale {
		scale = s
	}
	return float64(img.Width) * scale, float64(img.Height) * scale
}

func decodeThumbnail(value any) (*document.ImageValue, error) {
	payload, err := types.ParseImagePayload(value)
	if err != nil {
		return nil, err
	}
	return document.DecodeImage(payload)
}
