package document

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signrelay/signrelay/types"
)

func testTemplateJSON() []byte {
	return []byte(`{
		"title": "Mutual NDA",
		"pages": [{"number": 1, "width": 612, "height": 792}],
		"body": [{"page": 1, "x": 72, "y": 90, "text": "This agreement is made between the parties."}],
		"fields": [
			{"name": "full_name", "type": "text", "page": 1, "rect": {"x": 72, "y": 680, "w": 180, "h": 18}},
			{"name": "agree", "type": "checkbox", "page": 1, "rect": {"x": 72, "y": 640, "w": 12, "h": 12}},
			{"name": "county", "type": "choice", "page": 1, "rect": {"x": 72, "y": 610, "w": 120, "h": 18}, "options": ["Kent", "Surrey"]},
			{"name": "signature_1", "type": "signature", "page": 1, "rect": {"x": 72, "y": 540, "w": 160, "h": 48}}
		]
	}`)
}

func signaturePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 16))
	for x := 0; x < 40; x++ {
		img.Set(x, 8, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestParseTemplate(t *testing.T) {
	tpl, err := ParseTemplate(testTemplateJSON())
	require.NoError(t, err)
	assert.Equal(t, "Mutual NDA", tpl.Title)
	assert.Len(t, tpl.Fields, 4)
	assert.Equal(t, FieldSignature, tpl.Fields[3].Type)

	last := tpl.LastPage()
	assert.Equal(t, 1, last.Number)
	assert.Equal(t, 612.0, last.Width)
}

func TestParseTemplateInvalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{"pages": [`},
		{"no pages", `{"pages": [], "fields": []}`},
		{"zero page size", `{"pages": [{"number": 1, "width": 0, "height": 792}], "fields": []}`},
		{"duplicate page", `{"pages": [{"number": 1, "width": 612, "height": 792}, {"number": 1, "width": 612, "height": 792}], "fields": []}`},
		{
			"unknown field type",
			`{"pages": [{"number": 1, "width": 612, "height": 792}],
			  "fields": [{"name": "x", "type": "slider", "page": 1, "rect": {"x": 0, "y": 0, "w": 10, "h": 10}}]}`,
		},
		{
			"field off page",
			`{"pages": [{"number": 1, "width": 612, "height": 792}],
			  "fields": [{"name": "x", "type": "text", "page": 3, "rect": {"x": 0, "y": 0, "w": 10, "h": 10}}]}`,
		},
		{
			"duplicate field name",
			`{"pages": [{"number": 1, "width": 612, "height": 792}],
			  "fields": [
				{"name": "x", "type": "text", "page": 1, "rect": {"x": 0, "y": 0, "w": 10, "h": 10}},
				{"name": "x", "type": "text", "page": 1, "rect": {"x": 0, "y": 20, "w": 10, "h": 10}}]}`,
		},
		{
			"choice without options",
			`{"pages": [{"number": 1, "width": 612, "height": 792}],
			  "fields": [{"name": "x", "type": "choice", "page": 1, "rect": {"x": 0, "y": 0, "w": 10, "h": 10}}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplate([]byte(tt.json))
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestTemplateClone(t *testing.T) {
	tpl, err := ParseTemplate(testTemplateJSON())
	require.NoError(t, err)

	clone := tpl.Clone()
	clone.Fields[0].Value = "Ada Lovelace"
	clone.Fields[2].Options[0] = "Essex"

	assert.Empty(t, tpl.Fields[0].Value)
	assert.Equal(t, "Kent", tpl.Fields[2].Options[0])
}

func TestDecodeImage(t *testing.T) {
	pngData := signaturePNG(t)
	img, err := DecodeImage(types.ImagePayload{MediaType: "image/png", Data: pngData})
	require.NoError(t, err)
	assert.Equal(t, "PNG", img.Format)
	assert.Equal(t, 40, img.Width)
	assert.Equal(t, 16, img.Height)

	var jpegBuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpegBuf, image.NewRGBA(image.Rect(0, 0, 20, 10)), nil))
	img, err = DecodeImage(types.ImagePayload{MediaType: "image/jpeg", Data: jpegBuf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, "JPG", img.Format)

	_, err = DecodeImage(types.ImagePayload{MediaType: "image/png", Data: []byte("not an image")})
	assert.Error(t, err)
}

func TestFlatten(t *testing.T) {
	tpl, err := ParseTemplate(testTemplateJSON())
	require.NoError(t, err)

	filled := tpl.Clone()
	filled.Fields[0].Value = "Ada Lovelace"
	filled.Fields[1].Checked = true
	filled.Fields[2].Value = "Kent"

	img, err := DecodeImage(types.ImagePayload{MediaType: "image/png", Data: signaturePNG(t)})
	require.NoError(t, err)
	img.Rect = Rect{X: 72, Y: 548, W: 120, H: 32}
	filled.Fields[3].Image = img

	data, err := Flatten(filled)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF-"))
	assert.Greater(t, len(data), 500)
}

func TestFlattenSignatureMarker(t *testing.T) {
	tpl, err := ParseTemplate(testTemplateJSON())
	require.NoError(t, err)

	filled := tpl.Clone()
	filled.Fields[3].Value = "[signature on file]"

	data, err := Flatten(filled)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF-"))
}

func TestFlattenBadImageData(t *testing.T) {
	tpl, err := ParseTemplate(testTemplateJSON())
	require.NoError(t, err)

	filled := tpl.Clone()
	filled.Fields[3].Image = &ImageValue{
		Data:   []byte("corrupt"),
		Format: "PNG",
		Width:  40,
		Height: 16,
		Rect:   Rect{X: 72, Y: 548, W: 120, H: 32},
	}

	// The encoder rejects the bytes, the render carries on with the
	// marker in place of the image.
	data, err := Flatten(filled)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF-"))
}

func TestFlattenImageInTextField(t *testing.T) {
	tpl, err := ParseTemplate(testTemplateJSON())
	require.NoError(t, err)

	filled := tpl.Clone()
	img, err := DecodeImage(types.ImagePayload{MediaType: "image/png", Data: signaturePNG(t)})
	require.NoError(t, err)
	img.Rect = Rect{X: 72, Y: 680, W: 120, H: 32}
	filled.Fields[0].Image = img

	data, err := Flatten(filled)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF-"))
}
