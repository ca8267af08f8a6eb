package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// imagePrefix marks an embedded image payload inside form data. Signature
// pads submit their strokes this way.
const imagePrefix = "data:image/"

// ImagePayload is a decoded embedded image from a form value.
type ImagePayload struct {
	MediaType string // e.g. "image/png"
	Data      []byte
}

// IsImagePayload reports whether a form value carries an embedded image
// (a base64 image data URI).
func IsImagePayload(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, imagePrefix)
}

// ParseImagePayload decodes an image data URI into its media type and raw
// bytes. The payload must be base64 encoded.
func ParseImagePayload(v any) (ImagePayload, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, imagePrefix) {
		return ImagePayload{}, fmt.Errorf("%w: value is not an image payload", ErrValidation)
	}

	header, data, found := strings.Cut(s[len("data:"):], ",")
	if !found {
		return ImagePayload{}, fmt.Errorf("%w: malformed image payload", ErrValidation)
	}
	mediaType, encoding, _ := strings.Cut(header, ";")
	if encoding != "base64" {
		return ImagePayload{}, fmt.Errorf("%w: unsupported payload encoding %q", ErrValidation, encoding)
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ImagePayload{}, fmt.Errorf("%w: payload is not valid base64", ErrValidation)
	}
	return ImagePayload{MediaType: mediaType, Data: raw}, nil
}

// ValueString renders a scalar form value as field text. Image payloads
// have no text form and should be routed to placement instead.
func ValueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Truthy reports whether a form value checks a checkbox: boolean true or
// the case-insensitive strings "true"/"yes". Everything else unchecks.
func Truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || strings.EqualFold(t, "yes")
	default:
		return false
	}
}

// MergeFormData folds src into dst with last-write-wins per key and
// returns dst. A nil dst is allocated so recipients with no prior data
// merge cleanly.
func MergeFormData(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
