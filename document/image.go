package document

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/signrelay/signrelay/types"
)

// DecodeImage sniffs a signature image payload and reads its pixel
// dimensions. PNG and JPEG are the accepted formats; anything else is an
// error, which callers turn into a text marker instead of an image.
func DecodeImage(payload types.ImagePayload) (*ImageValue, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(payload.Data))
	if err != nil {
		return nil, fmt.Errorf("decode signature image: %w", err)
	}
	var imageType string
	switch format {
	case "png":
		imageType = "PNG"
	case "jpeg":
		imageType = "JPG"
	default:
		return nil, fmt.Errorf("unsupported signature image format %q", format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("signature image has size %dx%d", cfg.Width, cfg.Height)
	}
	return &ImageValue{
		Data:   payload.Data,
		Format: imageType,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}
