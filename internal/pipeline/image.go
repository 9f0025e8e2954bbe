package pipeline

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/webp"

	"snapcal/internal/apperr"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// AsPNG returns img as PNG bytes. PNG input is returned as is; JPEG, GIF and
// WebP are decoded and re-encoded. Anything else fails with InvalidImage.
func AsPNG(img []byte) ([]byte, error) {
	if bytes.HasPrefix(img, pngMagic) {
		return img, nil
	}
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, apperr.InvalidImage(err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, decoded); err != nil {
		return nil, apperr.InvalidImage(err)
	}
	return buf.Bytes(), nil
}
