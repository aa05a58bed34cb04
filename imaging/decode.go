// Package imaging turns client-supplied image payloads into RGB images.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

var ErrEmptyImage = errors.New("no image data provided")

// DecodeBase64 accepts plain base64 or a data URL ("data:image/png;base64,...").
func DecodeBase64(data string) (*image.RGBA, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, ErrEmptyImage
	}
	if strings.HasPrefix(data, "data:") {
		idx := strings.Index(data, ",")
		if idx == -1 {
			return nil, fmt.Errorf("malformed data URL")
		}
		data = data[idx+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		// Some clients strip padding.
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 image: %w", err)
		}
	}
	return DecodeBytes(raw)
}

// DecodeBytes decodes png, jpeg, gif or webp bytes and converts to RGBA.
func DecodeBytes(raw []byte) (*image.RGBA, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("error preprocessing image: %w", err)
	}
	return ToRGBA(img), nil
}

// ToRGBA returns img as an RGBA image anchored at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// EncodeJPEG serializes img for the model-serving sidecar.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
