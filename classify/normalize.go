package classify

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // screenshots arrive as PNG

	"golang.org/x/image/draw"
)

// NormalizeFrame bounds a frame to maxWidth (preserving aspect ratio) and
// re-encodes it as JPEG. This controls request cost and latency; the
// verdict does not depend on the exact encoding.
func NormalizeFrame(frame []byte, maxWidth, quality int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("classify: decode frame: %w", err)
	}

	bounds := src.Bounds()
	if w := bounds.Dx(); w > maxWidth {
		h := bounds.Dy() * maxWidth / w
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.BiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
		src = dst
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("classify: encode frame: %w", err)
	}
	return out.Bytes(), nil
}
