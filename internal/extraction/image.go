package extraction

import (
	"bytes"
	"encoding/base64"
	"fmt"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// prepareImage shrinks images whose longest side exceeds maxPx and re-encodes them as
// JPEG. Formats the decoder does not know are passed through untouched.
func prepareImage(data []byte, mimeType string, maxPx int) ([]byte, string) {
	if maxPx <= 0 {
		return data, mimeType
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data, mimeType
	}
	b := img.Bounds()
	if b.Dx() <= maxPx && b.Dy() <= maxPx {
		return data, mimeType
	}
	img = imaging.Fit(img, maxPx, maxPx, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return data, mimeType
	}
	return buf.Bytes(), "image/jpeg"
}

func dataURL(data []byte, mimeType string) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}
