package scanning

import (
	"bytes"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// DecodeQR scans PNG image data for a QR code and returns its text payload.
// The second return value is false when no QR code is present or the image
// cannot be decoded; QR absence is an expected outcome, not an error.
func DecodeQR(pngData []byte) (string, bool) {
	img, _, err := image.Decode(bytes.NewReader(pngData))
	if err != nil {
		return "", false
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", false
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", false
	}
	return result.GetText(), true
}

// DecodeGiroCode scans PNG image data for a GiroCode QR payload.
func DecodeGiroCode(pngData []byte) (*GiroCode, bool) {
	text, ok := DecodeQR(pngData)
	if !ok {
		return nil, false
	}
	return ParseGiroCode(text)
}
