package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// encodeQRPNG renders a QR code for the payload as PNG bytes.
func encodeQRPNG(payload string) []byte {
	matrix, err := qrcode.NewQRCodeWriter().Encode(payload, gozxing.BarcodeFormat_QR_CODE, 256, 256, nil)
	Expect(err).NotTo(HaveOccurred())

	img := image.NewGray(image.Rect(0, 0, matrix.GetWidth(), matrix.GetHeight()))
	for y := 0; y < matrix.GetHeight(); y++ {
		for x := 0; x < matrix.GetWidth(); x++ {
			if matrix.Get(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

// blankPNG renders a plain white image with no code in it.
func blankPNG() []byte {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("DecodeQR", func() {
	It("round-trips a payload through a rendered code", func() {
		text, ok := DecodeQR(encodeQRPNG("hello bills"))
		Expect(ok).To(BeTrue())
		Expect(text).To(Equal("hello bills"))
	})

	It("returns false for an image without a code", func() {
		_, ok := DecodeQR(blankPNG())
		Expect(ok).To(BeFalse())
	})

	It("returns false for data that is not an image", func() {
		_, ok := DecodeQR([]byte("not an image"))
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("DecodeGiroCode", func() {
	It("decodes a rendered GiroCode", func() {
		payload := giroPayload(
			"BCD", "002", "1", "SCT", "COBADEFFXXX",
			"Stadtwerke Musterstadt", "DE89370400440532013000", "EUR123.45",
		)
		code, ok := DecodeGiroCode(encodeQRPNG(payload))
		Expect(ok).To(BeTrue())
		Expect(code.IBAN).To(Equal("DE89370400440532013000"))
		Expect(code.Amount.StringFixed(2)).To(Equal("123.45"))
	})

	It("returns false for a QR code that is not a GiroCode", func() {
		_, ok := DecodeGiroCode(encodeQRPNG("https://example.com"))
		Expect(ok).To(BeFalse())
	})
})
