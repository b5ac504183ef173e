package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// billScanPrompt is the shared extraction prompt for all model backends.
const billScanPrompt = `Analyze this bill/invoice and extract the payment details. When multiple images are provided they are pages of the same bill; the payment details (IBAN, amount) are often on the last page or payment slip.

Return a JSON object with these fields:
{
  "recipient": "Name of the company/person to pay",
  "iban": "IBAN bank account number, exactly as shown",
  "bic": "BIC/SWIFT code if visible (optional)",
  "amount": 123.45,
  "currency": "EUR",
  "reference": "Payment reference/Verwendungszweck (invoice number, customer number, etc.)",
  "due_date": "Due date if visible (format: YYYY-MM-DD)",
  "invoice_number": "Invoice number if visible",
  "description": "Brief description of what this bill is for",
  "original_text": "Key text from the bill in the original language",
  "english_translation": "English translation of the key bill content",
  "confidence": {
    "recipient": 0.95,
    "iban": 0.98,
    "amount": 0.99,
    "reference": 0.85
  }
}

Important:
- Extract the IBAN exactly as shown, preserving all digits
- Amount must be a number without currency symbol
- Reference should include invoice number, customer number, or payment purpose
- Confidence scores are 0.0-1.0 based on how clearly each field was visible
- If a field is not found, set it to null with confidence 0.0
- For German bills, look for "IBAN", "Betrag", "Verwendungszweck", "Rechnungsnummer"
- Return ONLY the JSON object, no other text`

// pdfToImages renders every page of a PDF as a PNG. Bills are frequently
// multi-page PDFs with the payment slip on the last page, so all pages are
// kept.
func pdfToImages(pdfData []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := make([][]byte, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		img, err := doc.Image(i)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", i, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encoding PNG: %w", err)
		}
		pages = append(pages, buf.Bytes())
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	return pages, nil
}

// imageToPNG converts any supported image format to PNG.
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// HEIC/HEIF (common on iPhones) is not handled by the standard image
	// package
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box for HEIC/HEIF brands.
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// preparePages normalizes one downloaded photo into PNG page images. A PDF
// expands into one PNG per page; everything else becomes a single PNG.
func preparePages(data []byte, contentType string) ([][]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if mimeType == "application/pdf" {
		return pdfToImages(data)
	}
	if mimeType == "image/png" && !isHEICFormat(data) {
		return [][]byte{data}, nil
	}
	converted, err := imageToPNG(data, mimeType)
	if err != nil {
		return nil, err
	}
	return [][]byte{converted}, nil
}
