package scanning

import (
	"context"

	"github.com/shopspring/decimal"
)

// Source tags for extracted bill fields.
const (
	SourceQR  = "qr"  // deterministic GiroCode decode
	SourceOCR = "ocr" // probabilistic model extraction
)

// BillFields contains the payment details extracted from a bill.
type BillFields struct {
	Recipient          string             `json:"recipient"`
	IBAN               string             `json:"iban"`
	BIC                string             `json:"bic"`
	Amount             decimal.Decimal    `json:"amount"`
	Currency           string             `json:"currency"`
	Reference          string             `json:"reference"`
	DueDate            string             `json:"due_date"` // YYYY-MM-DD
	InvoiceNumber      string             `json:"invoice_number"`
	Description        string             `json:"description"`
	OriginalText       string             `json:"original_text"`
	EnglishTranslation string             `json:"english_translation"`
	Confidence         map[string]float64 `json:"confidence"`
	OverallConfidence  float64            `json:"overall_confidence"`
	Source             string             `json:"source"`
	RawResponse        string             `json:"-"`
}

// Extractor defines the interface for model-backed bill extraction. All
// pages of a bill are submitted together; implementations return raw fields
// with per-field confidence scores. Output is untrusted until it passes
// IBAN validation.
type Extractor interface {
	// ExtractBill analyzes bill page images (PNG) and extracts payment details
	ExtractBill(ctx context.Context, images [][]byte) (*BillFields, error)
	// Close closes the extractor and releases resources
	Close() error
}

// overallConfidence is the mean of the key field scores. A missing score
// counts as zero so an absent field drags the mean down instead of hiding.
func overallConfidence(confidence map[string]float64) float64 {
	keys := []string{"recipient", "iban", "amount"}
	total := 0.0
	for _, k := range keys {
		total += confidence[k]
	}
	return total / float64(len(keys))
}
