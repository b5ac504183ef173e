package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// billResponse is the wire shape returned by the extraction models. Nullable
// fields are pointers so a JSON null does not fail the whole parse.
type billResponse struct {
	Recipient          string             `json:"recipient"`
	IBAN               string             `json:"iban"`
	BIC                string             `json:"bic"`
	Amount             *decimal.Decimal   `json:"amount"`
	Currency           string             `json:"currency"`
	Reference          string             `json:"reference"`
	DueDate            string             `json:"due_date"`
	InvoiceNumber      string             `json:"invoice_number"`
	Description        string             `json:"description"`
	OriginalText       string             `json:"original_text"`
	EnglishTranslation string             `json:"english_translation"`
	Confidence         map[string]float64 `json:"confidence"`
}

// parseBillJSON parses the JSON response from an extraction model into
// BillFields tagged as OCR-sourced.
func parseBillJSON(text string) (*BillFields, error) {
	raw := text

	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var resp billResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	fields := &BillFields{
		Recipient:          strings.TrimSpace(resp.Recipient),
		IBAN:               strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(resp.IBAN), " ", "")),
		BIC:                strings.TrimSpace(resp.BIC),
		Currency:           strings.ToUpper(strings.TrimSpace(resp.Currency)),
		Reference:          strings.TrimSpace(resp.Reference),
		DueDate:            normalizeDate(resp.DueDate),
		InvoiceNumber:      strings.TrimSpace(resp.InvoiceNumber),
		Description:        strings.TrimSpace(resp.Description),
		OriginalText:       resp.OriginalText,
		EnglishTranslation: resp.EnglishTranslation,
		Confidence:         resp.Confidence,
		Source:             SourceOCR,
		RawResponse:        raw,
	}
	if resp.Amount != nil {
		fields.Amount = *resp.Amount
	}
	if fields.Confidence == nil {
		fields.Confidence = map[string]float64{}
	}
	fields.OverallConfidence = overallConfidence(fields.Confidence)

	return fields, nil
}

// normalizeDate coerces common date formats to YYYY-MM-DD. Unparseable
// input is dropped rather than guessed; the due date is optional.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	formats := []string{
		"2006-01-02",
		"2006/01/02",
		"02.01.2006",
		"01/02/2006",
		"02-01-2006",
	}
	for _, format := range formats {
		if d, err := time.Parse(format, s); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}
