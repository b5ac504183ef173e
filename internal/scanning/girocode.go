package scanning

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// GiroCode (EPC QR) payload format, one field per line:
//
//	1. Service Tag: BCD
//	2. Version: 001 or 002
//	3. Character Set: 1 (UTF-8)
//	4. Identification: SCT (SEPA Credit Transfer)
//	5. BIC (optional in version 002)
//	6. Recipient Name
//	7. IBAN
//	8. Amount with currency prefix, e.g. EUR123.45
//	9. Purpose Code (optional)
//	10. Structured Reference (optional)
//	11. Unstructured Text (optional)
//	12. Information (optional)
type GiroCode struct {
	BIC       string
	Recipient string
	IBAN      string
	Amount    decimal.Decimal
	Currency  string
	Purpose   string
	Reference string
	Text      string
	Raw       string
}

var amountPattern = regexp.MustCompile(`^([A-Z]{3})(\d+(?:\.\d{1,2})?)$`)

// ParseGiroCode parses a decoded QR payload as an EPC credit-transfer code.
// The second return value is false when the payload is not a GiroCode; a
// malformed-but-recognized code also returns false. Decode is binary: there
// is no partial result.
func ParseGiroCode(data string) (*GiroCode, bool) {
	if data == "" {
		return nil, false
	}

	lines := strings.Split(strings.TrimSpace(data), "\n")
	if len(lines) < 8 {
		return nil, false
	}
	if strings.TrimSpace(lines[0]) != "BCD" {
		return nil, false
	}
	if v := strings.TrimSpace(lines[1]); v != "001" && v != "002" {
		return nil, false
	}
	if strings.TrimSpace(lines[2]) != "1" {
		return nil, false
	}
	if strings.TrimSpace(lines[3]) != "SCT" {
		return nil, false
	}

	for len(lines) < 12 {
		lines = append(lines, "")
	}

	code := &GiroCode{
		BIC:       strings.TrimSpace(lines[4]),
		Recipient: strings.TrimSpace(lines[5]),
		IBAN:      strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(lines[6]), " ", "")),
		Purpose:   strings.TrimSpace(lines[8]),
		Reference: strings.TrimSpace(lines[9]),
		Text:      strings.TrimSpace(lines[10]),
		Currency:  "EUR",
		Raw:       data,
	}

	amountStr := strings.TrimSpace(lines[7])
	if m := amountPattern.FindStringSubmatch(amountStr); m != nil {
		code.Currency = m[1]
		amount, err := decimal.NewFromString(m[2])
		if err != nil {
			return nil, false
		}
		code.Amount = amount
	} else if amountStr != "" && !strings.EqualFold(amountStr, "EUR") {
		// A zero amount is legal (payer fills it in); anything else is junk
		return nil, false
	}

	if code.IBAN == "" || code.Recipient == "" {
		return nil, false
	}
	return code, true
}

// Fields converts a GiroCode into extracted bill fields. GiroCode decoding
// is deterministic, so confidence is fixed at 1.0 for every field.
func (g *GiroCode) Fields() *BillFields {
	reference := g.Reference
	if reference == "" {
		reference = g.Text
	}
	return &BillFields{
		Recipient: g.Recipient,
		IBAN:      g.IBAN,
		BIC:       g.BIC,
		Amount:    g.Amount,
		Currency:  g.Currency,
		Reference: reference,
		Confidence: map[string]float64{
			"recipient": 1.0,
			"iban":      1.0,
			"amount":    1.0,
			"reference": 1.0,
		},
		OverallConfidence: 1.0,
		Source:            SourceQR,
		RawResponse:       g.Raw,
	}
}
