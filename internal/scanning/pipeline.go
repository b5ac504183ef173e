package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoPaymentData signals that neither extraction path produced a usable
// recipient, IBAN and amount. Non-fatal: the orchestration reports it and
// moves on to the next group.
var ErrNoPaymentData = errors.New("no payment data found")

// ErrUnsupportedCurrency signals that the bill is denominated in a currency
// other than the settlement currency.
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// Page is one downloaded bill photo plus its MIME type.
type Page struct {
	Data     []byte
	MIMEType string
}

// qrResult is the tagged outcome of the deterministic decode strategy.
type qrResult struct {
	fields *BillFields
	found  bool
}

// Pipeline turns the photos of one bill into extracted payment fields.
// Strategies run in order and short-circuit: the deterministic GiroCode
// decode first, then the probabilistic model over all pages jointly.
type Pipeline struct {
	extractor Extractor
	currency  string // settlement currency, e.g. "EUR"
}

// NewPipeline creates an extraction pipeline paying in the given settlement
// currency.
func NewPipeline(extractor Extractor, currency string) *Pipeline {
	if currency == "" {
		currency = "EUR"
	}
	return &Pipeline{extractor: extractor, currency: currency}
}

// Extract produces exactly one BillFields for a group of pages, or fails
// with ErrNoPaymentData / ErrUnsupportedCurrency.
func (p *Pipeline) Extract(ctx context.Context, pages []Page) (*BillFields, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: empty photo group", ErrNoPaymentData)
	}

	images := make([][]byte, 0, len(pages))
	for _, page := range pages {
		pngs, err := preparePages(page.Data, page.MIMEType)
		if err != nil {
			// A single unreadable page should not sink the group
			slog.Warn("Skipping unreadable page", "mime_type", page.MIMEType, "error", err)
			continue
		}
		images = append(images, pngs...)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no readable pages", ErrNoPaymentData)
	}

	if result := p.tryGiroCode(images); result.found {
		return p.finish(result.fields)
	}

	fields, err := p.extractor.ExtractBill(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("%w: model extraction failed: %v", ErrNoPaymentData, err)
	}
	return p.finish(fields)
}

// tryGiroCode attempts the deterministic decode on each page.
func (p *Pipeline) tryGiroCode(images [][]byte) qrResult {
	for _, img := range images {
		code, ok := DecodeGiroCode(img)
		if !ok {
			continue
		}
		slog.Info("GiroCode found", "iban", code.IBAN, "recipient", code.Recipient)
		return qrResult{fields: code.Fields(), found: true}
	}
	return qrResult{}
}

// finish applies the shared acceptance checks for both strategies.
func (p *Pipeline) finish(fields *BillFields) (*BillFields, error) {
	if fields.Currency != "" && fields.Currency != p.currency {
		return nil, fmt.Errorf("%w: %s (only %s supported)", ErrUnsupportedCurrency, fields.Currency, p.currency)
	}
	if fields.Recipient == "" || fields.IBAN == "" || fields.Amount.IsZero() {
		return nil, fmt.Errorf("%w: missing recipient, IBAN or amount", ErrNoPaymentData)
	}
	if fields.Currency == "" {
		fields.Currency = p.currency
	}
	return fields, nil
}
