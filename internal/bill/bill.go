package bill

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a bill.
type Status string

const (
	StatusPending             Status = "pending"
	StatusInsufficientBalance Status = "insufficient_balance"
	StatusAwaitingFunding     Status = "awaiting_funding"
	StatusAwaiting2FA         Status = "awaiting_2fa"
	StatusProcessing          Status = "processing"
	StatusPaid                Status = "paid"
	StatusRejected            Status = "rejected"
	StatusFailed              Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRejected || s == StatusFailed
}

// InFlight reports whether the bill has a transfer awaiting external resolution.
func (s Status) InFlight() bool {
	return s == StatusAwaitingFunding || s == StatusAwaiting2FA || s == StatusProcessing
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInsufficientBalance, StatusAwaitingFunding,
		StatusAwaiting2FA, StatusProcessing, StatusPaid, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Source identifies which extraction path produced the bill's fields.
const (
	SourceQR  = "qr"
	SourceOCR = "ocr"
)

// Bill is the durable unit of work: one payable invoice extracted from a
// group of photos, tracked from creation to a terminal state.
type Bill struct {
	ID                 string             `json:"id"`
	Recipient          string             `json:"recipient"`
	IBAN               string             `json:"iban"`
	BIC                string             `json:"bic,omitempty"`
	Amount             decimal.Decimal    `json:"amount"`
	Currency           string             `json:"currency"`
	Reference          string             `json:"reference"`
	BankName           string             `json:"bank_name"`
	Confidence         float64            `json:"confidence"`
	FieldConfidence    map[string]float64 `json:"field_confidence,omitempty"`
	Source             string             `json:"source"` // "qr" or "ocr"
	PhotoIDs           []string           `json:"photo_ids"`
	CreatedAt          time.Time          `json:"created_at"`
	DueDate            string             `json:"due_date,omitempty"` // YYYY-MM-DD
	InvoiceNumber      string             `json:"invoice_number,omitempty"`
	Description        string             `json:"description,omitempty"`
	OriginalText       string             `json:"original_text,omitempty"`
	EnglishTranslation string             `json:"english_translation,omitempty"`
	Status             Status             `json:"status"`
	PaidAt             time.Time          `json:"paid_at"`
	DuplicateWarning   bool               `json:"duplicate_warning"`
	LowConfidence      bool               `json:"low_confidence"`
	IBANValid          bool               `json:"iban_valid"`
	Error              string             `json:"error,omitempty"`
	TransferID         int64              `json:"transfer_id,omitempty"` // 0 = no transfer yet
}
