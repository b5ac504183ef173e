package wise

import "github.com/zombor/payme/internal/bill"

// statusMap translates provider transfer statuses into domain statuses.
// Represented as data so a new provider status is a one-line change. The
// map is not assumed exhaustive: unmapped statuses are a no-op for callers.
var statusMap = map[string]bill.Status{
	"incoming_payment_waiting":  bill.StatusAwaitingFunding,
	"processing":                bill.StatusProcessing,
	"waiting_for_authorization": bill.StatusAwaiting2FA,
	"outgoing_payment_sent":     bill.StatusPaid,
	"funds_converted":           bill.StatusPaid,
	"cancelled":                 bill.StatusFailed,
	"funds_refunded":            bill.StatusFailed,
	"bounced_back":              bill.StatusFailed,
}

// MapStatus translates a provider status. ok is false for unknown statuses;
// callers keep the current domain status in that case.
func MapStatus(provider string) (bill.Status, bool) {
	s, ok := statusMap[provider]
	return s, ok
}
