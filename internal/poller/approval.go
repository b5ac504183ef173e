package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zombor/payme/internal/bill"
	"github.com/zombor/payme/internal/notify"
	"github.com/zombor/payme/internal/wise"
)

// ErrDuplicateWarning blocks approval of a bill flagged as a duplicate
// until the operator explicitly overrides the warning.
var ErrDuplicateWarning = errors.New("bill has a duplicate warning")

// ErrInvalidIBAN blocks approval of a bill whose IBAN failed validation.
var ErrInvalidIBAN = errors.New("bill IBAN failed validation")

// ApprovalResult is the outcome of one approval attempt.
type ApprovalResult struct {
	BillID            string      `json:"bill_id"`
	Success           bool        `json:"success"`
	AlreadyInProgress bool        `json:"already_in_progress,omitempty"`
	TransferID        int64       `json:"transfer_id,omitempty"`
	Status            bill.Status `json:"status,omitempty"`
	Error             string      `json:"error,omitempty"`
}

// Approve executes the payment for a pending bill. Approval is idempotent:
// a bill already past pending reports already-in-progress instead of
// erroring. The balance is re-checked at approval time, not just creation
// time; a shortfall parks the bill in insufficient_balance for retry.
func (s *Service) Approve(ctx context.Context, billID string) (*ApprovalResult, error) {
	release, err := s.acquire(ctx, s.approveLock)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := s.bills.GetActive(billID)
	if err != nil {
		return nil, fmt.Errorf("loading bill: %w", err)
	}

	result := &ApprovalResult{BillID: b.ID, Status: b.Status}

	if b.Status != bill.StatusPending && b.Status != bill.StatusInsufficientBalance {
		result.AlreadyInProgress = true
		result.TransferID = b.TransferID
		return result, nil
	}
	if b.DuplicateWarning {
		return nil, fmt.Errorf("%w: bill %s", ErrDuplicateWarning, b.ID)
	}
	if !b.IBANValid {
		return nil, fmt.Errorf("%w: bill %s", ErrInvalidIBAN, b.ID)
	}

	payment, err := s.gateway.ExecutePayment(ctx, wise.PaymentRequest{
		IBAN:      b.IBAN,
		BIC:       b.BIC,
		Recipient: b.Recipient,
		Amount:    b.Amount,
		Currency:  b.Currency,
		Reference: b.Reference,
	})
	now := s.timeSource.Now()

	if err != nil {
		if errors.Is(err, wise.ErrInsufficientBalance) {
			if terr := bill.Transition(b, bill.StatusInsufficientBalance, now); terr != nil {
				return nil, terr
			}
			b.Error = err.Error()
			if serr := s.bills.SaveActive(b); serr != nil {
				return nil, fmt.Errorf("saving bill: %w", serr)
			}
			notify.Send(s.notifier, notify.KindInsufficientBalance, map[string]any{
				"bill_id":  b.ID,
				"amount":   b.Amount.StringFixed(2),
				"currency": b.Currency,
			})
			result.Status = b.Status
			result.Error = err.Error()
			return result, nil
		}

		// Gateway failure: the bill is terminal and the message retained
		// for the operator
		if terr := bill.Transition(b, bill.StatusFailed, now); terr != nil {
			return nil, terr
		}
		b.Error = err.Error()
		if serr := s.bills.MoveToHistory(b); serr != nil {
			return nil, fmt.Errorf("archiving failed bill: %w", serr)
		}
		slog.Error("Payment failed", "bill_id", b.ID, "error", err)
		result.Status = b.Status
		result.Error = err.Error()
		return result, nil
	}

	b.TransferID = payment.TransferID
	b.Error = ""
	if err := bill.Transition(b, payment.Status, now); err != nil {
		return nil, err
	}
	if err := s.bills.SaveActive(b); err != nil {
		return nil, fmt.Errorf("saving bill: %w", err)
	}

	kind := notify.KindAwaitingFunding
	if payment.Status == bill.StatusAwaiting2FA {
		kind = notify.KindTwoFARequired
	}
	notify.Send(s.notifier, kind, map[string]any{
		"bill_id":     b.ID,
		"transfer_id": payment.TransferID,
		"recipient":   b.Recipient,
		"amount":      b.Amount.StringFixed(2),
		"currency":    b.Currency,
		"reference":   b.Reference,
	})

	result.Success = true
	result.TransferID = payment.TransferID
	result.Status = b.Status
	return result, nil
}

// Reject declines a pending bill. Terminal; the bill moves to history.
func (s *Service) Reject(ctx context.Context, billID string) (*bill.Bill, error) {
	b, err := s.bills.GetActive(billID)
	if err != nil {
		return nil, fmt.Errorf("loading bill: %w", err)
	}
	if b.Status != bill.StatusPending && b.Status != bill.StatusInsufficientBalance {
		return nil, fmt.Errorf("bill %s cannot be rejected in status %s", b.ID, b.Status)
	}
	if err := bill.Transition(b, bill.StatusRejected, s.timeSource.Now()); err != nil {
		return nil, err
	}
	if err := s.bills.MoveToHistory(b); err != nil {
		return nil, fmt.Errorf("archiving rejected bill: %w", err)
	}
	notify.Send(s.notifier, notify.KindPaymentRejected, map[string]any{
		"bill_id":   b.ID,
		"recipient": b.Recipient,
		"amount":    b.Amount.StringFixed(2),
		"currency":  b.Currency,
	})
	return b, nil
}

// OverrideDuplicate clears the duplicate warning so the bill can be
// approved.
func (s *Service) OverrideDuplicate(billID string) (*bill.Bill, error) {
	b, err := s.bills.GetActive(billID)
	if err != nil {
		return nil, fmt.Errorf("loading bill: %w", err)
	}
	b.DuplicateWarning = false
	if err := s.bills.SaveActive(b); err != nil {
		return nil, fmt.Errorf("saving bill: %w", err)
	}
	slog.Info("Duplicate warning overridden", "bill_id", b.ID)
	return b, nil
}

// SetStatus is the operator escape hatch: it forces a bill into any status
// from any non-terminal state. Reaching paid records the payment hash;
// reaching a terminal state archives the bill.
func (s *Service) SetStatus(billID string, status bill.Status) (*bill.Bill, error) {
	b, err := s.bills.GetActive(billID)
	if err != nil {
		return nil, fmt.Errorf("loading bill: %w", err)
	}
	now := s.timeSource.Now()
	if err := bill.Override(b, status, now); err != nil {
		return nil, err
	}
	if b.Status == bill.StatusPaid {
		if err := s.guard.Record(b.IBAN, b.Amount, b.Reference, b.PaidAt, b.ID); err != nil {
			slog.Warn("Failed to record payment hash", "bill_id", b.ID, "error", err)
		}
	}
	if b.Status.Terminal() {
		if err := s.bills.MoveToHistory(b); err != nil {
			return nil, fmt.Errorf("archiving bill: %w", err)
		}
		return b, nil
	}
	if err := s.bills.SaveActive(b); err != nil {
		return nil, fmt.Errorf("saving bill: %w", err)
	}
	return b, nil
}
