package poller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zombor/payme/internal/bill"
	"github.com/zombor/payme/internal/notify"
)

// ReconcileResult summarizes one reconciliation sweep.
type ReconcileResult struct {
	Checked int      `json:"checked"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors,omitempty"`
}

// Reconcile refreshes every active bill with a transfer in flight from the
// gateway and drives the state machine when the mapped status changed.
// Unmapped provider statuses are logged and left alone; the status table is
// not assumed exhaustive. A failure on one bill does not stop the sweep.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	release, err := s.acquire(ctx, s.reconcileLock)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &ReconcileResult{}

	active, err := s.bills.ListActive()
	if err != nil {
		return nil, fmt.Errorf("listing active bills: %w", err)
	}

	for _, b := range active {
		if b.TransferID == 0 || !b.Status.InFlight() {
			continue
		}
		result.Checked++

		transfer, err := s.gateway.GetTransfer(ctx, b.TransferID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("transfer %d: %v", b.TransferID, err))
			slog.Error("Failed to fetch transfer status", "bill_id", b.ID, "transfer_id", b.TransferID, "error", err)
			continue
		}

		mapped, ok := transfer.DomainStatus()
		if !ok {
			slog.Warn("Unmapped provider status, keeping current state",
				"bill_id", b.ID, "transfer_id", b.TransferID, "provider_status", transfer.Status)
			continue
		}
		if mapped == b.Status {
			continue
		}

		if err := bill.Transition(b, mapped, s.timeSource.Now()); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("bill %s: %v", b.ID, err))
			continue
		}
		if err := s.persistReconciled(b, transfer.Status); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("bill %s: %v", b.ID, err))
			continue
		}
		result.Updated++
		slog.Info("Transfer status updated",
			"bill_id", b.ID, "transfer_id", b.TransferID,
			"provider_status", transfer.Status, "status", b.Status)
	}
	return result, nil
}

func (s *Service) persistReconciled(b *bill.Bill, providerStatus string) error {
	switch {
	case b.Status == bill.StatusPaid:
		// The payment hash is written exactly here: on the paid
		// transition, never at transfer creation
		if err := s.guard.Record(b.IBAN, b.Amount, b.Reference, b.PaidAt, b.ID); err != nil {
			slog.Warn("Failed to record payment hash", "bill_id", b.ID, "error", err)
		}
		if err := s.bills.MoveToHistory(b); err != nil {
			return fmt.Errorf("archiving paid bill: %w", err)
		}
		notify.Send(s.notifier, notify.KindPaymentSent, map[string]any{
			"bill_id":   b.ID,
			"recipient": b.Recipient,
			"amount":    b.Amount.StringFixed(2),
			"currency":  b.Currency,
			"reference": b.Reference,
		})
	case b.Status == bill.StatusFailed:
		b.Error = fmt.Sprintf("transfer ended as %s", providerStatus)
		if err := s.bills.MoveToHistory(b); err != nil {
			return fmt.Errorf("archiving failed bill: %w", err)
		}
		notify.Send(s.notifier, notify.KindParseError, map[string]any{
			"bill_id": b.ID,
			"error":   b.Error,
		})
	default:
		if err := s.bills.SaveActive(b); err != nil {
			return fmt.Errorf("saving bill: %w", err)
		}
		if b.Status == bill.StatusAwaiting2FA {
			notify.Send(s.notifier, notify.KindTwoFARequired, map[string]any{
				"bill_id":     b.ID,
				"transfer_id": b.TransferID,
				"recipient":   b.Recipient,
				"amount":      b.Amount.StringFixed(2),
				"currency":    b.Currency,
			})
		}
	}
	return nil
}
