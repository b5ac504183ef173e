package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/zombor/payme/internal/bill"
	"github.com/zombor/payme/internal/wise"
)

// ListBills returns active bills sorted by creation time, oldest first.
// When includeHistory is set, terminal bills are appended after the active
// ones, also oldest first.
func (s *Service) ListBills(includeHistory bool) ([]*bill.Bill, error) {
	active, err := s.bills.ListActive()
	if err != nil {
		return nil, fmt.Errorf("listing active bills: %w", err)
	}
	sortByCreation(active)

	if !includeHistory {
		return active, nil
	}
	history, err := s.bills.ListHistory()
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	sortByCreation(history)
	return append(active, history...), nil
}

// GetBill looks a bill up in the active partition first, then in history.
func (s *Service) GetBill(id string) (*bill.Bill, error) {
	if b, err := s.bills.GetActive(id); err == nil {
		return b, nil
	}
	return s.bills.GetHistory(id)
}

// StatusOverview is an operator snapshot of the whole system.
type StatusOverview struct {
	PendingBills        []*bill.Bill    `json:"pending_bills"`
	InFlightBills       []*bill.Bill    `json:"in_flight_bills"`
	AvailableBalance    decimal.Decimal `json:"available_balance"`
	Currency            string          `json:"currency"`
	TransfersNeeding2FA []wise.Transfer `json:"transfers_needing_2fa"`
}

// Status collects pending and in-flight bills, the available balance and
// transfers waiting for in-app authorization. Gateway failures degrade the
// snapshot instead of failing it; stored bills are always reported.
func (s *Service) Status(ctx context.Context) (*StatusOverview, error) {
	active, err := s.bills.ListActive()
	if err != nil {
		return nil, fmt.Errorf("listing active bills: %w", err)
	}
	sortByCreation(active)

	overview := &StatusOverview{
		PendingBills:        []*bill.Bill{},
		InFlightBills:       []*bill.Bill{},
		Currency:            s.cfg.Currency,
		TransfersNeeding2FA: []wise.Transfer{},
	}
	for _, b := range active {
		if b.Status.InFlight() {
			overview.InFlightBills = append(overview.InFlightBills, b)
		} else {
			overview.PendingBills = append(overview.PendingBills, b)
		}
	}

	if balance, err := s.gateway.AvailableBalance(ctx, s.cfg.Currency); err != nil {
		slog.Warn("Balance unavailable for status overview", "error", err)
	} else {
		overview.AvailableBalance = balance
	}

	if waiting, err := s.gateway.ListTransfersNeedingAuth(ctx); err != nil {
		slog.Warn("Transfer list unavailable for status overview", "error", err)
	} else if waiting != nil {
		overview.TransfersNeeding2FA = waiting
	}
	return overview, nil
}

func sortByCreation(bills []*bill.Bill) {
	sort.Slice(bills, func(i, j int) bool {
		if bills[i].CreatedAt.Equal(bills[j].CreatedAt) {
			return bills[i].ID < bills[j].ID
		}
		return bills[i].CreatedAt.Before(bills[j].CreatedAt)
	})
}
