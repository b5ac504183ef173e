package bill

import (
	"fmt"
	"log/slog"
	"time"
)

// allowedTransitions is the lifecycle table. Keys are current states, values
// the set of states reachable without a manual override.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInsufficientBalance: true,
		StatusAwaitingFunding:     true,
		StatusAwaiting2FA:         true,
		StatusProcessing:          true,
		StatusRejected:            true,
		StatusFailed:              true,
	},
	StatusInsufficientBalance: {
		StatusPending:         true,
		StatusAwaitingFunding: true,
		StatusAwaiting2FA:     true,
		StatusProcessing:      true,
		StatusRejected:        true,
		StatusFailed:          true,
	},
	StatusAwaitingFunding: {
		StatusAwaiting2FA: true,
		StatusProcessing:  true,
		StatusPaid:        true,
		StatusFailed:      true,
	},
	StatusAwaiting2FA: {
		StatusAwaitingFunding: true,
		StatusProcessing:      true,
		StatusPaid:            true,
		StatusFailed:          true,
	},
	StatusProcessing: {
		StatusAwaitingFunding: true,
		StatusAwaiting2FA:     true,
		StatusPaid:            true,
		StatusFailed:          true,
	},
}

// Transition moves a bill to a new status, enforcing the lifecycle table.
// Reaching StatusPaid stamps PaidAt with now.
func Transition(b *Bill, to Status, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status: %s", to)
	}
	if b.Status.Terminal() {
		return fmt.Errorf("bill %s is in terminal state %s", b.ID, b.Status)
	}
	if to == b.Status {
		return nil
	}
	if !allowedTransitions[b.Status][to] {
		return fmt.Errorf("illegal transition for bill %s: %s -> %s", b.ID, b.Status, to)
	}
	apply(b, to, now)
	return nil
}

// Override forces a bill from any non-terminal state into any state. This is
// the operator escape hatch: logged, otherwise unconstrained.
func Override(b *Bill, to Status, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status: %s", to)
	}
	if b.Status.Terminal() {
		return fmt.Errorf("bill %s is in terminal state %s", b.ID, b.Status)
	}
	slog.Warn("Manual status override", "bill_id", b.ID, "from", b.Status, "to", to)
	apply(b, to, now)
	return nil
}

func apply(b *Bill, to Status, now time.Time) {
	b.Status = to
	if to == StatusPaid && b.PaidAt.IsZero() {
		b.PaidAt = now
	}
}
