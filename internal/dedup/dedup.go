// Package dedup guards against paying the same bill twice. Paid payments
// are recorded under a content hash of (IBAN, amount, reference); a new bill
// matching a record inside the rolling window is flagged as a duplicate.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

const (
	hashesBucketName = "payment_hashes"

	// DefaultWindow is the trailing period during which an identical
	// payment triple counts as a repeat.
	DefaultWindow = 90 * 24 * time.Hour
)

// Record is one remembered payment, keyed by its content hash.
type Record struct {
	PaidAt    time.Time       `json:"paid_at"`
	BillID    string          `json:"bill_id"`
	IBAN      string          `json:"iban"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time { return time.Now() }

// Guard detects duplicate payments over a bbolt-backed hash store.
type Guard struct {
	db     *bbolt.DB
	window time.Duration
	clock  TimeSource
}

// NewGuard creates the hash bucket and returns a Guard with the given
// window (0 means DefaultWindow).
func NewGuard(db *bbolt.DB, window time.Duration) (*Guard, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(hashesBucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating payment-hashes bucket: %w", err)
	}
	return &Guard{db: db, window: window, clock: defaultTimeSource{}}, nil
}

// NewGuardWithClock returns a Guard with a custom time source for testing.
func NewGuardWithClock(db *bbolt.DB, window time.Duration, clock TimeSource) (*Guard, error) {
	g, err := NewGuard(db, window)
	if err != nil {
		return nil, err
	}
	g.clock = clock
	return g, nil
}

// Hash computes the dedup key: SHA-256 of the normalized triple, truncated
// to 16 bytes (32 hex chars). IBAN is uppercased without spaces, the amount
// fixed to two decimals, the reference lowercased and trimmed.
func Hash(iban string, amount decimal.Decimal, reference string) string {
	combined := fmt.Sprintf("%s|%s|%s",
		strings.ToUpper(strings.ReplaceAll(iban, " ", "")),
		amount.StringFixed(2),
		strings.ToLower(strings.TrimSpace(reference)),
	)
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:16])
}

// IsDuplicate reports whether an identical payment was made within the
// window. The boundary is inclusive: a record paid exactly one window ago
// still counts as a duplicate.
func (g *Guard) IsDuplicate(iban string, amount decimal.Decimal, reference string) (bool, *Record, error) {
	rec, err := g.get(Hash(iban, amount, reference))
	if err != nil {
		return false, nil, err
	}
	if rec == nil || !g.inWindow(rec.PaidAt) {
		return false, nil, nil
	}
	return true, rec, nil
}

// CheckSimilar finds payments to the same IBAN with the same amount within
// the window regardless of reference. Softer than IsDuplicate; callers
// treat hits as a warning, not a block.
func (g *Guard) CheckSimilar(iban string, amount decimal.Decimal) ([]Record, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	var similar []Record
	err := g.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(hashesBucketName)).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling payment record: %w", err)
			}
			if !g.inWindow(rec.PaidAt) {
				return nil
			}
			if rec.IBAN != normalized || !rec.Amount.Equal(amount) {
				return nil
			}
			similar = append(similar, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return similar, nil
}

// Record upserts a payment record. Idempotent, last write wins; writes only
// happen on the single paid-transition path so there is no concurrent
// writer to reconcile with.
func (g *Guard) Record(iban string, amount decimal.Decimal, reference string, paidAt time.Time, billID string) error {
	rec := Record{
		PaidAt:    paidAt,
		BillID:    billID,
		IBAN:      strings.ToUpper(strings.ReplaceAll(iban, " ", "")),
		Amount:    amount,
		Reference: strings.TrimSpace(reference),
	}
	return g.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling payment record: %w", err)
		}
		return tx.Bucket([]byte(hashesBucketName)).Put([]byte(Hash(iban, amount, reference)), data)
	})
}

// Remove deletes a record by hash (operator undo). Returns whether it existed.
func (g *Guard) Remove(hash string) (bool, error) {
	existed := false
	err := g.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(hashesBucketName))
		if bucket.Get([]byte(hash)) != nil {
			existed = true
		}
		return bucket.Delete([]byte(hash))
	})
	return existed, err
}

// Prune deletes records older than the window. Expired records are already
// ignored by lookups, so pruning is housekeeping, not correctness. Returns
// the number removed.
func (g *Guard) Prune() (int, error) {
	removed := 0
	err := g.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(hashesBucketName))
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if g.inWindow(rec.PaidAt) {
				continue
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning payment hashes: %w", err)
	}
	return removed, nil
}

func (g *Guard) inWindow(paidAt time.Time) bool {
	return g.clock.Now().Sub(paidAt) <= g.window
}

func (g *Guard) get(hash string) (*Record, error) {
	var rec *Record
	err := g.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(hashesBucketName)).Get([]byte(hash))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading payment record: %w", err)
	}
	return rec, nil
}
