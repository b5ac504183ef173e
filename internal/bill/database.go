package bill

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

const (
	activeBucketName  = "bills_active"
	historyBucketName = "bills_history"
)

// DB defines the persistence interface for bills. Active holds pending and
// in-flight bills; History holds bills in terminal states.
type DB interface {
	// SaveActive upserts a bill in the active partition
	SaveActive(b *Bill) error

	// GetActive retrieves an active bill by ID
	GetActive(id string) (*Bill, error)

	// ListActive returns all active bills
	ListActive() ([]*Bill, error)

	// MoveToHistory removes a bill from active and writes it to history
	// in a single transaction
	MoveToHistory(b *Bill) error

	// GetHistory retrieves a historical bill by ID
	GetHistory(id string) (*Bill, error)

	// ListHistory returns all historical bills
	ListHistory() ([]*Bill, error)
}

// BoltDB implements the DB interface on top of a shared bbolt database.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates the bill buckets and returns a BoltDB.
func NewBoltDB(db *bbolt.DB) (*BoltDB, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(activeBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(historyBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating bill buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

// SaveActive upserts a bill in the active partition.
func (b *BoltDB) SaveActive(bill *Bill) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putBill(tx.Bucket([]byte(activeBucketName)), bill)
	})
}

// GetActive retrieves an active bill by ID.
func (b *BoltDB) GetActive(id string) (*Bill, error) {
	return b.get(activeBucketName, id)
}

// ListActive returns all active bills.
func (b *BoltDB) ListActive() ([]*Bill, error) {
	return b.list(activeBucketName)
}

// MoveToHistory removes a bill from active and writes it to history atomically.
func (b *BoltDB) MoveToHistory(bill *Bill) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(activeBucketName)).Delete([]byte(bill.ID)); err != nil {
			return fmt.Errorf("removing active bill: %w", err)
		}
		return putBill(tx.Bucket([]byte(historyBucketName)), bill)
	})
}

// GetHistory retrieves a historical bill by ID.
func (b *BoltDB) GetHistory(id string) (*Bill, error) {
	return b.get(historyBucketName, id)
}

// ListHistory returns all historical bills.
func (b *BoltDB) ListHistory() ([]*Bill, error) {
	return b.list(historyBucketName)
}

func putBill(bucket *bbolt.Bucket, bill *Bill) error {
	data, err := json.Marshal(bill)
	if err != nil {
		return fmt.Errorf("marshaling bill: %w", err)
	}
	return bucket.Put([]byte(bill.ID), data)
}

func (b *BoltDB) get(bucket, id string) (*Bill, error) {
	var bill *Bill
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("bill not found: %s", id)
		}
		return json.Unmarshal(data, &bill)
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

func (b *BoltDB) list(bucket string) ([]*Bill, error) {
	bills := make([]*Bill, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var bill Bill
			if err := json.Unmarshal(v, &bill); err != nil {
				return fmt.Errorf("unmarshaling bill: %w", err)
			}
			bills = append(bills, &bill)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return bills, nil
}
