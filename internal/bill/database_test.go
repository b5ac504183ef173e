package bill

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

var _ = Describe("BoltDB", func() {
	var (
		raw *bbolt.DB
		db  *BoltDB
	)

	newBill := func(id string, status Status) *Bill {
		return &Bill{
			ID:        id,
			Recipient: "Stadtwerke",
			IBAN:      "DE89370400440532013000",
			Amount:    decimal.NewFromFloat(123.45),
			Currency:  "EUR",
			Reference: "RE-2026-001",
			Status:    status,
			CreatedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		}
	}

	BeforeEach(func() {
		dbPath := filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		raw, err = bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
		Expect(err).NotTo(HaveOccurred())

		db, err = NewBoltDB(raw)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		raw.Close()
	})

	Describe("SaveActive", func() {
		It("round-trips a bill through the active partition", func() {
			b := newBill("bill-1", StatusPending)
			Expect(db.SaveActive(b)).To(Succeed())

			saved, err := db.GetActive("bill-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Recipient).To(Equal("Stadtwerke"))
			Expect(saved.Amount.Equal(b.Amount)).To(BeTrue())
			Expect(saved.Status).To(Equal(StatusPending))
		})

		It("upserts on repeated saves", func() {
			b := newBill("bill-1", StatusPending)
			Expect(db.SaveActive(b)).To(Succeed())
			b.Status = StatusInsufficientBalance
			Expect(db.SaveActive(b)).To(Succeed())

			saved, err := db.GetActive("bill-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Status).To(Equal(StatusInsufficientBalance))

			list, err := db.ListActive()
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
		})
	})

	Describe("GetActive", func() {
		It("fails for an unknown bill", func() {
			_, err := db.GetActive("missing")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ListActive", func() {
		It("returns an empty slice when there are no bills", func() {
			list, err := db.ListActive()
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(BeEmpty())
			Expect(list).NotTo(BeNil())
		})
	})

	Describe("MoveToHistory", func() {
		It("moves the bill out of active into history", func() {
			b := newBill("bill-1", StatusPending)
			Expect(db.SaveActive(b)).To(Succeed())

			b.Status = StatusPaid
			Expect(db.MoveToHistory(b)).To(Succeed())

			_, err := db.GetActive("bill-1")
			Expect(err).To(HaveOccurred())

			archived, err := db.GetHistory("bill-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(archived.Status).To(Equal(StatusPaid))

			history, err := db.ListHistory()
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(1))
		})
	})
})
