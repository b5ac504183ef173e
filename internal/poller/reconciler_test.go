package poller

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/payme/internal/bill"
	"github.com/zombor/payme/internal/wise"
)

var _ = Describe("Reconcile", func() {
	var (
		db       *mockBillDB
		guard    *mockGuard
		gateway  *mockGateway
		notifier *mockNotifier
		timeSrc  *mockTimeSource
		service  *Service
		result   *ReconcileResult
		err      error
	)

	BeforeEach(func() {
		db = newMockBillDB()
		guard = &mockGuard{}
		gateway = newMockGateway()
		notifier = &mockNotifier{}
		timeSrc = &mockTimeSource{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
		service = newTestService(db, newMockSource(), &mockExtractor{}, &mockBanks{},
			guard, gateway, notifier, timeSrc)

		Expect(db.SaveActive(&bill.Bill{
			ID:         "bill-1",
			Recipient:  "Stadtwerke",
			IBAN:       "DE89370400440532013000",
			Amount:     decimal.NewFromFloat(123.45),
			Currency:   "EUR",
			Reference:  "RE-2026-001",
			Status:     bill.StatusAwaitingFunding,
			TransferID: 12345,
		})).To(Succeed())
	})

	JustBeforeEach(func() {
		result, err = service.Reconcile(context.Background())
	})

	When("the transfer moved to processing", func() {
		BeforeEach(func() {
			gateway.transfers[12345] = &wise.Transfer{ID: 12345, Status: "processing"}
		})

		It("advances the bill and keeps it active", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Checked).To(Equal(1))
			Expect(result.Updated).To(Equal(1))
			Expect(db.active["bill-1"].Status).To(Equal(bill.StatusProcessing))
		})
	})

	When("the transfer was sent", func() {
		BeforeEach(func() {
			gateway.transfers[12345] = &wise.Transfer{ID: 12345, Status: "outgoing_payment_sent"}
		})

		It("marks the bill paid and archives it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(db.active).To(BeEmpty())
			archived := db.history["bill-1"]
			Expect(archived.Status).To(Equal(bill.StatusPaid))
			Expect(archived.PaidAt).To(Equal(timeSrc.now))
		})

		It("records the payment hash exactly now", func() {
			Expect(guard.recorded).To(HaveLen(1))
			Expect(guard.recorded[0].iban).To(Equal("DE89370400440532013000"))
			Expect(guard.recorded[0].paidAt).To(Equal(timeSrc.now))
		})

		It("notifies that the payment went out", func() {
			Expect(notifier.kinds()).To(Equal([]string{"payment_sent"}))
		})
	})

	When("the transfer bounced", func() {
		BeforeEach(func() {
			gateway.transfers[12345] = &wise.Transfer{ID: 12345, Status: "bounced_back"}
		})

		It("archives the bill as failed with the provider status", func() {
			Expect(err).NotTo(HaveOccurred())
			archived := db.history["bill-1"]
			Expect(archived.Status).To(Equal(bill.StatusFailed))
			Expect(archived.Error).To(ContainSubstring("bounced_back"))
		})

		It("does not record a payment hash", func() {
			Expect(guard.recorded).To(BeEmpty())
		})
	})

	When("the transfer now waits for authorization", func() {
		BeforeEach(func() {
			gateway.transfers[12345] = &wise.Transfer{ID: 12345, Status: "waiting_for_authorization"}
		})

		It("moves the bill to awaiting_2fa and notifies", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(db.active["bill-1"].Status).To(Equal(bill.StatusAwaiting2FA))
			Expect(notifier.kinds()).To(Equal([]string{"2fa_required"}))
		})
	})

	When("the provider reports an unmapped status", func() {
		BeforeEach(func() {
			gateway.transfers[12345] = &wise.Transfer{ID: 12345, Status: "charged_back_maybe"}
		})

		It("leaves the bill untouched", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Checked).To(Equal(1))
			Expect(result.Updated).To(BeZero())
			Expect(db.active["bill-1"].Status).To(Equal(bill.StatusAwaitingFunding))
		})
	})

	When("the status has not changed", func() {
		BeforeEach(func() {
			gateway.transfers[12345] = &wise.Transfer{ID: 12345, Status: "incoming_payment_waiting"}
		})

		It("does nothing", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Updated).To(BeZero())
		})
	})

	When("the gateway lookup fails", func() {
		BeforeEach(func() {
			gateway.getErr = errors.New("gateway down")
		})

		It("collects the error and keeps the bill", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Errors).To(HaveLen(1))
			Expect(db.active["bill-1"].Status).To(Equal(bill.StatusAwaitingFunding))
		})
	})

	When("bills without a transfer sit in the active partition", func() {
		BeforeEach(func() {
			Expect(db.SaveActive(&bill.Bill{ID: "bill-2", Status: bill.StatusPending})).To(Succeed())
			gateway.transfers[12345] = &wise.Transfer{ID: 12345, Status: "processing"}
		})

		It("skips them", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Checked).To(Equal(1))
			Expect(db.active["bill-2"].Status).To(Equal(bill.StatusPending))
		})
	})
})
