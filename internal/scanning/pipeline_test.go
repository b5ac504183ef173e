package scanning

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

// mockExtractor is a mock implementation of Extractor
type mockExtractor struct {
	fields     *BillFields
	extractErr error
	calls      int
}

func (m *mockExtractor) ExtractBill(ctx context.Context, images [][]byte) (*BillFields, error) {
	m.calls++
	if m.extractErr != nil {
		return nil, m.extractErr
	}
	return m.fields, nil
}

func (m *mockExtractor) Close() error {
	return nil
}

var _ = Describe("Pipeline", func() {
	var (
		extractor *mockExtractor
		pipeline  *Pipeline
		pages     []Page
		fields    *BillFields
		err       error
	)

	BeforeEach(func() {
		extractor = &mockExtractor{
			fields: &BillFields{
				Recipient: "ACME GmbH",
				IBAN:      "DE89370400440532013000",
				Amount:    decimal.NewFromFloat(42.50),
				Currency:  "EUR",
				Source:    SourceOCR,
			},
		}
		pipeline = NewPipeline(extractor, "EUR")
	})

	JustBeforeEach(func() {
		fields, err = pipeline.Extract(context.Background(), pages)
	})

	When("a page carries a GiroCode", func() {
		BeforeEach(func() {
			payload := giroPayload(
				"BCD", "002", "1", "SCT", "",
				"Stadtwerke Musterstadt", "DE89370400440532013000", "EUR123.45",
			)
			pages = []Page{{Data: encodeQRPNG(payload), MIMEType: "image/png"}}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("uses the deterministic decode", func() {
			Expect(fields.Source).To(Equal(SourceQR))
			Expect(fields.Recipient).To(Equal("Stadtwerke Musterstadt"))
			Expect(fields.Amount.StringFixed(2)).To(Equal("123.45"))
		})

		It("never calls the model", func() {
			Expect(extractor.calls).To(BeZero())
		})
	})

	When("no page carries a code", func() {
		BeforeEach(func() {
			pages = []Page{{Data: blankPNG(), MIMEType: "image/png"}}
		})

		It("falls back to the model", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Source).To(Equal(SourceOCR))
			Expect(extractor.calls).To(Equal(1))
		})
	})

	When("an unreadable page is mixed with a readable one", func() {
		BeforeEach(func() {
			pages = []Page{
				{Data: []byte("garbage"), MIMEType: "image/jpeg"},
				{Data: blankPNG(), MIMEType: "image/png"},
			}
		})

		It("skips the bad page and continues", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(extractor.calls).To(Equal(1))
		})
	})

	When("the group is empty", func() {
		BeforeEach(func() {
			pages = nil
		})

		It("fails with no payment data", func() {
			Expect(err).To(MatchError(ErrNoPaymentData))
		})
	})

	When("no page is readable", func() {
		BeforeEach(func() {
			pages = []Page{{Data: []byte("garbage"), MIMEType: "image/jpeg"}}
		})

		It("fails with no payment data", func() {
			Expect(err).To(MatchError(ErrNoPaymentData))
		})
	})

	When("the model cannot find the fields", func() {
		BeforeEach(func() {
			extractor.fields = &BillFields{Recipient: "ACME GmbH"} // no IBAN, no amount
			pages = []Page{{Data: blankPNG(), MIMEType: "image/png"}}
		})

		It("fails with no payment data", func() {
			Expect(err).To(MatchError(ErrNoPaymentData))
		})
	})

	When("the model itself errors", func() {
		BeforeEach(func() {
			extractor.extractErr = errors.New("model unavailable")
			pages = []Page{{Data: blankPNG(), MIMEType: "image/png"}}
		})

		It("fails with no payment data", func() {
			Expect(err).To(MatchError(ErrNoPaymentData))
		})
	})

	When("the bill is in a foreign currency", func() {
		BeforeEach(func() {
			extractor.fields.Currency = "USD"
			pages = []Page{{Data: blankPNG(), MIMEType: "image/png"}}
		})

		It("fails with unsupported currency", func() {
			Expect(err).To(MatchError(ErrUnsupportedCurrency))
		})
	})

	When("the model omits the currency", func() {
		BeforeEach(func() {
			extractor.fields.Currency = ""
			pages = []Page{{Data: blankPNG(), MIMEType: "image/png"}}
		})

		It("defaults to the settlement currency", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Currency).To(Equal("EUR"))
		})
	})
})
