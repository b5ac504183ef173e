package wise

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/payme/internal/bill"
)

var _ = Describe("Client", func() {
	var (
		server   *httptest.Server
		client   *Client
		calls    []string
		slept    []time.Duration
		fakeNow  time.Time
		balance  string
		accounts string
		status   string
	)

	BeforeEach(func() {
		calls = nil
		slept = nil
		fakeNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
		balance = `[{"amount":{"currency":"EUR","value":500.00},"reservedAmount":{"value":50.00}}]`
		accounts = `[]`
		status = "incoming_payment_waiting"

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls = append(calls, r.Method+" "+r.URL.Path)
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer test-token"))

			switch {
			case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v4/profiles/"):
				fmt.Fprint(w, balance)
			case r.Method == http.MethodGet && r.URL.Path == "/v1/accounts":
				fmt.Fprint(w, accounts)
			case r.Method == http.MethodPost && r.URL.Path == "/v1/accounts":
				var body map[string]any
				Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				Expect(body["accountHolderName"]).To(Equal("Stadtwerke"))
				fmt.Fprint(w, `{"id":777}`)
			case r.Method == http.MethodPost && r.URL.Path == "/v3/quotes":
				fmt.Fprint(w, `{"id":"quote-abc"}`)
			case r.Method == http.MethodPost && r.URL.Path == "/v1/transfers":
				var body map[string]any
				Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				Expect(body["quoteUuid"]).To(Equal("quote-abc"))
				Expect(body["customerTransactionId"]).NotTo(BeEmpty())
				fmt.Fprintf(w, `{"id":12345,"status":%q}`, status)
			case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/transfers/"):
				fmt.Fprintf(w, `{"id":12345,"status":%q,"targetRecipientName":"Stadtwerke"}`, status)
			case r.Method == http.MethodGet && r.URL.Path == "/v1/transfers":
				fmt.Fprint(w, `[{"id":1,"status":"waiting_for_authorization"},{"id":2,"status":"processing"}]`)
			default:
				http.Error(w, "unexpected request", http.StatusTeapot)
			}
		}))

		var err error
		client, err = NewClient(server.URL, "test-token", 42, DefaultAPIDelay)
		Expect(err).NotTo(HaveOccurred())
		client.SetSleeper(
			func(d time.Duration) {
				slept = append(slept, d)
				fakeNow = fakeNow.Add(d)
			},
			func() time.Time { return fakeNow },
		)
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("NewClient", func() {
		It("requires a token", func() {
			_, err := NewClient("", "", 1, 0)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("rate limiting", func() {
		It("spaces consecutive calls by the configured delay", func() {
			_, err := client.AvailableBalance(context.Background(), "EUR")
			Expect(err).NotTo(HaveOccurred())
			_, err = client.AvailableBalance(context.Background(), "EUR")
			Expect(err).NotTo(HaveOccurred())

			// The fake clock only advances while sleeping, so the full
			// delay is always due
			Expect(slept).To(Equal([]time.Duration{DefaultAPIDelay}))
		})

		It("does not sleep before the first call", func() {
			_, err := client.AvailableBalance(context.Background(), "EUR")
			Expect(err).NotTo(HaveOccurred())
			Expect(slept).To(BeEmpty())
		})
	})

	Describe("AvailableBalance", func() {
		It("subtracts the reserved amount", func() {
			available, err := client.AvailableBalance(context.Background(), "EUR")
			Expect(err).NotTo(HaveOccurred())
			Expect(available.StringFixed(2)).To(Equal("450.00"))
		})

		It("returns zero for a currency without a balance", func() {
			available, err := client.AvailableBalance(context.Background(), "USD")
			Expect(err).NotTo(HaveOccurred())
			Expect(available.IsZero()).To(BeTrue())
		})
	})

	Describe("ExecutePayment", func() {
		var (
			req    PaymentRequest
			result *PaymentResult
			err    error
		)

		BeforeEach(func() {
			req = PaymentRequest{
				IBAN:      "DE89370400440532013000",
				Recipient: "Stadtwerke",
				Amount:    decimal.NewFromFloat(123.45),
				Currency:  "EUR",
				Reference: "RE-2026-001",
			}
		})

		JustBeforeEach(func() {
			result, err = client.ExecutePayment(context.Background(), req)
		})

		When("the recipient is new", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("runs the sequence in order: balance, recipient, quote, transfer", func() {
				Expect(calls).To(Equal([]string{
					"GET /v4/profiles/42/balances",
					"GET /v1/accounts",
					"POST /v1/accounts",
					"POST /v3/quotes",
					"POST /v1/transfers",
				}))
			})

			It("returns the transfer with the mapped status", func() {
				Expect(result.TransferID).To(Equal(int64(12345)))
				Expect(result.Status).To(Equal(bill.StatusAwaitingFunding))
				Expect(result.ProviderStatus).To(Equal("incoming_payment_waiting"))
			})
		})

		When("the recipient already exists", func() {
			BeforeEach(func() {
				accounts = `[{"id":555,"details":{"iban":"DE89 3704 0044 0532 0130 00"}}]`
			})

			It("reuses it instead of creating a duplicate", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(calls).NotTo(ContainElement("POST /v1/accounts"))
			})
		})

		When("the balance cannot cover the amount", func() {
			BeforeEach(func() {
				req.Amount = decimal.NewFromFloat(9999)
			})

			It("fails with ErrInsufficientBalance", func() {
				Expect(err).To(MatchError(ErrInsufficientBalance))
			})

			It("stops before touching recipients or quotes", func() {
				Expect(calls).To(Equal([]string{"GET /v4/profiles/42/balances"}))
			})
		})

		When("the provider reports an unmapped status", func() {
			BeforeEach(func() {
				status = "brand_new_state"
			})

			It("treats the fresh transfer as awaiting funding", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Status).To(Equal(bill.StatusAwaitingFunding))
			})
		})
	})

	Describe("GetTransfer", func() {
		It("fetches and maps the provider state", func() {
			transfer, err := client.GetTransfer(context.Background(), 12345)
			Expect(err).NotTo(HaveOccurred())
			Expect(transfer.ID).To(Equal(int64(12345)))
			Expect(transfer.RecipientName).To(Equal("Stadtwerke"))

			mapped, ok := transfer.DomainStatus()
			Expect(ok).To(BeTrue())
			Expect(mapped).To(Equal(bill.StatusAwaitingFunding))
		})
	})

	Describe("ListTransfersNeedingAuth", func() {
		It("returns only transfers waiting for authorization", func() {
			waiting, err := client.ListTransfersNeedingAuth(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(waiting).To(HaveLen(1))
			Expect(waiting[0].ID).To(Equal(int64(1)))
		})
	})
})
