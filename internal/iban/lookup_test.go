package iban

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/bbolt"
)

// blzLine builds one fixed-width Bundesbank record for tests.
func blzLine(code, flag, name, city, bic string) string {
	line := make([]byte, 168)
	for i := range line {
		line[i] = ' '
	}
	copy(line[0:8], code)
	copy(line[8:9], flag)
	copy(line[9:67], name)
	copy(line[72:107], city)
	copy(line[139:150], bic)
	return string(line)
}

var _ = Describe("Directory", func() {
	var (
		db        *bbolt.DB
		remote    *httptest.Server
		remoteHit int
		directory *Directory
		ctx       context.Context
	)

	BeforeEach(func() {
		dbPath := filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		db, err = bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
		Expect(err).NotTo(HaveOccurred())

		remoteHit = 0
		remote = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remoteHit++
			if strings.Contains(r.URL.Path, "NL91ABNA0417164300") {
				fmt.Fprint(w, `{"valid":true,"bankData":{"name":"ABN AMRO","bic":"ABNANL2A","city":"Amsterdam"}}`)
				return
			}
			fmt.Fprint(w, `{"valid":false,"bankData":{}}`)
		}))

		directory, err = NewDirectory(db, remote.URL)
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		remote.Close()
		db.Close()
	})

	Describe("ImportBankDB", func() {
		var (
			count int
			err   error
		)

		JustBeforeEach(func() {
			input := strings.Join([]string{
				blzLine("37040044", "1", "Commerzbank", "Koeln", "COBADEFFXXX"),
				blzLine("37040044", "2", "Commerzbank duplicate", "Koeln", "COBADEFFXXX"),
				blzLine("10070000", "1", "Deutsche Bank", "Berlin", "DEUTDEBBXXX"),
				"too short",
			}, "\n")
			count, err = directory.ImportBankDB(strings.NewReader(input))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("imports head-office records and skips duplicates and short lines", func() {
			Expect(count).To(Equal(2))
		})

		It("resolves a German IBAN from the imported table", func() {
			bank := directory.Lookup(ctx, "DE89370400440532013000")
			Expect(bank.Name).To(Equal("Commerzbank"))
			Expect(bank.BIC).To(Equal("COBADEFFXXX"))
			Expect(bank.City).To(Equal("Koeln"))
			Expect(bank.Source).To(Equal("bank_db"))
		})

		It("does not touch the remote for local hits", func() {
			directory.Lookup(ctx, "DE89370400440532013000")
			Expect(remoteHit).To(Equal(0))
		})
	})

	Describe("Lookup", func() {
		When("the IBAN is only known remotely", func() {
			var bank Bank

			JustBeforeEach(func() {
				bank = directory.Lookup(ctx, "NL91ABNA0417164300")
			})

			It("resolves via the remote service", func() {
				Expect(bank.Name).To(Equal("ABN AMRO"))
				Expect(bank.BIC).To(Equal("ABNANL2A"))
				Expect(bank.Source).To(Equal("remote"))
			})

			It("caches the remote result", func() {
				again := directory.Lookup(ctx, "NL91ABNA0417164300")
				Expect(again.Name).To(Equal("ABN AMRO"))
				Expect(again.Source).To(Equal("cache"))
				Expect(remoteHit).To(Equal(1))
			})
		})

		When("the remote has no data", func() {
			It("returns the unknown bank", func() {
				bank := directory.Lookup(ctx, "FR1420041010050500013M02606")
				Expect(bank).To(Equal(UnknownBank()))
			})

			It("does not cache the miss", func() {
				directory.Lookup(ctx, "FR1420041010050500013M02606")
				directory.Lookup(ctx, "FR1420041010050500013M02606")
				Expect(remoteHit).To(Equal(2))
			})
		})

		When("the remote is unreachable", func() {
			BeforeEach(func() {
				remote.Close()
			})

			It("returns the unknown bank instead of failing", func() {
				bank := directory.Lookup(ctx, "NL91ABNA0417164300")
				Expect(bank).To(Equal(UnknownBank()))
			})
		})
	})

	Describe("Refresh", func() {
		It("drops the cached entry so the next lookup hits the remote", func() {
			directory.Lookup(ctx, "NL91ABNA0417164300")
			Expect(directory.Refresh("NL91ABNA0417164300")).To(Succeed())
			bank := directory.Lookup(ctx, "NL91ABNA0417164300")
			Expect(bank.Source).To(Equal("remote"))
			Expect(remoteHit).To(Equal(2))
		})
	})
})
