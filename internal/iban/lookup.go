package iban

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/bbolt"
)

const (
	bankDBBucketName    = "bank_db"
	bankCacheBucketName = "bank_cache"

	// lookupTimeout bounds the remote fallback; bank names are advisory
	// and must never block bill creation for long
	lookupTimeout = 3 * time.Second
)

// Bank is the resolved identity behind an IBAN.
type Bank struct {
	Name   string `json:"name"`
	BIC    string `json:"bic"`
	City   string `json:"city,omitempty"`
	Source string `json:"source"` // "bank_db", "cache", "remote" or "none"
}

// UnknownBank is returned when every lookup source fails.
func UnknownBank() Bank {
	return Bank{Name: "Unknown bank", Source: "none"}
}

// Directory resolves IBANs to banks. Lookup order: local authoritative
// table (by national bank code), cache of previous remote lookups, then the
// openiban.com fallback. Entries are never invalidated automatically; the
// local table only changes via ImportBankDB.
type Directory struct {
	db      *bbolt.DB
	client  *http.Client
	baseURL string
}

// NewDirectory creates the directory buckets. baseURL points at an
// openiban-compatible validate endpoint; empty means the public service.
func NewDirectory(db *bbolt.DB, baseURL string) (*Directory, error) {
	if baseURL == "" {
		baseURL = "https://openiban.com/validate"
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bankDBBucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bankCacheBucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bank buckets: %w", err)
	}
	return &Directory{
		db:      db,
		client:  &http.Client{Timeout: lookupTimeout},
		baseURL: baseURL,
	}, nil
}

// Lookup resolves the bank behind an IBAN. It never fails: when every
// source misses it returns UnknownBank.
func (d *Directory) Lookup(ctx context.Context, ibanStr string) Bank {
	ibanStr = Normalize(ibanStr)

	if code := BankCode(ibanStr); code != "" {
		if bank, ok := d.fromBucket(bankDBBucketName, code); ok {
			bank.Source = "bank_db"
			return bank
		}
	}

	if bank, ok := d.fromBucket(bankCacheBucketName, ibanStr); ok {
		bank.Source = "cache"
		return bank
	}

	bank, err := d.fromRemote(ctx, ibanStr)
	if err != nil {
		slog.Warn("Remote bank lookup failed", "iban", ibanStr, "error", err)
		return UnknownBank()
	}
	bank.Source = "remote"
	if err := d.cache(ibanStr, bank); err != nil {
		slog.Warn("Caching bank lookup failed", "iban", ibanStr, "error", err)
	}
	return bank
}

// Refresh drops a cached entry so the next Lookup hits the remote again.
func (d *Directory) Refresh(ibanStr string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bankCacheBucketName)).Delete([]byte(Normalize(ibanStr)))
	})
}

func (d *Directory) fromBucket(bucket, key string) (Bank, bool) {
	var bank Bank
	found := false
	err := d.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &bank); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		slog.Warn("Bank bucket read failed", "bucket", bucket, "key", key, "error", err)
		return Bank{}, false
	}
	return bank, found
}

func (d *Directory) cache(ibanStr string, bank Bank) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(bank)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bankCacheBucketName)).Put([]byte(ibanStr), data)
	})
}

// openibanResponse mirrors the openiban.com validate payload.
type openibanResponse struct {
	Valid    bool `json:"valid"`
	BankData struct {
		Name string `json:"name"`
		BIC  string `json:"bic"`
		City string `json:"city"`
	} `json:"bankData"`
}

func (d *Directory) fromRemote(ctx context.Context, ibanStr string) (Bank, error) {
	var bank Bank
	op := func() error {
		u := fmt.Sprintf("%s/%s?getBIC=true", d.baseURL, url.PathEscape(ibanStr))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("openiban status %d: %s", resp.StatusCode, string(body))
		}
		var parsed openibanResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return err
		}
		if !parsed.Valid || parsed.BankData.Name == "" {
			return backoff.Permanent(fmt.Errorf("no bank data for %s", ibanStr))
		}
		bank = Bank{
			Name: parsed.BankData.Name,
			BIC:  parsed.BankData.BIC,
			City: parsed.BankData.City,
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return Bank{}, err
	}
	return bank, nil
}

// ImportBankDB loads the Bundesbank fixed-width BLZ export into the local
// authoritative table. Record layout: bank code at 0:8, name at 9:67, BIC
// at 139:150, city at 72:107. Lines flagged '2' at offset 8 are duplicate
// head-office records and skipped. Returns the number of imported banks.
func (d *Directory) ImportBankDB(r io.Reader) (int, error) {
	count := 0
	scanner := bufio.NewScanner(r)
	err := d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bankDBBucketName))
		for scanner.Scan() {
			line := scanner.Text()
			if len(line) < 150 {
				continue
			}
			if line[8] == '2' {
				continue
			}
			bank := Bank{
				Name: strings.TrimSpace(line[9:67]),
				City: strings.TrimSpace(line[72:107]),
				BIC:  strings.TrimSpace(line[139:150]),
			}
			if bank.Name == "" {
				continue
			}
			data, err := json.Marshal(bank)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(line[0:8]), data); err != nil {
				return err
			}
			count++
		}
		return scanner.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("importing bank db: %w", err)
	}
	return count, nil
}
