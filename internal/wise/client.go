// Package wise wraps the Wise money-transfer API as the payment gateway.
package wise

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/payme/internal/bill"
)

// ErrInsufficientBalance signals that the account cannot cover a transfer.
// The bill is held, not failed; approval retries re-check the balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

const (
	// DefaultAPIDelay is the minimum spacing between any two API calls,
	// shared across one approval or reconciliation cycle.
	DefaultAPIDelay = 2 * time.Second

	requestTimeout = 30 * time.Second
	maxReference   = 140 // provider limit on the reference field
)

// Client is a rate-limited Wise API client bound to one profile.
type Client struct {
	baseURL   string
	token     string
	profileID int64
	client    *http.Client
	limiter   *limiter
}

// NewClient creates a Client. baseURL is injectable for tests; empty means
// the production API.
func NewClient(baseURL, token string, profileID int64, apiDelay time.Duration) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("wise api token is required")
	}
	if baseURL == "" {
		baseURL = "https://api.wise.com"
	}
	if apiDelay <= 0 {
		apiDelay = DefaultAPIDelay
	}
	return &Client{
		baseURL:   baseURL,
		token:     token,
		profileID: profileID,
		client:    &http.Client{Timeout: requestTimeout},
		limiter:   &limiter{delay: apiDelay, sleep: time.Sleep, now: time.Now},
	}, nil
}

// SetSleeper replaces the rate-limit sleep function for testing.
func (c *Client) SetSleeper(sleep func(time.Duration), now func() time.Time) {
	c.limiter.sleep = sleep
	c.limiter.now = now
}

// limiter spaces API calls by a fixed minimum delay.
type limiter struct {
	mu    sync.Mutex
	last  time.Time
	delay time.Duration
	sleep func(time.Duration)
	now   func() time.Time
}

func (l *limiter) wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.last.IsZero() {
		if elapsed := l.now().Sub(l.last); elapsed < l.delay {
			l.sleep(l.delay - elapsed)
		}
	}
	l.last = l.now()
}

// Balance is one currency balance of the profile.
type Balance struct {
	Currency  string
	Amount    decimal.Decimal
	Reserved  decimal.Decimal
	Available decimal.Decimal
}

// Transfer is the provider's view of one transfer.
type Transfer struct {
	ID            int64
	Reference     string
	Status        string // provider-native status string
	SourceAmount  decimal.Decimal
	TargetAmount  decimal.Decimal
	Currency      string
	RecipientName string
	Created       string
}

// DomainStatus maps the provider status; ok is false when unmapped.
func (t *Transfer) DomainStatus() (bill.Status, bool) {
	return MapStatus(t.Status)
}

// PaymentRequest carries everything needed to pay one bill.
type PaymentRequest struct {
	IBAN      string
	BIC       string
	Recipient string
	Amount    decimal.Decimal
	Currency  string
	Reference string
}

// PaymentResult is the outcome of ExecutePayment.
type PaymentResult struct {
	TransferID     int64
	ProviderStatus string
	Status         bill.Status
}

// AvailableBalance returns the available amount for a currency (total minus
// reserved). A missing balance is zero, not an error.
func (c *Client) AvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	var raw []struct {
		Amount struct {
			Currency string          `json:"currency"`
			Value    decimal.Decimal `json:"value"`
		} `json:"amount"`
		ReservedAmount struct {
			Value decimal.Decimal `json:"value"`
		} `json:"reservedAmount"`
	}
	path := fmt.Sprintf("/v4/profiles/%d/balances?types=STANDARD", c.profileID)
	if err := c.get(ctx, path, &raw); err != nil {
		return decimal.Zero, fmt.Errorf("fetching balances: %w", err)
	}
	for _, b := range raw {
		if b.Amount.Currency == currency {
			return b.Amount.Value.Sub(b.ReservedAmount.Value), nil
		}
	}
	return decimal.Zero, nil
}

// ExecutePayment runs the strictly ordered payment sequence: balance check,
// find-or-create recipient, quote, transfer. Each step fails independently;
// a retry restarts the whole sequence. The provider never lets this account
// class fund or authorize a transfer via the API, so the created transfer
// always lands in a funding- or authorization-pending state, never paid.
func (c *Client) ExecutePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	available, err := c.AvailableBalance(ctx, req.Currency)
	if err != nil {
		return nil, err
	}
	if available.LessThan(req.Amount) {
		return nil, fmt.Errorf("%w: %s %s available, %s needed",
			ErrInsufficientBalance, available.StringFixed(2), req.Currency, req.Amount.StringFixed(2))
	}

	recipientID, err := c.getOrCreateRecipient(ctx, req.IBAN, req.Recipient, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("resolving recipient: %w", err)
	}

	quoteID, err := c.createQuote(ctx, req.Currency, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("creating quote: %w", err)
	}

	transfer, err := c.createTransfer(ctx, quoteID, recipientID, req.Reference)
	if err != nil {
		return nil, fmt.Errorf("creating transfer: %w", err)
	}

	status, ok := MapStatus(transfer.Status)
	if !ok || status.Terminal() {
		// Freshly created transfers are pending by construction; treat
		// anything surprising as waiting for funds
		status = bill.StatusAwaitingFunding
	}
	return &PaymentResult{
		TransferID:     transfer.ID,
		ProviderStatus: transfer.Status,
		Status:         status,
	}, nil
}

// GetTransfer fetches the current provider state of a transfer.
func (c *Client) GetTransfer(ctx context.Context, id int64) (*Transfer, error) {
	var raw transferResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/transfers/%d", id), &raw); err != nil {
		return nil, fmt.Errorf("fetching transfer %d: %w", id, err)
	}
	return raw.transfer(), nil
}

// ListTransfersNeedingAuth returns transfers waiting for 2FA in the app.
func (c *Client) ListTransfersNeedingAuth(ctx context.Context) ([]Transfer, error) {
	var raw []transferResponse
	path := fmt.Sprintf("/v1/transfers?profile=%d&limit=50", c.profileID)
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	var waiting []Transfer
	for _, r := range raw {
		if r.Status == "waiting_for_authorization" {
			waiting = append(waiting, *r.transfer())
		}
	}
	return waiting, nil
}

type transferResponse struct {
	ID                  int64           `json:"id"`
	Status              string          `json:"status"`
	SourceValue         decimal.Decimal `json:"sourceValue"`
	TargetValue         decimal.Decimal `json:"targetValue"`
	TargetCurrency      string          `json:"targetCurrency"`
	TargetRecipientName string          `json:"targetRecipientName"`
	Created             string          `json:"created"`
	Details             struct {
		Reference string `json:"reference"`
	} `json:"details"`
}

func (r *transferResponse) transfer() *Transfer {
	return &Transfer{
		ID:            r.ID,
		Reference:     r.Details.Reference,
		Status:        r.Status,
		SourceAmount:  r.SourceValue,
		TargetAmount:  r.TargetValue,
		Currency:      r.TargetCurrency,
		RecipientName: r.TargetRecipientName,
		Created:       r.Created,
	}
}

func (c *Client) getOrCreateRecipient(ctx context.Context, ibanStr, name, currency string) (int64, error) {
	var existing []struct {
		ID      int64 `json:"id"`
		Details struct {
			IBAN string `json:"iban"`
		} `json:"details"`
	}
	path := fmt.Sprintf("/v1/accounts?profile=%d", c.profileID)
	if err := c.get(ctx, path, &existing); err != nil {
		return 0, err
	}
	for _, r := range existing {
		if normalizeIBAN(r.Details.IBAN) == normalizeIBAN(ibanStr) {
			return r.ID, nil
		}
	}

	var created struct {
		ID int64 `json:"id"`
	}
	body := map[string]any{
		"currency":          currency,
		"type":              "iban",
		"profile":           c.profileID,
		"accountHolderName": name,
		"details":           map[string]string{"iban": normalizeIBAN(ibanStr)},
	}
	if err := c.post(ctx, "/v1/accounts", body, &created); err != nil {
		return 0, err
	}
	if created.ID == 0 {
		return 0, fmt.Errorf("recipient response missing id")
	}
	return created.ID, nil
}

func (c *Client) createQuote(ctx context.Context, currency string, amount decimal.Decimal) (string, error) {
	var quote struct {
		ID string `json:"id"`
	}
	body := map[string]any{
		"sourceCurrency": currency,
		"targetCurrency": currency,
		"targetAmount":   amount,
		"profile":        c.profileID,
	}
	if err := c.post(ctx, "/v3/quotes", body, &quote); err != nil {
		return "", err
	}
	if quote.ID == "" {
		return "", fmt.Errorf("quote response missing id")
	}
	return quote.ID, nil
}

func (c *Client) createTransfer(ctx context.Context, quoteID string, recipientID int64, reference string) (*Transfer, error) {
	if len(reference) > maxReference {
		reference = reference[:maxReference]
	}
	var raw transferResponse
	body := map[string]any{
		"targetAccount":         recipientID,
		"quoteUuid":             quoteID,
		"customerTransactionId": uuid.NewString(),
		"details":               map[string]string{"reference": reference},
	}
	if err := c.post(ctx, "/v1/transfers", body, &raw); err != nil {
		return nil, err
	}
	if raw.ID == 0 {
		return nil, fmt.Errorf("transfer response missing id")
	}
	return raw.transfer(), nil
}

// get performs a rate-limited GET with bounded retry. GETs are idempotent
// and safe to retry; POSTs are not retried here - the whole payment
// sequence restarts instead.
func (c *Client) get(ctx context.Context, path string, out any) error {
	op := func() error {
		c.limiter.wait()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setHeaders(req)
		return c.do(req, out)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, bo)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	c.limiter.wait()
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	return c.do(req, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling wise API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("wise API error (status %d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func normalizeIBAN(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
}
