// Package poller orchestrates the bill payment lifecycle: the poll cycle
// that turns new photos into pending bills, the approval cycle that drives
// approved bills into the payment gateway, and the reconciliation cycle
// that tracks in-flight transfers to a terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/payme/internal/bill"
	"github.com/zombor/payme/internal/dedup"
	"github.com/zombor/payme/internal/iban"
	"github.com/zombor/payme/internal/notify"
	"github.com/zombor/payme/internal/photos"
	"github.com/zombor/payme/internal/scanning"
	"github.com/zombor/payme/internal/wise"
)

// Extractor turns the pages of one photo group into bill fields.
type Extractor interface {
	Extract(ctx context.Context, pages []scanning.Page) (*scanning.BillFields, error)
}

// BankDirectory resolves IBANs to bank identities.
type BankDirectory interface {
	Lookup(ctx context.Context, ibanStr string) iban.Bank
}

// DedupGuard detects and records duplicate payments.
type DedupGuard interface {
	IsDuplicate(ibanStr string, amount decimal.Decimal, reference string) (bool, *dedup.Record, error)
	CheckSimilar(ibanStr string, amount decimal.Decimal) ([]dedup.Record, error)
	Record(ibanStr string, amount decimal.Decimal, reference string, paidAt time.Time, billID string) error
	Prune() (int, error)
}

// Gateway is the payment provider surface the orchestrator needs.
type Gateway interface {
	AvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error)
	ExecutePayment(ctx context.Context, req wise.PaymentRequest) (*wise.PaymentResult, error)
	GetTransfer(ctx context.Context, id int64) (*wise.Transfer, error)
	ListTransfersNeedingAuth(ctx context.Context) ([]wise.Transfer, error)
}

// IDGenerator generates unique IDs for bills
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (defaultIDGenerator) Generate() string {
	return uuid.NewString()[:8]
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time { return time.Now() }

// Config holds the orchestrator's tunables.
type Config struct {
	Currency            string        // settlement currency, default EUR
	ConfidenceThreshold float64       // low-confidence flag boundary, default 0.9
	GroupingWindow      time.Duration // multi-page grouping window, default 5m
	LockDir             string        // lock file directory; empty disables cycle locks
	LockTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Currency == "" {
		c.Currency = "EUR"
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.9
	}
	if c.GroupingWindow == 0 {
		c.GroupingWindow = photos.DefaultGroupingWindow
	}
	return c
}

// Service composes the pipeline components into poll, approval and
// reconciliation cycles. Each cycle runs on a single worker; the gateway's
// serialized rate-limited calls make intra-cycle parallelism pointless.
type Service struct {
	bills     bill.DB
	source    photos.Source
	extractor Extractor
	banks     BankDirectory
	guard     DedupGuard
	gateway   Gateway
	notifier  notify.Notifier
	cfg       Config

	idGenerator IDGenerator
	timeSource  TimeSource

	pollLock      *CycleLock
	approveLock   *CycleLock
	reconcileLock *CycleLock
}

// NewService creates a Service with default ID generator and time source.
func NewService(bills bill.DB, source photos.Source, extractor Extractor, banks BankDirectory,
	guard DedupGuard, gateway Gateway, notifier notify.Notifier, cfg Config) *Service {

	cfg = cfg.withDefaults()
	s := &Service{
		bills:       bills,
		source:      source,
		extractor:   extractor,
		banks:       banks,
		guard:       guard,
		gateway:     gateway,
		notifier:    notifier,
		cfg:         cfg,
		idGenerator: defaultIDGenerator{},
		timeSource:  defaultTimeSource{},
	}
	if cfg.LockDir != "" {
		s.pollLock = NewCycleLock(cfg.LockDir, "poll", cfg.LockTimeout)
		s.approveLock = NewCycleLock(cfg.LockDir, "approve", cfg.LockTimeout)
		s.reconcileLock = NewCycleLock(cfg.LockDir, "reconcile", cfg.LockTimeout)
	}
	return s
}

// SetDeps replaces the ID generator and time source for testing.
func (s *Service) SetDeps(idGen IDGenerator, timeSrc TimeSource) {
	s.idGenerator = idGen
	s.timeSource = timeSrc
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	NewPhotos    int          `json:"new_photos"`
	GroupsSeen   int          `json:"groups_seen"`
	BillsCreated int          `json:"bills_created"`
	Errors       []string     `json:"errors,omitempty"`
	Bills        []*bill.Bill `json:"bills,omitempty"`
}

// Poll checks the photo source for new bills and creates pending bills.
// Only a source authentication failure aborts the cycle; extraction
// failures are reported per group and the cycle continues.
func (s *Service) Poll(ctx context.Context) (*PollResult, error) {
	release, err := s.acquire(ctx, s.pollLock)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &PollResult{}

	newPhotos, err := s.source.ListNew()
	if err != nil {
		if errors.Is(err, photos.ErrAuth) {
			notify.Send(s.notifier, notify.KindParseError, map[string]any{
				"error": fmt.Sprintf("photo source unavailable: %v", err),
			})
		}
		return nil, fmt.Errorf("listing photos: %w", err)
	}
	result.NewPhotos = len(newPhotos)
	if len(newPhotos) == 0 {
		return result, nil
	}

	// Groups come back in capture-time order and are processed in order
	groups := photos.GroupByTime(newPhotos, s.cfg.GroupingWindow)
	for _, group := range groups {
		result.GroupsSeen++

		created, err := s.processGroup(ctx, group)
		if err != nil {
			if errors.Is(err, scanning.ErrNoPaymentData) || errors.Is(err, scanning.ErrUnsupportedCurrency) {
				// Mark processed anyway so a hopeless group is not
				// re-parsed every cycle
				s.markProcessed(group)
				notify.Send(s.notifier, notify.KindParseError, map[string]any{
					"filename": group.Photos[0].Filename,
					"error":    err.Error(),
				})
			}
			result.Errors = append(result.Errors, fmt.Sprintf("group %s: %v", group.ID, err))
			slog.Error("Failed to process photo group", "group_id", group.ID, "error", err)
			continue
		}

		result.BillsCreated++
		result.Bills = append(result.Bills, created)
		s.markProcessed(group)

		notify.Send(s.notifier, notify.KindPendingBill, map[string]any{
			"bill_id":           created.ID,
			"recipient":         created.Recipient,
			"bank_name":         created.BankName,
			"iban":              created.IBAN,
			"amount":            created.Amount.StringFixed(2),
			"currency":          created.Currency,
			"reference":         created.Reference,
			"confidence":        created.Confidence,
			"duplicate_warning": created.DuplicateWarning,
			"status":            created.Status,
		})
	}

	if pruned, err := s.guard.Prune(); err != nil {
		slog.Warn("Dedup prune failed", "error", err)
	} else if pruned > 0 {
		slog.Info("Pruned expired payment hashes", "count", pruned)
	}

	notify.Send(s.notifier, notify.KindPollComplete, map[string]any{
		"new_bills": result.BillsCreated,
		"groups":    result.GroupsSeen,
		"errors":    len(result.Errors),
	})
	return result, nil
}

// processGroup downloads one photo group, extracts payment fields, enriches
// and persists a new bill in the active partition.
func (s *Service) processGroup(ctx context.Context, group photos.Group) (*bill.Bill, error) {
	pages := make([]scanning.Page, 0, len(group.Photos))
	photoIDs := make([]string, 0, len(group.Photos))
	for _, p := range group.Photos {
		data, err := s.source.Download(p.ID)
		if err != nil {
			return nil, fmt.Errorf("downloading photo %s: %w", p.ID, err)
		}
		pages = append(pages, scanning.Page{Data: data, MIMEType: p.MIMEType})
		photoIDs = append(photoIDs, p.ID)
	}

	fields, err := s.extractor.Extract(ctx, pages)
	if err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	b := &bill.Bill{
		ID:                 s.idGenerator.Generate(),
		Recipient:          fields.Recipient,
		IBAN:               iban.Normalize(fields.IBAN),
		BIC:                fields.BIC,
		Amount:             fields.Amount,
		Currency:           fields.Currency,
		Reference:          fields.Reference,
		Confidence:         fields.OverallConfidence,
		FieldConfidence:    fields.Confidence,
		Source:             fields.Source,
		PhotoIDs:           photoIDs,
		CreatedAt:          now,
		DueDate:            fields.DueDate,
		InvoiceNumber:      fields.InvoiceNumber,
		Description:        fields.Description,
		OriginalText:       fields.OriginalText,
		EnglishTranslation: fields.EnglishTranslation,
		LowConfidence:      fields.OverallConfidence < s.cfg.ConfidenceThreshold,
	}

	// Extraction output is untrusted; a failed checksum flags the bill
	// instead of dropping it so the operator can correct and decide
	b.IBANValid = iban.Validate(b.IBAN)
	if b.IBANValid {
		bank := s.banks.Lookup(ctx, b.IBAN)
		b.BankName = bank.Name
		if b.BIC == "" {
			b.BIC = bank.BIC
		}
	} else {
		b.BankName = iban.UnknownBank().Name
		b.Error = "IBAN checksum validation failed"
	}

	dup, _, err := s.guard.IsDuplicate(b.IBAN, b.Amount, b.Reference)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	b.DuplicateWarning = dup
	if !dup {
		similar, err := s.guard.CheckSimilar(b.IBAN, b.Amount)
		if err != nil {
			return nil, fmt.Errorf("similarity check: %w", err)
		}
		b.DuplicateWarning = len(similar) > 0
	}

	// Balance is evaluated at creation time; approval re-checks it
	b.Status = bill.StatusPending
	available, err := s.gateway.AvailableBalance(ctx, b.Currency)
	if err != nil {
		slog.Warn("Balance check failed at creation, leaving bill pending", "bill_id", b.ID, "error", err)
	} else if available.LessThan(b.Amount) {
		b.Status = bill.StatusInsufficientBalance
	}

	if err := s.bills.SaveActive(b); err != nil {
		return nil, fmt.Errorf("saving bill: %w", err)
	}
	slog.Info("Bill created",
		"bill_id", b.ID,
		"recipient", b.Recipient,
		"amount", b.Amount.StringFixed(2),
		"source", b.Source,
		"status", b.Status,
	)
	return b, nil
}

func (s *Service) markProcessed(group photos.Group) {
	for _, p := range group.Photos {
		if err := s.source.MarkProcessed(p.ID); err != nil {
			slog.Warn("Failed to mark photo processed", "photo_id", p.ID, "error", err)
		}
	}
}

func (s *Service) acquire(ctx context.Context, lock *CycleLock) (func(), error) {
	if lock == nil {
		return func() {}, nil
	}
	return lock.Acquire(ctx)
}
