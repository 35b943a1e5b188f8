package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/zombor/cashback-tracker/internal/cashback"
	"github.com/zombor/cashback-tracker/internal/ledger"
	"github.com/zombor/cashback-tracker/internal/normalize"
	"github.com/zombor/cashback-tracker/internal/scanning"
	"github.com/zombor/cashback-tracker/internal/tracing"
)

var (
	// ErrRetryExhausted is recorded on a receipt whose transient failures reached the retry limit
	ErrRetryExhausted = errors.New("retries exhausted")
	// ErrInvalidInput is returned for requests that can never succeed as given
	ErrInvalidInput = errors.New("invalid input")

	// errTransient marks ledger failures inside the pipeline that a retry may fix
	errTransient = errors.New("temporarily unavailable")
)

// Extractor turns a receipt image into candidate fields
type Extractor interface {
	CheckSize(size int) error
	Extract(ctx context.Context, image []byte, contentType string) (*scanning.ExtractionResult, error)
}

// Normalizer turns candidate fields into a parsed receipt
type Normalizer interface {
	Normalize(in normalize.Input) (*ledger.ParsedReceipt, error)
}

// Resolver computes the cashback entries of a parsed receipt and ranks offers for a
// planned purchase
type Resolver interface {
	Resolve(p *ledger.ParsedReceipt) ([]*ledger.CashbackEntry, error)
	Rank(q cashback.Query) ([]cashback.Ranked, error)
}

// ExpiryScheduler schedules the deferred expiry check of an offer
type ExpiryScheduler interface {
	ScheduleOfferExpiry(offer *ledger.Offer) error
}

// IDGenerator generates unique IDs for receipts, offers and merchants
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config holds the pipeline settings
type Config struct {
	// MaxRetries is the number of extraction attempts, the first included, before a
	// transiently failing receipt goes to review
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// UserConcurrency bounds extractions started by user submissions
	UserConcurrency int64
	// RetryConcurrency bounds extractions started by the retry sweep
	RetryConcurrency int64
	DefaultLocale    string
	DefaultCurrency  string
	DefaultDigest    bool
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BackoffBase:      time.Minute,
		BackoffMax:       time.Hour,
		UserConcurrency:  4,
		RetryConcurrency: 2,
		DefaultLocale:    "en-US",
		DefaultCurrency:  "USD",
		DefaultDigest:    true,
	}
}

// Deps are the collaborators of the pipeline
type Deps struct {
	DB         ledger.DB
	Extractor  Extractor
	Normalizer Normalizer
	Resolver   Resolver
	Storage    Storage
}

// Service runs the receipt pipeline: store the image, extract, normalize, resolve cashback
// and commit, recording failures on the receipt so nothing is dropped
type Service struct {
	db          ledger.DB
	extractor   Extractor
	normalizer  Normalizer
	resolver    Resolver
	storage     Storage
	config      Config
	idGenerator IDGenerator
	timeSource  TimeSource
	tracer      *tracing.Tracer
	expiry      ExpiryScheduler
	inflight    singleflight.Group
	userPool    *semaphore.Weighted
	retryPool   *semaphore.Weighted
}

// NewService creates a new Service with default ID generator and time source
func NewService(deps Deps, config Config) *Service {
	return NewServiceWithDeps(deps, config, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(deps Deps, config Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	def := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax < config.BackoffBase {
		config.BackoffMax = max(def.BackoffMax, config.BackoffBase)
	}
	if config.UserConcurrency <= 0 {
		config.UserConcurrency = def.UserConcurrency
	}
	if config.RetryConcurrency <= 0 {
		config.RetryConcurrency = def.RetryConcurrency
	}
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = def.DefaultCurrency
	}

	return &Service{
		db:          deps.DB,
		extractor:   deps.Extractor,
		normalizer:  deps.Normalizer,
		resolver:    deps.Resolver,
		storage:     deps.Storage,
		config:      config,
		idGenerator: idGen,
		timeSource:  timeSrc,
		tracer:      tracing.Noop(),
		userPool:    semaphore.NewWeighted(config.UserConcurrency),
		retryPool:   semaphore.NewWeighted(config.RetryConcurrency),
	}
}

// SetTracer sets the tracer used for pipeline spans
func (s *Service) SetTracer(t *tracing.Tracer) {
	s.tracer = t
}

// SetExpiryScheduler sets where new and revoked offers schedule their expiry check
func (s *Service) SetExpiryScheduler(e ExpiryScheduler) {
	s.expiry = e
}

var (
	specialChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	base = specialChars.ReplaceAllString(base, "")
	base = whitespace.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// phones produce very long names
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

// Backoff returns the wait before the next extraction attempt after attempts failures:
// min(base * 2^(attempts-1), max)
func (s *Service) Backoff(attempts int) time.Duration {
	d := s.config.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.config.BackoffMax || d <= 0 {
			return s.config.BackoffMax
		}
	}
	return min(d, s.config.BackoffMax)
}

// Submit stores a new receipt image for a user and runs it through the pipeline. Images the
// extractor would refuse are rejected before anything is stored. Extraction failures are
// recorded on the returned receipt rather than returned as errors.
func (s *Service) Submit(ctx context.Context, userID, filename string, data []byte, contentType string, receivedAt time.Time) (*ledger.Receipt, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if err := s.extractor.CheckSize(len(data)); err != nil {
		return nil, err
	}

	user, err := s.EnsureUser(userID)
	if err != nil {
		return nil, err
	}

	id := s.idGenerator.Generate()
	if receivedAt.IsZero() {
		receivedAt = s.timeSource.Now()
	}

	savedPath, err := s.storage.Save(user.ID, fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	receipt := &ledger.Receipt{
		ID:          id,
		UserID:      user.ID,
		ImageRef:    savedPath,
		ContentType: contentType,
		Status:      ledger.ReceiptPending,
		ReceivedAt:  receivedAt,
	}
	if err := s.db.CreateReceipt(receipt); err != nil {
		s.storage.Delete(savedPath)
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	slog.Info("Receipt submitted", "receipt_id", id, "user_id", user.ID, "content_type", contentType, "file_size", len(data))

	processed, err := s.process(ctx, id, s.userPool)
	if processed != nil {
		if err != nil {
			slog.Warn("Receipt not parsed", "receipt_id", id, "status", processed.Status, "error", err)
		}
		return processed, nil
	}
	return nil, err
}

// Reprocess runs extraction again for a receipt that failed or awaits review
func (s *Service) Reprocess(ctx context.Context, id string) (*ledger.Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.Status == ledger.ReceiptParsed {
		return nil, fmt.Errorf("receipt %s: %w", id, ledger.ErrReceiptImmutable)
	}
	return s.process(ctx, id, s.userPool)
}

// RetryReceipt is the retry sweep's entry point for failed receipts and for pending ones
// whose extraction never finished. A receipt that already used all its attempts goes to
// review without another extraction.
func (s *Service) RetryReceipt(ctx context.Context, id string) (*ledger.Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.Status != ledger.ReceiptFailed && receipt.Status != ledger.ReceiptPending {
		return receipt, nil
	}
	if receipt.Attempts >= s.config.MaxRetries {
		cause := fmt.Errorf("%w after %d attempts: %s", ErrRetryExhausted, receipt.Attempts, receipt.LastError)
		updated, err := s.db.RecordExtractionFailure(id, cause, ledger.ReceiptNeedsReview, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("recording exhausted retries: %w", err)
		}
		return updated, cause
	}
	return s.process(ctx, id, s.retryPool)
}

// process runs the pipeline once per receipt at a time; concurrent callers for the same
// receipt share one run
func (s *Service) process(ctx context.Context, id string, pool *semaphore.Weighted) (*ledger.Receipt, error) {
	v, err, shared := s.inflight.Do(id, func() (any, error) {
		return s.run(ctx, id, pool)
	})
	if shared {
		slog.Debug("Joined in-flight receipt processing", "receipt_id", id)
	}
	receipt, _ := v.(*ledger.Receipt)
	return receipt, err
}

func (s *Service) run(ctx context.Context, id string, pool *semaphore.Weighted) (result *ledger.Receipt, err error) {
	ctx, span := s.tracer.StartSpan(ctx, "receipt.process", attribute.String("receipt.id", id))
	defer func() { tracing.End(span, err) }()

	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.Status == ledger.ReceiptParsed {
		return receipt, nil
	}

	image, err := s.storage.Get(receipt.ImageRef)
	if err != nil {
		return s.recordFailure(receipt, fmt.Errorf("%w: reading image: %v", scanning.ErrExtractionFailed, err))
	}

	if err := pool.Acquire(ctx, 1); err != nil {
		return s.recordFailure(receipt, fmt.Errorf("%w: waiting for an extraction slot: %v", errTransient, err))
	}
	extraction, err := s.extract(ctx, image, receipt.ContentType)
	pool.Release(1)
	if err != nil {
		return s.recordFailure(receipt, err)
	}

	user, err := s.db.GetUser(receipt.UserID)
	if err != nil {
		return s.recordFailure(receipt, fmt.Errorf("%w: loading user: %v", errTransient, err))
	}

	_, nspan := s.tracer.StartSpan(ctx, "receipt.normalize")
	parsed, nerr := s.normalizer.Normalize(normalize.Input{
		ReceiptID:  receipt.ID,
		UserID:     receipt.UserID,
		Extraction: extraction,
		Locale:     user.Locale,
		Currency:   user.Currency,
		ReceivedAt: receipt.ReceivedAt,
	})
	tracing.End(nspan, nerr)
	if parsed == nil {
		return s.recordFailure(receipt, nerr)
	}
	if nerr != nil {
		slog.Warn("Receipt normalized with gaps", "receipt_id", id, "reasons", parsed.ReviewReasons, "error", nerr)
	}

	entries, err := s.resolver.Resolve(parsed)
	if err != nil {
		return s.recordFailure(receipt, fmt.Errorf("%w: resolving cashback: %v", errTransient, err))
	}

	committed, err := s.db.CommitReceipt(parsed, entries)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return nil, fmt.Errorf("committing receipt: %w", err)
		}
		return s.recordFailure(receipt, fmt.Errorf("%w: committing receipt: %v", errTransient, err))
	}

	slog.Info("Receipt processed",
		"receipt_id", id,
		"status", committed.Status,
		"merchant_id", committed.MerchantID,
		"total", committed.Total.StringFixed(2),
		"currency", committed.Currency,
		"confidence", committed.Confidence,
		"entries", len(entries),
	)
	return committed, nil
}

func (s *Service) extract(ctx context.Context, image []byte, contentType string) (*scanning.ExtractionResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "receipt.extract", attribute.String("content_type", contentType))
	result, err := s.extractor.Extract(ctx, image, contentType)
	tracing.End(span, err)
	return result, err
}

// recordFailure stores a failed attempt. Transient failures are retried with backoff until
// the attempt limit; everything else goes straight to review.
func (s *Service) recordFailure(receipt *ledger.Receipt, cause error) (*ledger.Receipt, error) {
	status := ledger.ReceiptNeedsReview
	var next time.Time

	if errors.Is(cause, scanning.ErrExtractionUnavailable) || errors.Is(cause, errTransient) {
		attempts := receipt.Attempts + 1
		if attempts >= s.config.MaxRetries {
			cause = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, cause)
		} else {
			status = ledger.ReceiptFailed
			next = s.timeSource.Now().Add(s.Backoff(attempts))
		}
	}

	updated, err := s.db.RecordExtractionFailure(receipt.ID, cause, status, next)
	if err != nil {
		return nil, errors.Join(cause, fmt.Errorf("recording failure: %w", err))
	}
	slog.Warn("Receipt extraction failed",
		"receipt_id", receipt.ID,
		"status", status,
		"attempts", updated.Attempts,
		"next_attempt_at", next,
		"error", cause,
	)
	return updated, cause
}

// Correction carries the fields a user fixed while reviewing a receipt
type Correction struct {
	MerchantID  string           `json:"merchant_id,omitempty"`
	Category    string           `json:"category,omitempty"`
	Total       *decimal.Decimal `json:"total,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	PurchasedAt *time.Time       `json:"purchased_at,omitempty"`
}

// Confirm resolves a receipt in review with the user's corrections. Its pending entries are
// recomputed and accrue; the merchant learns the printed name as an alias.
func (s *Service) Confirm(ctx context.Context, id string, c Correction) (*ledger.Receipt, error) {
	v, err, _ := s.inflight.Do(id, func() (any, error) {
		return s.confirm(ctx, id, c)
	})
	receipt, _ := v.(*ledger.Receipt)
	return receipt, err
}

func (s *Service) confirm(ctx context.Context, id string, c Correction) (result *ledger.Receipt, err error) {
	_, span := s.tracer.StartSpan(ctx, "receipt.confirm", attribute.String("receipt.id", id))
	defer func() { tracing.End(span, err) }()

	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	switch receipt.Status {
	case ledger.ReceiptParsed:
		return nil, fmt.Errorf("receipt %s: %w", id, ledger.ErrReceiptImmutable)
	case ledger.ReceiptPending:
		return nil, &ledger.TransitionError{Entity: "receipt", ID: id, From: string(ledger.ReceiptNeedsReview), To: string(ledger.ReceiptParsed), Current: string(receipt.Status)}
	}

	merchantID := receipt.MerchantID
	if c.MerchantID != "" {
		merchantID = c.MerchantID
	}
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchant", normalize.ErrMissingRequiredField)
	}
	merchant, err := s.db.GetMerchant(merchantID)
	if err != nil {
		return nil, fmt.Errorf("getting merchant: %w", err)
	}

	total := receipt.Total
	totalKnown := receipt.ConfidenceDetail.Amount > 0
	if c.Total != nil {
		if c.Total.IsNegative() {
			return nil, fmt.Errorf("%w: negative total", ErrInvalidInput)
		}
		total = *c.Total
		totalKnown = true
	}
	if !totalKnown {
		return nil, fmt.Errorf("%w: total", normalize.ErrMissingRequiredField)
	}

	currency := receipt.Currency
	if c.Currency != "" {
		currency = strings.ToUpper(c.Currency)
	}
	if currency == "" {
		return nil, fmt.Errorf("%w: currency", normalize.ErrMissingRequiredField)
	}
	purchasedAt := receipt.PurchasedAt
	if c.PurchasedAt != nil {
		purchasedAt = *c.PurchasedAt
	}
	if purchasedAt.IsZero() {
		purchasedAt = receipt.ReceivedAt
	}
	category := strings.ToLower(strings.TrimSpace(c.Category))
	if category == "" {
		category = merchant.Category
	}
	if category == "" {
		category = receipt.Category
	}

	if err := s.learnMerchant(merchant, receipt.MerchantName, category); err != nil {
		return nil, err
	}

	parsed := &ledger.ParsedReceipt{
		ReceiptID:     receipt.ID,
		UserID:        receipt.UserID,
		Status:        ledger.ReceiptParsed,
		MerchantName:  merchant.Name,
		MerchantID:    merchant.ID,
		Category:      category,
		Total:         total,
		TotalResolved: true,
		Currency:      currency,
		PurchasedAt:   purchasedAt,
		LineItems:     receipt.LineItems,
		Confidence:    ledger.Confidence{Engine: 1, Amount: 1, Currency: 1, Date: 1, Merchant: 1, LineItems: 1},
		RawText:       receipt.RawText,
	}
	entries, err := s.resolver.Resolve(parsed)
	if err != nil {
		return nil, fmt.Errorf("resolving cashback: %w", err)
	}
	committed, err := s.db.CommitReceipt(parsed, entries)
	if err != nil {
		return nil, fmt.Errorf("committing receipt: %w", err)
	}
	slog.Info("Receipt confirmed", "receipt_id", id, "merchant_id", merchant.ID, "entries", len(entries))
	return committed, nil
}

// learnMerchant marks a reviewed merchant as resolved and records the printed name as one of
// its aliases. An alias already owned by another merchant is left there.
func (s *Service) learnMerchant(merchant *ledger.Merchant, printedName, category string) error {
	changed := false
	if merchant.Unresolved {
		merchant.Unresolved = false
		changed = true
	}
	if merchant.Category == "" && category != "" {
		merchant.Category = category
		changed = true
	}
	if changed {
		if err := s.db.SaveMerchant(merchant); err != nil {
			return fmt.Errorf("saving merchant: %w", err)
		}
	}

	alias := normalize.NormalizeName(printedName)
	if alias == "" {
		return nil
	}
	for _, a := range merchant.Aliases {
		if a == alias {
			return nil
		}
	}
	if _, err := s.db.AddMerchantAlias(merchant.ID, alias); err != nil {
		if errors.Is(err, ledger.ErrAliasTaken) {
			slog.Warn("Alias belongs to another merchant", "alias", alias, "merchant_id", merchant.ID)
			return nil
		}
		return fmt.Errorf("adding merchant alias: %w", err)
	}
	return nil
}

// TransitionEntry moves a cashback entry from one status to another
func (s *Service) TransitionEntry(id string, from, to ledger.EntryStatus) (*ledger.CashbackEntry, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("%w: unknown entry status", ErrInvalidInput)
	}
	entry, err := s.db.TransitionEntryStatus(id, from, to)
	if err != nil {
		return nil, fmt.Errorf("transitioning entry %s: %w", id, err)
	}
	slog.Info("Entry transitioned", "entry_id", id, "from", from, "to", to)
	return entry, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id string) (*ledger.Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns a user's receipts
func (s *Service) ListReceipts(userID string) ([]*ledger.Receipt, error) {
	receipts, err := s.db.ListReceiptsByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// ListEntries returns the cashback entries of a receipt
func (s *Service) ListEntries(receiptID string) ([]*ledger.CashbackEntry, error) {
	if _, err := s.db.GetReceipt(receiptID); err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	entries, err := s.db.ListEntriesByReceipt(receiptID)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return entries, nil
}

// GetReceiptFile retrieves the image of a receipt
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(receipt.ImageRef)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt.ContentType, nil
}

// GetUser returns a registered user. Looking a user up never registers it.
func (s *Service) GetUser(id string) (*ledger.User, error) {
	user, err := s.db.GetUser(id)
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return user, nil
}

// EnsureUser returns a user, registering unknown users with the default settings
func (s *Service) EnsureUser(id string) (*ledger.User, error) {
	user, err := s.db.EnsureUser(&ledger.User{
		ID:            id,
		Locale:        s.config.DefaultLocale,
		Currency:      s.config.DefaultCurrency,
		DigestEnabled: s.config.DefaultDigest,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring user: %w", err)
	}
	return user, nil
}

// Settings are the user-editable preferences. Nil fields are left unchanged.
type Settings struct {
	Locale        *string `json:"locale,omitempty"`
	Currency      *string `json:"currency,omitempty"`
	DigestEnabled *bool   `json:"digest_enabled,omitempty"`
	Active        *bool   `json:"active,omitempty"`
}

// UpdateSettings changes a user's preferences
func (s *Service) UpdateSettings(id string, settings Settings) (*ledger.User, error) {
	user, err := s.EnsureUser(id)
	if err != nil {
		return nil, err
	}
	if settings.Locale != nil {
		user.Locale = *settings.Locale
	}
	if settings.Currency != nil {
		if len(*settings.Currency) != 3 {
			return nil, fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidInput)
		}
		user.Currency = strings.ToUpper(*settings.Currency)
	}
	if settings.DigestEnabled != nil {
		user.DigestEnabled = *settings.DigestEnabled
	}
	if settings.Active != nil {
		user.Active = *settings.Active
	}
	if err := s.db.SaveUser(user); err != nil {
		return nil, fmt.Errorf("saving user: %w", err)
	}
	return user, nil
}

// Deactivate stops scheduled notifications for a user. The user and their receipts are kept.
func (s *Service) Deactivate(id string) error {
	if err := s.db.DeactivateUser(id); err != nil {
		return fmt.Errorf("deactivating user: %w", err)
	}
	slog.Info("User deactivated", "user_id", id)
	return nil
}

// CreateOffer validates and stores a new offer and schedules its expiry check
func (s *Service) CreateOffer(offer *ledger.Offer) (*ledger.Offer, error) {
	if offer.ID == "" {
		offer.ID = s.idGenerator.Generate()
	}
	offer.Currency = strings.ToUpper(offer.Currency)
	offer.Category = strings.ToLower(strings.TrimSpace(offer.Category))
	if err := cashback.ValidateOffer(offer); err != nil {
		return nil, err
	}
	if err := s.db.CreateOffer(offer); err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	s.scheduleExpiry(offer)
	slog.Info("Offer created", "offer_id", offer.ID, "merchant_id", offer.MerchantID, "category", offer.Category, "kind", offer.Kind)
	return offer, nil
}

// RevokeOffer ends an offer now. Entries of receipts bought before the revocation keep
// their cashback; pending ones expire once the offer has ended.
func (s *Service) RevokeOffer(id string) (*ledger.Offer, error) {
	offer, err := s.db.RevokeOffer(id, s.timeSource.Now())
	if err != nil {
		return nil, fmt.Errorf("revoking offer: %w", err)
	}
	s.scheduleExpiry(offer)
	slog.Info("Offer revoked", "offer_id", id, "ends_at", offer.EndsAt)
	return offer, nil
}

func (s *Service) scheduleExpiry(offer *ledger.Offer) {
	if s.expiry == nil {
		return
	}
	if err := s.expiry.ScheduleOfferExpiry(offer); err != nil {
		// the periodic expiry sweep still covers the offer
		slog.Error("Failed to schedule offer expiry", "offer_id", offer.ID, "error", err)
	}
}

// BestOffersQuery describes a planned purchase. Category falls back to the merchant's,
// spend to 100 and currency to the user's.
type BestOffersQuery struct {
	UserID     string
	MerchantID string
	Category   string
	Spend      decimal.Decimal
	Currency   string
}

// BestOffers ranks the offers active now by the cashback they would pay on a purchase
func (s *Service) BestOffers(q BestOffersQuery) ([]cashback.Ranked, error) {
	category := strings.ToLower(strings.TrimSpace(q.Category))
	if q.MerchantID != "" {
		merchant, err := s.db.GetMerchant(q.MerchantID)
		if err != nil {
			return nil, fmt.Errorf("getting merchant: %w", err)
		}
		if category == "" {
			category = merchant.Category
		}
	}
	if q.MerchantID == "" && category == "" {
		return nil, fmt.Errorf("%w: merchant or category is required", ErrInvalidInput)
	}
	if q.Spend.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}
	spend := q.Spend
	if spend.IsZero() {
		spend = decimal.NewFromInt(100)
	}

	currency := strings.ToUpper(q.Currency)
	if currency == "" && q.UserID != "" {
		user, err := s.db.GetUser(q.UserID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("getting user: %w", err)
		}
		if user != nil {
			currency = user.Currency
		}
	}
	if currency == "" {
		currency = s.config.DefaultCurrency
	}

	ranked, err := s.resolver.Rank(cashback.Query{
		MerchantID: q.MerchantID,
		Category:   category,
		Spend:      spend,
		Currency:   currency,
		At:         s.timeSource.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("ranking offers: %w", err)
	}
	return ranked, nil
}

// ListOffers returns all offers
func (s *Service) ListOffers() ([]*ledger.Offer, error) {
	offers, err := s.db.ListOffers()
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}
	return offers, nil
}

// CreateMerchant stores a merchant under its name and any extra aliases
func (s *Service) CreateMerchant(name, category string, aliases []string) (*ledger.Merchant, error) {
	key := normalize.NormalizeName(name)
	if key == "" {
		return nil, fmt.Errorf("%w: merchant name is required", ErrInvalidInput)
	}
	keys := []string{key}
	for _, a := range aliases {
		if k := normalize.NormalizeName(a); k != "" {
			keys = append(keys, k)
		}
	}
	merchant := &ledger.Merchant{
		ID:       s.idGenerator.Generate(),
		Name:     strings.TrimSpace(name),
		Category: strings.ToLower(strings.TrimSpace(category)),
		Aliases:  keys,
	}
	if err := s.db.SaveMerchant(merchant); err != nil {
		return nil, fmt.Errorf("saving merchant: %w", err)
	}
	return merchant, nil
}

// AddMerchantAlias teaches a merchant another printed name
func (s *Service) AddMerchantAlias(id, alias string) (*ledger.Merchant, error) {
	key := normalize.NormalizeName(alias)
	if key == "" {
		return nil, fmt.Errorf("%w: alias is empty", ErrInvalidInput)
	}
	merchant, err := s.db.AddMerchantAlias(id, key)
	if err != nil {
		return nil, fmt.Errorf("adding alias: %w", err)
	}
	return merchant, nil
}

// ListMerchants returns all merchants
func (s *Service) ListMerchants() ([]*ledger.Merchant, error) {
	merchants, err := s.db.ListMerchants()
	if err != nil {
		return nil, fmt.Errorf("listing merchants: %w", err)
	}
	return merchants, nil
}
