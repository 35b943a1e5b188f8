package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/zombor/cashback-tracker/internal/ledger"
	"github.com/zombor/cashback-tracker/internal/scanning"
)

var (
	// ErrAmbiguousExtraction is returned with a partial result when a required field has
	// several conflicting readings
	ErrAmbiguousExtraction = errors.New("ambiguous extraction")
	// ErrMissingRequiredField is returned with a partial result when a required field is absent
	ErrMissingRequiredField = errors.New("missing required field")
)

// Review reasons recorded on a ParsedReceipt
const (
	ReasonMissingTotal       = "missing_total"
	ReasonAmbiguousTotal     = "ambiguous_total"
	ReasonMissingMerchant    = "missing_merchant"
	ReasonUnresolvedMerchant = "unresolved_merchant"
	ReasonLowConfidence      = "low_confidence"
)

// Config holds the tunable thresholds of the normalizer
type Config struct {
	// MerchantThreshold is the minimum fuzzy similarity for a merchant match
	MerchantThreshold float64
	// ConfidenceThreshold is the minimum overall confidence for an automatic parse
	ConfidenceThreshold float64
	// DefaultCurrency is used when neither the receipt nor the user names one
	DefaultCurrency string
	// MaxCandidates bounds the scored merchant candidates kept for audit
	MaxCandidates int

	RawTotalConfidence         float64
	FallbackCurrencyConfidence float64
	RelativeDateConfidence     float64
	MessageTimeDateConfidence  float64
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		MerchantThreshold:          0.8,
		ConfidenceThreshold:        0.6,
		DefaultCurrency:            "USD",
		MaxCandidates:              5,
		RawTotalConfidence:         0.8,
		FallbackCurrencyConfidence: 0.7,
		RelativeDateConfidence:     0.7,
		MessageTimeDateConfidence:  0.5,
	}
}

// MerchantCatalog is the merchant table the normalizer resolves names against
type MerchantCatalog interface {
	MerchantByAlias(alias string) (*ledger.Merchant, error)
	ListMerchants() ([]*ledger.Merchant, error)
}

// Input is one extraction to normalize
type Input struct {
	ReceiptID  string
	UserID     string
	Extraction *scanning.ExtractionResult
	Locale     string
	Currency   string    // the user's preferred currency
	ReceivedAt time.Time // when the message carrying the image arrived
}

// Normalizer turns candidate fields into a ParsedReceipt
type Normalizer struct {
	catalog MerchantCatalog
	config  Config
	newID   func() string
}

// New creates a new Normalizer. newID generates IDs for unresolved merchant candidates.
func New(catalog MerchantCatalog, config Config, newID func() string) *Normalizer {
	return &Normalizer{catalog: catalog, config: config, newID: newID}
}

// Config returns the normalizer's configuration
func (n *Normalizer) Config() Config {
	return n.config
}

// Normalize validates and canonicalizes an extraction. On ErrAmbiguousExtraction or
// ErrMissingRequiredField the partial result is still returned, marked needs_review.
func (n *Normalizer) Normalize(in Input) (*ledger.ParsedReceipt, error) {
	if in.Extraction == nil {
		return nil, fmt.Errorf("%w: no extraction", ErrMissingRequiredField)
	}
	fields := in.Extraction.Fields
	raw := in.Extraction.RawText
	decimalComma, monthFirst := localeConventions(in.Locale)

	p := &ledger.ParsedReceipt{
		ReceiptID: in.ReceiptID,
		UserID:    in.UserID,
		Status:    ledger.ReceiptParsed,
		RawText:   raw,
		Confidence: ledger.Confidence{
			Engine: in.Extraction.EngineConfidence,
		},
	}

	var errs []error

	total, amountConf, err := n.resolveTotal(fields.Total, raw, decimalComma)
	switch {
	case errors.Is(err, ErrAmbiguousExtraction):
		p.NeedsReview(ReasonAmbiguousTotal)
		errs = append(errs, err)
	case err != nil:
		p.NeedsReview(ReasonMissingTotal)
		errs = append(errs, err)
	default:
		p.Total = total
		p.TotalResolved = true
	}
	p.Confidence.Amount = amountConf

	p.Currency, p.Confidence.Currency = n.resolveCurrency(fields.Currency, fields.Total, raw, in.Currency)

	p.PurchasedAt, p.Confidence.Date = n.resolveDate(fields.Date, raw, monthFirst, in.ReceivedAt)

	p.LineItems, p.Confidence.LineItems = parseLineItems(fields.LineItems, decimalComma)

	if err := n.resolveMerchant(p, fields.Merchant, fields.Category); err != nil {
		errs = append(errs, err)
	}

	if p.Confidence.Overall() < n.config.ConfidenceThreshold {
		p.NeedsReview(ReasonLowConfidence)
	}

	return p, errors.Join(errs...)
}

// resolveTotal prefers the candidate total and falls back to total lines in the raw text
func (n *Normalizer) resolveTotal(candidate, raw string, decimalComma bool) (decimal.Decimal, float64, error) {
	if candidate != "" {
		if v, err := parseAmount(candidate, decimalComma); err == nil {
			return v, 1, nil
		}
	}

	totals := rawTotals(raw, decimalComma)
	switch len(totals) {
	case 0:
		return decimal.Zero, 0, fmt.Errorf("%w: total", ErrMissingRequiredField)
	case 1:
		return totals[0], n.config.RawTotalConfidence, nil
	}
	return decimal.Zero, 0, fmt.Errorf("%w: %d different totals in receipt text", ErrAmbiguousExtraction, len(totals))
}

func (n *Normalizer) resolveCurrency(candidate, total, raw, userCurrency string) (string, float64) {
	if code := normalizeCurrency(candidate); code != "" {
		return code, 1
	}
	if code := detectCurrency(total); code != "" {
		return code, 1
	}
	if code := detectCurrency(raw); code != "" {
		return code, n.config.RawTotalConfidence
	}
	if userCurrency != "" {
		return strings.ToUpper(userCurrency), n.config.FallbackCurrencyConfidence
	}
	return n.config.DefaultCurrency, n.config.FallbackCurrencyConfidence
}

func (n *Normalizer) resolveDate(candidate, raw string, monthFirst bool, receivedAt time.Time) (time.Time, float64) {
	loc := receivedAt.Location()
	for _, text := range []string{candidate, raw} {
		if t, ok := explicitDate(text, monthFirst, loc); ok {
			return t, 1
		}
	}
	for _, text := range []string{candidate, raw} {
		if t, ok := relativeDate(text, receivedAt); ok {
			return t, n.config.RelativeDateConfidence
		}
	}
	return receivedAt, n.config.MessageTimeDateConfidence
}

func parseLineItems(items []scanning.CandidateLineItem, decimalComma bool) ([]ledger.LineItem, float64) {
	if len(items) == 0 {
		return nil, 1
	}
	var parsed []ledger.LineItem
	for _, item := range items {
		amount, err := parseAmount(item.Amount, decimalComma)
		if err != nil {
			continue
		}
		parsed = append(parsed, ledger.LineItem{Description: item.Description, Amount: amount})
	}
	return parsed, float64(len(parsed)) / float64(len(items))
}

// localeConventions reports whether the locale writes a decimal comma and whether it
// writes numeric dates month first
func localeConventions(locale string) (decimalComma, monthFirst bool) {
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		tag = language.English
	}
	base, _ := tag.Base()
	switch base.String() {
	case "ru", "uk", "be", "kk", "de", "fr", "es", "it", "pt", "nl", "pl", "tr", "cs", "sv", "fi", "da", "nb", "no":
		decimalComma = true
	}
	region, _ := tag.Region()
	monthFirst = region.String() == "US"
	return decimalComma, monthFirst
}
