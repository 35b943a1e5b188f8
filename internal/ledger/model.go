package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a chat user who submits receipts
type User struct {
	ID            string    `json:"id"` // opaque external chat identity
	Locale        string    `json:"locale"`
	Currency      string    `json:"currency"`
	Active        bool      `json:"active"`
	DigestEnabled bool      `json:"digest_enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LineItem is a single purchased position on a receipt
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Confidence holds per-field extraction confidences in [0, 1]
type Confidence struct {
	Engine    float64 `json:"engine"`
	Amount    float64 `json:"amount"`
	Currency  float64 `json:"currency"`
	Date      float64 `json:"date"`
	Merchant  float64 `json:"merchant"`
	LineItems float64 `json:"line_items"`
}

// Overall is the minimum of all field confidences.
func (c Confidence) Overall() float64 {
	m := c.Engine
	for _, v := range []float64{c.Amount, c.Currency, c.Date, c.Merchant, c.LineItems} {
		if v < m {
			m = v
		}
	}
	if m < 0 {
		return 0
	}
	return m
}

// Receipt is a submitted receipt image and its parsed fields
type Receipt struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	ImageRef         string          `json:"image_ref"`
	ContentType      string          `json:"content_type"`
	Status           ReceiptStatus   `json:"status"`
	MerchantName     string          `json:"merchant_name,omitempty"`
	MerchantID       string          `json:"merchant_id,omitempty"`
	Category         string          `json:"category,omitempty"`
	Total            decimal.Decimal `json:"total"`
	Currency         string          `json:"currency,omitempty"`
	PurchasedAt      time.Time       `json:"purchased_at"`
	LineItems        []LineItem      `json:"line_items,omitempty"`
	Confidence       float64         `json:"confidence"`
	ConfidenceDetail Confidence      `json:"confidence_detail"`
	ReviewReasons    []string        `json:"review_reasons,omitempty"`
	RawText          string          `json:"raw_text,omitempty"`
	Attempts         int             `json:"attempts"`
	NextAttemptAt    time.Time       `json:"next_attempt_at,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	ReceivedAt       time.Time       `json:"received_at"` // when the chat message arrived
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Merchant is a canonical merchant identity with its known aliases
type Merchant struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Category         string    `json:"category,omitempty"`
	Aliases          []string  `json:"aliases"` // normalized alias keys
	TransactionCount int       `json:"transaction_count"`
	Unresolved       bool      `json:"unresolved"` // created from an unmatched receipt, awaiting review
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OfferKind selects how an offer computes its amount
type OfferKind string

const (
	OfferPercentage OfferKind = "percentage"
	OfferFixed      OfferKind = "fixed"
)

// Offer is a time-bounded cashback rule for a merchant or a category
type Offer struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	MerchantID  string           `json:"merchant_id,omitempty"`
	Category    string           `json:"category,omitempty"`
	Kind        OfferKind        `json:"kind"`
	Rate        decimal.Decimal  `json:"rate"` // fraction, 0.05 is 5%
	FixedAmount decimal.Decimal  `json:"fixed_amount"`
	Cap         *decimal.Decimal `json:"cap,omitempty"`
	MinSpend    decimal.Decimal  `json:"min_spend"`
	Currency    string           `json:"currency,omitempty"`
	StartsAt    time.Time        `json:"starts_at"`
	EndsAt      *time.Time       `json:"ends_at,omitempty"`
	RevokedAt   *time.Time       `json:"revoked_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ActiveAt reports whether t lies in the offer window [StartsAt, EndsAt).
func (o *Offer) ActiveAt(t time.Time) bool {
	if t.Before(o.StartsAt) {
		return false
	}
	return o.EndsAt == nil || t.Before(*o.EndsAt)
}

// EndedBy reports whether the offer window closed at or before t.
func (o *Offer) EndedBy(t time.Time) bool {
	return o.EndsAt != nil && !t.Before(*o.EndsAt)
}

// StatusChange records one entry status transition
type StatusChange struct {
	From EntryStatus `json:"from"`
	To   EntryStatus `json:"to"`
	At   time.Time   `json:"at"`
}

// CashbackEntry links one receipt to one offer
type CashbackEntry struct {
	ID          string          `json:"id"`
	ReceiptID   string          `json:"receipt_id"`
	OfferID     string          `json:"offer_id"`
	UserID      string          `json:"user_id"`
	MerchantID  string          `json:"merchant_id,omitempty"`
	Category    string          `json:"category,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      EntryStatus     `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	PurchasedAt time.Time       `json:"purchased_at"`
	History     []StatusChange  `json:"history,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EntryID is the upsert key of the entry for a receipt and offer.
func EntryID(receiptID, offerID string) string {
	return receiptID + "/" + offerID
}

// MerchantCandidate is one scored alias match considered during normalization
type MerchantCandidate struct {
	MerchantID       string  `json:"merchant_id"`
	Name             string  `json:"name"`
	Score            float64 `json:"score"`
	TransactionCount int     `json:"transaction_count"`
}

// ParsedReceipt is the normalized form of an extraction, ready to commit
type ParsedReceipt struct {
	ReceiptID          string              `json:"receipt_id"`
	UserID             string              `json:"user_id"`
	Status             ReceiptStatus       `json:"status"` // parsed or needs_review
	MerchantName       string              `json:"merchant_name"`
	MerchantID         string              `json:"merchant_id,omitempty"`
	NewMerchant        *Merchant           `json:"new_merchant,omitempty"`
	Category           string              `json:"category,omitempty"`
	Total              decimal.Decimal     `json:"total"`
	TotalResolved      bool                `json:"total_resolved"`
	Currency           string              `json:"currency"`
	PurchasedAt        time.Time           `json:"purchased_at"`
	LineItems          []LineItem          `json:"line_items,omitempty"`
	Confidence         Confidence          `json:"confidence"`
	MerchantCandidates []MerchantCandidate `json:"merchant_candidates,omitempty"`
	ReviewReasons      []string            `json:"review_reasons,omitempty"`
	RawText            string              `json:"raw_text,omitempty"`
}

// NeedsReview marks the receipt for human review and records why.
func (p *ParsedReceipt) NeedsReview(reason string) {
	p.Status = ReceiptNeedsReview
	for _, r := range p.ReviewReasons {
		if r == reason {
			return
		}
	}
	p.ReviewReasons = append(p.ReviewReasons, reason)
}

// JobRun is the checkpoint of one scheduled job execution
type JobRun struct {
	Key          string    `json:"key"`
	Job          string    `json:"job"`
	Target       string    `json:"target,omitempty"`
	Status       JobStatus `json:"status"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Attempt      int       `json:"attempt"`
	Owner        string    `json:"owner,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
