package cashback

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/cashback-tracker/internal/ledger"
)

// Reasons recorded on entries whose amount is zero
const (
	ReasonBelowMinSpend    = "below_min_spend"
	ReasonCurrencyMismatch = "currency_mismatch"
	ReasonNonPositiveTotal = "non_positive_total"
	ReasonZeroCap          = "zero_cap"
	ReasonRoundsToZero     = "rounds_to_zero"
)

// OfferSource lists the offers that may apply to a merchant or category
type OfferSource interface {
	ListOffersForMerchant(merchantID, category string) ([]*ledger.Offer, error)
}

// Resolver matches parsed receipts against cashback offers
type Resolver struct {
	offers OfferSource
}

// NewResolver creates a new Resolver
func NewResolver(offers OfferSource) *Resolver {
	return &Resolver{offers: offers}
}

// Resolve computes one entry per offer active at the purchase time, sorted by offer ID.
// The result depends only on the receipt and the stored offers, so resolving twice
// yields the same entries under the same (receipt, offer) keys.
func (r *Resolver) Resolve(p *ledger.ParsedReceipt) ([]*ledger.CashbackEntry, error) {
	if !p.TotalResolved {
		// nothing to compute until the total is known
		return nil, nil
	}

	offers, err := r.offers.ListOffersForMerchant(p.MerchantID, p.Category)
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}

	entries := make([]*ledger.CashbackEntry, 0, len(offers))
	for _, offer := range offers {
		if !offer.ActiveAt(p.PurchasedAt) {
			continue
		}
		amount, reason := Amount(offer, p.Total, p.Currency)
		entries = append(entries, &ledger.CashbackEntry{
			ID:          ledger.EntryID(p.ReceiptID, offer.ID),
			ReceiptID:   p.ReceiptID,
			OfferID:     offer.ID,
			UserID:      p.UserID,
			MerchantID:  p.MerchantID,
			Category:    p.Category,
			Amount:      amount,
			Currency:    entryCurrency(offer, p.Currency),
			Status:      entryStatus(p.Status, amount),
			Reason:      reason,
			PurchasedAt: p.PurchasedAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].OfferID < entries[j].OfferID })
	return entries, nil
}

// Query describes a planned purchase to rank offers for
type Query struct {
	MerchantID string
	Category   string
	Spend      decimal.Decimal
	Currency   string
	At         time.Time
}

// Ranked is an offer with the cashback it would pay on a planned purchase
type Ranked struct {
	Offer    *ledger.Offer   `json:"offer"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Rank orders the offers active at q.At by the cashback they would pay on the purchase,
// best first. Offers paying nothing are left out. Ties go to the offer that stays open
// longer, then to the lower offer id.
func (r *Resolver) Rank(q Query) ([]Ranked, error) {
	offers, err := r.offers.ListOffersForMerchant(q.MerchantID, q.Category)
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}

	ranked := make([]Ranked, 0, len(offers))
	for _, offer := range offers {
		if !offer.ActiveAt(q.At) {
			continue
		}
		amount, _ := Amount(offer, q.Spend, q.Currency)
		if amount.IsZero() {
			continue
		}
		ranked = append(ranked, Ranked{Offer: offer, Amount: amount, Currency: entryCurrency(offer, q.Currency)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if !a.Amount.Equal(b.Amount) {
			return a.Amount.GreaterThan(b.Amount)
		}
		if endsLater(a.Offer, b.Offer) != endsLater(b.Offer, a.Offer) {
			return endsLater(a.Offer, b.Offer)
		}
		return a.Offer.ID < b.Offer.ID
	})
	return ranked, nil
}

// endsLater reports whether a stays open longer than b; open-ended offers never end
func endsLater(a, b *ledger.Offer) bool {
	switch {
	case a.EndsAt == nil:
		return b.EndsAt != nil
	case b.EndsAt == nil:
		return false
	}
	return a.EndsAt.After(*b.EndsAt)
}

// Amount computes the cashback an offer pays on a total. A zero amount comes with the
// reason it is zero.
func Amount(offer *ledger.Offer, total decimal.Decimal, currency string) (decimal.Decimal, string) {
	switch {
	case offer.Currency != "" && !strings.EqualFold(offer.Currency, currency):
		return decimal.Zero, ReasonCurrencyMismatch
	case !total.IsPositive():
		return decimal.Zero, ReasonNonPositiveTotal
	case offer.MinSpend.IsPositive() && total.LessThan(offer.MinSpend):
		return decimal.Zero, ReasonBelowMinSpend
	case offer.Cap != nil && !offer.Cap.IsPositive():
		return decimal.Zero, ReasonZeroCap
	}

	var amount decimal.Decimal
	switch offer.Kind {
	case ledger.OfferFixed:
		amount = offer.FixedAmount
	default:
		amount = total.Mul(offer.Rate)
	}
	if offer.Cap != nil && amount.GreaterThan(*offer.Cap) {
		amount = *offer.Cap
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, ReasonRoundsToZero
	}
	return amount, ""
}

func entryCurrency(offer *ledger.Offer, receiptCurrency string) string {
	if offer.Currency != "" {
		return strings.ToUpper(offer.Currency)
	}
	return receiptCurrency
}

// entryStatus keeps every entry of a receipt under review pending confirmation
func entryStatus(receipt ledger.ReceiptStatus, amount decimal.Decimal) ledger.EntryStatus {
	switch {
	case receipt == ledger.ReceiptNeedsReview:
		return ledger.EntryPendingConfirmation
	case amount.IsZero():
		return ledger.EntryVoid
	}
	return ledger.EntryAccrued
}
