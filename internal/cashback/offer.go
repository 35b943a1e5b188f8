package cashback

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zombor/cashback-tracker/internal/ledger"
)

// ErrInvalidOffer is returned when an offer definition cannot be resolved
var ErrInvalidOffer = errors.New("invalid offer")

// ValidateOffer checks an offer before it is stored
func ValidateOffer(o *ledger.Offer) error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidOffer)
	case o.MerchantID == "" && o.Category == "":
		return fmt.Errorf("%w: merchant or category is required", ErrInvalidOffer)
	case o.StartsAt.IsZero():
		return fmt.Errorf("%w: start is required", ErrInvalidOffer)
	case o.EndsAt != nil && !o.EndsAt.After(o.StartsAt):
		return fmt.Errorf("%w: end must be after start", ErrInvalidOffer)
	case o.Cap != nil && o.Cap.IsNegative():
		return fmt.Errorf("%w: cap must not be negative", ErrInvalidOffer)
	case o.MinSpend.IsNegative():
		return fmt.Errorf("%w: minimum spend must not be negative", ErrInvalidOffer)
	case o.RevokedAt != nil:
		return fmt.Errorf("%w: new offers cannot be revoked", ErrInvalidOffer)
	}

	switch o.Kind {
	case ledger.OfferPercentage:
		if !o.Rate.IsPositive() || o.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: rate must be in (0, 1]", ErrInvalidOffer)
		}
	case ledger.OfferFixed:
		if !o.FixedAmount.IsPositive() {
			return fmt.Errorf("%w: fixed amount must be positive", ErrInvalidOffer)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOffer, o.Kind)
	}
	return nil
}
