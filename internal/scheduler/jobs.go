package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/cashback-tracker/internal/analytics"
	"github.com/zombor/cashback-tracker/internal/ledger"
	"github.com/zombor/cashback-tracker/internal/notify"
)

// expirySweep expires pending entries of every offer whose window has closed. Only offers
// that still have pending entries are visited.
func (s *Scheduler) expirySweep(ctx context.Context, run *ledger.JobRun) error {
	offers, err := s.db.ListExpirableOffers(s.now())
	if err != nil {
		return fmt.Errorf("listing ended offers: %w", err)
	}

	expired := 0
	for _, offer := range offers {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.expireOfferEntries(offer.ID)
		if err != nil {
			return err
		}
		expired += n
	}
	if expired > 0 {
		slog.Info("Expired pending cashback entries", "count", expired, "offers", len(offers))
	}
	return nil
}

// offerExpiry is the deferred check run when one offer's window closes
func (s *Scheduler) offerExpiry(ctx context.Context, run *ledger.JobRun) error {
	offer, err := s.db.GetOffer(run.Target)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if err != nil {
		return err
	}
	if !offer.EndedBy(s.now()) {
		slog.Debug("Offer still active, nothing to expire", "offer_id", offer.ID)
		return nil
	}
	n, err := s.expireOfferEntries(offer.ID)
	if err != nil {
		return err
	}
	slog.Info("Offer expired", "offer_id", offer.ID, "entries", n)
	return nil
}

// expireOfferEntries moves the offer's pending entries to expired. An entry confirmed or
// expired concurrently keeps its new status.
func (s *Scheduler) expireOfferEntries(offerID string) (int, error) {
	entries, err := s.db.ListPendingEntriesByOffer(offerID)
	if err != nil {
		return 0, fmt.Errorf("listing entries of offer %s: %w", offerID, err)
	}
	n := 0
	for _, entry := range entries {
		_, err := s.db.TransitionEntryStatus(entry.ID, ledger.EntryPendingConfirmation, ledger.EntryExpired)
		if errors.Is(err, ledger.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("expiring entry %s: %w", entry.ID, err)
		}
		n++
	}
	return n, nil
}

// retrySweep re-extracts failed receipts whose backoff has elapsed and pending receipts
// whose extraction never finished. Individual receipt failures are recorded on the receipt
// and do not fail the sweep.
func (s *Scheduler) retrySweep(ctx context.Context, run *ledger.JobRun) error {
	if s.retrier == nil {
		return nil
	}
	failed, err := s.db.ListReceiptsByStatus(ledger.ReceiptFailed)
	if err != nil {
		return fmt.Errorf("listing failed receipts: %w", err)
	}
	pending, err := s.db.ListReceiptsByStatus(ledger.ReceiptPending)
	if err != nil {
		return fmt.Errorf("listing pending receipts: %w", err)
	}

	now := s.now()
	var due []*ledger.Receipt
	for _, receipt := range failed {
		if !receipt.NextAttemptAt.After(now) {
			due = append(due, receipt)
		}
	}
	stale := now.Add(-s.config.StalePending)
	for _, receipt := range pending {
		if !receipt.UpdatedAt.After(stale) {
			due = append(due, receipt)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.RetryConcurrency)
	for _, receipt := range due {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			updated, err := s.retrier.RetryReceipt(gctx, receipt.ID)
			if err != nil {
				slog.Warn("Receipt retry failed", "receipt_id", receipt.ID, "error", err)
				return nil
			}
			slog.Info("Receipt retried", "receipt_id", receipt.ID, "from", receipt.Status, "status", updated.Status)
			return nil
		})
	}
	return g.Wait()
}

// digest fans out one digest run per active user who wants digests
func (s *Scheduler) digest(ctx context.Context, run *ledger.JobRun) error {
	return s.fanOut(run, JobUserDigest, digestChildKeyFormat, func(u *ledger.User) bool {
		return u.Active && u.DigestEnabled
	})
}

// reviewReminder fans out one reminder run per active user with receipts awaiting review
func (s *Scheduler) reviewReminder(ctx context.Context, run *ledger.JobRun) error {
	pending, err := s.db.ListReceiptsByStatus(ledger.ReceiptNeedsReview)
	if err != nil {
		return fmt.Errorf("listing receipts awaiting review: %w", err)
	}
	waiting := make(map[string]bool)
	for _, r := range pending {
		waiting[r.UserID] = true
	}
	return s.fanOut(run, JobUserReviewReminder, reminderChildKeyFormat, func(u *ledger.User) bool {
		return u.Active && waiting[u.ID]
	})
}

func (s *Scheduler) fanOut(parent *ledger.JobRun, job, keyFormat string, want func(*ledger.User) bool) error {
	users, err := s.db.ListUsers()
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	slot := parent.ScheduledFor.UTC().Format(slotTimeFormat)
	created := 0
	for _, u := range users {
		if !want(u) {
			continue
		}
		_, isNew, err := s.db.EnsureJobRun(&ledger.JobRun{
			Key:          fmt.Sprintf(keyFormat, u.ID, slot),
			Job:          job,
			Target:       u.ID,
			ScheduledFor: parent.ScheduledFor,
		})
		if err != nil {
			return fmt.Errorf("scheduling %s for user %s: %w", job, u.ID, err)
		}
		if isNew {
			created++
		}
	}
	slog.Debug("Scheduled per-user jobs", "job", job, "slot", slot, "created", created)
	return nil
}

// userDigest sends one user the cashback summary of the period before the run's slot
func (s *Scheduler) userDigest(ctx context.Context, run *ledger.JobRun) error {
	user, err := s.activeUser(run.Target)
	if err != nil || user == nil {
		return err
	}

	to := run.ScheduledFor
	from := s.config.DigestPeriod.Previous(to)
	digest, err := s.digests.Digest(analytics.Query{UserID: user.ID, From: from, To: to})
	if err != nil {
		return fmt.Errorf("building digest: %w", err)
	}
	if len(digest.Projected) == 0 && len(digest.Missed.Expired) == 0 && digest.Missed.VoidCount == 0 {
		slog.Debug("No cashback activity, digest skipped", "user_id", user.ID)
		return nil
	}

	msg := notify.Message{Kind: notify.KindDigest, Text: digestText(digest), Data: digest}
	if err := s.notifier.Notify(ctx, user.ID, msg); err != nil {
		return fmt.Errorf("sending digest: %w", err)
	}
	return nil
}

// userReviewReminder tells one user how many receipts still need review
func (s *Scheduler) userReviewReminder(ctx context.Context, run *ledger.JobRun) error {
	user, err := s.activeUser(run.Target)
	if err != nil || user == nil {
		return err
	}

	receipts, err := s.db.ListReceiptsByUser(user.ID)
	if err != nil {
		return fmt.Errorf("listing receipts: %w", err)
	}
	var ids []string
	for _, r := range receipts {
		if r.Status == ledger.ReceiptNeedsReview {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	msg := notify.Message{
		Kind: notify.KindReviewReminder,
		Text: fmt.Sprintf("%d receipt(s) are waiting for your review", len(ids)),
		Data: map[string]any{"receipt_ids": ids},
	}
	if err := s.notifier.Notify(ctx, user.ID, msg); err != nil {
		return fmt.Errorf("sending review reminder: %w", err)
	}
	return nil
}

// offerEnding fans out one reminder run per active user holding pending cashback on an
// offer that ends within the window
func (s *Scheduler) offerEnding(ctx context.Context, run *ledger.JobRun) error {
	now := s.now()
	offers, err := s.db.ListOffersEndingWithin(now, now.Add(s.config.EndingSoonWindow))
	if err != nil {
		return fmt.Errorf("listing offers ending soon: %w", err)
	}
	waiting := make(map[string]bool)
	for _, offer := range offers {
		entries, err := s.db.ListPendingEntriesByOffer(offer.ID)
		if err != nil {
			return fmt.Errorf("listing pending entries of offer %s: %w", offer.ID, err)
		}
		for _, entry := range entries {
			waiting[entry.UserID] = true
		}
	}
	return s.fanOut(run, JobUserOfferEnding, endingChildKeyFormat, func(u *ledger.User) bool {
		return u.Active && waiting[u.ID]
	})
}

// endingOffer is one offer listed in an offer-ending reminder
type endingOffer struct {
	OfferID    string            `json:"offer_id"`
	Name       string            `json:"name"`
	EndsAt     time.Time         `json:"ends_at"`
	Pending    []analytics.Total `json:"pending"`
	ReceiptIDs []string          `json:"receipt_ids"`
}

// userOfferEnding tells one user which pending cashback is lost unless confirmed before
// its offer ends
func (s *Scheduler) userOfferEnding(ctx context.Context, run *ledger.JobRun) error {
	user, err := s.activeUser(run.Target)
	if err != nil || user == nil {
		return err
	}

	now := s.now()
	offers, err := s.db.ListOffersEndingWithin(now, now.Add(s.config.EndingSoonWindow))
	if err != nil {
		return fmt.Errorf("listing offers ending soon: %w", err)
	}
	var ending []endingOffer
	for _, offer := range offers {
		entries, err := s.db.ListPendingEntriesByOffer(offer.ID)
		if err != nil {
			return fmt.Errorf("listing pending entries of offer %s: %w", offer.ID, err)
		}
		item := endingOffer{OfferID: offer.ID, Name: offer.Name, EndsAt: *offer.EndsAt}
		byCurrency := make(map[string]int)
		for _, entry := range entries {
			if entry.UserID != user.ID {
				continue
			}
			i, ok := byCurrency[entry.Currency]
			if !ok {
				i = len(item.Pending)
				byCurrency[entry.Currency] = i
				item.Pending = append(item.Pending, analytics.Total{Currency: entry.Currency, Amount: decimal.Zero})
			}
			item.Pending[i].Amount = item.Pending[i].Amount.Add(entry.Amount)
			item.Pending[i].Count++
			item.ReceiptIDs = append(item.ReceiptIDs, entry.ReceiptID)
		}
		if len(item.ReceiptIDs) > 0 {
			ending = append(ending, item)
		}
	}
	if len(ending) == 0 {
		return nil
	}
	sort.Slice(ending, func(i, j int) bool { return ending[i].EndsAt.Before(ending[j].EndsAt) })

	msg := notify.Message{Kind: notify.KindOfferEnding, Text: endingText(ending), Data: ending}
	if err := s.notifier.Notify(ctx, user.ID, msg); err != nil {
		return fmt.Errorf("sending offer ending reminder: %w", err)
	}
	return nil
}

// pruneRuns drops finished job runs past the retention
func (s *Scheduler) pruneRuns(ctx context.Context, run *ledger.JobRun) error {
	n, err := s.db.PruneJobRuns(s.now().Add(-s.config.JobRetention))
	if err != nil {
		return fmt.Errorf("pruning job runs: %w", err)
	}
	if n > 0 {
		slog.Info("Pruned finished job runs", "count", n)
	}
	return nil
}

// activeUser returns nil for users who left since the run was scheduled
func (s *Scheduler) activeUser(id string) (*ledger.User, error) {
	user, err := s.db.GetUser(id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		slog.Debug("Skipping inactive user", "user_id", id)
		return nil, nil
	}
	return user, nil
}

func digestText(r *analytics.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cashback from %s to %s", r.From.Format(time.DateOnly), r.To.Add(-time.Nanosecond).Format(time.DateOnly))
	fmt.Fprintf(&b, "\nEarned: %s", formatTotals(r.Totals))
	fmt.Fprintf(&b, "\nIncluding pending: %s", formatTotals(r.Projected))
	if len(r.Missed.Expired) > 0 {
		fmt.Fprintf(&b, "\nExpired: %s", formatTotals(r.Missed.Expired))
	}
	if r.Missed.VoidCount > 0 {
		fmt.Fprintf(&b, "\nReceipts without cashback: %d", r.Missed.VoidCount)
	}
	return b.String()
}

func endingText(offers []endingOffer) string {
	var b strings.Builder
	b.WriteString("Confirm your receipts before these offers end:")
	for _, o := range offers {
		fmt.Fprintf(&b, "\n%s: %s pending, ends %s", o.Name, formatTotals(o.Pending), o.EndsAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}

func formatTotals(totals []analytics.Total) string {
	if len(totals) == 0 {
		return "none"
	}
	parts := make([]string, len(totals))
	for i, t := range totals {
		parts[i] = t.Amount.StringFixed(2) + " " + t.Currency
	}
	return strings.Join(parts, ", ")
}
