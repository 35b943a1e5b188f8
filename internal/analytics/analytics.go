package analytics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/cashback-tracker/internal/ledger"
)

// ErrInvalidPeriod is returned for an unknown trend period
var ErrInvalidPeriod = errors.New("invalid period")

// Source is the ledger read side the engine aggregates over
type Source interface {
	ListEntriesByUser(userID string) ([]*ledger.CashbackEntry, error)
	GetMerchant(id string) (*ledger.Merchant, error)
}

// Query selects the entries of one user. Zero From or To leave that side open.
type Query struct {
	UserID string
	From   time.Time
	To     time.Time
	// IncludeProjected also counts pending_confirmation entries
	IncludeProjected bool
}

// Total is an amount in one currency
type Total struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int             `json:"count"`
}

// Group is the total of one merchant or category in one currency
type Group struct {
	Key      string          `json:"key"`
	Name     string          `json:"name"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int             `json:"count"`
}

// Bucket is one period of a trend
type Bucket struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Totals []Total   `json:"totals"`
}

// Missed summarizes cashback that was not earned
type Missed struct {
	Expired   []Total        `json:"expired"`
	VoidCount int            `json:"void_count"`
	Reasons   map[string]int `json:"reasons"`
}

// Digest bundles the views sent in a periodic summary
type Digest struct {
	UserID     string    `json:"user_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Totals     []Total   `json:"totals"`
	Projected  []Total   `json:"projected"`
	Merchants  []Group   `json:"merchants"`
	Categories []Group   `json:"categories"`
	Missed     *Missed   `json:"missed"`
}

// Engine answers aggregation queries directly from the ledger
type Engine struct {
	source Source
	now    func() time.Time
}

// NewEngine creates a new Engine
func NewEngine(source Source, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{source: source, now: now}
}

func (e *Engine) entries(userID string) ([]*ledger.CashbackEntry, error) {
	entries, err := e.source.ListEntriesByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("listing entries for %s: %w", userID, err)
	}
	return entries, nil
}

// counted reports whether an entry contributes to earned totals
func (q Query) counted(entry *ledger.CashbackEntry) bool {
	switch entry.Status {
	case ledger.EntryAccrued:
	case ledger.EntryPendingConfirmation:
		if !q.IncludeProjected {
			return false
		}
	default:
		return false
	}
	return q.inRange(entry.PurchasedAt)
}

func (q Query) inRange(t time.Time) bool {
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !t.Before(q.To) {
		return false
	}
	return true
}

// Totals sums the counted entries per currency
func (e *Engine) Totals(q Query) ([]Total, error) {
	entries, err := e.entries(q.UserID)
	if err != nil {
		return nil, err
	}
	return sumByCurrency(entries, q.counted), nil
}

// ByMerchant sums the counted entries per merchant and currency, largest first
func (e *Engine) ByMerchant(q Query) ([]Group, error) {
	entries, err := e.entries(q.UserID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	groups := group(entries, q.counted, func(entry *ledger.CashbackEntry) string { return entry.MerchantID })
	for i := range groups {
		id := groups[i].Key
		name, ok := names[id]
		if !ok {
			name = id
			if m, err := e.source.GetMerchant(id); err == nil {
				name = m.Name
			} else if !errors.Is(err, ledger.ErrNotFound) {
				return nil, fmt.Errorf("getting merchant %s: %w", id, err)
			}
			names[id] = name
		}
		groups[i].Name = name
	}
	return groups, nil
}

// ByCategory sums the counted entries per category and currency, largest first
func (e *Engine) ByCategory(q Query) ([]Group, error) {
	entries, err := e.entries(q.UserID)
	if err != nil {
		return nil, err
	}
	groups := group(entries, q.counted, func(entry *ledger.CashbackEntry) string { return entry.Category })
	for i := range groups {
		groups[i].Name = groups[i].Key
	}
	return groups, nil
}

// Trend returns n consecutive periods ending with the one containing q.To, or now when
// q.To is zero. q.From is ignored.
func (e *Engine) Trend(q Query, period Period, n int) ([]Bucket, error) {
	if !period.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	if n <= 0 {
		return []Bucket{}, nil
	}
	entries, err := e.entries(q.UserID)
	if err != nil {
		return nil, err
	}

	ref := q.To
	if ref.IsZero() {
		ref = e.now()
	} else {
		// q.To is exclusive, so the last bucket holds the instant just before it
		ref = ref.Add(-time.Nanosecond)
	}
	start := period.Start(ref)
	for i := 1; i < n; i++ {
		start = period.Previous(start)
	}

	buckets := make([]Bucket, 0, n)
	for i := 0; i < n; i++ {
		end := period.Next(start)
		bq := Query{UserID: q.UserID, From: start, To: end, IncludeProjected: q.IncludeProjected}
		buckets = append(buckets, Bucket{Start: start, End: end, Totals: sumByCurrency(entries, bq.counted)})
		start = end
	}
	return buckets, nil
}

// Missed sums expired entries per currency and counts void entries by reason. Entries
// voided because a later resolution replaced their offer are not missed cashback.
func (e *Engine) Missed(q Query) (*Missed, error) {
	entries, err := e.entries(q.UserID)
	if err != nil {
		return nil, err
	}
	missed := &Missed{
		Expired: sumByCurrency(entries, func(entry *ledger.CashbackEntry) bool {
			return entry.Status == ledger.EntryExpired && q.inRange(entry.PurchasedAt)
		}),
		Reasons: make(map[string]int),
	}
	for _, entry := range entries {
		if entry.Status != ledger.EntryVoid || entry.Reason == ledger.ReasonSuperseded || !q.inRange(entry.PurchasedAt) {
			continue
		}
		missed.VoidCount++
		reason := entry.Reason
		if reason == "" {
			reason = "unknown"
		}
		missed.Reasons[reason]++
	}
	return missed, nil
}

// Digest gathers the earned, projected and missed views of a period
func (e *Engine) Digest(q Query) (*Digest, error) {
	earned := q
	earned.IncludeProjected = false
	projected := q
	projected.IncludeProjected = true

	report := &Digest{UserID: q.UserID, From: q.From, To: q.To}
	var err error
	if report.Totals, err = e.Totals(earned); err != nil {
		return nil, err
	}
	if report.Projected, err = e.Totals(projected); err != nil {
		return nil, err
	}
	if report.Merchants, err = e.ByMerchant(earned); err != nil {
		return nil, err
	}
	if report.Categories, err = e.ByCategory(earned); err != nil {
		return nil, err
	}
	if report.Missed, err = e.Missed(q); err != nil {
		return nil, err
	}
	return report, nil
}

func sumByCurrency(entries []*ledger.CashbackEntry, keep func(*ledger.CashbackEntry) bool) []Total {
	byCurrency := make(map[string]*Total)
	for _, entry := range entries {
		if !keep(entry) {
			continue
		}
		t, ok := byCurrency[entry.Currency]
		if !ok {
			t = &Total{Currency: entry.Currency, Amount: decimal.Zero}
			byCurrency[entry.Currency] = t
		}
		t.Amount = t.Amount.Add(entry.Amount)
		t.Count++
	}

	totals := make([]Total, 0, len(byCurrency))
	for _, t := range byCurrency {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Currency < totals[j].Currency })
	return totals
}

func group(entries []*ledger.CashbackEntry, keep func(*ledger.CashbackEntry) bool, key func(*ledger.CashbackEntry) string) []Group {
	type groupKey struct{ key, currency string }
	byKey := make(map[groupKey]*Group)
	for _, entry := range entries {
		if !keep(entry) {
			continue
		}
		k := groupKey{key: key(entry), currency: entry.Currency}
		g, ok := byKey[k]
		if !ok {
			g = &Group{Key: k.key, Currency: k.currency, Amount: decimal.Zero}
			byKey[k] = g
		}
		g.Amount = g.Amount.Add(entry.Amount)
		g.Count++
	}

	groups := make([]Group, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if !a.Amount.Equal(b.Amount) {
			return a.Amount.GreaterThan(b.Amount)
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Currency < b.Currency
	})
	return groups
}
