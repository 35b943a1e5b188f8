package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	usersBucket           = "users"
	merchantsBucket       = "merchants"
	merchantAliasesBucket = "merchant_aliases"
	offersBucket          = "offers"
	receiptsBucket        = "receipts"
	receiptsByUserBucket  = "receipts_by_user"
	entriesBucket         = "entries"
	entriesByUserBucket   = "entries_by_user"
	entriesByOfferBucket  = "entries_by_offer"
	pendingByOfferBucket  = "pending_entries_by_offer"
	jobRunsBucket         = "job_runs"
	jobRunsDueBucket      = "job_runs_due"
)

var allBuckets = []string{
	usersBucket, merchantsBucket, merchantAliasesBucket, offersBucket, receiptsBucket,
	receiptsByUserBucket, entriesBucket, entriesByUserBucket, entriesByOfferBucket,
	pendingByOfferBucket, jobRunsBucket, jobRunsDueBucket,
}

// indexBuilders fill index buckets that a ledger file predates
var indexBuilders = map[string]func(tx *bbolt.Tx) error{
	pendingByOfferBucket: buildPendingIndexTx,
	jobRunsDueBucket:     buildDueIndexTx,
}

// ErrAliasTaken is returned when an alias already names another merchant
var ErrAliasTaken = errors.New("alias belongs to another merchant")

// DB defines the interface for ledger operations
type DB interface {
	// EnsureUser returns the stored user, creating it if it does not exist
	EnsureUser(user *User) (*User, error)
	GetUser(id string) (*User, error)
	SaveUser(user *User) error
	ListUsers() ([]*User, error)
	// DeactivateUser marks a user inactive; users are never deleted
	DeactivateUser(id string) error

	SaveMerchant(merchant *Merchant) error
	GetMerchant(id string) (*Merchant, error)
	MerchantByAlias(alias string) (*Merchant, error)
	ListMerchants() ([]*Merchant, error)
	AddMerchantAlias(id, alias string) (*Merchant, error)

	CreateOffer(offer *Offer) error
	GetOffer(id string) (*Offer, error)
	ListOffers() ([]*Offer, error)
	ListOffersForMerchant(merchantID, category string) ([]*Offer, error)
	RevokeOffer(id string, at time.Time) (*Offer, error)
	// ListExpirableOffers returns ended offers that still have pending entries
	ListExpirableOffers(asOf time.Time) ([]*Offer, error)
	// ListOffersEndingWithin returns offers with pending entries whose window closes in (from, to]
	ListOffersEndingWithin(from, to time.Time) ([]*Offer, error)

	CreateReceipt(receipt *Receipt) error
	GetReceipt(id string) (*Receipt, error)
	ListReceiptsByUser(userID string) ([]*Receipt, error)
	ListReceiptsByStatus(status ReceiptStatus) ([]*Receipt, error)
	// RecordExtractionFailure stores a failed parse attempt on a receipt
	RecordExtractionFailure(id string, cause error, status ReceiptStatus, nextAttemptAt time.Time) (*Receipt, error)
	// CommitReceipt atomically records a parsed receipt and all of its entries
	CommitReceipt(parsed *ParsedReceipt, entries []*CashbackEntry) (*Receipt, error)

	GetEntry(id string) (*CashbackEntry, error)
	ListEntriesByReceipt(receiptID string) ([]*CashbackEntry, error)
	ListEntriesByOffer(offerID string) ([]*CashbackEntry, error)
	ListPendingEntriesByOffer(offerID string) ([]*CashbackEntry, error)
	ListEntriesByUser(userID string) ([]*CashbackEntry, error)
	// TransitionEntryStatus moves an entry from one status to another if it is still in from
	TransitionEntryStatus(id string, from, to EntryStatus) (*CashbackEntry, error)

	EnsureJobRun(run *JobRun) (*JobRun, bool, error)
	GetJobRun(key string) (*JobRun, error)
	ClaimJobRun(key, owner string) (*JobRun, error)
	FinishJobRun(key string, status JobStatus, cause error) (*JobRun, error)
	ListJobRuns(statuses ...JobStatus) ([]*JobRun, error)
	ListDueJobRuns(asOf time.Time) ([]*JobRun, error)
	ResetRunning(cause string) (int, error)
	// PruneJobRuns deletes finished runs older than the cutoff
	PruneJobRuns(before time.Time) (int, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db  *bbolt.DB
	now func() time.Time
}

// Option configures a BoltDB
type Option func(*BoltDB)

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(b *BoltDB) {
		b.now = now
	}
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string, opts ...Option) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		var missing []string
		for _, name := range allBuckets {
			if tx.Bucket([]byte(name)) == nil {
				missing = append(missing, name)
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		for _, name := range missing {
			if build := indexBuilders[name]; build != nil {
				if err := build(tx); err != nil {
					return fmt.Errorf("building %s: %w", name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	b := &BoltDB{db: db, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func getJSON(bucket *bbolt.Bucket, key string, v any) error {
	data := bucket.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(bucket *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return bucket.Put([]byte(key), data)
}

// indexKey joins parts with a separator that cannot appear in ids.
func indexKey(parts ...string) []byte {
	return []byte(joinKey(parts...))
}

func joinKey(parts ...string) string {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(p)
	}
	return buf.String()
}

// scanIndex returns the ids stored under prefix in an index bucket.
func scanIndex(bucket *bbolt.Bucket, prefix string) []string {
	p := []byte(prefix + "\x00")
	var ids []string
	c := bucket.Cursor()
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		ids = append(ids, string(v))
	}
	return ids
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// EnsureUser returns the stored user, creating it if it does not exist
func (b *BoltDB) EnsureUser(user *User) (*User, error) {
	var stored User
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usersBucket))
		err := getJSON(bucket, user.ID, &stored)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("unmarshaling user: %w", err)
		}
		now := b.now()
		stored = *user
		stored.Active = true
		stored.CreatedAt = now
		stored.UpdatedAt = now
		return putJSON(bucket, stored.ID, &stored)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetUser retrieves a user by ID
func (b *BoltDB) GetUser(id string) (*User, error) {
	var user User
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(usersBucket)), id, &user)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SaveUser updates user settings
func (b *BoltDB) SaveUser(user *User) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usersBucket))
		var stored User
		if err := getJSON(bucket, user.ID, &stored); err == nil {
			user.CreatedAt = stored.CreatedAt
		} else if user.CreatedAt.IsZero() {
			user.CreatedAt = b.now()
		}
		user.UpdatedAt = b.now()
		return putJSON(bucket, user.ID, user)
	})
}

// ListUsers returns all users
func (b *BoltDB) ListUsers() ([]*User, error) {
	users := make([]*User, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(usersBucket)).ForEach(func(k, v []byte) error {
			var user User
			if err := json.Unmarshal(v, &user); err != nil {
				return fmt.Errorf("unmarshaling user: %w", err)
			}
			users = append(users, &user)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// DeactivateUser marks a user inactive
func (b *BoltDB) DeactivateUser(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usersBucket))
		var user User
		if err := getJSON(bucket, id, &user); err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("user", id)
			}
			return err
		}
		user.Active = false
		user.UpdatedAt = b.now()
		return putJSON(bucket, id, &user)
	})
}

// saveMerchantTx writes a merchant, keeping every alias it ever had.
func (b *BoltDB) saveMerchantTx(tx *bbolt.Tx, merchant *Merchant) error {
	bucket := tx.Bucket([]byte(merchantsBucket))
	aliases := tx.Bucket([]byte(merchantAliasesBucket))

	var stored Merchant
	err := getJSON(bucket, merchant.ID, &stored)
	switch {
	case err == nil:
		merchant.CreatedAt = stored.CreatedAt
		merchant.Aliases = mergeAliases(stored.Aliases, merchant.Aliases)
	case errors.Is(err, ErrNotFound):
		if merchant.CreatedAt.IsZero() {
			merchant.CreatedAt = b.now()
		}
		merchant.Aliases = mergeAliases(nil, merchant.Aliases)
	default:
		return fmt.Errorf("unmarshaling merchant: %w", err)
	}
	merchant.UpdatedAt = b.now()

	for _, alias := range merchant.Aliases {
		owner := aliases.Get([]byte(alias))
		if owner != nil && string(owner) != merchant.ID {
			return fmt.Errorf("alias %q: %w", alias, ErrAliasTaken)
		}
		if err := aliases.Put([]byte(alias), []byte(merchant.ID)); err != nil {
			return err
		}
	}
	return putJSON(bucket, merchant.ID, merchant)
}

func mergeAliases(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, a := range append(append([]string{}, existing...), added...) {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// SaveMerchant creates or updates a merchant. Aliases are only ever added.
func (b *BoltDB) SaveMerchant(merchant *Merchant) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.saveMerchantTx(tx, merchant)
	})
}

// GetMerchant retrieves a merchant by ID
func (b *BoltDB) GetMerchant(id string) (*Merchant, error) {
	var merchant Merchant
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(merchantsBucket)), id, &merchant)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("merchant", id)
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// MerchantByAlias looks up a merchant by a normalized alias
func (b *BoltDB) MerchantByAlias(alias string) (*Merchant, error) {
	var merchant Merchant
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(merchantAliasesBucket)).Get([]byte(alias))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket([]byte(merchantsBucket)), string(id), &merchant)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("merchant alias", alias)
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// ListMerchants returns all merchants
func (b *BoltDB) ListMerchants() ([]*Merchant, error) {
	merchants := make([]*Merchant, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(merchantsBucket)).ForEach(func(k, v []byte) error {
			var merchant Merchant
			if err := json.Unmarshal(v, &merchant); err != nil {
				return fmt.Errorf("unmarshaling merchant: %w", err)
			}
			merchants = append(merchants, &merchant)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return merchants, nil
}

// AddMerchantAlias attaches a normalized alias to a merchant
func (b *BoltDB) AddMerchantAlias(id, alias string) (*Merchant, error) {
	var merchant Merchant
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := getJSON(tx.Bucket([]byte(merchantsBucket)), id, &merchant); err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("merchant", id)
			}
			return err
		}
		merchant.Aliases = append(merchant.Aliases, alias)
		return b.saveMerchantTx(tx, &merchant)
	})
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// CreateOffer stores a new offer. Offers are immutable afterwards except for revocation.
func (b *BoltDB) CreateOffer(offer *Offer) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(offersBucket))
		if bucket.Get([]byte(offer.ID)) != nil {
			return fmt.Errorf("offer %s: %w", offer.ID, ErrOfferExists)
		}
		if offer.MerchantID != "" && tx.Bucket([]byte(merchantsBucket)).Get([]byte(offer.MerchantID)) == nil {
			return notFound("merchant", offer.MerchantID)
		}
		if offer.CreatedAt.IsZero() {
			offer.CreatedAt = b.now()
		}
		return putJSON(bucket, offer.ID, offer)
	})
}

// GetOffer retrieves an offer by ID
func (b *BoltDB) GetOffer(id string) (*Offer, error) {
	var offer Offer
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(offersBucket)), id, &offer)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("offer", id)
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

func (b *BoltDB) listOffers(keep func(*Offer) bool) ([]*Offer, error) {
	offers := make([]*Offer, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(offersBucket)).ForEach(func(k, v []byte) error {
			var offer Offer
			if err := json.Unmarshal(v, &offer); err != nil {
				return fmt.Errorf("unmarshaling offer: %w", err)
			}
			if keep(&offer) {
				offers = append(offers, &offer)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return offers, nil
}

// ListOffers returns all offers, including revoked and ended ones
func (b *BoltDB) ListOffers() ([]*Offer, error) {
	return b.listOffers(func(*Offer) bool { return true })
}

// ListOffersForMerchant returns offers scoped to the merchant or to the category
func (b *BoltDB) ListOffersForMerchant(merchantID, category string) ([]*Offer, error) {
	return b.listOffers(func(o *Offer) bool {
		if o.MerchantID != "" {
			return merchantID != "" && o.MerchantID == merchantID
		}
		return category != "" && strings.EqualFold(o.Category, category)
	})
}

// listOffersWithPending walks the pending-by-offer index, so offers without pending
// entries are never read
func (b *BoltDB) listOffersWithPending(keep func(*Offer) bool) ([]*Offer, error) {
	offers := make([]*Offer, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(offersBucket))
		c := tx.Bucket([]byte(pendingByOfferBucket)).Cursor()
		for k, _ := c.First(); k != nil; {
			id, _, _ := bytes.Cut(k, []byte{0})
			offerID := string(id)
			var offer Offer
			if err := getJSON(bucket, offerID, &offer); err != nil {
				return fmt.Errorf("reading offer %s: %w", offerID, err)
			}
			if keep(&offer) {
				offers = append(offers, &offer)
			}
			// skip the remaining entries of this offer
			k, _ = c.Seek([]byte(offerID + "\x01"))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offers, nil
}

// ListExpirableOffers returns offers whose window closed at or before asOf and that still
// have entries awaiting confirmation
func (b *BoltDB) ListExpirableOffers(asOf time.Time) ([]*Offer, error) {
	return b.listOffersWithPending(func(o *Offer) bool { return o.EndedBy(asOf) })
}

// ListOffersEndingWithin returns offers with entries awaiting confirmation whose window
// closes after from and no later than to
func (b *BoltDB) ListOffersEndingWithin(from, to time.Time) ([]*Offer, error) {
	return b.listOffersWithPending(func(o *Offer) bool {
		return o.EndsAt != nil && o.EndsAt.After(from) && !o.EndsAt.After(to)
	})
}

// RevokeOffer ends an offer at the given time. It never extends an existing end.
func (b *BoltDB) RevokeOffer(id string, at time.Time) (*Offer, error) {
	var offer Offer
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(offersBucket))
		if err := getJSON(bucket, id, &offer); err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("offer", id)
			}
			return err
		}
		if offer.RevokedAt != nil {
			return nil
		}
		if at.Before(offer.StartsAt) {
			at = offer.StartsAt
		}
		if offer.EndsAt == nil || at.Before(*offer.EndsAt) {
			end := at
			offer.EndsAt = &end
		}
		revoked := at
		offer.RevokedAt = &revoked
		return putJSON(bucket, id, &offer)
	})
	if err != nil {
		return nil, err
	}
	return &offer, nil
}
