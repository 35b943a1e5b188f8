package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

// CreateReceipt stores a new pending receipt
func (b *BoltDB) CreateReceipt(receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptsBucket))
		if bucket.Get([]byte(receipt.ID)) != nil {
			return fmt.Errorf("receipt %s already exists", receipt.ID)
		}
		if tx.Bucket([]byte(usersBucket)).Get([]byte(receipt.UserID)) == nil {
			return notFound("user", receipt.UserID)
		}
		now := b.now()
		if receipt.Status == "" {
			receipt.Status = ReceiptPending
		}
		if receipt.CreatedAt.IsZero() {
			receipt.CreatedAt = now
		}
		receipt.UpdatedAt = now
		if err := putJSON(bucket, receipt.ID, receipt); err != nil {
			return err
		}
		byUser := tx.Bucket([]byte(receiptsByUserBucket))
		return byUser.Put(indexKey(receipt.UserID, receipt.ID), []byte(receipt.ID))
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(receiptsBucket)), id, &receipt)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("receipt", id)
	}
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ListReceiptsByUser returns a user's receipts, newest first
func (b *BoltDB) ListReceiptsByUser(userID string) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptsBucket))
		for _, id := range scanIndex(tx.Bucket([]byte(receiptsByUserBucket)), userID) {
			var receipt Receipt
			if err := getJSON(bucket, id, &receipt); err != nil {
				return fmt.Errorf("reading receipt %s: %w", id, err)
			}
			receipts = append(receipts, &receipt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].CreatedAt.After(receipts[j].CreatedAt)
	})
	return receipts, nil
}

// ListReceiptsByStatus returns all receipts currently in status
func (b *BoltDB) ListReceiptsByStatus(status ReceiptStatus) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(receiptsBucket)).ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if receipt.Status == status {
				receipts = append(receipts, &receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// RecordExtractionFailure counts a failed parse attempt and moves the receipt to status,
// which must be failed or needs_review
func (b *BoltDB) RecordExtractionFailure(id string, cause error, status ReceiptStatus, nextAttemptAt time.Time) (*Receipt, error) {
	if status != ReceiptFailed && status != ReceiptNeedsReview {
		return nil, fmt.Errorf("receipt %s: %s is not a failure status", id, status)
	}
	var receipt Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptsBucket))
		if err := getJSON(bucket, id, &receipt); err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("receipt", id)
			}
			return err
		}
		if !receipt.Status.CanTransition(status) {
			return &TransitionError{Entity: "receipt", ID: id, From: string(receipt.Status), To: string(status), Current: string(receipt.Status)}
		}
		receipt.Status = status
		receipt.Attempts++
		if cause != nil {
			receipt.LastError = cause.Error()
		}
		receipt.NextAttemptAt = nextAttemptAt
		if status == ReceiptNeedsReview {
			receipt.NextAttemptAt = time.Time{}
			receipt.ReviewReasons = appendReason(receipt.ReviewReasons, "extraction_failed")
		}
		receipt.UpdatedAt = b.now()
		return putJSON(bucket, id, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func appendReason(reasons []string, reason string) []string {
	for _, r := range reasons {
		if r == reason {
			return reasons
		}
	}
	return append(reasons, reason)
}

// CommitReceipt atomically records a parsed receipt, a newly discovered merchant and all
// cashback entries. Either everything is written or nothing is. Committing a receipt that
// is already parsed leaves the receipt untouched and only upserts entries, so repeated
// commits of the same resolution are idempotent. Otherwise pending entries of offers the
// new resolution dropped are voided as superseded.
func (b *BoltDB) CommitReceipt(parsed *ParsedReceipt, entries []*CashbackEntry) (*Receipt, error) {
	if parsed.Status != ReceiptParsed && parsed.Status != ReceiptNeedsReview {
		return nil, fmt.Errorf("receipt %s: cannot commit with status %q", parsed.ReceiptID, parsed.Status)
	}

	var receipt Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		receipts := tx.Bucket([]byte(receiptsBucket))
		if err := getJSON(receipts, parsed.ReceiptID, &receipt); err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("receipt", parsed.ReceiptID)
			}
			return err
		}
		if receipt.UserID != parsed.UserID {
			return fmt.Errorf("receipt %s belongs to another user", receipt.ID)
		}
		now := b.now()

		merchantID := parsed.MerchantID
		reresolved := receipt.Status != ReceiptParsed
		if !reresolved {
			merchantID = receipt.MerchantID
		} else {
			if !receipt.Status.CanTransition(parsed.Status) {
				return &TransitionError{Entity: "receipt", ID: receipt.ID, From: string(receipt.Status), To: string(parsed.Status), Current: string(receipt.Status)}
			}
			var err error
			if merchantID, err = b.commitMerchantTx(tx, parsed); err != nil {
				return err
			}
			applyParsed(&receipt, parsed, merchantID)
			receipt.UpdatedAt = now
			if err := putJSON(receipts, receipt.ID, &receipt); err != nil {
				return err
			}
		}

		selected := make(map[string]bool, len(entries))
		for _, entry := range entries {
			if entry.ReceiptID != receipt.ID {
				return fmt.Errorf("entry %s does not belong to receipt %s", entry.ID, receipt.ID)
			}
			if entry.Amount.IsNegative() {
				return fmt.Errorf("entry %s: negative amount %s", entry.ID, entry.Amount)
			}
			if !entry.Status.Valid() {
				return fmt.Errorf("entry %s: unknown status %q", entry.ID, entry.Status)
			}
			if tx.Bucket([]byte(offersBucket)).Get([]byte(entry.OfferID)) == nil {
				return notFound("offer", entry.OfferID)
			}
			entry.ID = EntryID(entry.ReceiptID, entry.OfferID)
			entry.UserID = receipt.UserID
			if entry.MerchantID == parsed.MerchantID {
				entry.MerchantID = merchantID
			}
			if err := b.upsertEntryTx(tx, entry, now); err != nil {
				return err
			}
			selected[entry.OfferID] = true
		}
		if reresolved {
			return voidSupersededTx(tx, receipt.ID, selected, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// commitMerchantTx stores a new merchant candidate and counts the transaction. When another
// receipt already claimed the candidate's alias, that merchant is used instead.
func (b *BoltDB) commitMerchantTx(tx *bbolt.Tx, parsed *ParsedReceipt) (string, error) {
	merchantID := parsed.MerchantID
	if nm := parsed.NewMerchant; nm != nil {
		aliases := tx.Bucket([]byte(merchantAliasesBucket))
		for _, alias := range nm.Aliases {
			if owner := aliases.Get([]byte(alias)); owner != nil && string(owner) != nm.ID {
				merchantID = string(owner)
				break
			}
		}
		if merchantID == nm.ID {
			candidate := *nm
			if err := b.saveMerchantTx(tx, &candidate); err != nil {
				return "", fmt.Errorf("saving merchant candidate: %w", err)
			}
		}
	}
	if merchantID == "" || parsed.Status != ReceiptParsed {
		return merchantID, nil
	}

	bucket := tx.Bucket([]byte(merchantsBucket))
	var merchant Merchant
	if err := getJSON(bucket, merchantID, &merchant); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", notFound("merchant", merchantID)
		}
		return "", err
	}
	merchant.TransactionCount++
	merchant.UpdatedAt = b.now()
	return merchantID, putJSON(bucket, merchantID, &merchant)
}

func applyParsed(receipt *Receipt, parsed *ParsedReceipt, merchantID string) {
	receipt.Status = parsed.Status
	receipt.MerchantName = parsed.MerchantName
	receipt.MerchantID = merchantID
	receipt.Category = parsed.Category
	receipt.Total = parsed.Total
	receipt.Currency = parsed.Currency
	receipt.PurchasedAt = parsed.PurchasedAt
	receipt.LineItems = parsed.LineItems
	receipt.Confidence = parsed.Confidence.Overall()
	receipt.ConfidenceDetail = parsed.Confidence
	receipt.ReviewReasons = parsed.ReviewReasons
	receipt.RawText = parsed.RawText
	receipt.Attempts++
	receipt.NextAttemptAt = time.Time{}
	receipt.LastError = ""
}

// upsertEntryTx inserts a new entry or refreshes a pending one. Entries that already moved
// past pending_confirmation are left as they are.
func (b *BoltDB) upsertEntryTx(tx *bbolt.Tx, entry *CashbackEntry, now time.Time) error {
	bucket := tx.Bucket([]byte(entriesBucket))
	var stored CashbackEntry
	err := getJSON(bucket, entry.ID, &stored)
	if errors.Is(err, ErrNotFound) {
		entry.CreatedAt = now
		entry.UpdatedAt = now
		if err := putJSON(bucket, entry.ID, entry); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(entriesByUserBucket)).Put(indexKey(entry.UserID, entry.ID), []byte(entry.ID)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(entriesByOfferBucket)).Put(indexKey(entry.OfferID, entry.ID), []byte(entry.ID)); err != nil {
			return err
		}
		return indexPendingTx(tx, entry)
	}
	if err != nil {
		return fmt.Errorf("reading entry %s: %w", entry.ID, err)
	}

	if stored.Status != EntryPendingConfirmation {
		*entry = stored
		return nil
	}
	changed := false
	if !sameTerms(&stored, entry) {
		stored.Amount = entry.Amount
		stored.Reason = entry.Reason
		stored.Currency = entry.Currency
		stored.PurchasedAt = entry.PurchasedAt
		stored.MerchantID = entry.MerchantID
		stored.Category = entry.Category
		changed = true
	}
	if stored.Status.CanTransition(entry.Status) {
		stored.History = append(stored.History, StatusChange{From: stored.Status, To: entry.Status, At: now})
		stored.Status = entry.Status
		changed = true
	}
	if changed {
		stored.UpdatedAt = now
		if err := putJSON(bucket, stored.ID, &stored); err != nil {
			return err
		}
		if err := indexPendingTx(tx, &stored); err != nil {
			return err
		}
	}
	*entry = stored
	return nil
}

// sameTerms reports whether a new resolution computed the same entry as the stored one
func sameTerms(stored, entry *CashbackEntry) bool {
	return stored.Amount.Equal(entry.Amount) &&
		stored.Reason == entry.Reason &&
		stored.Currency == entry.Currency &&
		stored.PurchasedAt.Equal(entry.PurchasedAt) &&
		stored.MerchantID == entry.MerchantID &&
		stored.Category == entry.Category
}

// voidSupersededTx voids the pending entries of a receipt whose offer is not in selected
func voidSupersededTx(tx *bbolt.Tx, receiptID string, selected map[string]bool, now time.Time) error {
	bucket := tx.Bucket([]byte(entriesBucket))
	prefix := []byte(receiptID + "/")
	var stale []*CashbackEntry
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var entry CashbackEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("unmarshaling entry %s: %w", k, err)
		}
		if entry.Status == EntryPendingConfirmation && !selected[entry.OfferID] {
			stale = append(stale, &entry)
		}
	}

	// bbolt cursors are invalidated by writes, so the updates happen after the scan
	for _, entry := range stale {
		entry.History = append(entry.History, StatusChange{From: entry.Status, To: EntryVoid, At: now})
		entry.Status = EntryVoid
		entry.Amount = decimal.Zero
		entry.Reason = ReasonSuperseded
		entry.UpdatedAt = now
		if err := putJSON(bucket, entry.ID, entry); err != nil {
			return err
		}
		if err := indexPendingTx(tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// indexPendingTx keeps the pending-by-offer index in step with an entry's status
func indexPendingTx(tx *bbolt.Tx, entry *CashbackEntry) error {
	index := tx.Bucket([]byte(pendingByOfferBucket))
	key := indexKey(entry.OfferID, entry.ID)
	if entry.Status == EntryPendingConfirmation {
		return index.Put(key, []byte(entry.ID))
	}
	return index.Delete(key)
}

// buildPendingIndexTx fills the pending-by-offer index of a ledger written before it existed
func buildPendingIndexTx(tx *bbolt.Tx) error {
	return tx.Bucket([]byte(entriesBucket)).ForEach(func(k, v []byte) error {
		var entry CashbackEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("unmarshaling entry %s: %w", k, err)
		}
		if entry.Status != EntryPendingConfirmation {
			return nil
		}
		return tx.Bucket([]byte(pendingByOfferBucket)).Put(indexKey(entry.OfferID, entry.ID), []byte(entry.ID))
	})
}

// GetEntry retrieves a cashback entry by ID
func (b *BoltDB) GetEntry(id string) (*CashbackEntry, error) {
	var entry CashbackEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(entriesBucket)), id, &entry)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("entry", id)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *BoltDB) listEntries(ids func(tx *bbolt.Tx) []string) ([]*CashbackEntry, error) {
	entries := make([]*CashbackEntry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		for _, id := range ids(tx) {
			var entry CashbackEntry
			if err := getJSON(bucket, id, &entry); err != nil {
				return fmt.Errorf("reading entry %s: %w", id, err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListEntriesByReceipt returns the entries of a receipt ordered by offer id
func (b *BoltDB) ListEntriesByReceipt(receiptID string) ([]*CashbackEntry, error) {
	return b.listEntries(func(tx *bbolt.Tx) []string {
		prefix := []byte(receiptID + "/")
		var ids []string
		c := tx.Bucket([]byte(entriesBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		return ids
	})
}

// ListEntriesByOffer returns all entries created under an offer
func (b *BoltDB) ListEntriesByOffer(offerID string) ([]*CashbackEntry, error) {
	return b.listEntries(func(tx *bbolt.Tx) []string {
		return scanIndex(tx.Bucket([]byte(entriesByOfferBucket)), offerID)
	})
}

// ListPendingEntriesByOffer returns the entries of an offer still awaiting confirmation
func (b *BoltDB) ListPendingEntriesByOffer(offerID string) ([]*CashbackEntry, error) {
	return b.listEntries(func(tx *bbolt.Tx) []string {
		return scanIndex(tx.Bucket([]byte(pendingByOfferBucket)), offerID)
	})
}

// ListEntriesByUser returns all entries owned by a user
func (b *BoltDB) ListEntriesByUser(userID string) ([]*CashbackEntry, error) {
	return b.listEntries(func(tx *bbolt.Tx) []string {
		return scanIndex(tx.Bucket([]byte(entriesByUserBucket)), userID)
	})
}

// TransitionEntryStatus is a compare-and-swap on the entry status. It fails with a
// *TransitionError when the stored status is not from or the move is not allowed.
func (b *BoltDB) TransitionEntryStatus(id string, from, to EntryStatus) (*CashbackEntry, error) {
	var entry CashbackEntry
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if err := getJSON(bucket, id, &entry); err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("entry", id)
			}
			return err
		}
		if entry.Status != from || !from.CanTransition(to) {
			return &TransitionError{Entity: "entry", ID: id, From: string(from), To: string(to), Current: string(entry.Status)}
		}
		now := b.now()
		entry.History = append(entry.History, StatusChange{From: from, To: to, At: now})
		entry.Status = to
		entry.UpdatedAt = now
		if err := putJSON(bucket, id, &entry); err != nil {
			return err
		}
		return indexPendingTx(tx, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
