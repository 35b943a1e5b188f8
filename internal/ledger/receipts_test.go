package ledger

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

func newEntry(receiptID, offerID string, amount string, status EntryStatus) *CashbackEntry {
	return &CashbackEntry{
		ID:         EntryID(receiptID, offerID),
		ReceiptID:  receiptID,
		OfferID:    offerID,
		MerchantID: "m1",
		Amount:     decimal.RequireFromString(amount),
		Currency:   "USD",
		Status:     status,
	}
}

var _ = Describe("Receipts and entries", func() {
	var (
		db     *BoltDB
		parsed *ParsedReceipt
	)

	BeforeEach(func() {
		db = openTestDB()
		_, err := db.EnsureUser(&User{ID: "u1", Currency: "USD"})
		Expect(err).NotTo(HaveOccurred())
		Expect(db.SaveMerchant(&Merchant{ID: "m1", Name: "Acme Mart", Aliases: []string{"acme mart"}})).To(Succeed())
		Expect(db.CreateOffer(&Offer{ID: "o1", MerchantID: "m1", Kind: OfferPercentage, Rate: decimal.RequireFromString("0.05"), StartsAt: fixedNow.AddDate(0, -1, 0)})).To(Succeed())
		Expect(db.CreateOffer(&Offer{ID: "o2", MerchantID: "m1", Kind: OfferFixed, FixedAmount: decimal.NewFromInt(1), StartsAt: fixedNow.AddDate(0, -1, 0)})).To(Succeed())
		Expect(db.CreateReceipt(&Receipt{ID: "r1", UserID: "u1", ImageRef: "r1.png"})).To(Succeed())

		parsed = &ParsedReceipt{
			ReceiptID:    "r1",
			UserID:       "u1",
			Status:       ReceiptParsed,
			MerchantName: "Acme Mart",
			MerchantID:   "m1",
			Total:        decimal.RequireFromString("100.00"),
			Currency:     "USD",
			PurchasedAt:  fixedNow.Add(-time.Hour),
			Confidence:   Confidence{Engine: 0.9, Amount: 1, Currency: 1, Date: 1, Merchant: 1, LineItems: 1},
		}
	})

	Describe("CreateReceipt", func() {
		It("starts receipts as pending", func() {
			receipt, err := db.GetReceipt("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Status).To(Equal(ReceiptPending))
		})

		It("requires an existing user", func() {
			err := db.CreateReceipt(&Receipt{ID: "r2", UserID: "ghost"})
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})

		It("lists receipts per user", func() {
			receipts, err := db.ListReceiptsByUser("u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(1))
			receipts, err = db.ListReceiptsByUser("u2")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(BeEmpty())
		})
	})

	Describe("CommitReceipt", func() {
		It("records the receipt and all entries together", func() {
			receipt, err := db.CommitReceipt(parsed, []*CashbackEntry{
				newEntry("r1", "o1", "5.00", EntryAccrued),
				newEntry("r1", "o2", "1.00", EntryAccrued),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Status).To(Equal(ReceiptParsed))
			Expect(receipt.Confidence).To(Equal(0.9))

			entries, err := db.ListEntriesByReceipt("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].ID).To(Equal("r1/o1"))
			Expect(entries[0].UserID).To(Equal("u1"))

			merchant, err := db.GetMerchant("m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(merchant.TransactionCount).To(Equal(1))
		})

		It("writes nothing when an entry references a missing offer", func() {
			_, err := db.CommitReceipt(parsed, []*CashbackEntry{
				newEntry("r1", "o1", "5.00", EntryAccrued),
				newEntry("r1", "missing", "1.00", EntryAccrued),
			})
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())

			receipt, err := db.GetReceipt("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Status).To(Equal(ReceiptPending))
			entries, err := db.ListEntriesByReceipt("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("rejects negative amounts", func() {
			_, err := db.CommitReceipt(parsed, []*CashbackEntry{newEntry("r1", "o1", "-1", EntryAccrued)})
			Expect(err).To(HaveOccurred())
		})

		It("is idempotent when committed twice", func() {
			_, err := db.CommitReceipt(parsed, []*CashbackEntry{newEntry("r1", "o1", "5.00", EntryAccrued)})
			Expect(err).NotTo(HaveOccurred())
			_, err = db.CommitReceipt(parsed, []*CashbackEntry{newEntry("r1", "o1", "5.00", EntryAccrued)})
			Expect(err).NotTo(HaveOccurred())

			entries, err := db.ListEntriesByReceipt("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Amount.String()).To(Equal("5"))

			merchant, err := db.GetMerchant("m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(merchant.TransactionCount).To(Equal(1))
		})

		It("never duplicates entries under concurrent commits", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := db.CommitReceipt(parsed, []*CashbackEntry{
						newEntry("r1", "o1", "5.00", EntryAccrued),
						newEntry("r1", "o2", "1.00", EntryAccrued),
					})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			entries, err := db.ListEntriesByUser("u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			byOffer, err := db.ListEntriesByOffer("o1")
			Expect(err).NotTo(HaveOccurred())
			Expect(byOffer).To(HaveLen(1))
		})

		It("keeps a parsed receipt unchanged", func() {
			_, err := db.CommitReceipt(parsed, nil)
			Expect(err).NotTo(HaveOccurred())

			changed := *parsed
			changed.Total = decimal.NewFromInt(999)
			receipt, err := db.CommitReceipt(&changed, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Total.String()).To(Equal("100"))
		})

		When("the receipt needs review", func() {
			BeforeEach(func() {
				parsed.NeedsReview("low_confidence")
			})

			It("refreshes pending entries and moves them forward on a later parse", func() {
				_, err := db.CommitReceipt(parsed, []*CashbackEntry{newEntry("r1", "o1", "4.00", EntryPendingConfirmation)})
				Expect(err).NotTo(HaveOccurred())

				confirmed := *parsed
				confirmed.Status = ReceiptParsed
				confirmed.ReviewReasons = nil
				_, err = db.CommitReceipt(&confirmed, []*CashbackEntry{newEntry("r1", "o1", "5.00", EntryAccrued)})
				Expect(err).NotTo(HaveOccurred())

				entry, err := db.GetEntry("r1/o1")
				Expect(err).NotTo(HaveOccurred())
				Expect(entry.Amount.String()).To(Equal("5"))
				Expect(entry.Status).To(Equal(EntryAccrued))
				Expect(entry.History).To(HaveLen(1))
			})

			It("refreshes every resolved field of a pending entry", func() {
				_, err := db.CommitReceipt(parsed, []*CashbackEntry{newEntry("r1", "o1", "4.00", EntryPendingConfirmation)})
				Expect(err).NotTo(HaveOccurred())

				corrected := newEntry("r1", "o1", "4.00", EntryPendingConfirmation)
				corrected.PurchasedAt = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
				corrected.Currency = "EUR"
				corrected.Category = "dining"
				_, err = db.CommitReceipt(parsed, []*CashbackEntry{corrected})
				Expect(err).NotTo(HaveOccurred())

				entry, err := db.GetEntry("r1/o1")
				Expect(err).NotTo(HaveOccurred())
				Expect(entry.PurchasedAt).To(BeTemporally("==", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
				Expect(entry.Currency).To(Equal("EUR"))
				Expect(entry.Category).To(Equal("dining"))
				Expect(entry.Status).To(Equal(EntryPendingConfirmation))
			})

			It("voids pending entries of offers a later resolution dropped", func() {
				_, err := db.CommitReceipt(parsed, []*CashbackEntry{
					newEntry("r1", "o1", "5.00", EntryPendingConfirmation),
					newEntry("r1", "o2", "1.00", EntryPendingConfirmation),
				})
				Expect(err).NotTo(HaveOccurred())

				confirmed := *parsed
				confirmed.Status = ReceiptParsed
				confirmed.ReviewReasons = nil
				_, err = db.CommitReceipt(&confirmed, []*CashbackEntry{newEntry("r1", "o2", "1.00", EntryAccrued)})
				Expect(err).NotTo(HaveOccurred())

				dropped, err := db.GetEntry("r1/o1")
				Expect(err).NotTo(HaveOccurred())
				Expect(dropped.Status).To(Equal(EntryVoid))
				Expect(dropped.Reason).To(Equal(ReasonSuperseded))
				Expect(dropped.Amount.IsZero()).To(BeTrue())
				Expect(dropped.History).To(Equal([]StatusChange{{From: EntryPendingConfirmation, To: EntryVoid, At: fixedNow}}))

				kept, err := db.GetEntry("r1/o2")
				Expect(err).NotTo(HaveOccurred())
				Expect(kept.Status).To(Equal(EntryAccrued))

				pending, err := db.ListPendingEntriesByOffer("o1")
				Expect(err).NotTo(HaveOccurred())
				Expect(pending).To(BeEmpty())
			})

			It("stores a new merchant candidate atomically", func() {
				parsed.MerchantID = "m-new"
				parsed.NewMerchant = &Merchant{ID: "m-new", Name: "Corner Shop", Aliases: []string{"corner shop"}, Unresolved: true}
				receipt, err := db.CommitReceipt(parsed, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.MerchantID).To(Equal("m-new"))
				Expect(receipt.ReviewReasons).To(ContainElement("low_confidence"))

				merchant, err := db.MerchantByAlias("corner shop")
				Expect(err).NotTo(HaveOccurred())
				Expect(merchant.Unresolved).To(BeTrue())
				Expect(merchant.TransactionCount).To(Equal(0))
			})

			It("reuses a merchant that claimed the candidate alias first", func() {
				Expect(db.SaveMerchant(&Merchant{ID: "m-first", Name: "Corner Shop", Aliases: []string{"corner shop"}, Unresolved: true})).To(Succeed())
				parsed.MerchantID = "m-new"
				parsed.NewMerchant = &Merchant{ID: "m-new", Name: "Corner Shop", Aliases: []string{"corner shop"}, Unresolved: true}

				receipt, err := db.CommitReceipt(parsed, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.MerchantID).To(Equal("m-first"))
				_, err = db.GetMerchant("m-new")
				Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			})
		})
	})

	Describe("TransitionEntryStatus", func() {
		BeforeEach(func() {
			parsed.NeedsReview("low_confidence")
			_, err := db.CommitReceipt(parsed, []*CashbackEntry{newEntry("r1", "o1", "5.00", EntryPendingConfirmation)})
			Expect(err).NotTo(HaveOccurred())
		})

		It("moves an entry forward when the expected status matches", func() {
			entry, err := db.TransitionEntryStatus("r1/o1", EntryPendingConfirmation, EntryAccrued)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Status).To(Equal(EntryAccrued))
			Expect(entry.History).To(Equal([]StatusChange{{From: EntryPendingConfirmation, To: EntryAccrued, At: fixedNow}}))
		})

		It("fails when the stored status differs", func() {
			_, err := db.TransitionEntryStatus("r1/o1", EntryAccrued, EntryVoid)
			Expect(errors.Is(err, ErrInvalidTransition)).To(BeTrue())
		})

		It("refuses to go backwards", func() {
			_, err := db.TransitionEntryStatus("r1/o1", EntryPendingConfirmation, EntryAccrued)
			Expect(err).NotTo(HaveOccurred())
			_, err = db.TransitionEntryStatus("r1/o1", EntryAccrued, EntryPendingConfirmation)
			Expect(errors.Is(err, ErrInvalidTransition)).To(BeTrue())
		})

		It("lets exactly one of two conflicting transitions win", func() {
			results := make(chan error, 2)
			for _, to := range []EntryStatus{EntryExpired, EntryAccrued} {
				go func(to EntryStatus) {
					_, err := db.TransitionEntryStatus("r1/o1", EntryPendingConfirmation, to)
					results <- err
				}(to)
			}
			errs := []error{<-results, <-results}
			failures := 0
			for _, err := range errs {
				if err != nil {
					Expect(errors.Is(err, ErrInvalidTransition)).To(BeTrue())
					failures++
				}
			}
			Expect(failures).To(Equal(1))
		})
	})

	Describe("pending entries by offer", func() {
		var end time.Time

		BeforeEach(func() {
			end = fixedNow.Add(48 * time.Hour)
			Expect(db.CreateOffer(&Offer{ID: "o3", MerchantID: "m1", Kind: OfferFixed, FixedAmount: decimal.NewFromInt(2), StartsAt: fixedNow.AddDate(0, -1, 0), EndsAt: &end})).To(Succeed())
			parsed.NeedsReview("low_confidence")
			_, err := db.CommitReceipt(parsed, []*CashbackEntry{
				newEntry("r1", "o1", "5.00", EntryPendingConfirmation),
				newEntry("r1", "o3", "2.00", EntryPendingConfirmation),
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("lists the pending entries of an offer", func() {
			entries, err := db.ListPendingEntriesByOffer("o3")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ID).To(Equal("r1/o3"))
		})

		It("drops an entry once it leaves pending", func() {
			_, err := db.TransitionEntryStatus("r1/o3", EntryPendingConfirmation, EntryAccrued)
			Expect(err).NotTo(HaveOccurred())

			entries, err := db.ListPendingEntriesByOffer("o3")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
			offers, err := db.ListExpirableOffers(end)
			Expect(err).NotTo(HaveOccurred())
			Expect(offers).To(BeEmpty())
		})

		It("lists ended offers that still have pending entries", func() {
			offers, err := db.ListExpirableOffers(end)
			Expect(err).NotTo(HaveOccurred())
			Expect(offers).To(HaveLen(1))
			Expect(offers[0].ID).To(Equal("o3"))

			offers, err = db.ListExpirableOffers(end.Add(-time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(offers).To(BeEmpty())
		})

		It("lists offers ending within a window", func() {
			offers, err := db.ListOffersEndingWithin(fixedNow, fixedNow.Add(72*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(offers).To(HaveLen(1))
			Expect(offers[0].ID).To(Equal("o3"))

			offers, err = db.ListOffersEndingWithin(fixedNow, fixedNow.Add(24*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(offers).To(BeEmpty())
		})
	})

	Describe("RecordExtractionFailure", func() {
		It("counts attempts and schedules the next one", func() {
			next := fixedNow.Add(time.Minute)
			receipt, err := db.RecordExtractionFailure("r1", errors.New("ocr timeout"), ReceiptFailed, next)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Status).To(Equal(ReceiptFailed))
			Expect(receipt.Attempts).To(Equal(1))
			Expect(receipt.NextAttemptAt).To(Equal(next))
			Expect(receipt.LastError).To(Equal("ocr timeout"))

			failed, err := db.ListReceiptsByStatus(ReceiptFailed)
			Expect(err).NotTo(HaveOccurred())
			Expect(failed).To(HaveLen(1))
		})

		It("cannot touch a parsed receipt", func() {
			_, err := db.CommitReceipt(parsed, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = db.RecordExtractionFailure("r1", errors.New("late"), ReceiptFailed, fixedNow)
			Expect(errors.Is(err, ErrInvalidTransition)).To(BeTrue())
		})
	})
})

var _ = Describe("Index rebuild", func() {
	It("fills the pending index of a ledger written before it existed", func() {
		path := filepath.Join(GinkgoT().TempDir(), "old.db")
		db, err := NewBoltDB(path, WithClock(func() time.Time { return fixedNow }))
		Expect(err).NotTo(HaveOccurred())
		_, err = db.EnsureUser(&User{ID: "u1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(db.SaveMerchant(&Merchant{ID: "m1", Name: "Acme"})).To(Succeed())
		Expect(db.CreateOffer(&Offer{ID: "o1", MerchantID: "m1", Kind: OfferFixed, FixedAmount: decimal.NewFromInt(1), StartsAt: fixedNow.AddDate(0, -1, 0)})).To(Succeed())
		Expect(db.CreateReceipt(&Receipt{ID: "r1", UserID: "u1"})).To(Succeed())
		parsed := &ParsedReceipt{ReceiptID: "r1", UserID: "u1", Status: ReceiptNeedsReview, MerchantID: "m1", Total: decimal.NewFromInt(10), Currency: "USD", PurchasedAt: fixedNow}
		_, err = db.CommitReceipt(parsed, []*CashbackEntry{newEntry("r1", "o1", "1.00", EntryPendingConfirmation)})
		Expect(err).NotTo(HaveOccurred())
		Expect(db.db.Update(func(tx *bbolt.Tx) error {
			return tx.DeleteBucket([]byte(pendingByOfferBucket))
		})).To(Succeed())
		Expect(db.Close()).To(Succeed())

		db, err = NewBoltDB(path, WithClock(func() time.Time { return fixedNow }))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)

		entries, err := db.ListPendingEntriesByOffer("o1")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})
})
