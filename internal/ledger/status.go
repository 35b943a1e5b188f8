package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed or the expected
	// prior status does not match the stored one
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrReceiptImmutable is returned when a parsed receipt would be overwritten
	ErrReceiptImmutable = errors.New("receipt is immutable once parsed")
	// ErrOfferExists is returned when an offer id is reused
	ErrOfferExists = errors.New("offer already exists")
)

// ReceiptStatus is the extraction state of a receipt
type ReceiptStatus string

const (
	ReceiptPending     ReceiptStatus = "pending"
	ReceiptParsed      ReceiptStatus = "parsed"
	ReceiptFailed      ReceiptStatus = "failed"
	ReceiptNeedsReview ReceiptStatus = "needs_review"
)

var receiptTransitions = map[ReceiptStatus][]ReceiptStatus{
	ReceiptPending:     {ReceiptParsed, ReceiptFailed, ReceiptNeedsReview},
	ReceiptFailed:      {ReceiptFailed, ReceiptParsed, ReceiptNeedsReview},
	ReceiptNeedsReview: {ReceiptNeedsReview, ReceiptParsed, ReceiptFailed},
	ReceiptParsed:      nil,
}

// Valid reports whether s is a known receipt status.
func (s ReceiptStatus) Valid() bool {
	_, ok := receiptTransitions[s]
	return ok
}

// CanTransition reports whether a receipt may move from s to next.
func (s ReceiptStatus) CanTransition(next ReceiptStatus) bool {
	for _, allowed := range receiptTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EntryStatus is the lifecycle state of a cashback entry
type EntryStatus string

const (
	EntryPendingConfirmation EntryStatus = "pending_confirmation"
	EntryAccrued             EntryStatus = "accrued"
	EntryExpired             EntryStatus = "expired"
	EntryVoid                EntryStatus = "void"
)

// ReasonSuperseded marks a pending entry voided because a later resolution of its receipt
// no longer selected the offer
const ReasonSuperseded = "superseded"

// entryRank orders statuses along pending_confirmation -> accrued -> (expired|void).
var entryRank = map[EntryStatus]int{
	EntryPendingConfirmation: 0,
	EntryAccrued:             1,
	EntryExpired:             2,
	EntryVoid:                2,
}

// Valid reports whether s is a known entry status.
func (s EntryStatus) Valid() bool {
	_, ok := entryRank[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s EntryStatus) Terminal() bool {
	return s == EntryExpired || s == EntryVoid
}

// CanTransition reports whether an entry may move from s to next. Moves only go forward
// along the chain, so the observed history is always a subsequence of it.
func (s EntryStatus) CanTransition(next EntryStatus) bool {
	from, ok := entryRank[s]
	if !ok {
		return false
	}
	to, ok := entryRank[next]
	if !ok {
		return false
	}
	return to > from
}

// JobStatus is the lifecycle state of a job run
type JobStatus string

const (
	JobScheduled       JobStatus = "scheduled"
	JobRunning         JobStatus = "running"
	JobSucceeded       JobStatus = "succeeded"
	JobFailedRetryable JobStatus = "failed_retryable"
	JobFailedPermanent JobStatus = "failed_permanent"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobScheduled:       {JobRunning},
	JobFailedRetryable: {JobRunning},
	JobRunning:         {JobSucceeded, JobFailedRetryable, JobFailedPermanent},
	JobSucceeded:       nil,
	JobFailedPermanent: nil,
}

// CanTransition reports whether a job run may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Done reports whether the run will never execute again.
func (s JobStatus) Done() bool {
	return s == JobSucceeded || s == JobFailedPermanent
}

// TransitionError describes a rejected status change
type TransitionError struct {
	Entity  string
	ID      string
	From    string
	To      string
	Current string
}

func (e *TransitionError) Error() string {
	if e.Current != e.From {
		return fmt.Sprintf("%s %s: expected status %s but found %s", e.Entity, e.ID, e.From, e.Current)
	}
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
