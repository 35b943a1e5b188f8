package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// dueTimeLayout sorts lexically in time order for UTC timestamps
const dueTimeLayout = "20060102T150405.000000000"

func dueKey(run *JobRun) []byte {
	return indexKey(run.ScheduledFor.UTC().Format(dueTimeLayout), run.Key)
}

// indexDueTx lists a run in the due index while it waits to execute
func indexDueTx(tx *bbolt.Tx, run *JobRun) error {
	index := tx.Bucket([]byte(jobRunsDueBucket))
	if run.Status == JobScheduled || run.Status == JobFailedRetryable {
		return index.Put(dueKey(run), []byte(run.Key))
	}
	return index.Delete(dueKey(run))
}

// buildDueIndexTx fills the due index of a ledger written before it existed
func buildDueIndexTx(tx *bbolt.Tx) error {
	return tx.Bucket([]byte(jobRunsBucket)).ForEach(func(k, v []byte) error {
		var run JobRun
		if err := json.Unmarshal(v, &run); err != nil {
			return fmt.Errorf("unmarshaling job run %s: %w", k, err)
		}
		return indexDueTx(tx, &run)
	})
}

// EnsureJobRun creates a scheduled run under run.Key unless one already exists. It returns
// the stored run and whether it was created by this call.
func (b *BoltDB) EnsureJobRun(run *JobRun) (*JobRun, bool, error) {
	var stored JobRun
	created := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobRunsBucket))
		err := getJSON(bucket, run.Key, &stored)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("unmarshaling job run: %w", err)
		}
		now := b.now()
		stored = *run
		stored.Status = JobScheduled
		stored.CreatedAt = now
		stored.UpdatedAt = now
		created = true
		if err := putJSON(bucket, stored.Key, &stored); err != nil {
			return err
		}
		return indexDueTx(tx, &stored)
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

// GetJobRun retrieves a job run by key
func (b *BoltDB) GetJobRun(key string) (*JobRun, error) {
	var run JobRun
	err := b.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket([]byte(jobRunsBucket)), key, &run)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("job run", key)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (b *BoltDB) updateJobRun(key string, fn func(run *JobRun) error) (*JobRun, error) {
	var run JobRun
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobRunsBucket))
		if err := getJSON(bucket, key, &run); err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("job run", key)
			}
			return err
		}
		if err := fn(&run); err != nil {
			return err
		}
		run.UpdatedAt = b.now()
		if err := putJSON(bucket, key, &run); err != nil {
			return err
		}
		return indexDueTx(tx, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ClaimJobRun marks a scheduled or retryable run as running for owner. Only one caller can
// claim a given run.
func (b *BoltDB) ClaimJobRun(key, owner string) (*JobRun, error) {
	return b.updateJobRun(key, func(run *JobRun) error {
		if !run.Status.CanTransition(JobRunning) {
			return &TransitionError{Entity: "job run", ID: key, From: string(run.Status), To: string(JobRunning), Current: string(run.Status)}
		}
		run.Status = JobRunning
		run.Attempt++
		run.Owner = owner
		run.StartedAt = b.now()
		run.FinishedAt = time.Time{}
		return nil
	})
}

// FinishJobRun records the outcome of a running job
func (b *BoltDB) FinishJobRun(key string, status JobStatus, cause error) (*JobRun, error) {
	return b.updateJobRun(key, func(run *JobRun) error {
		if !run.Status.CanTransition(status) {
			return &TransitionError{Entity: "job run", ID: key, From: string(JobRunning), To: string(status), Current: string(run.Status)}
		}
		run.Status = status
		run.FinishedAt = b.now()
		run.LastError = ""
		if cause != nil {
			run.LastError = cause.Error()
		}
		return nil
	})
}

func (b *BoltDB) listJobRuns(keep func(*JobRun) bool) ([]*JobRun, error) {
	runs := make([]*JobRun, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobRunsBucket)).ForEach(func(k, v []byte) error {
			var run JobRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("unmarshaling job run: %w", err)
			}
			if keep(&run) {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].ScheduledFor.Equal(runs[j].ScheduledFor) {
			return runs[i].ScheduledFor.Before(runs[j].ScheduledFor)
		}
		return runs[i].Key < runs[j].Key
	})
	return runs, nil
}

// ListJobRuns returns runs in any of the given statuses, or all runs when none are given
func (b *BoltDB) ListJobRuns(statuses ...JobStatus) ([]*JobRun, error) {
	return b.listJobRuns(func(run *JobRun) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, s := range statuses {
			if run.Status == s {
				return true
			}
		}
		return false
	})
}

// ListDueJobRuns returns runs waiting to execute whose time has come, walking only the
// due index
func (b *BoltDB) ListDueJobRuns(asOf time.Time) ([]*JobRun, error) {
	runs := make([]*JobRun, 0)
	limit := []byte(asOf.UTC().Format(dueTimeLayout) + "\x01")
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobRunsBucket))
		c := tx.Bucket([]byte(jobRunsDueBucket)).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, v = c.Next() {
			var run JobRun
			if err := getJSON(bucket, string(v), &run); err != nil {
				return fmt.Errorf("reading job run %s: %w", v, err)
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneJobRuns deletes finished runs that finished before the cutoff and returns how many
// were removed. A pruned slot key can be scheduled again, so the cutoff must lie further
// back than the longest period a slot is ensured for.
func (b *BoltDB) PruneJobRuns(before time.Time) (int, error) {
	count := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobRunsBucket))
		var stale []string
		err := bucket.ForEach(func(k, v []byte) error {
			var run JobRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("unmarshaling job run: %w", err)
			}
			if run.Status.Done() && run.FinishedAt.Before(before) {
				stale = append(stale, run.Key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		count = len(stale)
		return nil
	})
	return count, err
}

// ResetRunning marks every running job as retryable. It is called on startup, when any
// run still marked running was interrupted by a crash.
func (b *BoltDB) ResetRunning(cause string) (int, error) {
	count := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobRunsBucket))
		var interrupted []JobRun
		err := bucket.ForEach(func(k, v []byte) error {
			var run JobRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("unmarshaling job run: %w", err)
			}
			if run.Status == JobRunning {
				interrupted = append(interrupted, run)
			}
			return nil
		})
		if err != nil {
			return err
		}
		now := b.now()
		for i := range interrupted {
			run := &interrupted[i]
			run.Status = JobFailedRetryable
			run.LastError = cause
			run.FinishedAt = now
			run.UpdatedAt = now
			if err := putJSON(bucket, run.Key, run); err != nil {
				return err
			}
			if err := indexDueTx(tx, run); err != nil {
				return err
			}
		}
		count = len(interrupted)
		return nil
	})
	return count, err
}
