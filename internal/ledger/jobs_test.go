package ledger

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Job runs", func() {
	var db *BoltDB

	BeforeEach(func() {
		db = openTestDB()
	})

	It("creates a run only once per key", func() {
		run, created, err := db.EnsureJobRun(&JobRun{Key: "expiry@1", Job: "expiry", ScheduledFor: fixedNow})
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeTrue())
		Expect(run.Status).To(Equal(JobScheduled))

		_, created, err = db.EnsureJobRun(&JobRun{Key: "expiry@1", Job: "expiry", ScheduledFor: fixedNow})
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeFalse())
	})

	It("walks the run lifecycle", func() {
		_, _, err := db.EnsureJobRun(&JobRun{Key: "k", Job: "expiry", ScheduledFor: fixedNow})
		Expect(err).NotTo(HaveOccurred())

		run, err := db.ClaimJobRun("k", "owner-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(JobRunning))
		Expect(run.Attempt).To(Equal(1))
		Expect(run.Owner).To(Equal("owner-1"))

		_, err = db.ClaimJobRun("k", "owner-2")
		Expect(errors.Is(err, ErrInvalidTransition)).To(BeTrue())

		run, err = db.FinishJobRun("k", JobSucceeded, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(JobSucceeded))

		_, err = db.ClaimJobRun("k", "owner-1")
		Expect(errors.Is(err, ErrInvalidTransition)).To(BeTrue())
	})

	It("lets retryable runs be claimed again", func() {
		_, _, err := db.EnsureJobRun(&JobRun{Key: "k", Job: "digest", ScheduledFor: fixedNow})
		Expect(err).NotTo(HaveOccurred())
		_, err = db.ClaimJobRun("k", "o")
		Expect(err).NotTo(HaveOccurred())
		run, err := db.FinishJobRun("k", JobFailedRetryable, errors.New("notify failed"))
		Expect(err).NotTo(HaveOccurred())
		Expect(run.LastError).To(Equal("notify failed"))

		run, err = db.ClaimJobRun("k", "o")
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Attempt).To(Equal(2))
	})

	It("lists due runs only", func() {
		_, _, err := db.EnsureJobRun(&JobRun{Key: "past", Job: "a", ScheduledFor: fixedNow.Add(-time.Minute)})
		Expect(err).NotTo(HaveOccurred())
		_, _, err = db.EnsureJobRun(&JobRun{Key: "future", Job: "a", ScheduledFor: fixedNow.Add(time.Minute)})
		Expect(err).NotTo(HaveOccurred())

		due, err := db.ListDueJobRuns(fixedNow)
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
		Expect(due[0].Key).To(Equal("past"))
	})

	It("keeps the due list in step with the run lifecycle", func() {
		for _, key := range []string{"b", "a", "c"} {
			_, _, err := db.EnsureJobRun(&JobRun{Key: key, Job: "a", ScheduledFor: fixedNow})
			Expect(err).NotTo(HaveOccurred())
		}
		_, _, err := db.EnsureJobRun(&JobRun{Key: "earlier", Job: "a", ScheduledFor: fixedNow.Add(-time.Hour)})
		Expect(err).NotTo(HaveOccurred())

		_, err = db.ClaimJobRun("a", "o")
		Expect(err).NotTo(HaveOccurred())
		_, err = db.ClaimJobRun("b", "o")
		Expect(err).NotTo(HaveOccurred())
		_, err = db.FinishJobRun("b", JobSucceeded, nil)
		Expect(err).NotTo(HaveOccurred())

		due, err := db.ListDueJobRuns(fixedNow)
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(2))
		Expect(due[0].Key).To(Equal("earlier"))
		Expect(due[1].Key).To(Equal("c"))

		_, err = db.FinishJobRun("a", JobFailedRetryable, errors.New("busy"))
		Expect(err).NotTo(HaveOccurred())
		due, err = db.ListDueJobRuns(fixedNow)
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(3))
		Expect(due[1].Key).To(Equal("a"))
	})

	It("prunes finished runs older than the cutoff", func() {
		_, _, err := db.EnsureJobRun(&JobRun{Key: "done", Job: "a", ScheduledFor: fixedNow})
		Expect(err).NotTo(HaveOccurred())
		_, err = db.ClaimJobRun("done", "o")
		Expect(err).NotTo(HaveOccurred())
		_, err = db.FinishJobRun("done", JobSucceeded, nil)
		Expect(err).NotTo(HaveOccurred())
		_, _, err = db.EnsureJobRun(&JobRun{Key: "waiting", Job: "a", ScheduledFor: fixedNow.Add(-48 * time.Hour)})
		Expect(err).NotTo(HaveOccurred())

		count, err := db.PruneJobRuns(fixedNow)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(0))

		count, err = db.PruneJobRuns(fixedNow.Add(time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))

		_, err = db.GetJobRun("done")
		Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		due, err := db.ListDueJobRuns(fixedNow)
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
		Expect(due[0].Key).To(Equal("waiting"))
	})

	It("resets interrupted runs on startup", func() {
		_, _, err := db.EnsureJobRun(&JobRun{Key: "k", Job: "expiry", ScheduledFor: fixedNow})
		Expect(err).NotTo(HaveOccurred())
		_, err = db.ClaimJobRun("k", "dead-process")
		Expect(err).NotTo(HaveOccurred())

		count, err := db.ResetRunning("interrupted")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))

		run, err := db.GetJobRun("k")
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(JobFailedRetryable))
		Expect(run.LastError).To(Equal("interrupted"))

		running, err := db.ListJobRuns(JobRunning)
		Expect(err).NotTo(HaveOccurred())
		Expect(running).To(BeEmpty())

		due, err := db.ListDueJobRuns(fixedNow)
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
	})
})
