package jobxmem_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/errx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx/jobxmem"
)

func seed(t *testing.T, store *jobxmem.Store, n int, jobType string) []*jobx.Job {
	t.Helper()
	jobs := make([]*jobx.Job, 0, n)
	for i := 0; i < n; i++ {
		maxRetries := jobx.DefaultMaxRetries
		job, err := store.Create(context.Background(), jobx.NewJobInput{
			Type:       jobType,
			MaxRetries: &maxRetries,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// K pending jobs and N > K concurrent claimants: exactly K claims succeed,
// each for a distinct job, and the remaining N-K observe an empty pool.
func TestConcurrentClaimsNoDoubleAssignment(t *testing.T) {
	const (
		jobs     = 8
		claimers = 32
	)

	store := jobxmem.NewStore()
	seed(t, store, jobs, "t")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[int64]string)
		misses  int
	)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			worker := fmt.Sprintf("w%d", n)
			job, err := store.Claim(context.Background(), "t", worker)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if job == nil {
				misses++
				return
			}
			if prev, dup := claimed[job.ID]; dup {
				t.Errorf("job %d claimed by both %s and %s", job.ID, prev, worker)
			}
			claimed[job.ID] = worker
		}(i)
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("expected %d distinct claims, got %d", jobs, len(claimed))
	}
	if misses != claimers-jobs {
		t.Errorf("expected %d misses, got %d", claimers-jobs, misses)
	}
}

// Two racing Fail calls on the same claimed job: the winner re-enqueues it
// to pending and counts one attempt, the loser must observe that state and
// be rejected rather than double-counting.
func TestConcurrentFailCountsBothAttempts(t *testing.T) {
	store := jobxmem.NewStore()
	maxRetries := 10
	job, err := store.Create(context.Background(), jobx.NewJobInput{
		Type:       "t",
		MaxRetries: &maxRetries,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(context.Background(), "t", "w1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, results[n] = store.Fail(context.Background(), job.ID, fmt.Sprintf("race %d", n))
		}(i)
	}
	wg.Wait()

	var conflicts int
	for _, err := range results {
		if err == nil {
			continue
		}
		if errx.IsType(err, errx.TypeConflict) {
			conflicts++
		} else {
			t.Errorf("unexpected error: %v", err)
		}
	}

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if conflicts != 1 {
		t.Errorf("expected exactly one rejected Fail, got %d", conflicts)
	}
	if got.Retries != 1 {
		t.Errorf("expected exactly one counted attempt, got %d", got.Retries)
	}
	if got.Status != jobx.JobStatusPending {
		t.Errorf("expected pending after retryable failure, got %s", got.Status)
	}
}

// Interleaved fail-and-reclaim cycles: retries never decreases and every
// counted attempt comes from a Fail call.
func TestRetriesMonotonic(t *testing.T) {
	store := jobxmem.NewStore()
	maxRetries := 50
	job, err := store.Create(context.Background(), jobx.NewJobInput{
		Type:       "t",
		MaxRetries: &maxRetries,
	})
	if err != nil {
		t.Fatal(err)
	}

	last := 0
	for i := 0; i < 20; i++ {
		if _, err := store.Claim(context.Background(), "t", "w"); err != nil {
			t.Fatal(err)
		}
		failed, _, err := store.Fail(context.Background(), job.ID, "x")
		if err != nil {
			t.Fatal(err)
		}
		if failed.Retries <= last {
			t.Fatalf("retries went from %d to %d", last, failed.Retries)
		}
		last = failed.Retries
	}
}

// After any mix of operations a job is pending exactly when all of its
// claim fields are null.
func TestPendingClaimFieldInvariant(t *testing.T) {
	store := jobxmem.NewStore()
	ctx := context.Background()
	seed(t, store, 6, "t")

	// Drive jobs into a spread of states.
	j1, _ := store.Claim(ctx, "t", "w1")
	j2, _ := store.Claim(ctx, "t", "w2")
	if _, err := store.Start(ctx, j2.ID); err != nil {
		t.Fatal(err)
	}
	j3, _ := store.Claim(ctx, "t", "w3")
	if _, err := store.Start(ctx, j3.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Complete(ctx, j3.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Fail(ctx, j1.ID, "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Sweep(ctx, 0); err != nil {
		t.Fatal(err)
	}

	page, err := store.List(ctx, jobx.ListFilter{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	for _, job := range page.Items {
		cleared := job.ClaimedAt == nil && job.StartedAt == nil && job.WorkerID == nil
		if (job.Status == jobx.JobStatusPending) != cleared {
			t.Errorf("job %d: status=%s claimed_at=%v started_at=%v worker=%v",
				job.ID, job.Status, job.ClaimedAt, job.StartedAt, job.WorkerID)
		}
	}
}

func TestSweepSkipsTerminalAndPending(t *testing.T) {
	store := jobxmem.NewStore()
	ctx := context.Background()
	seed(t, store, 3, "t")

	done, _ := store.Claim(ctx, "t", "w1")
	if _, err := store.Start(ctx, done.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Complete(ctx, done.ID, nil); err != nil {
		t.Fatal(err)
	}

	stale, _ := store.Claim(ctx, "t", "w2")

	result, err := store.Sweep(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Count != 1 || result.Jobs[0].ID != stale.ID {
		t.Errorf("expected only job %d swept, got %+v", stale.ID, result)
	}

	final, err := store.Get(ctx, done.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != jobx.JobStatusCompleted {
		t.Errorf("sweep must not touch terminal jobs, got %s", final.Status)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	store := jobxmem.NewStore()
	seed(t, store, 1, "t")

	a, err := store.Get(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	a.Type = "mutated"
	a.Status = jobx.JobStatusFailed

	b, err := store.Get(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if b.Type != "t" || b.Status != jobx.JobStatusPending {
		t.Error("store state leaked through a returned job")
	}
}
