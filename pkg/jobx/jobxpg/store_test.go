package jobxpg_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/errx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx/jobxpg"
)

// newTestStore connects to TEST_DATABASE_URL, ensures the schema, and wipes
// the jobs table. Tests are skipped when the variable is unset.
func newTestStore(t *testing.T) *jobxpg.Store {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := jobxpg.NewStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := db.Exec("TRUNCATE jobs RESTART IDENTITY"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func TestPostgresLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, jobx.NewJobInput{
		Type:     "render",
		Params:   []byte(`{"page":"home"}`),
		Priority: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == 0 || job.Status != jobx.JobStatusPending {
		t.Fatalf("created job = %+v", job)
	}

	claimed, err := store.Claim(ctx, "render", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %+v", claimed)
	}
	if claimed.WorkerID == nil || *claimed.WorkerID != "w1" || claimed.ClaimedAt == nil {
		t.Errorf("claim fields not set: %+v", claimed)
	}

	if _, err := store.Start(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	done, err := store.Complete(ctx, job.ID, []byte(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != jobx.JobStatusCompleted || done.CompletedAt == nil {
		t.Errorf("completed = %+v", done)
	}
	if done.StartedAt == nil {
		t.Error("completed job should keep started_at for duration stats")
	}
}

func TestPostgresClaimOrderingAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	low, _ := store.Create(ctx, jobx.NewJobInput{Type: "a", Priority: 1})
	high, _ := store.Create(ctx, jobx.NewJobInput{Type: "a", Priority: 9})
	other, _ := store.Create(ctx, jobx.NewJobInput{Type: "b", Priority: 100})

	got, err := store.Claim(ctx, "a", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != high.ID {
		t.Errorf("claimed %d, want high-priority %d", got.ID, high.ID)
	}

	got, err = store.Claim(ctx, "a", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != low.ID {
		t.Errorf("claimed %d, want %d", got.ID, low.ID)
	}

	// Type filter exhausted; type b untouched.
	got, err = store.Claim(ctx, "a", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected empty pool for type a, got %+v", got)
	}
	if j, _ := store.Get(ctx, other.ID); j.Status != jobx.JobStatusPending {
		t.Errorf("type b job disturbed: %s", j.Status)
	}
}

func TestPostgresFailRetryAndExhaustion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	maxRetries := 2
	job, err := store.Create(ctx, jobx.NewJobInput{Type: "t", MaxRetries: &maxRetries})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Claim(ctx, "t", "w1"); err != nil {
		t.Fatal(err)
	}
	failed, retried, err := store.Fail(ctx, job.ID, "attempt 1")
	if err != nil {
		t.Fatal(err)
	}
	if !retried || failed.Status != jobx.JobStatusPending || failed.Retries != 1 {
		t.Fatalf("first fail = %+v retried=%v", failed, retried)
	}
	if failed.WorkerID != nil || failed.ClaimedAt != nil || failed.StartedAt != nil {
		t.Errorf("retry must clear claim fields: %+v", failed)
	}

	if _, err := store.Claim(ctx, "t", "w2"); err != nil {
		t.Fatal(err)
	}
	failed, retried, err = store.Fail(ctx, job.ID, "attempt 2")
	if err != nil {
		t.Fatal(err)
	}
	if retried || failed.Status != jobx.JobStatusFailed || failed.Retries != 2 {
		t.Fatalf("final fail = %+v retried=%v", failed, retried)
	}
	if failed.Error == nil || *failed.Error != "attempt 2" {
		t.Errorf("error = %v", failed.Error)
	}
}

func TestPostgresNotFoundVersusConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Start(ctx, 12345); !errx.IsType(err, errx.TypeNotFound) {
		t.Errorf("missing job: %v", err)
	}

	job, _ := store.Create(ctx, jobx.NewJobInput{Type: "t"})
	if _, err := store.Start(ctx, job.ID); !errx.IsType(err, errx.TypeConflict) {
		t.Errorf("pending job start: %v", err)
	}
	if _, err := store.Complete(ctx, job.ID, nil); !errx.IsType(err, errx.TypeConflict) {
		t.Errorf("pending job complete: %v", err)
	}
}

func TestPostgresSweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.Create(ctx, jobx.NewJobInput{Type: "t"})
	if _, err := store.Claim(ctx, "t", "w1"); err != nil {
		t.Fatal(err)
	}

	// Fresh claim survives a one-hour threshold.
	result, err := store.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if result.Count != 0 {
		t.Errorf("fresh claim swept: %+v", result)
	}

	// Zero threshold reclaims it and reports the pre-sweep holder.
	result, err = store.Sweep(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Count != 1 || result.Jobs[0].ID != job.ID {
		t.Fatalf("sweep = %+v", result)
	}
	if result.Jobs[0].WorkerID == nil || *result.Jobs[0].WorkerID != "w1" {
		t.Errorf("summary lost the worker identity: %+v", result.Jobs[0])
	}

	swept, _ := store.Get(ctx, job.ID)
	if swept.Status != jobx.JobStatusPending || swept.WorkerID != nil {
		t.Errorf("after sweep = %+v", swept)
	}
	if swept.Retries != 0 {
		t.Errorf("sweep must not count as an attempt, retries = %d", swept.Retries)
	}
}

func TestPostgresStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a1, _ := store.Create(ctx, jobx.NewJobInput{Type: "a"})
	a2, _ := store.Create(ctx, jobx.NewJobInput{Type: "a"})
	store.Create(ctx, jobx.NewJobInput{Type: "b"})

	store.Claim(ctx, "a", "w1")
	store.Start(ctx, a1.ID)
	store.Complete(ctx, a1.ID, nil)

	maxRetries := 1
	store.Create(ctx, jobx.NewJobInput{Type: "a", MaxRetries: &maxRetries})
	_ = a2

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 || stats[0].Type != "a" || stats[1].Type != "b" {
		t.Fatalf("stats = %+v", stats)
	}
	a := stats[0]
	if a.Total != 3 || a.StatusCounts[jobx.JobStatusCompleted] != 1 || a.StatusCounts[jobx.JobStatusPending] != 2 {
		t.Errorf("type a stats = %+v", a)
	}
	if a.AvgDurationSeconds == nil {
		t.Error("expected avg duration for the completed job")
	}
}
