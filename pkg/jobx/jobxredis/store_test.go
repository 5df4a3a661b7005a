package jobxredis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/errx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx/jobxredis"
)

// newTestStore connects to TEST_REDIS_ADDR and clears every engine key.
// Tests are skipped when the variable is unset.
func newTestStore(t *testing.T) *jobxredis.Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	iter := rdb.Scan(ctx, 0, "jobx:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := rdb.Del(ctx, iter.Val()).Err(); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("cleanup scan: %v", err)
	}

	return jobxredis.NewStore(rdb)
}

func TestRedisLifecycle(t *testing.T) {
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
		t.Fatalf("created = %+v", job)
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
	if done.Status != jobx.JobStatusCompleted || done.CompletedAt == nil || done.StartedAt == nil {
		t.Errorf("completed = %+v", done)
	}
	if string(done.Result) != `{"ok":true}` {
		t.Errorf("result = %s", done.Result)
	}
}

func TestRedisClaimOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, _ := store.Create(ctx, jobx.NewJobInput{Type: "t", Priority: 5})
	second, _ := store.Create(ctx, jobx.NewJobInput{Type: "t", Priority: 5})
	high, _ := store.Create(ctx, jobx.NewJobInput{Type: "t", Priority: 9})

	order := []int64{high.ID, first.ID, second.ID}
	for i, want := range order {
		got, err := store.Claim(ctx, "t", "w1")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("claim %d: got %+v, want id %d", i, got, want)
		}
	}

	got, err := store.Claim(ctx, "t", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected empty pool, got %+v", got)
	}
}

func TestRedisTypeFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Create(ctx, jobx.NewJobInput{Type: "a"})
	b, _ := store.Create(ctx, jobx.NewJobInput{Type: "b"})

	got, err := store.Claim(ctx, "b", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != b.ID {
		t.Fatalf("typed claim = %+v", got)
	}

	if got, _ := store.Claim(ctx, "b", "w1"); got != nil {
		t.Errorf("type b should be exhausted, got %+v", got)
	}
	if got, _ := store.Claim(ctx, "", "w1"); got == nil {
		t.Error("untyped claim should still see type a")
	}
}

func TestRedisFailRetryAndExhaustion(t *testing.T) {
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
	if failed.WorkerID != nil || failed.ClaimedAt != nil {
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
}

func TestRedisNotFoundVersusConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Start(ctx, 12345); !errx.IsType(err, errx.TypeNotFound) {
		t.Errorf("missing job: %v", err)
	}

	job, _ := store.Create(ctx, jobx.NewJobInput{Type: "t"})
	if _, err := store.Start(ctx, job.ID); !errx.IsType(err, errx.TypeConflict) {
		t.Errorf("pending job start: %v", err)
	}
	if _, err := store.Cancel(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Cancel(ctx, job.ID); !errx.IsType(err, errx.TypeConflict) {
		t.Errorf("double cancel: %v", err)
	}
}

func TestRedisSweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.Create(ctx, jobx.NewJobInput{Type: "t"})
	if _, err := store.Claim(ctx, "t", "w1"); err != nil {
		t.Fatal(err)
	}

	result, err := store.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if result.Count != 0 {
		t.Errorf("fresh claim swept: %+v", result)
	}

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

	// Swept job is claimable again.
	if got, _ := store.Claim(ctx, "t", "w2"); got == nil || got.ID != job.ID {
		t.Errorf("reclaim after sweep = %+v", got)
	}
}

func TestRedisListAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a1, _ := store.Create(ctx, jobx.NewJobInput{Type: "a"})
	store.Create(ctx, jobx.NewJobInput{Type: "a"})
	store.Create(ctx, jobx.NewJobInput{Type: "b"})

	store.Claim(ctx, "a", "w1")
	store.Start(ctx, a1.ID)
	store.Complete(ctx, a1.ID, nil)

	page, err := store.List(ctx, jobx.ListFilter{Type: "a", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.Page.Total != 2 {
		t.Errorf("list type a = %+v", page)
	}

	page, err = store.List(ctx, jobx.ListFilter{Status: jobx.JobStatusCompleted, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != a1.ID {
		t.Errorf("list completed = %+v", page.Items)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 || stats[0].Type != "a" || stats[1].Type != "b" {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].StatusCounts[jobx.JobStatusCompleted] != 1 {
		t.Errorf("type a stats = %+v", stats[0])
	}
}
