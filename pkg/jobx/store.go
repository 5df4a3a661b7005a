package jobx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/kernel"
)

// Store is the durable-store contract the engine runs on. Implementations
// must make every mutation a single atomic conditional write: two concurrent
// calls may both observe a job, but only one write wins and the loser sees
// zero rows affected.
//
// Status-changing operations return NotFound when the id does not exist and
// InvalidState when the job exists but its status fails the operation's
// guard.
type Store interface {
	// Create inserts one job in pending status and assigns its id.
	Create(ctx context.Context, input NewJobInput) (*Job, error)

	// CreateBatch inserts several jobs; all or none.
	CreateBatch(ctx context.Context, inputs []NewJobInput) ([]*Job, error)

	// Get returns a job by id.
	Get(ctx context.Context, id int64) (*Job, error)

	// List returns one page of jobs matching the filter plus the total count.
	List(ctx context.Context, filter ListFilter) (kernel.Paginated[*Job], error)

	// Claim atomically transfers the next eligible pending job to workerID:
	// highest priority first, oldest first within a tier. jobType empty
	// means any type. Returns nil when nothing is eligible. Must never block
	// behind another in-flight claim.
	Claim(ctx context.Context, jobType, workerID string) (*Job, error)

	// Start moves a claimed job to running.
	Start(ctx context.Context, id int64) (*Job, error)

	// Complete moves a running job to completed and records its result.
	Complete(ctx context.Context, id int64, result json.RawMessage) (*Job, error)

	// Fail records a failure on a claimed or running job in one atomic
	// statement: retries is incremented and the error message overwritten;
	// if the post-increment count is still below max_retries the job
	// returns to pending with its claim fields cleared (retried=true),
	// otherwise it becomes failed (retried=false).
	Fail(ctx context.Context, id int64, errMsg string) (job *Job, retried bool, err error)

	// Cancel moves a pending or claimed job to cancelled. Running jobs are
	// rejected with InvalidState.
	Cancel(ctx context.Context, id int64) (*Job, error)

	// Sweep resets every claimed or running job whose claim is older than
	// olderThan back to pending, clearing claim fields. No retry counting.
	Sweep(ctx context.Context, olderThan time.Duration) (*SweepResult, error)

	// Stats returns per-type rollups. Read-only.
	Stats(ctx context.Context) ([]TypeStats, error)

	Close() error
}
