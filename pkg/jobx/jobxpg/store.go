// Package jobxpg is the PostgreSQL jobx.Store. Claim uses FOR UPDATE SKIP
// LOCKED so concurrent workers never queue behind each other's in-flight
// claims, and every lifecycle mutation is one conditional UPDATE whose
// branch conditions read only pre-statement column values.
package jobxpg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/kernel"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/ptrx"
)

const jobColumns = `id, type, status, params, result, error, priority, retries, max_retries,
	created_at, claimed_at, started_at, completed_at, worker_id`

// Store implements jobx.Store on PostgreSQL via sqlx.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a store on an existing connection pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool for the given DSN and returns a store on it.
func Connect(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, jobx.StoreError(err)
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the jobs table and its indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id           BIGSERIAL PRIMARY KEY,
			type         VARCHAR(100) NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			params       JSONB,
			result       JSONB,
			error        TEXT,
			priority     INTEGER NOT NULL DEFAULT 0,
			retries      INTEGER NOT NULL DEFAULT 0,
			max_retries  INTEGER NOT NULL DEFAULT 3,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			claimed_at   TIMESTAMPTZ,
			started_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			worker_id    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim
			ON jobs (priority DESC, created_at ASC)
			WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_type_status
			ON jobs (type, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return jobx.StoreError(fmt.Errorf("ensure schema: %w", err))
		}
	}
	return nil
}

// Create inserts one job in pending status.
func (s *Store) Create(ctx context.Context, input jobx.NewJobInput) (*jobx.Job, error) {
	var job jobx.Job
	query := fmt.Sprintf(`
		INSERT INTO jobs (type, params, priority, max_retries)
		VALUES ($1, $2, $3, $4)
		RETURNING %s`, jobColumns)

	err := s.db.GetContext(ctx, &job, query,
		input.Type, []byte(input.Params), input.Priority,
		ptrx.ValueOr(input.MaxRetries, jobx.DefaultMaxRetries))
	if err != nil {
		if isDataTruncation(err) {
			return nil, jobx.ValidationError("job type exceeds the column limit")
		}
		return nil, jobx.StoreError(fmt.Errorf("create job: %w", err))
	}
	return &job, nil
}

// CreateBatch inserts several jobs in one transaction; all or none.
func (s *Store) CreateBatch(ctx context.Context, inputs []jobx.NewJobInput) ([]*jobx.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("begin batch: %w", err))
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO jobs (type, params, priority, max_retries)
		VALUES ($1, $2, $3, $4)
		RETURNING %s`, jobColumns)

	jobs := make([]*jobx.Job, 0, len(inputs))
	for _, input := range inputs {
		var job jobx.Job
		err := tx.GetContext(ctx, &job, query,
			input.Type, []byte(input.Params), input.Priority,
			ptrx.ValueOr(input.MaxRetries, jobx.DefaultMaxRetries))
		if err != nil {
			if isDataTruncation(err) {
				return nil, jobx.ValidationError("job type exceeds the column limit")
			}
			return nil, jobx.StoreError(fmt.Errorf("create job in batch: %w", err))
		}
		jobs = append(jobs, &job)
	}

	if err := tx.Commit(); err != nil {
		return nil, jobx.StoreError(fmt.Errorf("commit batch: %w", err))
	}
	return jobs, nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id int64) (*jobx.Job, error) {
	var job jobx.Job
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)
	err := s.db.GetContext(ctx, &job, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, jobx.NotFoundError(id)
		}
		return nil, jobx.StoreError(fmt.Errorf("get job: %w", err))
	}
	return &job, nil
}

// List returns one page of jobs plus the total matching count.
func (s *Store) List(ctx context.Context, filter jobx.ListFilter) (kernel.Paginated[*jobx.Job], error) {
	var empty kernel.Paginated[*jobx.Job]

	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM jobs"+where, args...); err != nil {
		return empty, jobx.StoreError(fmt.Errorf("count jobs: %w", err))
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf("SELECT %s FROM jobs%s ORDER BY id ASC LIMIT $%d OFFSET $%d",
		jobColumns, where, len(args)-1, len(args))

	var jobs []*jobx.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return empty, jobx.StoreError(fmt.Errorf("list jobs: %w", err))
	}
	return kernel.NewPaginated(jobs, filter.Limit, filter.Offset, total), nil
}

// Claim atomically hands the next eligible pending job to workerID. The
// inner SELECT locks its victim row and skips rows locked by concurrent
// claims, so two workers can never receive the same job and never wait on
// each other. A plain select-then-update would race between the two steps.
func (s *Store) Claim(ctx context.Context, jobType, workerID string) (*jobx.Job, error) {
	typeCond := ""
	args := []any{workerID}
	if jobType != "" {
		args = append(args, jobType)
		typeCond = "AND type = $2"
	}

	query := fmt.Sprintf(`
		WITH victim AS (
			SELECT id FROM jobs
			WHERE status = 'pending' %s
			ORDER BY priority DESC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs SET
			status     = 'claimed',
			claimed_at = NOW(),
			worker_id  = $1
		WHERE id = (SELECT id FROM victim)
		RETURNING %s`, typeCond, jobColumns)

	var job jobx.Job
	err := s.db.GetContext(ctx, &job, query, args...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, jobx.StoreError(fmt.Errorf("claim job: %w", err))
	}
	return &job, nil
}

// Start moves a claimed job to running.
func (s *Store) Start(ctx context.Context, id int64) (*jobx.Job, error) {
	query := fmt.Sprintf(`
		UPDATE jobs SET
			status     = 'running',
			started_at = NOW()
		WHERE id = $1 AND status = 'claimed'
		RETURNING %s`, jobColumns)

	return s.conditionalUpdate(ctx, id, query, id)
}

// Complete resolves a running job successfully.
func (s *Store) Complete(ctx context.Context, id int64, result json.RawMessage) (*jobx.Job, error) {
	query := fmt.Sprintf(`
		UPDATE jobs SET
			status       = 'completed',
			result       = $2,
			error        = NULL,
			completed_at = NOW()
		WHERE id = $1 AND status = 'running'
		RETURNING %s`, jobColumns)

	return s.conditionalUpdate(ctx, id, query, id, []byte(result))
}

// Fail is one atomic statement: the retry decision and every dependent
// column write reference the pre-statement retries value, so two racing
// Fail calls serialize on the row lock and each sees the other's increment.
func (s *Store) Fail(ctx context.Context, id int64, errMsg string) (*jobx.Job, bool, error) {
	query := fmt.Sprintf(`
		UPDATE jobs SET
			retries      = retries + 1,
			error        = $2,
			status       = CASE WHEN retries + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN retries + 1 >= max_retries THEN NOW() ELSE NULL END,
			claimed_at   = CASE WHEN retries + 1 >= max_retries THEN claimed_at ELSE NULL END,
			started_at   = CASE WHEN retries + 1 >= max_retries THEN started_at ELSE NULL END,
			worker_id    = CASE WHEN retries + 1 >= max_retries THEN worker_id ELSE NULL END
		WHERE id = $1 AND status IN ('running', 'claimed')
		RETURNING %s`, jobColumns)

	job, err := s.conditionalUpdate(ctx, id, query, id, errMsg)
	if err != nil {
		return nil, false, err
	}
	return job, job.Status == jobx.JobStatusPending, nil
}

// Cancel withdraws a pending or claimed job.
func (s *Store) Cancel(ctx context.Context, id int64) (*jobx.Job, error) {
	query := fmt.Sprintf(`
		UPDATE jobs SET
			status       = 'cancelled',
			completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'claimed')
		RETURNING %s`, jobColumns)

	return s.conditionalUpdate(ctx, id, query, id)
}

// conditionalUpdate runs a guarded single-row UPDATE ... RETURNING and, when
// it affects nothing, tells the caller whether the job is missing or merely
// in the wrong status.
func (s *Store) conditionalUpdate(ctx context.Context, id int64, query string, args ...any) (*jobx.Job, error) {
	var job jobx.Job
	err := s.db.GetContext(ctx, &job, query, args...)
	if err == nil {
		return &job, nil
	}
	if err != sql.ErrNoRows {
		return nil, jobx.StoreError(fmt.Errorf("update job: %w", err))
	}

	var status jobx.JobStatus
	err = s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, jobx.NotFoundError(id)
	}
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("inspect job status: %w", err))
	}
	return nil, jobx.InvalidStateError(id, status)
}

// Sweep bulk-resets stale claims. The status predicate makes it race-safe
// against concurrent Complete/Fail: whichever write commits first wins and
// the other affects zero rows.
func (s *Store) Sweep(ctx context.Context, olderThan time.Duration) (*jobx.SweepResult, error) {
	// The CTE locks its victims (skipping rows an in-flight claim or
	// resolution already holds) and the RETURNING clause reads the CTE's
	// columns, so summaries report the pre-sweep claim identity.
	rows, err := s.db.QueryxContext(ctx, `
		WITH stale AS (
			SELECT id, type, worker_id, claimed_at FROM jobs
			WHERE status IN ('claimed', 'running')
			  AND claimed_at < NOW() - make_interval(secs => $1)
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET
			status     = 'pending',
			claimed_at = NULL,
			started_at = NULL,
			worker_id  = NULL
		FROM stale
		WHERE jobs.id = stale.id
		RETURNING stale.id, stale.type, stale.worker_id, stale.claimed_at`,
		olderThan.Seconds())
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("sweep jobs: %w", err))
	}
	defer rows.Close()

	result := &jobx.SweepResult{Jobs: []jobx.JobSummary{}}
	for rows.Next() {
		var summary jobx.JobSummary
		if err := rows.Scan(&summary.ID, &summary.Type, &summary.WorkerID, &summary.ClaimedAt); err != nil {
			return nil, jobx.StoreError(fmt.Errorf("scan swept job: %w", err))
		}
		result.Jobs = append(result.Jobs, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, jobx.StoreError(fmt.Errorf("iterate swept jobs: %w", err))
	}
	result.Count = len(result.Jobs)
	return result, nil
}

// Stats aggregates per-type rollups in one grouped query.
func (s *Store) Stats(ctx context.Context) ([]jobx.TypeStats, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT
			type,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending')   AS pending,
			COUNT(*) FILTER (WHERE status = 'claimed')   AS claimed,
			COUNT(*) FILTER (WHERE status = 'running')   AS running,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed')    AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
			AVG(EXTRACT(EPOCH FROM completed_at - started_at))
				FILTER (WHERE status = 'completed' AND started_at IS NOT NULL) AS avg_duration
		FROM jobs
		GROUP BY type
		ORDER BY type ASC`)
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("job stats: %w", err))
	}
	defer rows.Close()

	var stats []jobx.TypeStats
	for rows.Next() {
		var st jobx.TypeStats
		var pending, claimed, running, completed, failed, cancelled int
		var avgDuration sql.NullFloat64
		err := rows.Scan(&st.Type, &st.Total,
			&pending, &claimed, &running, &completed, &failed, &cancelled,
			&avgDuration)
		if err != nil {
			return nil, jobx.StoreError(fmt.Errorf("scan job stats: %w", err))
		}

		st.StatusCounts = map[jobx.JobStatus]int{}
		for status, n := range map[jobx.JobStatus]int{
			jobx.JobStatusPending:   pending,
			jobx.JobStatusClaimed:   claimed,
			jobx.JobStatusRunning:   running,
			jobx.JobStatusCompleted: completed,
			jobx.JobStatusFailed:    failed,
			jobx.JobStatusCancelled: cancelled,
		} {
			if n > 0 {
				st.StatusCounts[status] = n
			}
		}
		if avgDuration.Valid {
			st.AvgDurationSeconds = &avgDuration.Float64
		}
		if failed+completed > 0 {
			rate := float64(failed) / float64(failed+completed)
			st.FailureRate = &rate
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, jobx.StoreError(fmt.Errorf("iterate job stats: %w", err))
	}
	return stats, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func isDataTruncation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "22001" // string_data_right_truncation
	}
	return false
}
