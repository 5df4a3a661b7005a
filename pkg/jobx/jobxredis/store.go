// Package jobxredis is a Redis jobx.Store. Where the PostgreSQL backend
// leans on row locks and SKIP LOCKED, this one makes every mutation a Lua
// script, so guard and write execute as one server-side operation.
//
// Layout under the "jobx:" prefix: one hash per job, a global pending
// sorted set plus one per type (score = -priority, members are zero-padded
// ids so equal priorities resolve oldest-first), and a claimed sorted set
// scored by claim time for sweep candidate selection. List and Stats scan
// all job hashes; this backend trades scan cost for claim-path speed.
package jobxredis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/asyncx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/kernel"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/ptrx"
)

const keyPrefix = "jobx:"

// Store implements jobx.Store on Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a store on an existing Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func jobKey(id int64) string         { return fmt.Sprintf("%sjob:%d", keyPrefix, id) }
func typePendingKey(t string) string { return keyPrefix + "pending:type:" + t }
func member(id int64) string         { return fmt.Sprintf("%020d", id) }

var (
	idKey      = keyPrefix + "next_id"
	pendingKey = keyPrefix + "pending"
	claimedKey = keyPrefix + "claimed"
	allKey     = keyPrefix + "all"
)

// Create inserts one job in pending status.
func (s *Store) Create(ctx context.Context, input jobx.NewJobInput) (*jobx.Job, error) {
	id, err := s.rdb.Incr(ctx, idKey).Result()
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("allocate job id: %w", err))
	}

	now := time.Now().UTC()
	job := &jobx.Job{
		ID:         id,
		Type:       input.Type,
		Status:     jobx.JobStatusPending,
		Params:     input.Params,
		Priority:   input.Priority,
		MaxRetries: ptrx.ValueOr(input.MaxRetries, jobx.DefaultMaxRetries),
		CreatedAt:  now,
	}

	fields := map[string]any{
		"id":          strconv.FormatInt(id, 10),
		"type":        job.Type,
		"status":      string(job.Status),
		"priority":    strconv.Itoa(job.Priority),
		"retries":     "0",
		"max_retries": strconv.Itoa(job.MaxRetries),
		"created_at":  now.Format(time.RFC3339Nano),
	}
	if len(input.Params) > 0 {
		fields["params"] = string(input.Params)
	}

	score := float64(-job.Priority)
	m := member(id)

	// Hash first, then indexes, so a concurrent claim never pops a member
	// whose hash does not exist yet.
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), fields)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: score, Member: m})
	pipe.ZAdd(ctx, typePendingKey(job.Type), redis.Z{Score: score, Member: m})
	pipe.ZAdd(ctx, allKey, redis.Z{Score: 0, Member: m})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, jobx.StoreError(fmt.Errorf("create job: %w", err))
	}
	return job, nil
}

// CreateBatch inserts several jobs. Redis offers no multi-key rollback, so
// the batch is sequential; a mid-batch failure surfaces as StoreError with
// earlier jobs already inserted.
func (s *Store) CreateBatch(ctx context.Context, inputs []jobx.NewJobInput) ([]*jobx.Job, error) {
	jobs := make([]*jobx.Job, 0, len(inputs))
	for _, input := range inputs {
		job, err := s.Create(ctx, input)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id int64) (*jobx.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("get job: %w", err))
	}
	if len(fields) == 0 {
		return nil, jobx.NotFoundError(id)
	}
	return jobFromHash(fields)
}

// List scans all jobs, filters, and pages in id order.
func (s *Store) List(ctx context.Context, filter jobx.ListFilter) (kernel.Paginated[*jobx.Job], error) {
	var empty kernel.Paginated[*jobx.Job]

	all, err := s.loadAll(ctx)
	if err != nil {
		return empty, err
	}

	var matched []*jobx.Job
	for _, job := range all {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		matched = append(matched, job)
	}

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return kernel.NewPaginated(matched[start:end], filter.Limit, filter.Offset, total), nil
}

// Claim pops the best eligible pending job inside one script.
func (s *Store) Claim(ctx context.Context, jobType, workerID string) (*jobx.Job, error) {
	popKey := pendingKey
	if jobType != "" {
		popKey = typePendingKey(jobType)
	}

	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{popKey, pendingKey, claimedKey},
		keyPrefix, now.Format(time.RFC3339Nano), now.Unix(), workerID,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("claim job: %w", err))
	}

	return s.jobReply(res, 0)
}

// Start moves a claimed job to running.
func (s *Store) Start(ctx context.Context, id int64) (*jobx.Job, error) {
	res, err := startScript.Run(ctx, s.rdb,
		[]string{jobKey(id)},
		time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("start job: %w", err))
	}
	return s.jobReply(res, id)
}

// Complete resolves a running job successfully.
func (s *Store) Complete(ctx context.Context, id int64, result json.RawMessage) (*jobx.Job, error) {
	res, err := completeScript.Run(ctx, s.rdb,
		[]string{jobKey(id), claimedKey},
		string(result), time.Now().UTC().Format(time.RFC3339Nano), member(id),
	).Result()
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("complete job: %w", err))
	}
	return s.jobReply(res, id)
}

// Fail records a failure; retry decision happens inside the script.
func (s *Store) Fail(ctx context.Context, id int64, errMsg string) (*jobx.Job, bool, error) {
	res, err := failScript.Run(ctx, s.rdb,
		[]string{jobKey(id), pendingKey, claimedKey},
		keyPrefix, errMsg, time.Now().UTC().Format(time.RFC3339Nano), member(id),
	).Result()
	if err != nil {
		return nil, false, jobx.StoreError(fmt.Errorf("fail job: %w", err))
	}
	job, err := s.jobReply(res, id)
	if err != nil {
		return nil, false, err
	}
	return job, job.Status == jobx.JobStatusPending, nil
}

// Cancel withdraws a pending or claimed job.
func (s *Store) Cancel(ctx context.Context, id int64) (*jobx.Job, error) {
	res, err := cancelScript.Run(ctx, s.rdb,
		[]string{jobKey(id), pendingKey, claimedKey},
		keyPrefix, time.Now().UTC().Format(time.RFC3339Nano), member(id),
	).Result()
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("cancel job: %w", err))
	}
	return s.jobReply(res, id)
}

// Sweep selects stale candidates from the claimed index, then resets each
// one through a conditional script, so a candidate resolved in the meantime
// is skipped.
func (s *Store) Sweep(ctx context.Context, olderThan time.Duration) (*jobx.SweepResult, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Unix()
	members, err := s.rdb.ZRangeByScore(ctx, claimedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("sweep candidates: %w", err))
	}

	result := &jobx.SweepResult{Jobs: []jobx.JobSummary{}}
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, jobx.StoreError(fmt.Errorf("sweep member %q: %w", m, err))
		}

		res, err := sweepScript.Run(ctx, s.rdb,
			[]string{jobKey(id), pendingKey, claimedKey},
			keyPrefix, cutoff, m,
		).Result()
		if err == redis.Nil {
			continue // resolved or re-claimed since candidate selection
		}
		if err != nil {
			return nil, jobx.StoreError(fmt.Errorf("sweep job %d: %w", id, err))
		}

		parts, ok := res.([]any)
		if !ok || len(parts) < 3 {
			continue
		}
		summary := jobx.JobSummary{ID: id, Type: asString(parts[0])}
		if w := asString(parts[1]); w != "" {
			summary.WorkerID = &w
		}
		if t, err := time.Parse(time.RFC3339Nano, asString(parts[2])); err == nil {
			summary.ClaimedAt = &t
		}
		result.Jobs = append(result.Jobs, summary)
	}
	result.Count = len(result.Jobs)
	return result, nil
}

// Stats scans all jobs and aggregates per type.
func (s *Store) Stats(ctx context.Context) ([]jobx.TypeStats, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	byType := make(map[string]*jobx.TypeStats)
	sums := make(map[string]float64)
	counts := make(map[string]int)

	for _, job := range all {
		st, ok := byType[job.Type]
		if !ok {
			st = &jobx.TypeStats{Type: job.Type, StatusCounts: make(map[jobx.JobStatus]int)}
			byType[job.Type] = st
		}
		st.Total++
		st.StatusCounts[job.Status]++

		if job.Status == jobx.JobStatusCompleted && job.StartedAt != nil && job.CompletedAt != nil {
			sums[job.Type] += job.CompletedAt.Sub(*job.StartedAt).Seconds()
			counts[job.Type]++
		}
	}

	stats := make([]jobx.TypeStats, 0, len(byType))
	for jobType, st := range byType {
		if n := counts[jobType]; n > 0 {
			avg := sums[jobType] / float64(n)
			st.AvgDurationSeconds = &avg
		}
		failed := st.StatusCounts[jobx.JobStatusFailed]
		completed := st.StatusCounts[jobx.JobStatusCompleted]
		if failed+completed > 0 {
			rate := float64(failed) / float64(failed+completed)
			st.FailureRate = &rate
		}
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Type < stats[j].Type })
	return stats, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// loadAllWorkers bounds the hash fetch fan-out in loadAll.
const loadAllWorkers = 8

// loadAll fetches every job hash in id order.
func (s *Store) loadAll(ctx context.Context) ([]*jobx.Job, error) {
	members, err := s.rdb.ZRangeByLex(ctx, allKey, &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("scan jobs: %w", err))
	}

	loaded, err := asyncx.Pool(ctx, loadAllWorkers, members,
		func(ctx context.Context, m string) (*jobx.Job, error) {
			id, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				return nil, jobx.StoreError(fmt.Errorf("job member %q: %w", m, err))
			}
			fields, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
			if err != nil {
				return nil, jobx.StoreError(fmt.Errorf("load job %d: %w", id, err))
			}
			if len(fields) == 0 {
				// Hash expired between the index scan and the fetch.
				return nil, nil
			}
			return jobFromHash(fields)
		})
	if err != nil {
		return nil, err
	}

	jobs := make([]*jobx.Job, 0, len(loaded))
	for _, job := range loaded {
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// jobReply turns a lifecycle script result into a job or the engine error
// the script's guard reported.
func (s *Store) jobReply(res any, id int64) (*jobx.Job, error) {
	fields, errReply, err := parseScriptReply(res, id)
	if err != nil {
		return nil, err
	}
	if errReply != nil {
		return nil, errReply
	}
	return jobFromHash(fields)
}
