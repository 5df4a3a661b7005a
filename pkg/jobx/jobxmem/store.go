// Package jobxmem provides an in-memory jobx.Store for tests and embedded
// use. One mutex stands in for the row-level locking a durable backend
// provides; every operation is a single critical section, so the engine's
// atomicity contract holds trivially.
package jobxmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/kernel"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/ptrx"
)

// Store implements jobx.Store on a map. Not durable.
type Store struct {
	mu     sync.Mutex
	jobs   map[int64]*jobx.Job
	nextID int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{jobs: make(map[int64]*jobx.Job)}
}

// Create inserts one job in pending status.
func (s *Store) Create(_ context.Context, input jobx.NewJobInput) (*jobx.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(input), nil
}

// CreateBatch inserts several jobs under one lock acquisition.
func (s *Store) CreateBatch(_ context.Context, inputs []jobx.NewJobInput) ([]*jobx.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*jobx.Job, 0, len(inputs))
	for _, input := range inputs {
		jobs = append(jobs, s.createLocked(input))
	}
	return jobs, nil
}

func (s *Store) createLocked(input jobx.NewJobInput) *jobx.Job {
	s.nextID++
	job := &jobx.Job{
		ID:         s.nextID,
		Type:       input.Type,
		Status:     jobx.JobStatusPending,
		Params:     input.Params,
		Priority:   input.Priority,
		MaxRetries: ptrx.ValueOr(input.MaxRetries, jobx.DefaultMaxRetries),
		CreatedAt:  time.Now().UTC(),
	}
	s.jobs[job.ID] = job
	return copyJob(job)
}

// Get returns a job by id.
func (s *Store) Get(_ context.Context, id int64) (*jobx.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobx.NotFoundError(id)
	}
	return copyJob(job), nil
}

// List filters and pages jobs ordered by id.
func (s *Store) List(_ context.Context, filter jobx.ListFilter) (kernel.Paginated[*jobx.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*jobx.Job
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	page := make([]*jobx.Job, 0, end-start)
	for _, job := range matched[start:end] {
		page = append(page, copyJob(job))
	}
	return kernel.NewPaginated(page, filter.Limit, filter.Offset, total), nil
}

// Claim picks the best eligible pending job and hands it to workerID.
// Selection and update happen under the same lock, so no two claims can
// pick the same job.
func (s *Store) Claim(_ context.Context, jobType, workerID string) (*jobx.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *jobx.Job
	for _, job := range s.jobs {
		if !job.Status.Claimable() {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		if best == nil || claimBefore(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = jobx.JobStatusClaimed
	best.ClaimedAt = ptrx.To(time.Now().UTC())
	best.WorkerID = ptrx.To(workerID)
	return copyJob(best), nil
}

// claimBefore reports whether a should be claimed before b: higher priority
// first, then older, then lower id.
func claimBefore(a, b *jobx.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Start moves a claimed job to running.
func (s *Store) Start(_ context.Context, id int64) (*jobx.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobx.NotFoundError(id)
	}
	if job.Status != jobx.JobStatusClaimed {
		return nil, jobx.InvalidStateError(id, job.Status)
	}

	job.Status = jobx.JobStatusRunning
	job.StartedAt = ptrx.To(time.Now().UTC())
	return copyJob(job), nil
}

// Complete resolves a running job successfully.
func (s *Store) Complete(_ context.Context, id int64, result json.RawMessage) (*jobx.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobx.NotFoundError(id)
	}
	if job.Status != jobx.JobStatusRunning {
		return nil, jobx.InvalidStateError(id, job.Status)
	}

	job.Status = jobx.JobStatusCompleted
	job.Result = result
	job.Error = nil
	job.CompletedAt = ptrx.To(time.Now().UTC())
	return copyJob(job), nil
}

// Fail increments retries and either re-enqueues the job or permanently
// fails it, all inside one critical section.
func (s *Store) Fail(_ context.Context, id int64, errMsg string) (*jobx.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false, jobx.NotFoundError(id)
	}
	if !job.Status.Failable() {
		return nil, false, jobx.InvalidStateError(id, job.Status)
	}

	job.Retries++
	job.Error = ptrx.To(errMsg)

	if job.Retries < job.MaxRetries {
		job.Status = jobx.JobStatusPending
		job.ClaimedAt = nil
		job.StartedAt = nil
		job.WorkerID = nil
		return copyJob(job), true, nil
	}

	job.Status = jobx.JobStatusFailed
	job.CompletedAt = ptrx.To(time.Now().UTC())
	return copyJob(job), false, nil
}

// Cancel withdraws a pending or claimed job.
func (s *Store) Cancel(_ context.Context, id int64) (*jobx.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobx.NotFoundError(id)
	}
	if !job.Status.Cancellable() {
		return nil, jobx.InvalidStateError(id, job.Status)
	}

	job.Status = jobx.JobStatusCancelled
	job.CompletedAt = ptrx.To(time.Now().UTC())
	return copyJob(job), nil
}

// Sweep resets stale claims to pending.
func (s *Store) Sweep(_ context.Context, olderThan time.Duration) (*jobx.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	result := &jobx.SweepResult{Jobs: []jobx.JobSummary{}}

	var stale []*jobx.Job
	for _, job := range s.jobs {
		if !job.Status.Sweepable() {
			continue
		}
		if job.ClaimedAt == nil || !job.ClaimedAt.Before(cutoff) {
			continue
		}
		stale = append(stale, job)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })

	for _, job := range stale {
		result.Jobs = append(result.Jobs, jobx.JobSummary{
			ID:        job.ID,
			Type:      job.Type,
			WorkerID:  job.WorkerID,
			ClaimedAt: job.ClaimedAt,
		})
		job.Status = jobx.JobStatusPending
		job.ClaimedAt = nil
		job.StartedAt = nil
		job.WorkerID = nil
	}
	result.Count = len(result.Jobs)
	return result, nil
}

// Stats aggregates per-type rollups.
func (s *Store) Stats(_ context.Context) ([]jobx.TypeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType := make(map[string]*jobx.TypeStats)
	durations := make(map[string][]float64)

	for _, job := range s.jobs {
		st, ok := byType[job.Type]
		if !ok {
			st = &jobx.TypeStats{
				Type:         job.Type,
				StatusCounts: make(map[jobx.JobStatus]int),
			}
			byType[job.Type] = st
		}
		st.Total++
		st.StatusCounts[job.Status]++

		if job.Status == jobx.JobStatusCompleted && job.StartedAt != nil && job.CompletedAt != nil {
			durations[job.Type] = append(durations[job.Type], job.CompletedAt.Sub(*job.StartedAt).Seconds())
		}
	}

	stats := make([]jobx.TypeStats, 0, len(byType))
	for jobType, st := range byType {
		if ds := durations[jobType]; len(ds) > 0 {
			var sum float64
			for _, d := range ds {
				sum += d
			}
			avg := sum / float64(len(ds))
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

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func copyJob(job *jobx.Job) *jobx.Job {
	out := *job
	if job.ClaimedAt != nil {
		out.ClaimedAt = ptrx.To(*job.ClaimedAt)
	}
	if job.StartedAt != nil {
		out.StartedAt = ptrx.To(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = ptrx.To(*job.CompletedAt)
	}
	if job.WorkerID != nil {
		out.WorkerID = ptrx.To(*job.WorkerID)
	}
	if job.Error != nil {
		out.Error = ptrx.To(*job.Error)
	}
	return &out
}
