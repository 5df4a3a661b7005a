package jobx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/kernel"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Service fronts a Store with input validation and defaulting. It holds no
// state of its own; every instance sharing a store is equivalent.
type Service struct {
	store             Store
	defaultMaxRetries int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDefaultMaxRetries overrides the retry ceiling applied to jobs created
// without one.
func WithDefaultMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.defaultMaxRetries = n
		}
	}
}

// NewService creates a Service on top of store.
func NewService(store Store, options ...ServiceOption) *Service {
	s := &Service{
		store:             store,
		defaultMaxRetries: DefaultMaxRetries,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Service) validateInput(input *NewJobInput) error {
	if input.Type == "" {
		return ValidationError("job type is required")
	}
	if len(input.Type) > MaxTypeLength {
		return ValidationError(fmt.Sprintf("job type exceeds %d characters", MaxTypeLength))
	}
	if input.MaxRetries == nil {
		n := s.defaultMaxRetries
		input.MaxRetries = &n
	} else if *input.MaxRetries < 0 {
		return ValidationError("max_retries must not be negative")
	}
	return nil
}

// Create validates and inserts one job.
func (s *Service) Create(ctx context.Context, input NewJobInput) (*Job, error) {
	if err := s.validateInput(&input); err != nil {
		return nil, err
	}
	return s.store.Create(ctx, input)
}

// CreateBatch validates and inserts several jobs atomically.
func (s *Service) CreateBatch(ctx context.Context, inputs []NewJobInput) ([]*Job, error) {
	if len(inputs) == 0 {
		return nil, ValidationError("batch must contain at least one job")
	}
	for i := range inputs {
		if err := s.validateInput(&inputs[i]); err != nil {
			return nil, err
		}
	}
	return s.store.CreateBatch(ctx, inputs)
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id int64) (*Job, error) {
	if id <= 0 {
		return nil, ValidationError("job id must be positive")
	}
	return s.store.Get(ctx, id)
}

// List returns a page of jobs. Limit defaults to 50, capped at 200.
func (s *Service) List(ctx context.Context, filter ListFilter) (kernel.Paginated[*Job], error) {
	var empty kernel.Paginated[*Job]
	if filter.Status != "" && !filter.Status.Valid() {
		return empty, ValidationError(fmt.Sprintf("unknown status %q", filter.Status))
	}
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit < 0 || filter.Limit > maxListLimit {
		return empty, ValidationError(fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
	}
	if filter.Offset < 0 {
		return empty, ValidationError("offset must not be negative")
	}
	return s.store.List(ctx, filter)
}

// Claim hands the next eligible job to workerID, or returns nil when the
// pool is empty.
func (s *Service) Claim(ctx context.Context, jobType, workerID string) (*Job, error) {
	if workerID == "" {
		return nil, ValidationError("worker_id is required")
	}
	if len(jobType) > MaxTypeLength {
		return nil, ValidationError(fmt.Sprintf("job type exceeds %d characters", MaxTypeLength))
	}
	return s.store.Claim(ctx, jobType, workerID)
}

// Start moves a claimed job to running.
func (s *Service) Start(ctx context.Context, id int64) (*Job, error) {
	if id <= 0 {
		return nil, ValidationError("job id must be positive")
	}
	return s.store.Start(ctx, id)
}

// Complete resolves a running job successfully.
func (s *Service) Complete(ctx context.Context, id int64, result json.RawMessage) (*Job, error) {
	if id <= 0 {
		return nil, ValidationError("job id must be positive")
	}
	return s.store.Complete(ctx, id, result)
}

// Fail records a failure; the returned flag reports whether the job was
// re-enqueued for retry (true) or permanently failed (false).
func (s *Service) Fail(ctx context.Context, id int64, errMsg string) (*Job, bool, error) {
	if id <= 0 {
		return nil, false, ValidationError("job id must be positive")
	}
	if errMsg == "" {
		return nil, false, ValidationError("error message is required")
	}
	return s.store.Fail(ctx, id, errMsg)
}

// Cancel withdraws a pending or claimed job.
func (s *Service) Cancel(ctx context.Context, id int64) (*Job, error) {
	if id <= 0 {
		return nil, ValidationError("job id must be positive")
	}
	return s.store.Cancel(ctx, id)
}

// Sweep returns stale claimed/running jobs to pending. olderThan zero sweeps
// every outstanding claim.
func (s *Service) Sweep(ctx context.Context, olderThan time.Duration) (*SweepResult, error) {
	if olderThan < 0 {
		return nil, ValidationError("timeout must not be negative")
	}
	return s.store.Sweep(ctx, olderThan)
}

// Stats returns per-type rollups.
func (s *Service) Stats(ctx context.Context) ([]TypeStats, error) {
	return s.store.Stats(ctx)
}
