package jobx

import "context"

// Alerter receives operator notifications for noteworthy engine events:
// jobs that exhausted their retries and claims the reaper had to recover.
// Implementations must be safe for concurrent use. Delivery is best-effort;
// callers log failures and never let them affect job state.
type Alerter interface {
	JobFailed(ctx context.Context, job *Job) error
	SweepRecovered(ctx context.Context, result *SweepResult) error
}
