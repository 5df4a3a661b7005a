package jobx

import "time"

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Types restricts which job types the worker claims. Empty means any.
	Types []string

	Concurrency     int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration

	// Alerter, when set, is notified of jobs that exhaust their retries.
	Alerter Alerter
}

func defaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Concurrency:     4,
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerOption is a functional option for configuring a Worker.
type WorkerOption func(*WorkerOptions)

// WithTypes restricts the worker to the given job types.
func WithTypes(types ...string) WorkerOption {
	return func(o *WorkerOptions) {
		o.Types = types
	}
}

// WithConcurrency sets the number of claim/execute goroutines.
func WithConcurrency(n int) WorkerOption {
	return func(o *WorkerOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithPollInterval sets how long a goroutine sleeps after finding no work.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithShutdownTimeout sets how long Run waits for in-flight jobs on shutdown.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		if d > 0 {
			o.ShutdownTimeout = d
		}
	}
}

// WithAlerter sets the sink notified when this worker fails a job
// permanently.
func WithAlerter(a Alerter) WorkerOption {
	return func(o *WorkerOptions) {
		o.Alerter = a
	}
}
