package jobx

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/errx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/logx"
)

// HandlerFunc executes one job. The returned payload becomes the job's
// result; a non-nil error sends the job down the retry path.
type HandlerFunc func(ctx context.Context, job *Job) (result []byte, err error)

// Worker polls the engine for jobs and drives them through the
// claim → start → complete/fail lifecycle. A worker's identity is its
// WorkerID; the reaper recovers anything it claims and never resolves.
type Worker struct {
	svc      *Service
	id       string
	opts     WorkerOptions
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
	running  bool
}

// NewWorker creates a worker with a generated identity.
func NewWorker(svc *Service, options ...WorkerOption) *Worker {
	opts := defaultWorkerOptions()
	for _, o := range options {
		o(&opts)
	}

	hostname, _ := os.Hostname()
	return &Worker{
		svc:      svc,
		id:       fmt.Sprintf("%s-%s", hostname, uuid.New().String()),
		opts:     opts,
		handlers: make(map[string]HandlerFunc),
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string {
	return w.id
}

// Register adds a handler for a job type. Jobs of unregistered types are
// failed with an explanatory message.
func (w *Worker) Register(jobType string, handler HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

// Run blocks processing jobs until ctx is cancelled, then waits up to the
// shutdown timeout for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errx.New("worker is already running", errx.TypeConflict)
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	logx.Infof("jobx: worker %s starting %d goroutines (types=%v)", w.id, w.opts.Concurrency, w.opts.Types)

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(i)
	}

	<-ctx.Done()
	logx.Infof("jobx: worker %s shutting down", w.id)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logx.Infof("jobx: worker %s stopped", w.id)
	case <-time.After(w.opts.ShutdownTimeout):
		logx.Warnf("jobx: worker %s shutdown timed out; unfinished claims will be swept", w.id)
	}

	return nil
}

func (w *Worker) loop(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.claimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logx.WithError(err).Warnf("jobx: worker %s goroutine %d claim error", w.id, n)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.process(ctx, job)
	}
}

// claimNext tries each configured type in order, or any type when the
// worker is unrestricted.
func (w *Worker) claimNext(ctx context.Context) (*Job, error) {
	if len(w.opts.Types) == 0 {
		return w.svc.Claim(ctx, "", w.id)
	}
	for _, t := range w.opts.Types {
		job, err := w.svc.Claim(ctx, t, w.id)
		if err != nil || job != nil {
			return job, err
		}
	}
	return nil, nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.mu.RLock()
	handler, ok := w.handlers[job.Type]
	w.mu.RUnlock()

	if !ok {
		logx.Warnf("jobx: worker %s has no handler for type %q (id=%d)", w.id, job.Type, job.ID)
		w.fail(ctx, job, fmt.Sprintf("no handler registered for job type %q", job.Type))
		return
	}

	if _, err := w.svc.Start(ctx, job.ID); err != nil {
		// Lost the job between claim and start, most likely to a sweep.
		logx.WithError(err).Warnf("jobx: worker %s could not start job %d", w.id, job.ID)
		return
	}

	result, err := handler(ctx, job)
	if err != nil {
		logx.WithError(err).Warnf("jobx: job %d (type=%s) failed", job.ID, job.Type)
		w.fail(ctx, job, err.Error())
		return
	}

	if _, err := w.svc.Complete(ctx, job.ID, result); err != nil {
		logx.WithError(err).Errorf("jobx: worker %s could not complete job %d", w.id, job.ID)
	}
}

func (w *Worker) fail(ctx context.Context, job *Job, msg string) {
	failed, retried, err := w.svc.Fail(ctx, job.ID, msg)
	if err != nil {
		logx.WithError(err).Errorf("jobx: worker %s could not fail job %d", w.id, job.ID)
		return
	}
	if !retried {
		logx.Warnf("jobx: job %d (type=%s) permanently failed", job.ID, job.Type)
		if w.opts.Alerter != nil {
			if err := w.opts.Alerter.JobFailed(ctx, failed); err != nil {
				logx.WithError(err).Warnf("jobx: failure alert for job %d not delivered", job.ID)
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.opts.PollInterval):
	}
}
