package jobx

import (
	"context"
	"time"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/logx"
)

// Reaper periodically sweeps stale claims back into the pending pool. It is
// the only recovery path for workers that died or hung mid-job; a swept job
// does not count against its retry ceiling.
type Reaper struct {
	svc        *Service
	interval   time.Duration
	staleAfter time.Duration
	alerter    Alerter
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithSweepAlerter sends an alert whenever a sweep recovers jobs.
func WithSweepAlerter(a Alerter) ReaperOption {
	return func(r *Reaper) {
		r.alerter = a
	}
}

// NewReaper creates a reaper that runs every interval and resets claims
// older than staleAfter.
func NewReaper(svc *Service, interval, staleAfter time.Duration, options ...ReaperOption) *Reaper {
	r := &Reaper{
		svc:        svc,
		interval:   interval,
		staleAfter: staleAfter,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logx.Infof("jobx: reaper running every %s, claims stale after %s", r.interval, r.staleAfter)

	for {
		select {
		case <-ctx.Done():
			logx.Info("jobx: reaper stopped")
			return
		case <-ticker.C:
			res, err := r.svc.Sweep(ctx, r.staleAfter)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logx.WithError(err).Warn("jobx: sweep failed")
				continue
			}
			if res.Count > 0 {
				logx.Warnf("jobx: swept %d stale jobs back to pending", res.Count)
				if r.alerter != nil {
					if err := r.alerter.SweepRecovered(ctx, res); err != nil {
						logx.WithError(err).Warn("jobx: sweep alert failed")
					}
				}
			}
		}
	}
}
