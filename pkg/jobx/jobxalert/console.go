package jobxalert

import (
	"context"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/logx"
)

// ConsoleAlerter writes alerts to the log instead of sending them. Intended
// for development and single-node deployments.
type ConsoleAlerter struct{}

// NewConsoleAlerter creates a console alert sink.
func NewConsoleAlerter() *ConsoleAlerter {
	return &ConsoleAlerter{}
}

// JobFailed logs a permanently failed job.
func (a *ConsoleAlerter) JobFailed(_ context.Context, job *jobx.Job) error {
	subject, body := renderFailed(job)
	logx.WithFields(logx.Fields{
		"job_id":  job.ID,
		"type":    job.Type,
		"retries": job.Retries,
	}).Warn("jobxalert: " + subject)
	logx.Debugf("jobxalert: body:\n%s", body)
	return nil
}

// SweepRecovered logs a non-empty sweep.
func (a *ConsoleAlerter) SweepRecovered(_ context.Context, result *jobx.SweepResult) error {
	subject, body := renderSweep(result)
	logx.WithFields(logx.Fields{
		"count": result.Count,
	}).Warn("jobxalert: " + subject)
	logx.Debugf("jobxalert: body:\n%s", body)
	return nil
}
