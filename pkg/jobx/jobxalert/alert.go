// Package jobxalert delivers operator alerts for the job engine: a console
// sink for development and an SES sink for production. Both implement
// jobx.Alerter.
package jobxalert

import (
	"strings"
	"text/template"
	"time"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/ptrx"
)

var failedBody = template.Must(template.New("failed").Parse(
	`Job {{.ID}} (type {{.Type}}) failed permanently after {{.Attempts}} attempt(s).

Last error: {{.Error}}
Last worker: {{.Worker}}
Created: {{.Created}}
`))

var sweepBody = template.Must(template.New("sweep").Parse(
	`The reaper returned {{.Count}} stale claim(s) to the pending pool:
{{range .Jobs}}
  job {{.ID}} (type {{.Type}}) claimed by {{.Worker}} at {{.Claimed}}{{end}}
`))

type failedView struct {
	ID       int64
	Type     string
	Attempts int
	Error    string
	Worker   string
	Created  string
}

type sweepView struct {
	Count int
	Jobs  []sweepJobView
}

type sweepJobView struct {
	ID      int64
	Type    string
	Worker  string
	Claimed string
}

func renderFailed(job *jobx.Job) (subject, body string) {
	view := failedView{
		ID:       job.ID,
		Type:     job.Type,
		Attempts: job.Retries,
		Error:    ptrx.Value(job.Error),
		Worker:   ptrx.Value(job.WorkerID),
		Created:  job.CreatedAt.Format(time.RFC3339),
	}
	if view.Error == "" {
		view.Error = "unknown"
	}
	if view.Worker == "" {
		view.Worker = "unknown"
	}

	var b strings.Builder
	// Template execution only fails on bad field references, caught by the
	// package tests.
	_ = failedBody.Execute(&b, view)
	return "[jobx] job " + job.Type + " permanently failed", b.String()
}

func renderSweep(result *jobx.SweepResult) (subject, body string) {
	view := sweepView{Count: result.Count}
	for _, j := range result.Jobs {
		v := sweepJobView{ID: j.ID, Type: j.Type, Worker: ptrx.Value(j.WorkerID)}
		if j.ClaimedAt != nil {
			v.Claimed = j.ClaimedAt.Format(time.RFC3339)
		}
		view.Jobs = append(view.Jobs, v)
	}

	var b strings.Builder
	_ = sweepBody.Execute(&b, view)
	return "[jobx] stale claims recovered", b.String()
}
