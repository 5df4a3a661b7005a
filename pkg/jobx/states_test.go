package jobx_test

import (
	"testing"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
)

func TestTerminalStates(t *testing.T) {
	terminal := []jobx.JobStatus{
		jobx.JobStatusCompleted,
		jobx.JobStatusFailed,
		jobx.JobStatusCancelled,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	active := []jobx.JobStatus{
		jobx.JobStatusPending,
		jobx.JobStatusClaimed,
		jobx.JobStatusRunning,
	}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNoTransitionOutOfTerminal(t *testing.T) {
	all := []jobx.JobStatus{
		jobx.JobStatusPending, jobx.JobStatusClaimed, jobx.JobStatusRunning,
		jobx.JobStatusCompleted, jobx.JobStatusFailed, jobx.JobStatusCancelled,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if jobx.CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to jobx.JobStatus }{
		{jobx.JobStatusPending, jobx.JobStatusClaimed},
		{jobx.JobStatusPending, jobx.JobStatusCancelled},
		{jobx.JobStatusClaimed, jobx.JobStatusRunning},
		{jobx.JobStatusClaimed, jobx.JobStatusPending},
		{jobx.JobStatusClaimed, jobx.JobStatusFailed},
		{jobx.JobStatusClaimed, jobx.JobStatusCancelled},
		{jobx.JobStatusRunning, jobx.JobStatusCompleted},
		{jobx.JobStatusRunning, jobx.JobStatusFailed},
		{jobx.JobStatusRunning, jobx.JobStatusPending},
	}
	for _, tc := range allowed {
		if !jobx.CanTransition(tc.from, tc.to) {
			t.Errorf("%s → %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to jobx.JobStatus }{
		{jobx.JobStatusPending, jobx.JobStatusRunning},
		{jobx.JobStatusPending, jobx.JobStatusCompleted},
		{jobx.JobStatusPending, jobx.JobStatusFailed},
		{jobx.JobStatusClaimed, jobx.JobStatusCompleted},
		{jobx.JobStatusRunning, jobx.JobStatusCancelled},
		{jobx.JobStatusRunning, jobx.JobStatusClaimed},
	}
	for _, tc := range denied {
		if jobx.CanTransition(tc.from, tc.to) {
			t.Errorf("%s → %s should be denied", tc.from, tc.to)
		}
	}
}

func TestOperationGuards(t *testing.T) {
	if !jobx.JobStatusPending.Claimable() {
		t.Error("pending should be claimable")
	}
	if jobx.JobStatusClaimed.Claimable() {
		t.Error("claimed should not be claimable")
	}

	if !jobx.JobStatusRunning.Failable() || !jobx.JobStatusClaimed.Failable() {
		t.Error("running and claimed should be failable")
	}
	if jobx.JobStatusPending.Failable() {
		t.Error("pending should not be failable")
	}

	if !jobx.JobStatusPending.Cancellable() || !jobx.JobStatusClaimed.Cancellable() {
		t.Error("pending and claimed should be cancellable")
	}
	if jobx.JobStatusRunning.Cancellable() {
		t.Error("running should not be cancellable")
	}

	if !jobx.JobStatusClaimed.Sweepable() || !jobx.JobStatusRunning.Sweepable() {
		t.Error("claimed and running should be sweepable")
	}
	if jobx.JobStatusPending.Sweepable() || jobx.JobStatusCompleted.Sweepable() {
		t.Error("only claimed and running should be sweepable")
	}
}

func TestUnknownStatusInvalid(t *testing.T) {
	if jobx.JobStatus("bogus").Valid() {
		t.Error("unknown status should be invalid")
	}
	if !jobx.JobStatusPending.Valid() {
		t.Error("pending should be valid")
	}
}
