package jobx

// The authoritative transition table. Stores encode these guards in their
// conditional writes; this is the reference every backend must agree with.
//
//	pending → claimed → running → completed | failed | cancelled
//	running|claimed → pending          (retry or sweep)
//	pending|claimed → cancelled
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusClaimed, JobStatusCancelled},
	JobStatusClaimed:   {JobStatusRunning, JobStatusPending, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusPending},
	JobStatusCompleted: nil,
	JobStatusFailed:    nil,
	JobStatusCancelled: nil,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Claimable reports whether a job in status s may be handed to a worker.
func (s JobStatus) Claimable() bool {
	return s == JobStatusPending
}

// Failable reports whether Fail may be applied to a job in status s.
func (s JobStatus) Failable() bool {
	return s == JobStatusRunning || s == JobStatusClaimed
}

// Cancellable reports whether Cancel may be applied to a job in status s.
// Running jobs cannot be cancelled; there is no preemption mechanism.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusPending || s == JobStatusClaimed
}

// Sweepable reports whether the reaper may reset a job in status s.
func (s JobStatus) Sweepable() bool {
	return s == JobStatusClaimed || s == JobStatusRunning
}
