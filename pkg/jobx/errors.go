package jobx

import "github.com/quantified-uncertainty/longterm-wiki/pkg/errx"

var jobxErrors = errx.NewRegistry("JOBX")

var (
	ErrInvalidInput = jobxErrors.Register("INVALID_INPUT", errx.TypeValidation, 400, "Invalid job input")
	ErrJobNotFound  = jobxErrors.Register("JOB_NOT_FOUND", errx.TypeNotFound, 404, "Job not found")

	// ErrInvalidState means the job exists but its status does not satisfy
	// the operation's precondition. Distinct from ErrJobNotFound so callers
	// can tell "retry later" from "give up".
	ErrInvalidState = jobxErrors.Register("INVALID_STATE", errx.TypeConflict, 409, "Job status does not permit this operation")

	ErrStoreUnavailable = jobxErrors.Register("STORE_UNAVAILABLE", errx.TypeExternal, 502, "Job store unavailable")
)

// NotFoundError builds the canonical not-found error for a job id.
func NotFoundError(id int64) *errx.Error {
	return jobxErrors.New(ErrJobNotFound).WithDetail("job_id", id)
}

// InvalidStateError builds the canonical wrong-status error, carrying the
// observed status so the caller can decide what to do.
func InvalidStateError(id int64, status JobStatus) *errx.Error {
	return jobxErrors.New(ErrInvalidState).
		WithDetail("job_id", id).
		WithDetail("status", string(status))
}

// ValidationError builds an input validation error.
func ValidationError(message string) *errx.Error {
	return jobxErrors.NewWithMessage(ErrInvalidInput, message)
}

// StoreError wraps an underlying storage failure. Safe for the caller to
// retry the whole operation; every write is conditional on the state it
// expects.
func StoreError(cause error) *errx.Error {
	return jobxErrors.NewWithCause(ErrStoreUnavailable, cause)
}
