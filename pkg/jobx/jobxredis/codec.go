package jobxredis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/quantified-uncertainty/longterm-wiki/pkg/errx"
	"github.com/quantified-uncertainty/longterm-wiki/pkg/jobx"
)

// jobFromHash decodes a job hash. Absent fields mean null.
func jobFromHash(fields map[string]string) (*jobx.Job, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("decode job id %q: %w", fields["id"], err))
	}

	job := &jobx.Job{
		ID:     id,
		Type:   fields["type"],
		Status: jobx.JobStatus(fields["status"]),
	}
	if v, ok := fields["params"]; ok && v != "" {
		job.Params = json.RawMessage(v)
	}
	if v, ok := fields["result"]; ok && v != "" {
		job.Result = json.RawMessage(v)
	}
	if v, ok := fields["error"]; ok {
		job.Error = &v
	}
	if v, ok := fields["worker_id"]; ok && v != "" {
		job.WorkerID = &v
	}

	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Retries, _ = strconv.Atoi(fields["retries"])
	job.MaxRetries, _ = strconv.Atoi(fields["max_retries"])

	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, jobx.StoreError(fmt.Errorf("decode job %d created_at: %w", id, err))
	}
	job.CreatedAt = createdAt

	job.ClaimedAt = parseTimeField(fields, "claimed_at")
	job.StartedAt = parseTimeField(fields, "started_at")
	job.CompletedAt = parseTimeField(fields, "completed_at")
	return job, nil
}

func parseTimeField(fields map[string]string, name string) *time.Time {
	v, ok := fields[name]
	if !ok || v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

// parseScriptReply decodes a lifecycle script result: either a flat HGETALL
// array, or {"__err__", kind, ...} for a guard failure.
func parseScriptReply(res any, id int64) (map[string]string, *errx.Error, error) {
	parts, ok := res.([]any)
	if !ok {
		return nil, nil, jobx.StoreError(fmt.Errorf("unexpected script reply %T", res))
	}

	if len(parts) >= 2 && asString(parts[0]) == "__err__" {
		switch asString(parts[1]) {
		case "notfound":
			return nil, jobx.NotFoundError(id), nil
		case "state":
			status := jobx.JobStatus("")
			if len(parts) >= 3 {
				status = jobx.JobStatus(asString(parts[2]))
			}
			return nil, jobx.InvalidStateError(id, status), nil
		default:
			return nil, nil, jobx.StoreError(fmt.Errorf("unknown script error %q", asString(parts[1])))
		}
	}

	fields := make(map[string]string, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		fields[asString(parts[i])] = asString(parts[i+1])
	}
	return fields, nil, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
