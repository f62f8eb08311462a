// Package queue implements the Redis-backed job system. Keys are
// RQ-compatible (rq:queue:<name> lists, rq:job:<id> hashes, per-queue
// registries) so Python and Go workers can interoperate during migration.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names and their job timeouts.
const (
	QueueHigh    = "high"
	QueueDefault = "default"

	TimeoutHigh    = 30 * time.Minute
	TimeoutDefault = 2 * time.Hour
)

// Job statuses.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusDeferred  Status = "deferred"
	StatusScheduled Status = "scheduled"
	StatusStarted   Status = "started"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusStopped   Status = "stopped"
)

const (
	jobKeyPrefix = "rq:job:"
	queuePrefix  = "rq:queue:"
	stopSuffix   = ":stop"
	jobTTL       = 7 * 24 * time.Hour
	maxRetries   = 3
)

func jobKey(id string) string     { return jobKeyPrefix + id }
func queueKey(name string) string { return queuePrefix + name }
func stopKey(id string) string    { return jobKey(id) + stopSuffix }

// Registry key templates, matching RQ's layout.
func wipKey(q string) string       { return "rq:wip:" + q }
func deferredKey(q string) string  { return "rq:deferred:" + q }
func scheduledKey(q string) string { return "rq:scheduled:" + q }
func failedKey(q string) string    { return "rq:failed:" + q }

// Job is one queue entry. Kwargs must include owner_email for cancellation
// and observability.
type Job struct {
	ID        string                 `json:"id"`
	FuncName  string                 `json:"func_name"`
	Args      []interface{}          `json:"args,omitempty"`
	Kwargs    map[string]interface{} `json:"kwargs"`
	Origin    string                 `json:"origin"`
	Status    Status                 `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	StartedAt time.Time              `json:"started_at,omitempty"`
	EndedAt   time.Time              `json:"ended_at,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Result    string                 `json:"result,omitempty"`
	ExcInfo   string                 `json:"exc_info,omitempty"`
	Timeout   time.Duration          `json:"-"`
}

// OwnerEmail returns the kwargs owner, or "".
func (j *Job) OwnerEmail() string {
	s, _ := j.Kwargs["owner_email"].(string)
	return s
}

// CancelledByUser reports the cooperative-stop flag in meta.
func (j *Job) CancelledByUser() bool {
	v, _ := j.Meta["cancelled_by_user"].(bool)
	return v
}

func (j *Job) retries() int {
	switch v := j.Meta["retries"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Queue is the producer/observer side of the job system.
type Queue struct {
	client *redis.Client
}

// New wraps a Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// TimeoutFor returns the execution budget for a queue name.
func TimeoutFor(queueName string) time.Duration {
	if queueName == QueueHigh {
		return TimeoutHigh
	}
	return TimeoutDefault
}

// Enqueue creates a job and pushes it onto the named queue. Returns the job
// id.
func (q *Queue) Enqueue(ctx context.Context, funcName string, kwargs map[string]interface{}, queueName string) (string, error) {
	if queueName == "" {
		queueName = QueueDefault
	}
	job := &Job{
		ID:        uuid.NewString(),
		FuncName:  funcName,
		Kwargs:    kwargs,
		Origin:    queueName,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		Meta:      map[string]interface{}{},
	}
	if err := q.writeJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.client.RPush(ctx, queueKey(queueName), job.ID).Err(); err != nil {
		return "", fmt.Errorf("queue: push %s: %w", job.ID, err)
	}
	return job.ID, nil
}

func (q *Queue) writeJob(ctx context.Context, job *Job) error {
	kwargs, err := json.Marshal(job.Kwargs)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"func_name":  job.FuncName,
		"kwargs":     string(kwargs),
		"origin":     job.Origin,
		"status":     string(job.Status),
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
		"meta":       string(meta),
	}
	if len(job.Args) > 0 {
		args, err := json.Marshal(job.Args)
		if err != nil {
			return err
		}
		fields["args"] = string(args)
	}
	if !job.StartedAt.IsZero() {
		fields["started_at"] = job.StartedAt.Format(time.RFC3339Nano)
	}
	if !job.EndedAt.IsZero() {
		fields["ended_at"] = job.EndedAt.Format(time.RFC3339Nano)
	}
	if job.Result != "" {
		fields["result"] = job.Result
	}
	if job.ExcInfo != "" {
		fields["exc_info"] = job.ExcInfo
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), fields)
	pipe.Expire(ctx, jobKey(job.ID), jobTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: write job %s: %w", job.ID, err)
	}
	return nil
}

// Load reads one job hash. Returns nil when the job is unknown or expired.
func (q *Queue) Load(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	job := &Job{
		ID:       id,
		FuncName: raw["func_name"],
		Origin:   raw["origin"],
		Status:   Status(raw["status"]),
		Result:   raw["result"],
		ExcInfo:  raw["exc_info"],
		Kwargs:   map[string]interface{}{},
		Meta:     map[string]interface{}{},
	}
	if s := raw["kwargs"]; s != "" {
		_ = json.Unmarshal([]byte(s), &job.Kwargs)
	}
	if s := raw["meta"]; s != "" {
		_ = json.Unmarshal([]byte(s), &job.Meta)
	}
	if s := raw["args"]; s != "" {
		_ = json.Unmarshal([]byte(s), &job.Args)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, raw["created_at"])
	job.StartedAt, _ = time.Parse(time.RFC3339Nano, raw["started_at"])
	job.EndedAt, _ = time.Parse(time.RFC3339Nano, raw["ended_at"])
	job.Timeout = TimeoutFor(job.Origin)
	return job, nil
}

// Effective status: a job the queue still reports as started but which has an
// end timestamp is normalized to finished or failed.
func effectiveStatus(job *Job) Status {
	if job.Status == StatusStarted && !job.EndedAt.IsZero() {
		if job.ExcInfo != "" {
			return StatusFailed
		}
		return StatusFinished
	}
	return job.Status
}

// JobState is the observable status contract.
type JobState struct {
	ID        string                 `json:"id"`
	Status    Status                 `json:"status"`
	FuncName  string                 `json:"func_name"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	StartedAt time.Time              `json:"started_at,omitempty"`
	EndedAt   time.Time              `json:"ended_at,omitempty"`
}

// Status returns the derived state of one job, or nil when unknown.
func (q *Queue) Status(ctx context.Context, id string) (*JobState, error) {
	job, err := q.Load(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	return &JobState{
		ID:        job.ID,
		Status:    effectiveStatus(job),
		FuncName:  job.FuncName,
		Meta:      job.Meta,
		Result:    job.Result,
		Error:     job.ExcInfo,
		CreatedAt: job.CreatedAt,
		StartedAt: job.StartedAt,
		EndedAt:   job.EndedAt,
	}, nil
}

// Cancel stops a job. Waiting jobs are cancelled immediately; started jobs
// get meta.cancelled_by_user plus a stop command that the worker honors at
// its next cooperative checkpoint.
func (q *Queue) Cancel(ctx context.Context, id, requester string) error {
	job, err := q.Load(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("queue: job %s not found", id)
	}

	switch effectiveStatus(job) {
	case StatusQueued, StatusDeferred, StatusScheduled:
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, queueKey(job.Origin), 0, id)
		pipe.ZRem(ctx, deferredKey(job.Origin), id)
		pipe.ZRem(ctx, scheduledKey(job.Origin), id)
		pipe.HSet(ctx, jobKey(id), map[string]interface{}{
			"status":   string(StatusCancelled),
			"ended_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		_, err := pipe.Exec(ctx)
		return err

	case StatusStarted:
		job.Meta["cancelled_by_user"] = true
		if requester != "" {
			job.Meta["cancelled_by"] = requester
		}
		meta, _ := json.Marshal(job.Meta)
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, jobKey(id), "meta", string(meta))
		pipe.Set(ctx, stopKey(id), "1", time.Hour)
		_, err := pipe.Exec(ctx)
		return err

	default:
		return nil
	}
}

// IsStopped reports whether a stop command is pending for the job.
func (q *Queue) IsStopped(ctx context.Context, id string) bool {
	n, err := q.client.Exists(ctx, stopKey(id)).Result()
	return err == nil && n > 0
}

// SetMeta merges fields into the job's meta dict, used for progress
// streaming.
func (q *Queue) SetMeta(ctx context.Context, id string, fields map[string]interface{}) error {
	job, err := q.Load(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("queue: job %s not found", id)
	}
	for k, v := range fields {
		job.Meta[k] = v
	}
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, jobKey(id), "meta", string(meta)).Err()
}

// IterActive returns the union of queued, started, deferred and scheduled
// jobs across the given queues.
func (q *Queue) IterActive(ctx context.Context, queues ...string) ([]*Job, error) {
	if len(queues) == 0 {
		queues = []string{QueueHigh, QueueDefault}
	}

	var ids []string
	for _, name := range queues {
		queued, err := q.client.LRange(ctx, queueKey(name), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, queued...)
		for _, reg := range []string{wipKey(name), deferredKey(name), scheduledKey(name)} {
			members, err := q.client.ZRange(ctx, reg, 0, -1).Result()
			if err != nil {
				return nil, err
			}
			ids = append(ids, members...)
		}
	}

	seen := make(map[string]struct{}, len(ids))
	var out []*Job
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		job, err := q.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, job)
		}
	}
	return out, nil
}

// FindActiveRangeJobs returns the owner's active manual-range jobs, most
// recent first.
func (q *Queue) FindActiveRangeJobs(ctx context.Context, ownerEmail string) ([]*Job, error) {
	active, err := q.IterActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, job := range active {
		if strings.Contains(job.FuncName, "process_emails_range_job") &&
			strings.EqualFold(job.OwnerEmail(), ownerEmail) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
