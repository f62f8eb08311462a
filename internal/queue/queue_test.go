package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), client
}

func TestEnqueueLoadRoundTrip(t *testing.T) {
	q, client := setup(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "process_single_email_job", map[string]interface{}{
		"owner_email": "user@example.com",
		"uid":         float64(42),
	}, QueueHigh)
	require.NoError(t, err)

	job, err := q.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "process_single_email_job", job.FuncName)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "user@example.com", job.OwnerEmail())
	assert.Equal(t, TimeoutHigh, job.Timeout)

	n, err := client.LLen(ctx, queueKey(QueueHigh)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStatusNormalizesStaleStarted(t *testing.T) {
	q, _ := setup(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fn", map[string]interface{}{"owner_email": "a@b.c"}, QueueDefault)
	require.NoError(t, err)

	job, err := q.Load(ctx, id)
	require.NoError(t, err)
	job.Status = StatusStarted
	job.StartedAt = time.Now().UTC()
	job.EndedAt = time.Now().UTC()
	job.Result = "done"
	require.NoError(t, q.writeJob(ctx, job))

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, st.Status)
}

func TestCancelQueuedRemovesFromQueue(t *testing.T) {
	q, client := setup(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fn", map[string]interface{}{"owner_email": "a@b.c"}, QueueDefault)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, id, "a@b.c"))

	st, err := q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st.Status)

	n, _ := client.LLen(ctx, queueKey(QueueDefault)).Result()
	assert.Equal(t, int64(0), n)
}

func TestCancelStartedSetsStopCommand(t *testing.T) {
	q, _ := setup(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fn", map[string]interface{}{"owner_email": "a@b.c"}, QueueDefault)
	require.NoError(t, err)

	job, _ := q.Load(ctx, id)
	job.Status = StatusStarted
	job.StartedAt = time.Now().UTC()
	require.NoError(t, q.writeJob(ctx, job))

	require.NoError(t, q.Cancel(ctx, id, "a@b.c"))
	assert.True(t, q.IsStopped(ctx, id))

	fresh, _ := q.Load(ctx, id)
	assert.True(t, fresh.CancelledByUser())
}

func TestSetMetaMerges(t *testing.T) {
	q, _ := setup(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "fn", map[string]interface{}{"owner_email": "a@b.c"}, QueueDefault)
	require.NoError(t, err)

	require.NoError(t, q.SetMeta(ctx, id, map[string]interface{}{"progress": float64(10)}))
	require.NoError(t, q.SetMeta(ctx, id, map[string]interface{}{"stage": "fetch"}))

	job, _ := q.Load(ctx, id)
	assert.Equal(t, float64(10), job.Meta["progress"])
	assert.Equal(t, "fetch", job.Meta["stage"])
}

func TestFindActiveRangeJobs(t *testing.T) {
	q, _ := setup(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "process_emails_range_job",
		map[string]interface{}{"owner_email": "user@example.com"}, QueueDefault)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "process_emails_range_job",
		map[string]interface{}{"owner_email": "other@example.com"}, QueueDefault)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "account_scan_job",
		map[string]interface{}{"owner_email": "user@example.com"}, QueueHigh)
	require.NoError(t, err)

	jobs, err := q.FindActiveRangeJobs(ctx, "user@example.com")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "process_emails_range_job", jobs[0].FuncName)
}

func TestWorkerProcessesJob(t *testing.T) {
	q, client := setup(t)
	ctx := context.Background()

	w := NewWorker(q, client, 1)
	w.Register("echo", func(ctx context.Context, job *Job) (string, error) {
		return job.OwnerEmail(), nil
	})
	w.Start(ctx)
	defer w.Stop()

	id, err := q.Enqueue(ctx, "echo", map[string]interface{}{"owner_email": "user@example.com"}, QueueHigh)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, err := q.Status(ctx, id)
		return err == nil && st != nil && st.Status == StatusFinished
	}, 5*time.Second, 20*time.Millisecond)

	st, _ := q.Status(ctx, id)
	assert.Equal(t, "user@example.com", st.Result)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q, client := setup(t)
	ctx := context.Background()

	attempts := 0
	w := NewWorker(q, client, 1)
	w.Register("flaky", func(ctx context.Context, job *Job) (string, error) {
		attempts++
		return "", errors.New("transient failure")
	})
	w.Start(ctx)
	defer w.Stop()

	id, err := q.Enqueue(ctx, "flaky", map[string]interface{}{"owner_email": "a@b.c"}, QueueHigh)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, err := q.Status(ctx, id)
		return err == nil && st != nil && st.Status == StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, maxRetries, attempts)
}
