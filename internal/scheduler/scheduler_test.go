package scheduler

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuenly/invoice-ingest/internal/config"
	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/queue"
)

type staticAccounts []models.EmailConfig

func (a staticAccounts) EnabledAccounts(ctx context.Context) ([]models.EmailConfig, error) {
	return a, nil
}

func newTestScheduler(t *testing.T, accounts AccountLister) (*Scheduler, *queue.Queue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(client)
	s := New(client, q, accounts, nil, config.SchedulerConfig{
		IntervalMinutes: 60,
		OwnerTTLSeconds: 120,
	})
	return s, q, client
}

func TestBootInitializesDisabled(t *testing.T) {
	s, _, client := newTestScheduler(t, staticAccounts{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	v, err := client.Get(ctx, enabledKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "false", v)
}

func TestBootClearsStaleEnabledWithoutRestore(t *testing.T) {
	s, _, client := newTestScheduler(t, staticAccounts{})
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, enabledKey, "true", 0).Err())
	require.NoError(t, client.Set(ctx, ownerKey, "dead-pod", 0).Err())

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	v, _ := client.Get(ctx, enabledKey).Result()
	assert.Equal(t, "false", v)
	_, err := client.Get(ctx, ownerKey).Result()
	assert.Equal(t, redis.Nil, err)
}

func TestEnableClaimsOwnership(t *testing.T) {
	s, _, client := newTestScheduler(t, staticAccounts{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	require.NoError(t, s.Enable(ctx))

	owner, err := client.Get(ctx, ownerKey).Result()
	require.NoError(t, err)
	assert.Equal(t, s.podID, owner)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.True(t, st.IsOwner)
	assert.True(t, st.Running)
}

func TestSecondPodObservesOwnership(t *testing.T) {
	a, _, client := newTestScheduler(t, staticAccounts{})
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, a.Enable(ctx))

	b := New(client, queue.New(client), staticAccounts{}, nil, config.SchedulerConfig{
		IntervalMinutes: 60,
		OwnerTTLSeconds: 120,
	})
	require.NoError(t, b.Enable(ctx))

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.False(t, st.IsOwner)
	assert.Equal(t, a.podID, st.Owner)
}

func TestDisableConvergesGlobally(t *testing.T) {
	s, _, client := newTestScheduler(t, staticAccounts{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	require.NoError(t, s.Enable(ctx))
	require.NoError(t, s.Disable(ctx))

	v, _ := client.Get(ctx, enabledKey).Result()
	assert.Equal(t, "false", v)
	_, err := client.Get(ctx, ownerKey).Result()
	assert.Equal(t, redis.Nil, err)
}

func TestAutoHealClaimsDroppedLease(t *testing.T) {
	s, _, client := newTestScheduler(t, staticAccounts{})
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, enabledKey, "true", 0).Err())
	// No owner key: the lease expired.
	s.tick()

	owner, err := client.Get(ctx, ownerKey).Result()
	require.NoError(t, err)
	assert.Equal(t, s.podID, owner)
}

func TestFanOutEnqueuesPerAccount(t *testing.T) {
	accounts := staticAccounts{
		{OwnerEmail: "a@example.com", Username: "a@example.com", Enabled: true},
		{OwnerEmail: "b@example.com", Username: "facturas@b.com", Enabled: true},
	}
	s, q, _ := newTestScheduler(t, accounts)
	ctx := context.Background()

	s.fanOut(ctx)

	jobs, err := q.IterActive(ctx, queue.QueueHigh)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, scanJobFuncName, jobs[0].FuncName)
}
