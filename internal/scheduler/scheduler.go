// Package scheduler runs the per-tenant scan fan-out on a single pod,
// coordinated through two Redis keys: a global enabled flag and a TTL-leased
// owner key.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cuenly/invoice-ingest/internal/config"
	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
	"github.com/cuenly/invoice-ingest/internal/queue"
)

const (
	enabledKey = "cuenly:scheduler:enabled"
	ownerKey   = "cuenly:scheduler:owner"

	tickInterval    = time.Second
	cleanupEvery    = time.Hour
	cleanupMaxAge   = 24 * time.Hour
	scanJobFuncName = "account_scan_job"
)

// AccountLister yields the enabled accounts for the fan-out.
type AccountLister interface {
	EnabledAccounts(ctx context.Context) ([]models.EmailConfig, error)
}

// TempCleaner removes stale scratch files; wired to the artifact store.
type TempCleaner interface {
	CleanupTemp(olderThan time.Duration) (int, error)
}

// Status is the observable scheduler state.
type Status struct {
	Enabled  bool      `json:"enabled"`
	Owner    string    `json:"owner"`
	IsOwner  bool      `json:"is_owner"`
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
	Interval string    `json:"interval"`
}

// Scheduler owns the fan-out loop when it holds the lease, and watches for
// auto-heal opportunities when it does not.
type Scheduler struct {
	client   *redis.Client
	q        *queue.Queue
	accounts AccountLister
	cleaner  TempCleaner

	podID         string
	interval      time.Duration
	ownerTTL      time.Duration
	restoreOnBoot bool

	mu          sync.Mutex
	running     bool
	lastRun     time.Time
	nextRun     time.Time
	lastCleanup time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. cleaner may be nil.
func New(client *redis.Client, q *queue.Queue, accounts AccountLister, cleaner TempCleaner, cfg config.SchedulerConfig) *Scheduler {
	host, _ := os.Hostname()
	return &Scheduler{
		client:        client,
		q:             q,
		accounts:      accounts,
		cleaner:       cleaner,
		podID:         fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		interval:      cfg.Interval(),
		ownerTTL:      cfg.OwnerTTL(),
		restoreOnBoot: cfg.RestoreOnBoot,
		stopCh:        make(chan struct{}),
	}
}

// Start runs the boot algorithm and launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.client.Get(ctx, enabledKey).Result()
	switch {
	case err == redis.Nil:
		if err := s.client.Set(ctx, enabledKey, "false", 0).Err(); err != nil {
			return fmt.Errorf("scheduler: init enabled flag: %w", err)
		}
		s.client.Del(ctx, ownerKey)

	case err != nil:
		return fmt.Errorf("scheduler: read enabled flag: %w", err)

	case enabled == "true" && !s.restoreOnBoot:
		// A previous deployment left the flag on. Without restore-on-boot
		// the operator must re-enable explicitly.
		logger.Info("scheduler", "stale enabled flag cleared on boot", "pod", s.podID)
		s.client.Set(ctx, enabledKey, "false", 0)
		s.client.Del(ctx, ownerKey)

	case enabled == "true" && s.restoreOnBoot:
		if s.tryClaim(ctx) {
			logger.Info("scheduler", "ownership restored on boot", "pod", s.podID)
			s.markRunning()
		}
	}

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Enable turns the global flag on and claims ownership.
func (s *Scheduler) Enable(ctx context.Context) error {
	if err := s.client.Set(ctx, enabledKey, "true", 0).Err(); err != nil {
		return err
	}
	if s.tryClaim(ctx) {
		s.markRunning()
		logger.Info("scheduler", "enabled and owned", "pod", s.podID)
	} else {
		logger.Info("scheduler", "enabled, another pod owns the loop", "pod", s.podID)
	}
	return nil
}

// Disable turns the flag off and deletes the owner key globally, so every
// pod converges even when the request lands on a non-owner.
func (s *Scheduler) Disable(ctx context.Context) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, enabledKey, "false", 0)
	pipe.Del(ctx, ownerKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	logger.Info("scheduler", "disabled globally", "pod", s.podID)
	return nil
}

// Stop shuts the local loop down without touching the global flags.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Status reports the cluster and local state.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	enabled, err := s.client.Get(ctx, enabledKey).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	owner, err := s.client.Get(ctx, ownerKey).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return &Status{
		Enabled:  enabled == "true",
		Owner:    owner,
		IsOwner:  owner == s.podID,
		Running:  s.running,
		LastRun:  s.lastRun,
		NextRun:  s.nextRun,
		Interval: s.interval.String(),
	}, nil
}

func (s *Scheduler) tryClaim(ctx context.Context) bool {
	ok, err := s.client.SetNX(ctx, ownerKey, s.podID, s.ownerTTL).Result()
	if err != nil {
		logger.Warn("scheduler", "ownership claim failed", "error", err.Error())
		return false
	}
	return ok
}

func (s *Scheduler) markRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.nextRun = time.Now().Add(s.interval)
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick is one scheduler heartbeat: owners refresh their lease and fan out
// when due; passive pods auto-heal a dropped lease.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	enabled, err := s.client.Get(ctx, enabledKey).Result()
	if err != nil || enabled != "true" {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return
	}

	owner, err := s.client.Get(ctx, ownerKey).Result()
	switch {
	case err == redis.Nil:
		// Lease dropped while enabled: auto-heal.
		if s.tryClaim(ctx) {
			logger.Info("scheduler", "auto-healed dropped ownership", "pod", s.podID)
			s.markRunning()
		}
		return

	case err != nil:
		logger.Warn("scheduler", "owner read failed", "error", err.Error())
		return

	case owner != s.podID:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return
	}

	s.client.Expire(ctx, ownerKey, s.ownerTTL)

	s.mu.Lock()
	if !s.running {
		s.running = true
		s.nextRun = time.Now()
	}
	zombie := !s.nextRun.IsZero() && time.Since(s.nextRun) > 2*s.interval
	due := !time.Now().Before(s.nextRun)
	s.mu.Unlock()

	if zombie {
		logger.Error("scheduler", "zombie loop detected, clearing state",
			"pod", s.podID, "next_run", s.nextRun.Format(time.RFC3339))
		s.Disable(ctx)
		return
	}

	if due {
		s.fanOut(ctx)
		now := time.Now()
		s.mu.Lock()
		s.lastRun = now
		s.nextRun = now.Add(s.interval)
		s.mu.Unlock()
	}

	s.maybeCleanup()
}

// fanOut enqueues one scan job per enabled account.
func (s *Scheduler) fanOut(ctx context.Context) {
	accounts, err := s.accounts.EnabledAccounts(ctx)
	if err != nil {
		logger.Error("scheduler", "account listing failed", "error", err.Error())
		return
	}

	enqueued := 0
	for _, acc := range accounts {
		_, err := s.q.Enqueue(ctx, scanJobFuncName, map[string]interface{}{
			"owner_email": acc.OwnerEmail,
			"username":    acc.Username,
		}, queue.QueueHigh)
		if err != nil {
			logger.Warn("scheduler", "scan enqueue failed",
				"owner", acc.OwnerEmail, "account", acc.Username, "error", err.Error())
			continue
		}
		enqueued++
	}
	logger.Info("scheduler", "fan-out complete",
		"accounts", len(accounts), "enqueued", enqueued)
}

// maybeCleanup prunes the artifact scratch dir at most once per hour.
func (s *Scheduler) maybeCleanup() {
	if s.cleaner == nil {
		return
	}
	s.mu.Lock()
	due := time.Since(s.lastCleanup) > cleanupEvery
	if due {
		s.lastCleanup = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	if n, err := s.cleaner.CleanupTemp(cleanupMaxAge); err == nil && n > 0 {
		logger.Info("scheduler", "scratch cleanup", "removed", n)
	}
}
