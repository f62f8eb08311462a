package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/distlock"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
)

const (
	lockKey = "billing:daily"
	lockTTL = 600 * time.Second

	cancelReason = "multiple payment failures"
)

// retryLadder maps retry_count (before increment) to the next attempt delay.
// The failure after the ladder is exhausted cancels the subscription.
var retryLadder = []int{1, 3, 7}

// SubscriptionStore is the plan-state persistence the loop needs.
type SubscriptionStore interface {
	DueForBilling(ctx context.Context, now time.Time) ([]models.Subscription, error)
	ListByStatuses(ctx context.Context, statuses ...string) ([]models.Subscription, error)
	Update(ctx context.Context, sub *models.Subscription) error
}

// PaymentMethodStore holds the gateway binding per tenant.
type PaymentMethodStore interface {
	ByOwner(ctx context.Context, ownerEmail string) (*models.PaymentMethod, error)
	SyncPagoparUserID(ctx context.Context, ownerEmail, pagoparUserID string) error
}

// UserStore exposes the quota operations the loop drives.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	ResetAIQuota(ctx context.Context, email string, limit int) error
}

// TransactionLog records every billing attempt.
type TransactionLog interface {
	Log(ctx context.Context, tx *models.SubscriptionTransaction) error
}

// Loop is the daily billing cycle. A Redis lock keeps it single-writer
// across pods; non-owners skip the cycle entirely.
type Loop struct {
	client  *redis.Client
	subs    SubscriptionStore
	methods PaymentMethodStore
	users   UserStore
	txs     TransactionLog
	gateway Gateway

	loc     *time.Location
	runHour int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLoop wires the billing cycle. runHour is the local hour of day to run.
func NewLoop(client *redis.Client, subs SubscriptionStore, methods PaymentMethodStore,
	users UserStore, txs TransactionLog, gateway Gateway, loc *time.Location, runHour int) *Loop {
	if loc == nil {
		loc = time.UTC
	}
	return &Loop{
		client:  client,
		subs:    subs,
		methods: methods,
		users:   users,
		txs:     txs,
		gateway: gateway,
		loc:     loc,
		runHour: runHour,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the daily timer goroutine.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop terminates the timer; an in-flight cycle finishes first.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		wait := time.Until(l.nextRunAt(time.Now().In(l.loc)))
		timer := time.NewTimer(wait)
		select {
		case <-l.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			l.RunOnce(ctx)
			cancel()
		}
	}
}

// nextRunAt is today's run hour, or tomorrow's when it already passed.
func (l *Loop) nextRunAt(now time.Time) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), l.runHour, 0, 0, 0, l.loc)
	if !now.Before(at) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// RunOnce executes a single cycle under the distributed lock. Losing the
// lock race is normal multi-pod operation, not an error.
func (l *Loop) RunOnce(ctx context.Context) {
	lock := distlock.New(l.client, lockKey, lockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		logger.Error("billing", "lock acquire failed", "error", err.Error())
		return
	}
	if !ok {
		logger.Info("billing", "cycle skipped, another pod holds the lock")
		return
	}
	defer lock.Release(ctx)

	now := time.Now().In(l.loc)
	l.chargeDue(ctx, now)
	l.resetQuotasOnAnniversary(ctx, now)
}

func (l *Loop) chargeDue(ctx context.Context, now time.Time) {
	due, err := l.subs.DueForBilling(ctx, now.UTC())
	if err != nil {
		logger.Error("billing", "due query failed", "error", err.Error())
		return
	}
	charged, failed := 0, 0
	for i := range due {
		if err := l.billOne(ctx, &due[i], now); err != nil {
			failed++
		} else {
			charged++
		}
	}
	logger.Info("billing", "cycle complete", "due", len(due), "charged", charged, "failed", failed)
}

// billOne runs one subscription through the gateway and applies the
// success/failure state transition.
func (l *Loop) billOne(ctx context.Context, sub *models.Subscription, now time.Time) error {
	owner := strings.ToLower(sub.OwnerEmail)

	gwUser, err := l.resolveGatewayUser(ctx, sub)
	if err == nil && gwUser == "" {
		err = fmt.Errorf("no gateway user id for %s", owner)
	}
	if err == nil {
		err = l.gateway.Charge(ctx, ChargeRequest{
			OwnerEmail:    owner,
			PagoparUserID: gwUser,
			Amount:        sub.Price,
			Currency:      sub.Currency,
			Description:   fmt.Sprintf("Suscripcion %s", sub.PlanCode),
		})
	}

	if err != nil {
		l.handleFailure(ctx, sub, now, err)
		return err
	}

	attempt := sub.RetryCount + 1
	sub.Status = models.SubscriptionActive
	sub.RetryCount = 0
	sub.LastBillingDate = now.UTC()
	sub.NextBillingDate = NextAnniversary(now, sub.BillingDayOfMonth).UTC()
	if err := l.subs.Update(ctx, sub); err != nil {
		logger.Error("billing", "subscription update failed", "owner", owner, "error", err.Error())
		return err
	}
	if err := l.users.ResetAIQuota(ctx, owner, sub.AIInvoicesLimit()); err != nil {
		logger.Warn("billing", "quota reset failed", "owner", owner, "error", err.Error())
	}
	l.logTx(ctx, sub, true, attempt, "")
	logger.Info("billing", "charge succeeded",
		"owner", owner, "plan", sub.PlanCode, "attempt", attempt,
		"next_billing", sub.NextBillingDate.Format("2006-01-02"))
	return nil
}

// handleFailure walks the retry ladder; after it is exhausted the
// subscription is cancelled.
func (l *Loop) handleFailure(ctx context.Context, sub *models.Subscription, now time.Time, cause error) {
	owner := strings.ToLower(sub.OwnerEmail)
	idx := sub.RetryCount
	attempt := idx + 1
	sub.RetryCount++

	if idx >= len(retryLadder) {
		sub.Status = models.SubscriptionCancelled
		logger.Warn("billing", "subscription cancelled",
			"owner", owner, "reason", cancelReason, "attempts", attempt)
		l.logTx(ctx, sub, false, attempt, cancelReason)
	} else {
		sub.Status = models.SubscriptionPastDue
		sub.NextBillingDate = now.AddDate(0, 0, retryLadder[idx]).UTC()
		logger.Warn("billing", "charge failed, retry scheduled",
			"owner", owner, "attempt", attempt,
			"retry_days", retryLadder[idx], "error", cause.Error())
		l.logTx(ctx, sub, false, attempt, cause.Error())
	}

	if err := l.subs.Update(ctx, sub); err != nil {
		logger.Error("billing", "subscription update failed", "owner", owner, "error", err.Error())
	}
}

// resolveGatewayUser checks the payment method, then the user record, then
// the subscription itself. Ids found outside the payment method are written
// back so the next cycle hits the primary source.
func (l *Loop) resolveGatewayUser(ctx context.Context, sub *models.Subscription) (string, error) {
	owner := strings.ToLower(sub.OwnerEmail)

	pm, err := l.methods.ByOwner(ctx, owner)
	if err != nil {
		return "", err
	}
	if pm != nil && pm.PagoparUserID != "" {
		return pm.PagoparUserID, nil
	}

	user, err := l.users.GetByEmail(ctx, owner)
	if err != nil {
		return "", err
	}
	discovered := ""
	if user != nil && user.PagoparUserID != "" {
		discovered = user.PagoparUserID
	} else if sub.PagoparUserID != "" {
		discovered = sub.PagoparUserID
	}
	if discovered != "" {
		if err := l.methods.SyncPagoparUserID(ctx, owner, discovered); err != nil {
			logger.Warn("billing", "gateway id sync failed", "owner", owner, "error", err.Error())
		}
	}
	return discovered, nil
}

// resetQuotasOnAnniversary is the fallback quota reset: even when a billing
// run was missed, every active subscription gets its AI counters cleared on
// its anniversary day.
func (l *Loop) resetQuotasOnAnniversary(ctx context.Context, now time.Time) {
	subs, err := l.subs.ListByStatuses(ctx, models.SubscriptionActive)
	if err != nil {
		logger.Error("billing", "active list failed", "error", err.Error())
		return
	}
	reset := 0
	for i := range subs {
		sub := &subs[i]
		if !IsAnniversary(now, sub.BillingDayOfMonth) {
			continue
		}
		owner := strings.ToLower(sub.OwnerEmail)
		if err := l.users.ResetAIQuota(ctx, owner, sub.AIInvoicesLimit()); err != nil {
			logger.Warn("billing", "fallback quota reset failed", "owner", owner, "error", err.Error())
			continue
		}
		reset++
	}
	if reset > 0 {
		logger.Info("billing", "anniversary quota resets", "count", reset)
	}
}

func (l *Loop) logTx(ctx context.Context, sub *models.Subscription, success bool, attempt int, reason string) {
	err := l.txs.Log(ctx, &models.SubscriptionTransaction{
		OwnerEmail: strings.ToLower(sub.OwnerEmail),
		PlanCode:   sub.PlanCode,
		Amount:     sub.Price,
		Currency:   sub.Currency,
		Success:    success,
		Attempt:    attempt,
		Reason:     reason,
	})
	if err != nil {
		logger.Warn("billing", "transaction log failed", "owner", sub.OwnerEmail, "error", err.Error())
	}
}
