// The worker binary runs the full ingestion runtime: queue consumers, the
// leader-elected scan scheduler and the daily billing loop. One-shot CLI
// modes cover manual operation: --process, --start-job, --stop-job, --status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuenly/invoice-ingest/internal/ai"
	"github.com/cuenly/invoice-ingest/internal/artifact"
	"github.com/cuenly/invoice-ingest/internal/billing"
	"github.com/cuenly/invoice-ingest/internal/config"
	"github.com/cuenly/invoice-ingest/internal/imap"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
	"github.com/cuenly/invoice-ingest/internal/queue"
	mongorepo "github.com/cuenly/invoice-ingest/internal/repository/mongo"
	"github.com/cuenly/invoice-ingest/internal/resolver"
	"github.com/cuenly/invoice-ingest/internal/scheduler"
	"github.com/cuenly/invoice-ingest/internal/secrets"
	"github.com/cuenly/invoice-ingest/internal/worker"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "path to the configuration file")
		concurrency = flag.Int("concurrency", 4, "queue consumer goroutines")
		process     = flag.Bool("process", false, "one-shot: fan out scans for all enabled accounts, drain the queues and exit")
		startJob    = flag.String("start-job", "", "enqueue a date-range reprocess for OWNER (requires --account, --from, --to) and exit")
		account     = flag.String("account", "", "IMAP account username for --start-job")
		fromDate    = flag.String("from", "", "range start YYYY-MM-DD for --start-job")
		toDate      = flag.String("to", "", "range end YYYY-MM-DD for --start-job")
		stopJob     = flag.String("stop-job", "", "cancel the given job id and exit")
		statusJob   = flag.String("status", "", "print the given job's status and exit")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	rt, err := newRuntime(cfg, *concurrency)
	if err != nil {
		logger.Error("main", "bootstrap failed", "error", err.Error())
		os.Exit(1)
	}
	defer rt.close()

	ctx := context.Background()
	switch {
	case *stopJob != "":
		os.Exit(rt.cancelJob(ctx, *stopJob))
	case *statusJob != "":
		os.Exit(rt.printJobStatus(ctx, *statusJob))
	case *startJob != "":
		os.Exit(rt.startRangeJob(ctx, *startJob, *account, *fromDate, *toDate))
	case *process:
		os.Exit(rt.processOnce(ctx))
	default:
		rt.runDaemon(ctx)
	}
}

// runtime is the wired object graph shared by all modes.
type runtime struct {
	cfg     *config.Config
	redis   *redis.Client
	db      *mongorepo.Database
	queue   *queue.Queue
	worker  *queue.Worker
	sched   *scheduler.Scheduler
	billing *billing.Loop
	pool    *imap.Pool
	store   *artifact.Store
	configs *mongorepo.ConfigRepo
}

func newRuntime(cfg *config.Config, concurrency int) (*runtime, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	db, err := mongorepo.Connect(ctx, cfg.Mongo)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}

	box, err := secrets.New(cfg.Secrets.EncryptionKey)
	if err != nil {
		return nil, err
	}

	loc := cfg.Location()
	store, err := artifact.NewStore(cfg.Artifact, cfg.Minio, loc)
	if err != nil {
		return nil, err
	}

	configRepo := mongorepo.NewConfigRepo(db, box, cfg.OAuth)
	processedRepo := mongorepo.NewProcessedRepo(db)
	userRepo := mongorepo.NewUserRepo(db)
	invoiceRepo := mongorepo.NewInvoiceRepo(db)
	subsRepo := mongorepo.NewSubscriptionRepo(db)
	methodsRepo := mongorepo.NewPaymentMethodRepo(db)
	txRepo := mongorepo.NewTransactionsRepo(db)

	pool := imap.NewPool()
	q := queue.New(rdb)
	w := queue.NewWorker(q, rdb, concurrency)

	pipeline := &worker.Pipeline{
		Mail:      worker.NewPoolMailbox(pool),
		Configs:   configRepo,
		Registry:  processedRepo,
		Users:     userRepo,
		Invoices:  invoiceRepo,
		Resolver:  resolver.New(),
		Artifacts: store,
		Extractor: ai.NewExtractor(cfg.OpenAI, ai.NewResultCache(rdb)),
	}
	worker.RegisterAll(w, q, pipeline)

	sched := scheduler.New(rdb, q, configRepo, store, cfg.Scheduler)
	bill := billing.NewLoop(rdb, subsRepo, methodsRepo, userRepo, txRepo,
		billing.NewPagoparClient(cfg.Billing), loc, cfg.Billing.RunHourLocal)

	return &runtime{
		cfg:     cfg,
		redis:   rdb,
		db:      db,
		queue:   q,
		worker:  w,
		sched:   sched,
		billing: bill,
		pool:    pool,
		store:   store,
		configs: configRepo,
	}, nil
}

func (rt *runtime) close() {
	rt.pool.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.db.Close(ctx)
	rt.redis.Close()
}

// runDaemon is the normal long-running mode.
func (rt *runtime) runDaemon(ctx context.Context) {
	logger.Info("main", "starting ingestion runtime")

	rt.worker.Start(ctx)
	if err := rt.sched.Start(ctx); err != nil {
		logger.Error("main", "scheduler start failed", "error", err.Error())
		os.Exit(1)
	}
	rt.billing.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("main", "shutting down", "signal", s.String())

	rt.billing.Stop()
	rt.sched.Stop()
	rt.worker.Stop()
}

// processOnce fans out one scan per enabled account, consumes until both
// queues are drained and exits.
func (rt *runtime) processOnce(ctx context.Context) int {
	accounts, err := rt.configs.EnabledAccounts(ctx)
	if err != nil {
		logger.Error("main", "account listing failed", "error", err.Error())
		return 1
	}
	for _, acc := range accounts {
		_, err := rt.queue.Enqueue(ctx, worker.JobAccountScan, map[string]interface{}{
			"owner_email": acc.OwnerEmail,
			"username":    acc.Username,
		}, queue.QueueHigh)
		if err != nil {
			logger.Error("main", "scan enqueue failed", "account", acc.Username, "error", err.Error())
			return 1
		}
	}
	logger.Info("main", "one-shot scan enqueued", "accounts", len(accounts))

	rt.worker.Start(ctx)
	defer rt.worker.Stop()

	// Drained means nothing queued, deferred, scheduled or in flight for
	// two consecutive checks.
	idle := 0
	for {
		time.Sleep(2 * time.Second)
		active, err := rt.queue.IterActive(ctx, queue.QueueHigh, queue.QueueDefault)
		if err != nil {
			logger.Warn("main", "queue inspection failed", "error", err.Error())
			continue
		}
		if len(active) == 0 {
			idle++
		} else {
			idle = 0
		}
		if idle >= 2 {
			break
		}
	}

	processed, failed := rt.worker.Counts()
	logger.Info("main", "one-shot run complete", "processed", processed, "failed", failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func (rt *runtime) startRangeJob(ctx context.Context, owner, account, from, to string) int {
	if account == "" || from == "" || to == "" {
		fmt.Fprintln(os.Stderr, "--start-job requires --account, --from and --to")
		return 2
	}
	if _, err := time.Parse("2006-01-02", from); err != nil {
		fmt.Fprintf(os.Stderr, "bad --from date: %v\n", err)
		return 2
	}
	if _, err := time.Parse("2006-01-02", to); err != nil {
		fmt.Fprintf(os.Stderr, "bad --to date: %v\n", err)
		return 2
	}

	// One active range job per tenant.
	running, err := rt.queue.FindActiveRangeJobs(ctx, owner)
	if err == nil && len(running) > 0 {
		fmt.Fprintf(os.Stderr, "a range job is already active for this tenant: %s\n", running[0].ID)
		return 1
	}

	id, err := rt.queue.Enqueue(ctx, worker.JobProcessEmailsRange, map[string]interface{}{
		"owner_email": owner,
		"username":    account,
		"from_date":   from,
		"to_date":     to,
	}, queue.QueueDefault)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue failed: %v\n", err)
		return 1
	}
	fmt.Println(id)
	return 0
}

func (rt *runtime) cancelJob(ctx context.Context, id string) int {
	if err := rt.queue.Cancel(ctx, id, ""); err != nil {
		fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
		return 1
	}
	fmt.Printf("job %s cancelled\n", id)
	return 0
}

func (rt *runtime) printJobStatus(ctx context.Context, id string) int {
	st, err := rt.queue.Status(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
		return 1
	}
	if st == nil {
		fmt.Fprintf(os.Stderr, "job %s not found\n", id)
		return 1
	}
	out, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(out))
	return 0
}
