// Package app wires the engine together: stores, venues, signer, monitors,
// and the job worker pool.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dn-keeper-bot/internal/alerts"
	"dn-keeper-bot/internal/config"
	"dn-keeper-bot/internal/engine"
	"dn-keeper-bot/internal/jobs"
	"dn-keeper-bot/internal/ledger"
	"dn-keeper-bot/internal/metrics"
	"dn-keeper-bot/internal/monitor"
	"dn-keeper-bot/internal/position"
	"dn-keeper-bot/internal/signer"
	"dn-keeper-bot/internal/state/sqlite"
	"dn-keeper-bot/internal/store/postgres"
	"dn-keeper-bot/internal/venues/perp"
	"dn-keeper-bot/internal/venues/swap"
)

// Job names for the recurring monitor cycles.
const (
	JobValuation = "monitor.valuation"
	JobRisk      = "monitor.risk"
	JobStrategy  = "monitor.strategy"
	JobKeeper    = "monitor.keeper"
)

type App struct {
	cfg *config.Config
	log *zap.Logger

	store      *sqlite.Store
	db         *postgres.Client
	rdb        *redis.Client
	ledger     *ledger.HTTPClient
	swaps      *swap.Client
	perps      *perp.Client
	serializer *signer.Serializer
	engine     *engine.Engine
	positions  position.Store
	queue      *jobs.Queue
	worker     *jobs.Worker
	waker      *jobs.RedisWaker
	valuation  *monitor.Valuation
	risk       *monitor.Risk
	strategy   *monitor.Strategy
	keeperMon  *monitor.KeeperMonitor
	prom       *metrics.Prometheus
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	kv, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	privateKey := strings.TrimSpace(os.Getenv(cfg.Keeper.PrivateKeyEnv))
	if privateKey == "" {
		return nil, fmt.Errorf("%s is required", cfg.Keeper.PrivateKeyEnv)
	}
	keeper, err := signer.NewKeeper(privateKey)
	if err != nil {
		return nil, err
	}

	ledgerClient := ledger.NewHTTP(cfg.Ledger, log)
	swapClient := swap.NewClient(cfg.Swap, log)
	perpClient := perp.NewClient(cfg.Perp, log)

	lock := signer.NewRedisLock(rdb, keeper.Address().Hex())
	serializer := signer.NewSerializer(keeper, ledgerClient, lock, kv, log)

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	var alerter alerts.Sender = alerts.Noop{}
	if cfg.Telegram.Enabled {
		alerter = alerts.NewTelegram(cfg.Telegram, log)
	}

	positions := postgres.NewPositionStore(db.Pool())
	jobStore := postgres.NewJobStore(db.Pool())
	notifier := jobs.NewRedisNotifier(rdb, cfg.Jobs.WakeChannel)
	queue := jobs.NewQueue(jobStore, notifier, log)
	waker := jobs.NewRedisWaker(rdb, cfg.Jobs.WakeChannel, log)
	worker := jobs.NewWorker(queue, waker, cfg.Jobs.Workers, cfg.Jobs.PollInterval, m, log)

	eng := engine.New(positions, ledgerClient, swapClient, perpClient, serializer, cfg, m, alerter, log)
	valuation := monitor.NewValuation(positions, ledgerClient, swapClient, perpClient, kv, cfg.Monitor.PriceSmoothing, log)
	risk := monitor.NewRisk(positions, valuation, eng, cfg.Risk, log)
	strategyMon := monitor.NewStrategy(positions, perpClient, eng, cfg.Monitor, log)
	keeperMon := monitor.NewKeeperMonitor(
		positions, ledgerClient, eng, kv,
		keeper.Address().Hex(), cfg.Ledger.TxLookback, cfg.Monitor.TriggerMinimum, log,
	)

	return &App{
		cfg:        cfg,
		log:        log,
		store:      kv,
		db:         db,
		rdb:        rdb,
		ledger:     ledgerClient,
		swaps:      swapClient,
		perps:      perpClient,
		serializer: serializer,
		engine:     eng,
		positions:  positions,
		queue:      queue,
		worker:     worker,
		waker:      waker,
		valuation:  valuation,
		risk:       risk,
		strategy:   strategyMon,
		keeperMon:  keeperMon,
		prom:       prom,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.db.Close()
	defer func() { _ = a.rdb.Close() }()

	a.registerHandlers()
	if err := a.seedRecurring(ctx); err != nil {
		return err
	}
	if err := a.startStream(ctx); err != nil {
		a.log.Warn("mark price stream unavailable, falling back to REST", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.waker.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return a.worker.Run(ctx)
	})
	if a.prom != nil {
		g.Go(func() error {
			return a.serveMetrics(ctx)
		})
	}
	a.log.Info("engine running",
		zap.String("keeper", a.serializer.Address()),
		zap.Int("workers", a.cfg.Jobs.Workers))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) registerHandlers() {
	a.worker.Register(JobValuation, func(ctx context.Context, _ jobs.Job) error {
		return a.valuation.Run(ctx)
	})
	a.worker.Register(JobRisk, func(ctx context.Context, _ jobs.Job) error {
		return a.risk.Run(ctx)
	})
	a.worker.Register(JobStrategy, func(ctx context.Context, _ jobs.Job) error {
		return a.strategy.Run(ctx)
	})
	a.worker.Register(JobKeeper, func(ctx context.Context, _ jobs.Job) error {
		return a.keeperMon.Run(ctx)
	})
}

func (a *App) seedRecurring(ctx context.Context) error {
	schedules := map[string]string{
		JobValuation: a.cfg.Monitor.ValuationPattern,
		JobRisk:      a.cfg.Monitor.RiskPattern,
		JobStrategy:  a.cfg.Monitor.StrategyPattern,
		JobKeeper:    a.cfg.Monitor.KeeperPattern,
	}
	for name, pattern := range schedules {
		if err := a.queue.EnsureRecurring(ctx, name, pattern); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// startStream subscribes the perp stream to every pair with exposure so mark
// prices come from the socket cache instead of REST where possible.
func (a *App) startStream(ctx context.Context) error {
	open, err := a.positions.ListByStatus(ctx,
		position.StatusPendingEntry,
		position.StatusActive,
		position.StatusUnwinding,
		position.StatusExitMonitoring,
	)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	var tickers []string
	for _, p := range open {
		base, _, ok := strings.Cut(p.Pair, "-")
		if !ok || base == "" || seen[base] {
			continue
		}
		seen[base] = true
		tickers = append(tickers, base)
	}
	if len(tickers) == 0 {
		return nil
	}
	return a.perps.StartStream(ctx, tickers)
}

func (a *App) serveMetrics(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           a.prom.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
