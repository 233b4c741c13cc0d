package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/go-cart-sync/config"
	"github.com/c0deZ3R0/go-cart-sync/logging"
	promcollector "github.com/c0deZ3R0/go-cart-sync/metrics/prometheus"
	"github.com/c0deZ3R0/go-cart-sync/storage"
	"github.com/c0deZ3R0/go-cart-sync/storage/memory"
	"github.com/c0deZ3R0/go-cart-sync/storage/postgres"
	"github.com/c0deZ3R0/go-cart-sync/storage/redis"
	"github.com/c0deZ3R0/go-cart-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-cart-sync/synckit"
	"github.com/c0deZ3R0/go-cart-sync/transport/httptransport"
)

const userAgent = "cartsync-cli/1.0"

// app holds everything a command needs.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     *storage.Store
	coord     *synckit.Coordinator
	hasRemote bool

	metrics    *promcollector.Collector
	metricsSrv *http.Server
}

func openApp(ctx context.Context, configPath string, envFiles []string, logLevel string, logOutput io.Writer) (*app, error) {
	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return nil, err
	}

	cfg.Logging.Output = logOutput
	level := logging.Init(cfg.Logging)
	if logLevel != "" && !level.SetFromString(logLevel) {
		return nil, fmt.Errorf("invalid -log-level %q", logLevel)
	}
	logger := logging.Default()

	backend, err := openBackend(cfg.Store, logger.WithComponent(logging.ComponentStore).Logger)
	if err != nil {
		return nil, err
	}
	store := storage.New(backend, storage.WithLogger(logger.Logger))

	a := &app{cfg: cfg, logger: logger, store: store}

	opts := []synckit.Option{
		synckit.WithStore(store),
		synckit.WithLogger(logger.Logger),
		synckit.WithRemoteTimeout(cfg.Sync.RemoteTimeout),
		synckit.WithRetryInterval(cfg.Sync.RetryInterval),
	}
	if cfg.Remote.BaseURL != "" {
		client := httptransport.NewClient(cfg.Remote.BaseURL,
			httptransport.WithTimeout(cfg.Remote.Timeout),
			httptransport.WithLimits(httptransport.Limits{
				MaxBodyBytes: cfg.Remote.MaxResponseBytes,
				EnableGzip:   true,
			}),
			httptransport.WithRateLimit(cfg.Remote.RequestsPerSecond, cfg.Remote.Burst),
			httptransport.WithLogger(logger.WithComponent(logging.ComponentTransport).Logger),
			httptransport.WithUserAgent(userAgent),
		)
		opts = append(opts, synckit.WithRemote(client))
		a.hasRemote = true
	}
	if cfg.Metrics.Enabled {
		a.metrics = promcollector.New(promcollector.Config{Namespace: cfg.Metrics.Namespace})
		opts = append(opts, synckit.WithMetrics(a.metrics))
		if cfg.Metrics.Addr != "" {
			a.serveMetrics(cfg.Metrics.Addr)
		}
	}

	coord, err := synckit.NewCoordinator(opts...)
	if err != nil {
		store.Close()
		a.stopMetrics()
		return nil, err
	}
	a.coord = coord

	logger.DebugContext(ctx, "cartsync ready",
		slog.String("driver", cfg.Store.Driver),
		slog.Bool("remote", a.hasRemote),
		slog.String("state", coord.State().String()),
	)
	return a, nil
}

func openBackend(cfg config.StoreConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(&sqlite.Config{
			DataSourceName: cfg.DSN,
			EnableWAL:      true,
			Profile:        cfg.Profile,
			TableName:      cfg.Table,
			Logger:         logger,
		})
	case "postgres":
		return postgres.New(&postgres.Config{
			ConnectionString: cfg.DSN,
			Profile:          cfg.Profile,
			TableName:        cfg.Table,
			Logger:           logger,
		})
	case "redis":
		return redis.New(redis.Config{
			Addr:     cfg.DSN,
			Password: cfg.Password,
			DB:       cfg.DB,
			Profile:  cfg.Profile,
			TTL:      cfg.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// attach resumes the saved session, if any. Without a configured remote the
// cart stays local.
func (a *app) attach(ctx context.Context) error {
	if !a.hasRemote {
		return nil
	}
	session, ok, err := synckit.LoadSession(ctx, a.store)
	if err != nil || !ok {
		return err
	}
	_, _, err = a.coord.Resume(ctx, session)
	return err
}

// settle pushes queued work before the process exits. Work the remote could
// not take stays in the persisted outbox for the next run.
func (a *app) settle(ctx context.Context) {
	err := a.logger.LogOperation(a.accountContext(ctx), "flush", logging.ComponentCoordinator, func() error {
		return a.coord.Flush(ctx)
	})
	if err != nil {
		a.logger.WarnContext(ctx, "Outbox kept for the next run",
			slog.Int("pending", len(a.coord.Pending())))
	}
}

// accountContext tags ctx with the attached account, if any.
func (a *app) accountContext(ctx context.Context) context.Context {
	if s, ok := a.coord.Session(); ok {
		return logging.ContextWithAccount(ctx, s.AccountID)
	}
	return ctx
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithComponent(logging.ComponentMetrics).Warn("Metrics endpoint stopped", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
}

func (a *app) stopMetrics() {
	if a.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.metricsSrv.Shutdown(ctx)
}

func (a *app) close() {
	if err := a.coord.Close(); err != nil {
		a.logger.LogError(context.Background(), err, "Failed to close coordinator")
	}
	a.stopMetrics()
}
