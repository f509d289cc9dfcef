package main

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/user/download-manager/internal/adapter/chromedp_page"
	"github.com/user/download-manager/internal/adapter/httpfetch"
	"github.com/user/download-manager/internal/adapter/memory"
	redis_adapter "github.com/user/download-manager/internal/adapter/redis"
	"github.com/user/download-manager/internal/adapter/sqlstore"
	"github.com/user/download-manager/internal/adapter/yamlfile"
	"github.com/user/download-manager/internal/delivery/http/handler"
	"github.com/user/download-manager/internal/executor"
	"github.com/user/download-manager/internal/proxy"
	"github.com/user/download-manager/internal/repository"
	"github.com/user/download-manager/internal/usecase"
	"github.com/user/download-manager/pkg/config"
	"github.com/user/download-manager/pkg/logger"
	"github.com/user/download-manager/pkg/metrics"
	"go.uber.org/zap"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *sqlstore.DB
	rdb      *redis.Client
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	manager  *usecase.Manager
	checks   []handler.HealthCheck
	registry *executor.Registry
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, errors.Wrap(err, "init logger")
	}
	a := &app{cfg: cfg, logger: log}

	// --- Record store ---
	a.db, err = sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.checks = append(a.checks, handler.HealthCheck{Name: cfg.DatabaseDriver, Check: a.db.PingContext})

	// --- Domain admission ---
	var domains repository.DomainLockRepository = memory.NewDomainLocks()
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "connect to redis at %s", cfg.RedisAddr)
		}
		domains = redis_adapter.NewDomainLocks(a.rdb, cfg.DomainLeaseTTL)
		a.checks = append(a.checks, handler.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}})
		log.Info("Using Redis domain leases", zap.String("addr", cfg.RedisAddr))
	}

	// --- Skip list ---
	fs := afero.NewOsFs()
	skips, err := yamlfile.LoadSkipList(fs, cfg.SkipListPath)
	if err != nil {
		a.Close()
		return nil, err
	}

	// --- Executors ---
	proxies, err := proxy.NewManager(cfg.Proxies, cfg.UserAgents)
	if err != nil {
		a.Close()
		return nil, err
	}
	fetcher := httpfetch.NewFetcher(proxies.Client())
	a.registry = executor.NewRegistry()
	for _, e := range []executor.Executor{
		httpfetch.NewFeedExecutor(fetcher),
		httpfetch.NewFileExecutor(fetcher, fs, cfg.MediaDir),
		httpfetch.NewCatalogExecutor(fetcher),
		chromedp_page.NewPageExecutor(fs, filepath.Join(cfg.MediaDir, "pages"), proxies, cfg.ChromeHeadless, cfg.PageLoadTimeout, log),
	} {
		if err := a.registry.Register(e); err != nil {
			a.Close()
			return nil, err
		}
	}

	// --- Metrics ---
	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.promReg)

	a.manager = usecase.NewManager(usecase.Config{
		Workers:       cfg.Workers,
		PollInterval:  cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
		GlobalTimeout: cfg.DownloadTimeout,
		Retention:     cfg.Retention(),
	}, sqlstore.NewDownloadRepo(a.db), skips, domains, a.registry, log, usecase.WithMetrics(a.metrics))

	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
