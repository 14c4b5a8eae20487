package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/civic-issue-reporting/internal/blob"
	"github.com/iliyamo/civic-issue-reporting/internal/config"
	"github.com/iliyamo/civic-issue-reporting/internal/database"
	"github.com/iliyamo/civic-issue-reporting/internal/handler"
	"github.com/iliyamo/civic-issue-reporting/internal/logger"
	"github.com/iliyamo/civic-issue-reporting/internal/metrics"
	"github.com/iliyamo/civic-issue-reporting/internal/middleware"
	"github.com/iliyamo/civic-issue-reporting/internal/queue"
	"github.com/iliyamo/civic-issue-reporting/internal/repository"
	"github.com/iliyamo/civic-issue-reporting/internal/router"
	"github.com/iliyamo/civic-issue-reporting/internal/service"
)

func main() {
	cfg := config.Load()
	lg := logger.New(cfg.Env, cfg.LogLevel)
	slog.SetDefault(lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("server stopped", "error", err)
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, lg *slog.Logger) error {
	storeCfg := config.LoadStoreConfig()
	blobCfg := config.LoadBlobConfig()
	issueCfg := config.LoadIssueConfig()
	queueCfg := config.LoadQueueConfig()
	for _, v := range []interface{ Validate() error }{storeCfg, blobCfg, issueCfg} {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	store, db, err := openStore(ctx, storeCfg, lg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	checks := map[string]handler.Pinger{}
	if db != nil {
		checks["db"] = db
	}

	var blobs service.BlobStore
	switch blobCfg.Driver {
	case "minio":
		m, err := blob.NewMinio(ctx, blobCfg)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		blobs = m
		checks["blob"] = handler.PingFunc(m.Ping)
	default:
		lg.Warn("using in-memory blob store; images are lost on restart")
		blobs = blob.NewMemory(blobCfg.PublicBaseURL)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mets := metrics.New(reg)

	opts := []service.Option{
		service.WithLogger(lg),
		service.WithBlobStore(blobs),
		service.WithMetrics(mets),
		service.WithConfig(service.ConfigFrom(issueCfg)),
	}
	var publisher *queue.RabbitPublisher
	if queueCfg.Enabled {
		publisher = queue.NewRabbitPublisher(queueCfg, lg)
		defer publisher.Close()
		opts = append(opts, service.WithPublisher(publisher))
	}
	svc, err := service.New(store, opts...)
	if err != nil {
		return err
	}

	rdb := config.NewRedisClient()
	var rateLimit echo.MiddlewareFunc
	if rdb != nil {
		defer rdb.Close()
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		rateLimit = middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, lg)
	} else {
		lg.Warn("redis unreachable; rate limiting disabled")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(lg))
	e.Use(echomw.Recover())

	deps := router.Deps{
		Issues:    handler.NewIssueHandler(svc, lg, issueCfg.ImageMaxBytes),
		Health:    handler.NewHealthHandler(checks),
		JWTSecret: cfg.JWTSecret,
		RateLimit: rateLimit,
		Gatherer:  reg,
		BodyLimit: bodyLimit(issueCfg),
	}
	router.RegisterRoutes(e, deps)
	router.RegisterIssues(e, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		lg.Info("listening", "addr", addr, "env", cfg.Env, "store", storeCfg.Driver, "blob", blobCfg.Driver)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		lg.Info("shutting down")
		return e.Shutdown(sctx)
	})
	if queueCfg.Enabled && queueCfg.ConsumerEnabled {
		consumer := queue.NewAuditConsumer(queueCfg, lg)
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// openStore returns the configured IssueStore and, for SQL drivers, the pool
// backing it.
func openStore(ctx context.Context, c config.StoreConfig, lg *slog.Logger) (repository.IssueStore, *sql.DB, error) {
	pool := database.PoolConfig{MaxOpenConns: c.MaxOpen, MaxIdleConns: c.MaxIdle, ConnMaxLifetime: c.MaxLifetime}
	var (
		db      *sql.DB
		dialect database.Dialect
		err     error
	)
	switch c.Driver {
	case config.DriverMemory:
		lg.Warn("using in-memory issue store; data is lost on restart")
		return repository.NewMemoryIssueStore(nil), nil, nil
	case config.DriverPostgres:
		dialect = database.Postgres
		db, err = database.OpenPostgres(c.PostgresURL, pool)
	default:
		dialect = database.MySQL
		db, err = database.OpenMySQL(database.MySQLDSN(c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName), pool)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", c.Driver, err)
	}
	if c.AutoMigrate {
		mctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := database.Migrate(mctx, db, dialect); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		lg.Info("schema applied", "dialect", dialect)
	}
	if dialect == database.Postgres {
		return repository.NewPostgisIssueRepo(db, nil), db, nil
	}
	return repository.NewIssueRepo(db, nil), db, nil
}

// bodyLimit allows a create request carrying the maximum number of images
// plus a megabyte for form fields.
func bodyLimit(c config.IssueConfig) string {
	n := c.ImageMaxBytes*int64(c.MaxImagesPerCreate+1) + 1<<20
	return fmt.Sprintf("%dK", n/1024+1)
}
