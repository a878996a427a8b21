package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"publishq/internal/api"
	"publishq/internal/config"
	"publishq/internal/dispatch"
	"publishq/internal/notify"
	"publishq/internal/publish"
	"publishq/internal/queue"
	"publishq/internal/ratelimit"
	"publishq/internal/recur"
	"publishq/internal/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var (
		addr    = flag.String("addr", cfg.Addr, "HTTP bind address")
		dbPath  = flag.String("db", cfg.DBPath, "SQLite DB path")
		workers = flag.Int("workers", cfg.Workers, "number of dispatcher workers")
		sweep   = flag.Duration("sweep", cfg.SweepInterval, "dispatcher sweep interval")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := queue.NewSQLiteRepo(db, cfg.GraceWindow, cfg.Horizon, cfg.MaxAttempts)
	if n, err := repo.ReclaimExpired(context.Background(), time.Now().UTC()); err == nil && n > 0 {
		log.Info().Int("reclaimed", n).Msg("reclaimed claims stranded by previous run")
	}

	limits, err := cfg.PlatformLimits()
	if err != nil {
		log.Fatal().Err(err).Msg("rate limit config")
	}
	limiter := ratelimit.New(limits, ratelimit.Limit{})

	integrators := map[string]publish.Integrator{}
	for platform, url := range cfg.IntegratorURLs {
		integrators[platform] = publish.NewWebhookIntegrator(url, cfg.PublishTimeout)
	}
	executor := publish.NewExecutor(integrators, publish.PassthroughContent())

	policy := retry.Default()
	policy.BaseDelay = cfg.RetryBaseDelay
	policy.MaxDelay = cfg.RetryMaxDelay
	policy.MaxAttempts = cfg.MaxAttempts
	policy.AuthParkDelay = cfg.AuthParkDelay

	hostname, _ := os.Hostname()

	ctx, cancel := context.WithCancel(context.Background())
	pool := dispatch.NewPool(repo, limiter, executor, policy, notify.LogEmitter{Log: log.Logger}, log.Logger, dispatch.Config{
		Workers:      *workers,
		SweepEvery:   *sweep,
		Lease:        cfg.ClaimLease,
		FetchLimit:   cfg.FetchLimit,
		WorkerPrefix: hostname,
	})
	go pool.Run(ctx)

	recurrence := recur.NewService(repo, cfg.RecurrenceInterval)
	go recurrence.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(repo, limiter)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
