package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/campaignstore"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/deliver"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/finalize"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/metacache"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/rategov"
)

func main() {
	logger.Info("campaign-engine worker starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("failed to ping database", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("connected to database")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	redisCtx, redisCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer redisCancel()
	if err := rdb.Ping(redisCtx).Err(); err != nil {
		logger.Error("failed to ping redis", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("connected to redis")

	campaigns := campaignstore.New(db)
	ledger := ledgerstore.New(db)
	q := queue.New(db)
	cache := metacache.New(rdb)
	bus := eventbus.New(rdb)
	governor := rategov.New(rdb, rategov.Config{
		DomainCapacity: cfg.RateGovernor.DomainCapacity,
		DomainWindow:   cfg.RateGovernor.DomainWindow(),
		GlobalCapacity: cfg.RateGovernor.GlobalCapacity,
		GlobalWindow:   cfg.RateGovernor.GlobalWindow(),
		WarmupFactor:   cfg.RateGovernor.WarmupFactor,
		WarnFailRate:   cfg.RateGovernor.WarnFailRate,
		StrictFailRate: cfg.RateGovernor.StrictFailRate,
		DomainBlockTTL: cfg.RateGovernor.DomainBlockTTL(),
		GlobalBlockTTL: cfg.RateGovernor.GlobalBlockTTL(),
	})

	sender, err := buildSender(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to build sender", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("sender initialized", "type", cfg.Worker.ESPType)

	finalizer := finalize.New(campaigns, ledger, cache, bus)

	worker := &deliver.Worker{
		Queue:     q,
		Ledger:    ledger,
		Campaigns: campaigns,
		Cache:     cache,
		Governor:  governor,
		Bus:       bus,
		Sender:    sender,
		Finalizer: finalizer,
		Cfg: deliver.Config{
			MaxAttempts:          cfg.Worker.MaxAttempts,
			PublicBaseURL:        cfg.Worker.PublicBaseURL,
			PermanentFailureFast: cfg.Worker.PermanentFailureFast,
		},
	}
	pool := &deliver.Pool{
		Queue:       q,
		Worker:      worker,
		Concurrency: cfg.Worker.Concurrency,
	}

	reconciler := finalize.NewReconciler(finalizer, campaigns, cfg.Reconciler.Schedule())
	recovery := queue.NewRecovery(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reconciler.Start(ctx); err != nil {
		logger.Error("failed to start reconciler", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("reconciler started", "schedule", cfg.Reconciler.Schedule())

	go recovery.Start(ctx)
	logger.Info("queue recovery started")

	go pool.Run(ctx)
	logger.Info("delivery pool started", "concurrency", cfg.Worker.Concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	cancel()
	reconciler.Stop()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func buildSender(ctx context.Context, cfg *config.Config) (deliver.Sender, error) {
	if cfg.Worker.ESPType == "ses" {
		return deliver.NewSESSender(ctx, cfg.SES.Region)
	}
	return deliver.NewSMTPSender(deliver.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		StartTLS: true,
		Timeout:  cfg.SMTP.Timeout(),
	}), nil
}
