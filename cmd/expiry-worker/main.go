package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/slot-scheduling/internal/booking"
	"github.com/clinicdesk/slot-scheduling/internal/config"
	"github.com/clinicdesk/slot-scheduling/internal/db"
	"github.com/clinicdesk/slot-scheduling/internal/doctor"
	"github.com/clinicdesk/slot-scheduling/internal/logging"
	"github.com/clinicdesk/slot-scheduling/internal/notify"
	redisclient "github.com/clinicdesk/slot-scheduling/internal/redis"
)

// The expiry worker deletes reservations long past their staleness window.
// The booking path already treats stale reservations as reclaimable at
// claim time; this sweep only keeps the table from growing without bound.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("expiry-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	repo := booking.NewPgRepository(pgPool)
	doctors := doctor.NewPgRepository(pgPool)
	svc := booking.NewService(repo, doctors, redisclient.NoopLocker{}, notify.NoopDispatcher{}, cfg, logger)

	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *booking.Service, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	deleted, err := svc.ExpireStaleReservations(runCtx)
	if err != nil {
		logger.Error("expiry run error", zap.Error(err))
		return
	}
	logger.Info("expiry run complete",
		zap.Int64("deleted", deleted),
		zap.Duration("took", time.Since(start)),
	)
}
