package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	alertrepo "palantir/internal/alert/repository"
	"palantir/internal/channel"
	"palantir/internal/commons"
	companyrepo "palantir/internal/company/repository"
	"palantir/internal/config"
	"palantir/internal/gateway"
	"palantir/internal/infrastructure/logger"
	"palantir/internal/infrastructure/mysql"
	"palantir/internal/infrastructure/redis"
	"palantir/internal/metrics"
	"palantir/internal/order"
	"palantir/internal/printing"
	"palantir/internal/printing/agent"
	"palantir/internal/realtime"
	"palantir/internal/server"
	"palantir/internal/session"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx := context.Background()

	db, err := mysql.NewConnection(ctx, cfg.Database)
	if err != nil {
		zapLogger.Fatal("connecting to database", zap.Error(err))
	}
	defer db.Close()
	zapLogger.Info("database connected")

	clock := clockwork.NewRealClock()

	var lease channel.Lease
	if cfg.Redis.Address != "" {
		rdb, locker, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			zapLogger.Fatal("connecting to redis", zap.Error(err))
		}
		defer rdb.Close()
		lease = channel.NewRedisLease(locker, cfg.Redis.LeaseTTL, clock, zapLogger)
		zapLogger.Info("channel leases enabled", zap.String("redis", cfg.Redis.Address))
	}

	metrics.Register()

	registry := channel.NewRegistry(realtime.NewClient(cfg.Realtime, zapLogger), lease, clock, zapLogger)
	orders := order.NewModule(db, cfg, zapLogger)
	bridge := printing.NewBridge(func() printing.Agent {
		return agent.NewClient(cfg.PrintAgent, zapLogger)
	}, cfg.PrintAgent.PrinterName, cfg.PrintAgent.Timeout, clock, zapLogger)

	manager := session.NewManager(session.Dependencies{
		Channel:   registry,
		Companies: companyrepo.NewMySQLCompanyConfigRepository(db),
		Orders:    orders.Repository,
		Alerts:    alertrepo.NewMySQLAlertRepository(db),
		Changer:   orders.ChangeStatus,
		Gateway:   gateway.NewClient(cfg.Gateway, &http.Client{Timeout: cfg.Health.CheckTimeout}, zapLogger),
		Printer:   bridge,
		Health:    cfg.Health,
		Clock:     clock,
		Logger:    zapLogger,
	})

	router := server.NewRouter(session.NewController(manager, bridge, zapLogger), zapLogger)

	srv := server.New(cfg.Server, router, zapLogger)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(runCtx); err != nil {
		zapLogger.Error("server error", zap.Error(err))
	}

	manager.Shutdown()
	registry.Close()
	if err := bridge.Close(); err != nil {
		zapLogger.Warn("closing print agent", zap.Error(err))
	}

	zapLogger.Info("server stopped gracefully")
}

// loadConfig reads CONFIG_FILE when set, otherwise the environment alone.
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return commons.LoadConfig(path)
	}
	return config.Load()
}
