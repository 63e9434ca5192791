package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/creatureworld/tradecore/internal/config"
	"github.com/creatureworld/tradecore/internal/events"
	"github.com/creatureworld/tradecore/internal/fraud"
	"github.com/creatureworld/tradecore/internal/kvstore"
	"github.com/creatureworld/tradecore/internal/ledger"
	"github.com/creatureworld/tradecore/internal/metrics"
	"github.com/creatureworld/tradecore/internal/network"
	"github.com/creatureworld/tradecore/internal/server"
	"github.com/creatureworld/tradecore/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	ledgerRepo := ledger.NewRepository(db, logger)
	if err := ledgerRepo.Migrate(); err != nil {
		logger.Fatal("ledger migration failed", zap.Error(err))
	}

	aggregator := network.NewAggregator(db, logger, cfg.Risk)
	if err := aggregator.Migrate(); err != nil {
		logger.Fatal("relationship migration failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	builder := network.NewGraphBuilder(aggregator, store, logger, m, cfg.Trade.GraphCacheTTL)
	patterns := network.NewPatternService(builder, cfg.Detection, store, logger, m, cfg.Trade.GraphCacheTTL)
	gate := fraud.NewGate(aggregator, builder, patterns, cfg.Fraud, logger)

	var sink trade.EventSink
	if cfg.Kafka.Enabled {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer publisher.Close()
		sink = publisher
	}

	locks := trade.NewLockManager(store, logger, cfg.Trade.LockTTL)
	sessions := trade.NewSessionStore(store, logger, cfg.Trade.SessionTTL)
	orchestrator := trade.NewOrchestrator(sessions, locks, ledgerRepo, gate, aggregator, sink, m, logger)

	srv := server.New(orchestrator, builder, patterns, logger, cfg.Trade.TokenValue)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx, cfg.Server.Host, cfg.Server.Port); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openDatabase connects to postgres, or falls back to an embedded sqlite
// file when no DSN is configured (local development).
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	if cfg.Database.DSN == "" {
		return gorm.Open(sqlite.Open("tradecore.db"), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
}

// openStore picks redis when an address is configured, otherwise the
// process-local store.
func openStore(cfg *config.Config, logger *zap.Logger) (kvstore.Store, error) {
	if cfg.Redis.Address == "" {
		logger.Warn("no redis address configured, using in-memory store")
		return kvstore.NewMemoryStore(), nil
	}
	client, err := kvstore.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	return kvstore.NewRedisStore(client), nil
}
