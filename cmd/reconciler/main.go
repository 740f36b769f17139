package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcusvh/wallet-ledger/internal/config"
	"github.com/marcusvh/wallet-ledger/internal/gateway"
	"github.com/marcusvh/wallet-ledger/internal/logger"
	"github.com/marcusvh/wallet-ledger/internal/repo"
	"github.com/marcusvh/wallet-ledger/internal/service"
	"github.com/marcusvh/wallet-ledger/internal/worker"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	paystack := gateway.NewPaystackClient(cfg.Paystack)
	ledger := service.NewLedgerService(repository, paystack, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher := worker.NewPublisher(repository, log)
	go publisher.Run(ctx, time.Second)

	if !cfg.Reconcile.Enabled {
		log.Info("reconciler disabled, draining outbox only")
		<-ctx.Done()
		return
	}

	reconciler := worker.NewReconciler(repository, ledger, cfg.Reconcile, log)
	reconciler.Run(ctx)
}
