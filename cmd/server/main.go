package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/marcusvh/wallet-ledger/internal/config"
	"github.com/marcusvh/wallet-ledger/internal/gateway"
	"github.com/marcusvh/wallet-ledger/internal/logger"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/marcusvh/wallet-ledger/internal/repo"
	"github.com/marcusvh/wallet-ledger/internal/service"
	httptransport "github.com/marcusvh/wallet-ledger/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.User{}, &model.Wallet{}, &model.Transaction{}, &model.APIKey{}, &model.LedgerEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	paystack := gateway.NewPaystackClient(cfg.Paystack)
	ledger := service.NewLedgerService(repository, paystack, log)
	keys := service.NewAPIKeyService(repository, cfg.APIKeys.MaxActive, log)
	auth := service.NewAuthService(repository, cfg.Google, log)

	// 7. gin router
	handler := httptransport.NewHandler(ledger, keys, auth, repository, log)
	router := httptransport.NewRouter(handler, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("wallet-ledger listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
