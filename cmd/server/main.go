package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gigvault/config"
	"gigvault/internal/api"
	"gigvault/internal/chain"
	"gigvault/internal/httpserver"
	"gigvault/internal/repository"
	"gigvault/internal/service/escrow"
	"gigvault/internal/service/syncer"
	"gigvault/pkg/db"
	"gigvault/pkg/logger"
	"gigvault/pkg/mq"
	"gigvault/pkg/otel"
	"gigvault/pkg/outbox"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg := config.Load()

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName:    "gigvault-server",
		ServiceVersion: "1.0.0",
		Endpoint:       os.Getenv("OTEL_ENDPOINT"),
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
	}, log)
	if err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
	} else {
		defer shutdownOtel()
	}

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	ledger := repository.NewLedgerRepository(pool, outboxRepo, log)
	audit := repository.NewAuditRepository(pool, log)
	users := repository.NewUserRepository(pool, log)

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	backend, err := chain.Dial(dialCtx, cfg.Chain.RPCURL)
	cancelDial()
	if err != nil {
		log.Fatal("Failed to connect to chain RPC", zap.String("url", cfg.Chain.RPCURL), zap.Error(err))
	}
	defer backend.Close()

	keystore := chain.NewKeystore()
	if err := loadCustodialKeys(keystore, cfg.Chain.ChainID); err != nil {
		log.Fatal("Failed to load custodial keys", zap.Error(err))
	}

	chainClient, err := chain.NewClient(cfg, backend, keystore, log)
	if err != nil {
		log.Fatal("Failed to initialize chain client", zap.Error(err))
	}

	// 启动时读一次项目计数器，合约地址配错在这里就暴露
	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
	nextProjectID, err := chainClient.ReadProjectCounter(checkCtx)
	cancelCheck()
	if err != nil {
		log.Fatal("Escrow contract unreachable",
			zap.String("contract", cfg.Chain.ContractAddress),
			zap.Error(err),
		)
	}
	log.Info("Chain client ready",
		zap.String("contract", cfg.Chain.ContractAddress),
		zap.String("admin", chainClient.AdminAddress().Hex()),
		zap.Int64("chain_id", cfg.Chain.ChainID),
		zap.Uint64("next_project_id", nextProjectID),
	)

	reconciler := escrow.NewReconciler(ledger, chainClient, escrow.Policy{
		AllowDirectRelease: cfg.Escrow.AllowDirectRelease,
		CancelOnRefund:     cfg.Escrow.CancelOnRefund,
	}, log)

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to connect to MQ", zap.Error(err))
	}
	defer publisher.Close()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
	go dispatcher.Start(workerCtx)

	// Sync Poller 与对账器同进程、共用键锁：
	// 同一 (project, mid) 上的修复和提交在同一把锁上互斥
	poller := syncer.NewPoller(ledger, audit, chainClient, reconciler.Locks(),
		cfg.Escrow.PollInterval, cfg.Escrow.FreshnessThreshold, log)
	go poller.Run(workerCtx)

	replaySvc := outbox.NewReplayService(outboxRepo, publisher)

	authHandler := api.NewAuthHandler(users, cfg.JWT.Secret, log)
	escrowHandler := api.NewEscrowHandler(reconciler, audit, replaySvc, log)
	router := httpserver.SetupRouter(authHandler, escrowHandler, pool, cfg.JWT.Secret)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	log.Info("Server exited")
}

// loadCustodialKeys 托管的用户签名私钥从环境变量注入，逗号分隔的 hex 列表。
// 生产环境应当来自密钥管理服务，这里只做进程内装载。
func loadCustodialKeys(keystore *chain.Keystore, chainID int64) error {
	raw := os.Getenv("CHAIN_CUSTODIAL_KEYS")
	if raw == "" {
		return nil
	}
	for _, keyHex := range strings.Split(raw, ",") {
		keyHex = strings.TrimSpace(keyHex)
		if keyHex == "" {
			continue
		}
		signer, err := chain.NewSigner(keyHex, chainID)
		if err != nil {
			return err
		}
		keystore.Register(signer)
	}
	return nil
}
