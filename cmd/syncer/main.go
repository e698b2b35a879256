package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gigvault/config"
	"gigvault/internal/mqhandler"
	"gigvault/internal/repository"
	"gigvault/pkg/db"
	"gigvault/pkg/logger"
	"gigvault/pkg/mq"
	"gigvault/pkg/otel"
	"gigvault/pkg/redis"
	"gigvault/pkg/util"
)

const dedupTTL = 24 * time.Hour

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg := config.Load()

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName:    "gigvault-syncer",
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

	audit := repository.NewAuditRepository(pool, log)

	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	dlqPublisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to connect to MQ", zap.Error(err))
	}
	defer dlqPublisher.Close()

	handler := mqhandler.NewEscrowEventHandler(
		audit,
		util.NewDeduperWithLogger(rdb, dedupTTL, log),
		util.NewRetryCounter(rdb, dedupTTL),
		dlqPublisher,
		"escrow-audit",
		log,
	)

	milestoneConsumer, err := mq.NewConsumer(cfg.MQ.URL, "escrow-audit-milestone", "escrow.milestone.*", log)
	if err != nil {
		log.Fatal("Failed to create milestone consumer", zap.Error(err))
	}
	milestoneConsumer.SetHandler(handler.HandleMilestoneEvent)
	defer milestoneConsumer.Close()

	projectConsumer, err := mq.NewConsumer(cfg.MQ.URL, "escrow-audit-project", "escrow.project.*", log)
	if err != nil {
		log.Fatal("Failed to create project consumer", zap.Error(err))
	}
	projectConsumer.SetHandler(handler.HandleProjectEvent)
	defer projectConsumer.Close()

	go func() {
		if err := milestoneConsumer.StartConsuming(); err != nil {
			log.Fatal("Milestone consumer stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := projectConsumer.StartConsuming(); err != nil {
			log.Fatal("Project consumer stopped", zap.Error(err))
		}
	}()

	// 指标与存活探针
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !milestoneConsumer.IsConnected() || !projectConsumer.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux}
	go func() {
		log.Info("Metrics server listening", zap.String("port", cfg.Server.Port))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("Syncer started", zap.String("queue_prefix", "escrow-audit"))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("Syncer exited")
}
