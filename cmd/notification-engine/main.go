package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serrano-project/orchestrator/internal/brokerclient"
	"github.com/serrano-project/orchestrator/internal/config"
	"github.com/serrano-project/orchestrator/internal/logging"
	"github.com/serrano-project/orchestrator/internal/notificationengine"
	"github.com/serrano-project/orchestrator/internal/system"
)

func main() {
	topic := flag.String("topic", "", "anomaly event topic (defaults to config)")
	endpoint := flag.String("service-endpoint", "", "API Facade base URL (defaults to config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Logging)

	neCfg := notificationengine.Config{
		Topic:             cfg.Notification.Topic,
		ServiceEndpoint:   cfg.Notification.ServiceEndpoint,
		RequestsPerSecond: cfg.Notification.RequestsPerSecond,
		Burst:             cfg.Notification.Burst,
	}
	if *topic != "" {
		neCfg.Topic = *topic
	}
	if *endpoint != "" {
		neCfg.ServiceEndpoint = *endpoint
	}
	if neCfg.ServiceEndpoint == "" {
		logger.Fatal("service endpoint is required (flag -service-endpoint or config notification.service_endpoint)")
	}

	broker := brokerclient.NewMemoryClient()
	svc := notificationengine.NewService(broker, neCfg, logger)

	mgr := system.NewManager(logger)
	mgr.Register(svc)

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed starting notification engine")
	}
	logger.WithField("topic", neCfg.Topic).Info("notification-engine running")

	waitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
