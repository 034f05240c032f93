package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serrano-project/orchestrator/internal/apifacade"
	"github.com/serrano-project/orchestrator/internal/config"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/logging"
	"github.com/serrano-project/orchestrator/internal/metrics"
	"github.com/serrano-project/orchestrator/internal/system"
	"github.com/serrano-project/orchestrator/internal/telemetryclient"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Logging)

	store, err := openStore(cfg.KV)
	if err != nil {
		logger.WithError(err).Fatal("failed opening coordination store")
	}

	telemetry := telemetryclient.New(cfg.Telemetry.Endpoint)
	disp := dispatcher.New(store, telemetry, logger, cfg.Manager.ShapValueThreshold)

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = serverAddr(cfg)
	}

	mgr := system.NewManager(logger)
	mgr.Register(apifacade.NewService(listenAddr, disp, cfg.Auth.JWTSecret, logger))
	mgr.Register(newMetricsService(metricsAddr(cfg.MetricsPort)))

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed starting api facade")
	}
	logger.WithField("addr", listenAddr).Info("orchestrator-api listening")

	waitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	_ = store.Close()
}

func openStore(cfg config.KVConfig) (kvstore.Store, error) {
	if cfg.Backend == "postgres" {
		return kvstore.NewPostgresStore(cfg.DSN)
	}
	return kvstore.NewMemoryStore(), nil
}

func serverAddr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func metricsAddr(port int) string {
	if port == 0 {
		port = 9090
	}
	return fmt.Sprintf("0.0.0.0:%d", port)
}

// metricsService mounts the Prometheus handler as its own Service so the
// system Manager starts and stops it alongside the HTTP API.
type metricsService struct {
	addr string
	stop context.CancelFunc
}

func newMetricsService(addr string) *metricsService { return &metricsService{addr: addr} }

func (m *metricsService) Name() string { return "metrics" }

func (m *metricsService) Start(ctx context.Context) error {
	serveCtx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	go func() {
		_ = metrics.Serve(serveCtx, m.addr)
	}()
	return nil
}

func (m *metricsService) Stop(ctx context.Context) error {
	if m.stop != nil {
		m.stop()
	}
	return nil
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
