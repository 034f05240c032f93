package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serrano-project/orchestrator/internal/brokerclient"
	"github.com/serrano-project/orchestrator/internal/cache"
	"github.com/serrano-project/orchestrator/internal/config"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/logging"
	"github.com/serrano-project/orchestrator/internal/manager"
	"github.com/serrano-project/orchestrator/internal/metrics"
	"github.com/serrano-project/orchestrator/internal/rotclient"
	"github.com/serrano-project/orchestrator/internal/securestorageclient"
	"github.com/serrano-project/orchestrator/internal/system"
	"github.com/serrano-project/orchestrator/internal/telemetryclient"
)

func main() {
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

	rot := rotclient.NewHTTPClient(cfg.ROT.RESTURL, cfg.ROT.User, cfg.ROT.Password)
	storage := securestorageclient.New(cfg.SecureStorage.Endpoint, cfg.SecureStorage.Token)
	corr := cache.New(cache.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB, Prefix: "manager:corr:"})

	broker := brokerclient.NewMemoryClient()
	bridgeResults(broker, cfg.ROT.ResultsQueue, rot, logger)

	managerCfg := manager.Config{ActiveClusterWindow: 10 * time.Minute, PollInterval: cfg.Manager.PollInterval}
	if managerCfg.PollInterval == 0 {
		managerCfg.PollInterval = manager.DefaultConfig().PollInterval
	}

	svc := manager.NewService(store, disp, rot, storage, corr, managerCfg, logger)

	mgr := system.NewManager(logger)
	mgr.Register(svc)
	mgr.Register(newMetricsService(fmt.Sprintf("0.0.0.0:%d", metricsPort(cfg.MetricsPort))))

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed starting manager")
	}
	logger.Info("orchestrator-manager running")

	waitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	_ = corr.Close()
	_ = store.Close()
}

func openStore(cfg config.KVConfig) (kvstore.Store, error) {
	if cfg.Backend == "postgres" {
		return kvstore.NewPostgresStore(cfg.DSN)
	}
	return kvstore.NewMemoryStore(), nil
}

func metricsPort(port int) int {
	if port == 0 {
		return 9090
	}
	return port
}

// bridgeResults subscribes to the ROT's results queue on the broker and
// delivers each decoded response into the HTTPClient's Results channel,
// since the ROT communicates asynchronously over the broker rather than
// returning results inline from its scheduling call.
func bridgeResults(broker brokerclient.Client, queue string, rot *rotclient.HTTPClient, logger *logging.Logger) {
	_, err := broker.Subscribe(context.Background(), queue, func(ctx context.Context, body []byte) error {
		var res rotclient.ExecutionResult
		if err := json.Unmarshal(body, &res); err != nil {
			logger.WithError(err).Error("failed decoding rot execution result")
			return nil
		}
		rot.Deliver(res)
		return nil
	})
	if err != nil {
		logger.WithError(err).Fatal("failed subscribing to rot results queue")
	}
}

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
