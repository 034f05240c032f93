package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/serrano-project/orchestrator/internal/brokerclient"
	"github.com/serrano-project/orchestrator/internal/cache"
	"github.com/serrano-project/orchestrator/internal/config"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/driver"
	"github.com/serrano-project/orchestrator/internal/execwrapper"
	"github.com/serrano-project/orchestrator/internal/gatewayclient"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/logging"
	"github.com/serrano-project/orchestrator/internal/metrics"
	"github.com/serrano-project/orchestrator/internal/system"
	"github.com/serrano-project/orchestrator/internal/telemetryclient"
)

func main() {
	kind := flag.String("kind", "", "cluster backend kind: k8s or hpc (defaults to config)")
	clusterUUID := flag.String("cluster-uuid", "", "this driver's cluster_uuid (defaults to config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Logging)

	backendKind := strings.ToLower(*kind)
	if backendKind == "" {
		backendKind = strings.ToLower(cfg.Driver.Kind)
	}
	clusterID := *clusterUUID
	if clusterID == "" {
		clusterID = cfg.Driver.ClusterUUID
	}
	if clusterID == "" {
		logger.Fatal("cluster_uuid is required (flag -cluster-uuid or config driver.cluster_uuid)")
	}

	store, err := openStore(cfg.KV)
	if err != nil {
		logger.WithError(err).Fatal("failed opening coordination store")
	}

	telemetry := telemetryclient.New(cfg.Telemetry.Endpoint)
	disp := dispatcher.New(store, telemetry, logger, cfg.Manager.ShapValueThreshold)
	broker := brokerclient.NewMemoryClient()

	resourceCache := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   "driver:" + clusterID + ":",
	})

	backend, err := buildBackend(backendKind, cfg, disp, broker, resourceCache, telemetry, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed constructing cluster backend")
	}

	driverCfg := driver.DefaultConfig(clusterID)
	if cfg.Driver.HeartbeatInterval > 0 {
		driverCfg.HeartbeatCron = fmt.Sprintf("@every %s", cfg.Driver.HeartbeatInterval)
	}

	svc := driver.NewService(backend, disp, store, driverCfg, logger)

	mgr := system.NewManager(logger)
	mgr.Register(svc)
	mgr.Register(newMetricsService(fmt.Sprintf("0.0.0.0:%d", metricsPort(cfg.MetricsPort))))

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed starting cluster driver")
	}
	logger.WithField("cluster_uuid", clusterID).WithField("kind", backendKind).Info("cluster-driver running")

	waitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	_ = resourceCache.Close()
	_ = store.Close()
}

func buildBackend(kind string, cfg *config.Config, disp *dispatcher.Dispatcher, broker brokerclient.Client, resourceCache *cache.Cache, telemetry *telemetryclient.Client, logger *logging.Logger) (driver.Backend, error) {
	switch kind {
	case "k8s":
		faas := execwrapper.NewFaaSWrapper(telemetry, broker, disp, logger)
		k8sCfg := driver.K8sConfig{
			Host:               cfg.K8sCluster.Host,
			Token:              cfg.K8sCluster.Token,
			Namespace:          cfg.K8sCluster.Namespace,
			InsecureSkipVerify: cfg.K8sCluster.InsecureSkipVerify,
		}
		return driver.NewK8sBackend(k8sCfg, disp, resourceCache, faas, logger), nil
	case "hpc":
		gateway := gatewayclient.New(cfg.Gateway.Endpoint)
		hpcCfg := execwrapper.HPCConfig{
			S3Endpoint:     cfg.Gateway.S3Endpoint,
			S3AccessKey:    cfg.Gateway.S3AccessKey,
			S3SecretKey:    cfg.Gateway.S3SecretKey,
			Infrastructure: cfg.Gateway.Infrastructure,
		}
		hpc := execwrapper.NewHPCWrapper(gateway, telemetry, broker, disp, hpcCfg, logger)
		return driver.NewHPCBackend(gateway, cfg.Gateway.Infrastructure, hpc, disp, logger), nil
	default:
		return nil, fmt.Errorf("cluster-driver: unrecognized backend kind %q (want k8s or hpc)", kind)
	}
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
