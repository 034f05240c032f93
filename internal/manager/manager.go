// Package manager reacts to API-originated Deployment, Kernel and
// StoragePolicy submissions: it asks the placement oracle where to run
// them, then materializes the Bundles and Assignments a cluster Driver
// will pick up.
package manager

import (
	"context"
	"time"

	"github.com/serrano-project/orchestrator/internal/cache"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/logging"
	"github.com/serrano-project/orchestrator/internal/rotclient"
	"github.com/serrano-project/orchestrator/internal/securestorageclient"
)

// Config holds the Manager's tunables.
type Config struct {
	ActiveClusterWindow time.Duration
	PollInterval        time.Duration
}

func DefaultConfig() Config {
	return Config{ActiveClusterWindow: 10 * time.Minute, PollInterval: 10 * time.Second}
}

// Service watches Deployment/Kernel/StoragePolicy submissions and drives
// them through ROT placement to materialized Bundles/Assignments.
type Service struct {
	store   kvstore.Store
	disp    *dispatcher.Dispatcher
	rot     rotclient.Client
	storage *securestorageclient.Client
	corr    *cache.Cache
	cfg     Config
	log     *logging.Logger

	watches []kvstore.WatchHandle
	stop    chan struct{}
	done    chan struct{}
}

func NewService(store kvstore.Store, disp *dispatcher.Dispatcher, rot rotclient.Client, storage *securestorageclient.Client, corr *cache.Cache, cfg Config, log *logging.Logger) *Service {
	return &Service{
		store:   store,
		disp:    disp,
		rot:     rot,
		storage: storage,
		corr:    corr,
		cfg:     cfg,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Service) Name() string { return "manager" }

// Start subscribes the Deployment/Kernel/StoragePolicy prefix watches and
// begins draining asynchronous ROT responses.
func (s *Service) Start(ctx context.Context) error {
	prefixes := []string{
		kvstore.DeploymentsPrefix(),
		kvstore.KernelsPrefix(),
		kvstore.StoragePoliciesPrefix(),
	}
	for _, prefix := range prefixes {
		prefix := prefix
		h, err := s.store.Watch(ctx, prefix, s.onEvent)
		if err != nil {
			return err
		}
		s.watches = append(s.watches, h)
	}

	go s.drainResults(ctx)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	for _, h := range s.watches {
		_ = h.Close()
	}
	close(s.stop)
	return nil
}

// onEvent filters to API-originated writes and dispatches by key prefix.
func (s *Service) onEvent(ctx context.Context, ev kvstore.Event) error {
	if ev.Type != kvstore.EventPut || ev.UpdatedBy != string(domain.WriterAPI) {
		return nil
	}

	switch {
	case hasPrefix(ev.Key, kvstore.DeploymentsPrefix()):
		return s.handleDeploymentSubmitted(ctx, ev)
	case hasPrefix(ev.Key, kvstore.KernelsPrefix()):
		return s.handleKernelSubmitted(ctx, ev)
	case hasPrefix(ev.Key, kvstore.StoragePoliciesPrefix()):
		return s.handleStoragePolicySubmitted(ctx, ev)
	}
	return nil
}

func hasPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

// drainResults reads every asynchronous ROT response and routes it back to
// whichever flow started the correlated request.
func (s *Service) drainResults(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case res := <-s.rot.Results():
			if err := s.handleExecutionResult(ctx, res); err != nil {
				s.log.WithError(err).WithField("execution_uuid", res.ExecutionUUID).Error("failed handling rot response")
			}
		}
	}
}

func (s *Service) handleExecutionResult(ctx context.Context, res rotclient.ExecutionResult) error {
	var pending pendingRequest
	if err := s.corr.Get(ctx, res.ExecutionUUID, &pending); err != nil {
		s.log.WithField("execution_uuid", res.ExecutionUUID).Warn("no correlated request for rot response")
		return nil
	}

	switch pending.Kind {
	case pendingDeployment:
		return s.onDeploymentResult(ctx, pending, res)
	case pendingKernel:
		return s.onKernelResult(ctx, pending, res)
	case pendingStoragePolicy:
		return s.onStoragePolicyResult(ctx, pending, res)
	}
	return nil
}
