package driver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/execwrapper"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/logging"
)

// Config holds the Driver's tunables.
type Config struct {
	ClusterUUID      string
	HeartbeatCron    string // robfig/cron schedule expression
}

func DefaultConfig(clusterUUID string) Config {
	return Config{ClusterUUID: clusterUUID, HeartbeatCron: "@every 10s"}
}

// assignmentKind remembers what a watched assignment is, so a Delete event
// (which carries no value, only a key) still knows whether to terminate a
// deployment or cancel a kernel job.
type assignmentKind struct {
	clusterUUID string
	kind        string
}

// Service is the per-cluster Driver agent: it registers its cluster,
// hydrates in-flight assignments on startup, watches for new ones the
// Manager places, and heartbeats on a schedule.
type Service struct {
	backend Backend
	disp    *dispatcher.Dispatcher
	store   kvstore.Store
	cfg     Config
	log     *logging.Logger

	cron  *cron.Cron
	watch kvstore.WatchHandle

	mu    sync.Mutex
	kinds map[string]assignmentKind // assignmentUUID -> kind, populated on apply/hydrate
}

func NewService(backend Backend, disp *dispatcher.Dispatcher, store kvstore.Store, cfg Config, log *logging.Logger) *Service {
	return &Service{
		backend: backend,
		disp:    disp,
		store:   store,
		cfg:     cfg,
		log:     log,
		kinds:   make(map[string]assignmentKind),
	}
}

func (s *Service) Name() string { return "driver-" + s.cfg.ClusterUUID }

// Start registers the cluster, hydrates any assignments already present
// from a prior run (crash recovery), begins watching for new ones and
// starts the heartbeat.
func (s *Service) Start(ctx context.Context) error {
	info, err := s.backend.ClusterInfo(ctx)
	if err != nil {
		return err
	}
	if err := s.disp.RegisterCluster(ctx, domain.Cluster{
		ClusterUUID: s.cfg.ClusterUUID,
		Type:        s.backend.Type(),
		Info:        info,
	}); err != nil {
		return err
	}

	if err := s.hydrate(ctx); err != nil {
		return err
	}

	h, err := s.store.Watch(ctx, kvstore.ClusterAssignmentsPrefix(s.cfg.ClusterUUID), s.onEvent)
	if err != nil {
		return err
	}
	s.watch = h

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.HeartbeatCron, func() {
		if err := s.disp.Heartbeat(context.Background(), s.cfg.ClusterUUID); err != nil {
			s.log.WithError(err).Warn("failed refreshing cluster heartbeat")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.watch != nil {
		_ = s.watch.Close()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return nil
}

// hydrate re-applies every assignment already present at startup, so a
// Driver restarted mid-deployment picks back up rather than waiting for the
// Manager to write again.
func (s *Service) hydrate(ctx context.Context) error {
	assignments, err := s.disp.ListClusterAssignments(ctx, s.cfg.ClusterUUID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		a := a
		s.rememberKind(a)
		if a.Status == domain.AssignmentDeployed || a.Status == domain.AssignmentTerminated || a.Status == domain.AssignmentFailed {
			continue
		}
		go s.dispatchAssignment(ctx, a)
	}
	return nil
}

// onEvent filters to Manager-originated writes: a Driver never reacts to
// its own prior writes on the same key.
func (s *Service) onEvent(ctx context.Context, ev kvstore.Event) error {
	switch ev.Type {
	case kvstore.EventPut:
		if ev.UpdatedBy != string(domain.WriterManager) {
			return nil
		}
		var a domain.Assignment
		if err := json.Unmarshal(ev.Value, &a); err != nil {
			s.log.WithError(err).WithField("key", ev.Key).Error("skipping malformed assignment event")
			return nil
		}
		s.rememberKind(a)
		go s.dispatchAssignment(ctx, a)

	case kvstore.EventDelete:
		assignmentUUID := lastPathSegment(ev.Key)
		kind, ok := s.forgetKind(assignmentUUID)
		if !ok {
			return nil
		}
		go s.handleTermination(ctx, assignmentUUID, kind)
	}
	return nil
}

func (s *Service) rememberKind(a domain.Assignment) {
	s.mu.Lock()
	s.kinds[a.AssignmentUUID] = assignmentKind{clusterUUID: a.ClusterUUID, kind: a.Kind}
	s.mu.Unlock()
}

func (s *Service) forgetKind(assignmentUUID string) (assignmentKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kinds[assignmentUUID]
	if ok {
		delete(s.kinds, assignmentUUID)
	}
	return k, ok
}

// dispatchAssignment materializes a Deployment-kind assignment's bundles or
// launches a Kernel/FaaS job, keeping the two on separate code paths since
// they have different lifecycles and failure handling.
func (s *Service) dispatchAssignment(ctx context.Context, a domain.Assignment) {
	switch a.Kind {
	case "Deployment":
		s.applyDeployment(ctx, a)
	case "Kernel", "FaaS":
		s.runKernel(ctx, a)
	default:
		s.log.WithField("kind", a.Kind).Warn("assignment has unrecognized kind, ignoring")
	}
}

func (s *Service) applyDeployment(ctx context.Context, a domain.Assignment) {
	bundles := make([]domain.Bundle, 0, len(a.BundleUUIDs))
	for _, bundleUUID := range a.BundleUUIDs {
		b, err := s.disp.GetBundle(ctx, bundleUUID)
		if err != nil {
			s.log.WithError(err).WithField("bundle_uuid", bundleUUID).Error("failed loading bundle for assignment")
			continue
		}
		bundles = append(bundles, b)
	}

	params, err := s.backend.ApplyDeployment(ctx, a.AssignmentUUID, bundles)
	next := domain.AssignmentDeployed
	event := "deployment assignment applied"
	if err != nil {
		next = domain.AssignmentFailed
		event = "deployment assignment failed: " + err.Error()
	}
	if err := s.disp.AddAssignmentLog(ctx, a.ClusterUUID, a.AssignmentUUID, next, event); err != nil {
		s.log.WithError(err).Error("failed recording assignment outcome")
	}
	if len(params) > 0 {
		if err := s.disp.PutAssignmentMonitoringData(ctx, a.ParentUUID, domain.ClusterMonitoring{
			ClusterUUID:    a.ClusterUUID,
			AssignmentUUID: a.AssignmentUUID,
			K8sParams:      params,
		}); err != nil {
			s.log.WithError(err).Error("failed recording assignment monitoring data")
		}
	}
}

func (s *Service) runKernel(ctx context.Context, a domain.Assignment) {
	if len(a.BundleUUIDs) == 0 {
		s.log.WithField("assignment_uuid", a.AssignmentUUID).Error("kernel assignment has no bundle")
		return
	}
	b, err := s.disp.GetBundle(ctx, a.BundleUUIDs[0])
	if err != nil {
		s.log.WithError(err).WithField("bundle_uuid", a.BundleUUIDs[0]).Error("failed loading kernel bundle")
		return
	}
	kr, err := s.disp.GetKernelRequest(ctx, a.ParentUUID)
	if err != nil {
		s.log.WithError(err).WithField("request_uuid", a.ParentUUID).Error("failed loading kernel request")
		return
	}

	if err := s.disp.AddAssignmentLog(ctx, a.ClusterUUID, a.AssignmentUUID, domain.AssignmentInDeploy, "kernel execution starting"); err != nil {
		s.log.WithError(err).Error("failed recording assignment in-deployment")
	}

	s.backend.RunKernel(ctx, execwrapper.Job{
		Request:        kr,
		ClusterUUID:    a.ClusterUUID,
		AssignmentUUID: a.AssignmentUUID,
		BundleUUID:     b.BundleUUID,
	})

	if err := s.disp.AddAssignmentLog(ctx, a.ClusterUUID, a.AssignmentUUID, domain.AssignmentDeployed, "kernel execution finished"); err != nil {
		s.log.WithError(err).Error("failed recording assignment completion")
	}
}

// handleTermination reacts to an assignment key's deletion, the Driver's
// signal to tear down the backend resources it materialized.
func (s *Service) handleTermination(ctx context.Context, assignmentUUID string, k assignmentKind) {
	switch k.kind {
	case "Deployment":
		if err := s.backend.TerminateDeployment(ctx, assignmentUUID); err != nil {
			s.log.WithError(err).WithField("assignment_uuid", assignmentUUID).Error("failed terminating deployment assignment")
		}
	case "Kernel", "FaaS":
		s.backend.CancelKernel(assignmentUUID)
	}
}

func lastPathSegment(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}
