package driver

import (
	"context"
	"sync"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/execwrapper"
	"github.com/serrano-project/orchestrator/internal/gatewayclient"
	"github.com/serrano-project/orchestrator/internal/logging"
)

// HPCBackend runs Kernel/FaaS bundles through the HPC gateway's
// stage-in/submit/poll/stage-out pipeline. It never applies Deployment-kind
// assignments: the Manager only ever routes FaaS-kind requests to an HPC
// cluster.
type HPCBackend struct {
	gateway        *gatewayclient.Client
	infrastructure string
	hpc            *execwrapper.HPCWrapper
	disp           *dispatcher.Dispatcher
	log            *logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewHPCBackend(gateway *gatewayclient.Client, infrastructure string, hpc *execwrapper.HPCWrapper, disp *dispatcher.Dispatcher, log *logging.Logger) *HPCBackend {
	return &HPCBackend{
		gateway:        gateway,
		infrastructure: infrastructure,
		hpc:            hpc,
		disp:           disp,
		log:            log,
		cancels:        make(map[string]context.CancelFunc),
	}
}

func (b *HPCBackend) Type() domain.ClusterType { return domain.ClusterHPC }

// ClusterInfo reports the HPC gateway's advertised services and the target
// infrastructure's partitions.
func (b *HPCBackend) ClusterInfo(ctx context.Context) (map[string]any, error) {
	services := b.gateway.Services(ctx)
	names := make([]string, 0, len(services))
	for _, s := range services {
		names = append(names, s.Name)
	}

	info := map[string]any{"services": names, "partitions": []gatewayclient.Partition{}}
	telemetry := b.gateway.Telemetry(ctx, b.infrastructure)
	if telemetry.Name != "" {
		info["name"] = telemetry.Name
		info["scheduler"] = telemetry.Scheduler
		info["partitions"] = telemetry.Partitions
	}
	return info, nil
}

func (b *HPCBackend) ApplyDeployment(ctx context.Context, assignmentUUID string, bundles []domain.Bundle) ([]domain.K8sParam, error) {
	return nil, apperrors.Validation("hpc backend does not support Deployment-kind assignments")
}

func (b *HPCBackend) TerminateDeployment(ctx context.Context, assignmentUUID string) error {
	return apperrors.Validation("hpc backend does not support Deployment-kind assignments")
}

// RunKernel drives the HPC ExecutionWrapper pipeline, cancellable at its
// next poll via CancelKernel.
func (b *HPCBackend) RunKernel(ctx context.Context, job execwrapper.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels[job.AssignmentUUID] = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.cancels, job.AssignmentUUID)
		b.mu.Unlock()
		cancel()
	}()

	b.hpc.Run(jobCtx, job)
}

func (b *HPCBackend) CancelKernel(assignmentUUID string) {
	b.mu.Lock()
	cancel, ok := b.cancels[assignmentUUID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
}
