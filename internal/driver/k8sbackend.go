package driver

import (
	"context"
	"sync"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/cache"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/execwrapper"
	"github.com/serrano-project/orchestrator/internal/logging"
	"github.com/serrano-project/orchestrator/internal/metrics"
)

// appliedResource is one backend object an assignment materialized,
// durable in the resource cache so a restarted Driver can still terminate
// it.
type appliedResource struct {
	BundleUUID string `json:"bundle_uuid"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
}

const deployNamespace = "integration"

// K8sBackend materializes Bundle documents against a Kubernetes API server
// and runs Kernel/FaaS bundles through the FaaS ExecutionWrapper, keeping
// long-running application deployments and one-shot kernel invocations on
// separate paths since they have different lifecycles.
type K8sBackend struct {
	rest  *k8sRESTClient
	disp  *dispatcher.Dispatcher
	cache *cache.Cache
	faas  *execwrapper.FaaSWrapper
	log   *logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewK8sBackend(cfg K8sConfig, disp *dispatcher.Dispatcher, resourceCache *cache.Cache, faas *execwrapper.FaaSWrapper, log *logging.Logger) *K8sBackend {
	return &K8sBackend{
		rest:    newK8sRESTClient(cfg),
		disp:    disp,
		cache:   resourceCache,
		faas:    faas,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (b *K8sBackend) Type() domain.ClusterType { return domain.ClusterK8s }

func (b *K8sBackend) ClusterInfo(ctx context.Context) (map[string]any, error) {
	nodes, err := b.rest.listNodes(ctx)
	if err != nil {
		return nil, apperrors.CollaboratorUnavailable("k8s-api-server", err)
	}
	info := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		meta, _ := n["metadata"].(map[string]any)
		info = append(info, map[string]any{
			"name":   meta["name"],
			"labels": meta["labels"],
		})
	}
	return map[string]any{"nodes": info}, nil
}

// ApplyDeployment applies every document of every bundle. Documents within a
// bundle are not ordered (e.g. ConfigMap before Deployment); these doc kinds
// don't depend on each other's existence within the same apply pass.
func (b *K8sBackend) ApplyDeployment(ctx context.Context, assignmentUUID string, bundles []domain.Bundle) ([]domain.K8sParam, error) {
	var resources []appliedResource
	var params []domain.K8sParam
	anyFailed := false

	for _, bundle := range bundles {
		pending := len(bundle.Description)
		var bundleResources []appliedResource

		for name, raw := range bundle.Description {
			tree, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			kind, _ := tree["kind"].(string)

			var err error
			switch kind {
			case "ConfigMap":
				err = b.rest.applyConfigMap(ctx, tree, name)
			case "PersistentVolume":
				err = b.rest.applyPersistentVolume(ctx, tree, name)
			case "PersistentVolumeClaim":
				err = b.rest.applyPersistentVolumeClaim(ctx, tree, name)
			case "Deployment":
				_, err = b.rest.applyDeployment(ctx, tree, name)
				if err == nil {
					bundleResources = append(bundleResources, appliedResource{BundleUUID: bundle.BundleUUID, Kind: kind, Name: name})
				}
			default:
				b.log.WithField("kind", kind).Warn("unrecognized bundle document kind, skipping")
				continue
			}

			outcome := "success"
			if err != nil {
				outcome = "failed"
				b.log.WithError(err).WithField("name", name).Error("failed applying bundle document")
			}
			metrics.DriverBundleApply.WithLabelValues(kind, outcome).Inc()
			if err != nil {
				continue
			}
			pending--
		}

		if pending > 0 {
			anyFailed = true
			if err := b.disp.UpdateBundleStatus(ctx, bundle.BundleUUID, domain.BundleFailed, domain.WriterDriver, "unable to successfully execute all bundle descriptions"); err != nil {
				b.log.WithError(err).Error("failed recording bundle failure")
			}
			continue
		}

		if err := b.disp.UpdateBundleStatus(ctx, bundle.BundleUUID, domain.BundleSuccessful, domain.WriterDriver, "successfully executed all bundle descriptions"); err != nil {
			b.log.WithError(err).Error("failed recording bundle success")
		}
		resources = append(resources, bundleResources...)

		workerNode := ""
		if bundle.GroupID != "" {
			if node, err := b.rest.podNodeByLabel(ctx, "group_id="+bundle.GroupID); err == nil {
				workerNode = node
			}
		}
		for _, r := range bundleResources {
			params = append(params, domain.K8sParam{
				Kind:       r.Kind,
				Name:       r.Name,
				WorkerNode: workerNode,
				Params:     map[string]any{"bundle_uuid": r.BundleUUID, "namespace": deployNamespace},
			})
		}
	}

	if err := b.cache.Set(ctx, resourceCacheKey(assignmentUUID), resources, 0); err != nil {
		b.log.WithError(err).Warn("failed persisting assignment resource cache")
	}

	if anyFailed {
		return params, apperrors.Integrity("assignment not executed successfully", nil)
	}
	return params, nil
}

func (b *K8sBackend) TerminateDeployment(ctx context.Context, assignmentUUID string) error {
	var resources []appliedResource
	if err := b.cache.Get(ctx, resourceCacheKey(assignmentUUID), &resources); err != nil {
		return nil
	}
	for _, r := range resources {
		if r.Kind != "Deployment" {
			continue
		}
		if err := b.rest.deleteDeployment(ctx, r.Name); err != nil {
			b.log.WithError(err).WithField("name", r.Name).Error("failed deleting k8s deployment")
		}
	}
	return b.cache.Delete(ctx, resourceCacheKey(assignmentUUID))
}

// RunKernel invokes the FaaS ExecutionWrapper for a k8s cluster's vAccel
// kernel bundles, cancellable via CancelKernel.
func (b *K8sBackend) RunKernel(ctx context.Context, job execwrapper.Job) {
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

	b.faas.Run(jobCtx, job)
}

func (b *K8sBackend) CancelKernel(assignmentUUID string) {
	b.mu.Lock()
	cancel, ok := b.cancels[assignmentUUID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

func resourceCacheKey(assignmentUUID string) string { return "resources:" + assignmentUUID }
