package execwrapper

import (
	"context"
	"fmt"
	"time"

	"github.com/serrano-project/orchestrator/internal/brokerclient"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/gatewayclient"
	"github.com/serrano-project/orchestrator/internal/logging"
	"github.com/serrano-project/orchestrator/internal/metrics"
	"github.com/serrano-project/orchestrator/internal/telemetryclient"
)

// HPCConfig is the per-cluster HPC gateway/S3 wiring a Driver hands its
// ExecutionWrappers.
type HPCConfig struct {
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	Infrastructure string
}

// HPCWrapper runs one Kernel request's HPC pipeline to completion:
// stage-in, submit, poll, stage-out, notify.
type HPCWrapper struct {
	gateway   *gatewayclient.Client
	telemetry *telemetryclient.Client
	broker    brokerclient.Client
	disp      *dispatcher.Dispatcher
	cfg       HPCConfig
	log       *logging.Logger
}

func NewHPCWrapper(gateway *gatewayclient.Client, telemetry *telemetryclient.Client, broker brokerclient.Client, disp *dispatcher.Dispatcher, cfg HPCConfig, log *logging.Logger) *HPCWrapper {
	return &HPCWrapper{gateway: gateway, telemetry: telemetry, broker: broker, disp: disp, cfg: cfg, log: log}
}

// Run drives Job through the HPC gateway. It never returns an error for a
// collaborator failure: every stage reports its own outcome through the
// Dispatcher and the results broker, matching how a Driver's worker pool
// keeps running after one job fails.
func (w *HPCWrapper) Run(ctx context.Context, job Job) {
	dd := job.Request.DataDescription
	bucket, _ := dataDescriptionString(dd, "bucket_id")
	arguments := dataDescriptionStrings(dd, "arguments")
	totalSizeMB := dataDescriptionFloat(dd, "total_size_MB")

	deployedAt := time.Now()
	stageStart := deployedAt

	if !w.moveDataToHPC(ctx, job, bucket, arguments) {
		w.fail(ctx, job, 0)
		return
	}
	moveDataSecs := time.Since(stageStart)
	metrics.ObserveStage("hpc", "stage_in", moveDataSecs)

	stageStart = time.Now()
	jobID, ok := w.submitJob(ctx, job, bucket, arguments)
	if !ok {
		w.fail(ctx, job, 0)
		return
	}

	if !w.awaitExecution(ctx, job, jobID) {
		w.fail(ctx, job, 0)
		return
	}
	executionSecs := time.Since(stageStart)
	metrics.ObserveStage("hpc", "execution", executionSecs)

	stageStart = time.Now()
	if !w.moveResultsFromHPC(ctx, job, bucket) {
		w.fail(ctx, job, 0)
		return
	}
	resultsSecs := time.Since(stageStart)
	metrics.ObserveStage("hpc", "stage_out", resultsSecs)

	completedAt := time.Now()
	if err := w.disp.AddAssignmentLog(ctx, job.ClusterUUID, job.AssignmentUUID, domain.AssignmentDeployed, "kernel assignment executed successfully"); err != nil {
		w.log.WithError(err).WithField("request_uuid", job.Request.RequestUUID).Error("failed recording assignment deployed")
	}

	metricLog := map[string]any{
		"uuid":               job.Request.RequestUUID,
		"kind":               "KernelMetrics",
		"deployment_mode":    "FaaS",
		"kernel_mode":        "HPC",
		"cluster_uuid":       job.ClusterUUID,
		"kernel_name":        job.Request.KernelName,
		"input_total_size_MB": totalSizeMB,
		"deployed_at":        deployedAt.Unix(),
		"completed_at":       completedAt.Unix(),
		"metrics": map[string]int64{
			"move_data_to_hpc_secs":      int64(moveDataSecs.Seconds()),
			"hpc_job_execution_secs":     int64(executionSecs.Seconds()),
			"move_results_from_hpc_secs": int64(resultsSecs.Seconds()),
		},
	}
	if err := w.telemetry.PostMetricLogs(ctx, []map[string]any{metricLog}); err != nil {
		w.log.WithError(err).Warn("failed forwarding hpc kernel metrics")
	}

	w.notifySDK(ctx, job, 1)
}

func (w *HPCWrapper) fail(ctx context.Context, job Job, status int) {
	if err := w.disp.AddAssignmentLog(ctx, job.ClusterUUID, job.AssignmentUUID, domain.AssignmentFailed, "related bundle failed"); err != nil {
		w.log.WithError(err).WithField("request_uuid", job.Request.RequestUUID).Error("failed recording assignment failure")
	}
	w.notifySDK(ctx, job, status)
}

func (w *HPCWrapper) notifySDK(ctx context.Context, job Job, status int) {
	body := fmt.Sprintf(`{"request_uuid":%q,"status":%d}`, job.Request.RequestUUID, status)
	publishResults(ctx, w.broker, job.Request.RequestUUID, []byte(body))
}

func (w *HPCWrapper) updateBundle(ctx context.Context, job Job, next domain.BundleStatus, event string) {
	if err := w.disp.UpdateBundleStatus(ctx, job.BundleUUID, next, domain.WriterDriver, event); err != nil {
		w.log.WithError(err).WithField("bundle_uuid", job.BundleUUID).Error("failed updating bundle status")
	}
}

// moveDataToHPC stages every argument object from the job's bucket into the
// HPC site, one S3 copy per argument (original pipeline: one `__move_data_to_hpc`
// request per entry in data_description.arguments).
func (w *HPCWrapper) moveDataToHPC(ctx context.Context, job Job, bucket string, arguments []string) bool {
	for _, objectName := range arguments {
		w.updateBundle(ctx, job, domain.BundleHPCDataToGatewayRequested, "moving data to HPC gateway - requested")

		id, err := w.gateway.StageIn(ctx, bucket, objectName)
		if err != nil {
			w.updateBundle(ctx, job, domain.BundleHPCDataToGatewayFailed, "unable to move data to HPC gateway: "+err.Error())
			return false
		}

		completed, err := w.pollTransfer(ctx, func(ctx context.Context) (gatewayclient.TransferStatus, error) {
			return w.gateway.StageInStatus(ctx, id)
		})
		if err != nil || !completed {
			w.updateBundle(ctx, job, domain.BundleHPCDataToGatewayFailed, "moving data to HPC gateway - failed")
			return false
		}
		w.updateBundle(ctx, job, domain.BundleHPCDataToGatewayCompleted, "moving data to HPC gateway - completed")
	}
	return true
}

func (w *HPCWrapper) submitJob(ctx context.Context, job Job, bucket string, arguments []string) (string, bool) {
	w.updateBundle(ctx, job, domain.BundleHPCExecutionRequesting, "submitting execution request to HPC gateway")

	services := []string{job.Request.KernelName}
	infra := map[string]any{"name": w.cfg.Infrastructure}
	params := map[string]any{
		"bucket_id": bucket,
		"arguments": arguments,
		"kernel":    job.Request.KernelName,
	}

	jobID, err := w.gateway.SubmitJob(ctx, services, infra, params)
	if err != nil {
		w.updateBundle(ctx, job, domain.BundleHPCExecutionFailed, "unable to submit execution request to HPC gateway: "+err.Error())
		return "", false
	}
	w.updateBundle(ctx, job, domain.BundleHPCExecutionSubmitted, "execution request is submitted to HPC gateway")
	return jobID, true
}

func (w *HPCWrapper) awaitExecution(ctx context.Context, job Job, jobID string) bool {
	completed, err := w.pollTransfer(ctx, func(ctx context.Context) (gatewayclient.TransferStatus, error) {
		return w.gateway.JobStatus(ctx, jobID)
	})
	if err != nil || !completed {
		w.updateBundle(ctx, job, domain.BundleHPCExecutionFailed, "execution in HPC failed")
		return false
	}
	w.updateBundle(ctx, job, domain.BundleHPCExecutionCompleted, "execution in HPC is completed")
	return true
}

func (w *HPCWrapper) moveResultsFromHPC(ctx context.Context, job Job, bucket string) bool {
	resultsFilename := fmt.Sprintf("results_req_%s", job.Request.RequestUUID)
	id, err := w.gateway.StageOut(ctx, resultsFilename)
	if err != nil {
		w.updateBundle(ctx, job, domain.BundleHPCResultsTransferFailed, "unable to get results from HPC gateway: "+err.Error())
		return false
	}

	completed, err := w.pollTransfer(ctx, func(ctx context.Context) (gatewayclient.TransferStatus, error) {
		return w.gateway.StageOutStatus(ctx, id)
	})
	if err != nil || !completed {
		w.updateBundle(ctx, job, domain.BundleHPCResultsTransferFailed, "moving results from HPC gateway - failed")
		return false
	}
	w.updateBundle(ctx, job, domain.BundleHPCResultsTransferComplete, "moving results from HPC gateway - completed")
	return true
}

// pollTransfer repeats statusFn until it reports a terminal state or ctx is
// cancelled, mirroring the original pipeline's tight poll loop but yielding
// to context cancellation instead of blocking forever.
func (w *HPCWrapper) pollTransfer(ctx context.Context, statusFn func(context.Context) (gatewayclient.TransferStatus, error)) (bool, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		st, err := statusFn(ctx)
		if err != nil {
			return false, err
		}
		switch st {
		case gatewayclient.StatusCompleted:
			return true, nil
		case gatewayclient.StatusFailed:
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
