package execwrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/brokerclient"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/logging"
	"github.com/serrano-project/orchestrator/internal/metrics"
	"github.com/serrano-project/orchestrator/internal/resilience"
	"github.com/serrano-project/orchestrator/internal/telemetryclient"
)

// vaccelMetricKeys is the fixed order vAccel prints its stage timings in,
// one "<label>: <n> ms" line per key after the "Load vAccel libraries"
// banner.
var vaccelMetricKeys = []string{
	"load_vaccel_libs_ms", "load_model_libs_ms", "read_input_from_backend_ms",
	"parse_model_ms", "parse_input_ms", "setup_vaccel_args_ms", "run_kernel_ms",
	"output_ms", "push_output_to_backend_ms", "total_ms",
}

// parseVAccelMetrics extracts the per-stage millisecond counters vAccel logs
// to stdout after a kernel invocation. A response that doesn't carry the
// banner yields an empty map rather than an error; metrics are best-effort.
func parseVAccelMetrics(body string) map[string]int64 {
	out := make(map[string]int64)
	marker := "Load vAccel libraries"
	idx := strings.Index(body, marker)
	if idx == -1 {
		return out
	}
	tail := body[idx+len(marker):]

	c := 0
	for _, line := range strings.Split(tail, "\n") {
		if c >= len(vaccelMetricKeys) {
			break
		}
		if !strings.Contains(line, " ms") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		value := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "ms"))
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		out[vaccelMetricKeys[c]] = n
		c++
	}
	return out
}

// FaaSWrapper invokes a single OpenFaaS-fronted vAccel kernel and reports
// its outcome. Unlike the HPC/gateway clients, the target endpoint is
// per-invocation (data_description.faas_endpoint), so this wrapper builds
// its own retrying HTTP client instead of wrapping a fixed base URL.
type FaaSWrapper struct {
	http      *http.Client
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	telemetry *telemetryclient.Client
	broker    brokerclient.Client
	disp      *dispatcher.Dispatcher
	log       *logging.Logger
}

func NewFaaSWrapper(telemetry *telemetryclient.Client, broker brokerclient.Client, disp *dispatcher.Dispatcher, log *logging.Logger) *FaaSWrapper {
	return &FaaSWrapper{
		http:      &http.Client{Timeout: 60 * time.Second},
		retry:     resilience.DefaultRetryConfig(),
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
		telemetry: telemetry,
		broker:    broker,
		disp:      disp,
		log:       log,
	}
}

// Run posts Job's data_description to its faas_endpoint, parses vAccel's
// counters from the response and records the outcome. Like HPCWrapper.Run,
// it never propagates a collaborator failure as an error: the Kernel
// request and telemetry counters absorb it instead.
func (w *FaaSWrapper) Run(ctx context.Context, job Job) {
	dd := job.Request.DataDescription
	endpoint, _ := dataDescriptionString(dd, "faas_endpoint")
	kernelMode, _ := dataDescriptionString(dd, "mode")
	totalSizeMB := dataDescriptionFloat(dd, "total_size_MB")

	deployedAt := time.Now()
	if err := w.disp.UpdateKernelRequestStatus(ctx, job.Request.RequestUUID, domain.KernelDeployed, domain.WriterDriver, "submitting execution request to OpenFaaS endpoint"); err != nil {
		w.log.WithError(err).WithField("request_uuid", job.Request.RequestUUID).Error("failed recording faas deploy")
	}

	start := time.Now()
	statusCode, respBody, err := w.invoke(ctx, endpoint, dd)
	metrics.ObserveStage("faas", "invoke", time.Since(start))

	completedAt := time.Now()
	success := err == nil && (statusCode == http.StatusOK || statusCode == http.StatusCreated)

	vaccel := map[string]int64{}
	if success {
		vaccel = parseVAccelMetrics(respBody)
	}

	metricLog := map[string]any{
		"uuid":                job.Request.RequestUUID,
		"kind":                "KernelMetrics",
		"deployment_mode":     "FaaS",
		"kernel_mode":         kernelMode,
		"cluster_uuid":        job.ClusterUUID,
		"kernel_name":         job.Request.KernelName,
		"input_total_size_MB": totalSizeMB,
		"deployed_at":         deployedAt.Unix(),
		"completed_at":        completedAt.Unix(),
		"metrics":             vaccel,
	}
	if err := w.telemetry.PostMetricLogs(ctx, []map[string]any{metricLog}); err != nil {
		w.log.WithError(err).Warn("failed forwarding faas kernel metrics")
	}

	next := domain.KernelFinished
	event := "faas invocation completed"
	if !success {
		next = domain.KernelFailed
		event = "faas invocation failed"
		w.resetResultsOnError(ctx, job.Request.RequestUUID)
	}
	if err := w.disp.UpdateKernelStatusWithTelemetry(ctx, job.Request.RequestUUID, next, domain.WriterDriver, event); err != nil {
		w.log.WithError(err).WithField("request_uuid", job.Request.RequestUUID).Error("failed recording faas completion")
	}
}

func (w *FaaSWrapper) invoke(ctx context.Context, endpoint string, dataDescription map[string]any) (int, string, error) {
	var statusCode int
	var body string

	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, w.retry, func(ctx context.Context) error {
			payload, err := json.Marshal(dataDescription)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := w.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			raw, _ := io.ReadAll(resp.Body)
			statusCode = resp.StatusCode
			body = string(raw)
			return nil
		})
	})
	if err != nil {
		return 0, "", apperrors.CollaboratorUnavailable("faas-endpoint", err)
	}
	return statusCode, body, nil
}

// resetResultsOnError publishes a null result so any SDK waiting on this
// request's results queue unblocks instead of hanging.
func (w *FaaSWrapper) resetResultsOnError(ctx context.Context, requestUUID string) {
	body, _ := json.Marshal(map[string]any{"uuid": requestUUID, "data": nil})
	publishResults(ctx, w.broker, requestUUID, body)
}
