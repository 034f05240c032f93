package execwrapper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serrano-project/orchestrator/internal/brokerclient"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/gatewayclient"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/logging"
	"github.com/serrano-project/orchestrator/internal/telemetryclient"
)

type noopNotifier struct{}

func (noopNotifier) NotifyAnomalyDetector(ctx context.Context, deploymentUUID string, workerNodes []string) error {
	return nil
}

func (noopNotifier) PostMetricLogs(ctx context.Context, logs []map[string]any) error {
	return nil
}

func (noopNotifier) DropDeployment(ctx context.Context, deploymentUUID string) error {
	return nil
}

func (noopNotifier) PutKernelDeploymentCounter(ctx context.Context, clusterUUID, kernelMode string, counterDiff int) error {
	return nil
}

func testDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return dispatcher.New(store, noopNotifier{}, logging.NewDefault("test"), 0.5)
}

// seedKernelJob creates the KernelRequest/Bundle/Assignment trio a real
// Manager placement would have left behind before a wrapper ever runs,
// since UpdateAssignmentStatus and UpdateKernelRequestStatus both require
// their target record to already exist.
func seedKernelJob(t *testing.T, disp *dispatcher.Dispatcher) Job {
	t.Helper()
	ctx := context.Background()

	kr, err := disp.SubmitKernelRequest(ctx, domain.KernelRequest{
		KernelName: "vaccel-matmul",
		DataDescription: map[string]any{
			"bucket_id":     "bucket-a",
			"arguments":     []interface{}{"input.json"},
			"total_size_MB": 1.5,
		},
	})
	require.NoError(t, err)

	bundle, err := disp.CreateBundle(ctx, domain.Bundle{Description: map[string]any{}})
	require.NoError(t, err)

	a, err := disp.CreateAssignment(ctx, domain.Assignment{
		ClusterUUID: "cluster-1",
		Kind:        "Kernel",
		ParentUUID:  kr.RequestUUID,
		BundleUUIDs: []string{bundle.BundleUUID},
	})
	require.NoError(t, err)

	return Job{Request: kr, ClusterUUID: "cluster-1", AssignmentUUID: a.AssignmentUUID, BundleUUID: bundle.BundleUUID}
}

// alwaysCompletedGateway answers every stage-in/submit/stage-out call with
// an immediate "completed" status, so HPCWrapper.Run's poll loops resolve
// on their first check.
func alwaysCompletedGateway(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && (r.URL.Path == "/s3_data" || r.URL.Path == "/job" || r.URL.Path == "/s3_result"):
			json.NewEncoder(w).Encode(map[string]string{"id": "handle-1"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"status": "completed"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestHPCWrapper_Run_HappyPathMarksAssignmentDeployed(t *testing.T) {
	srv := alwaysCompletedGateway(t)
	defer srv.Close()

	disp := testDispatcher(t)
	job := seedKernelJob(t, disp)

	broker := brokerclient.NewMemoryClient()
	var received []byte
	_, err := broker.Subscribe(context.Background(), job.Request.RequestUUID, func(ctx context.Context, body []byte) error {
		received = body
		return nil
	})
	require.NoError(t, err)

	telemetrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer telemetrySrv.Close()

	wrapper := NewHPCWrapper(gatewayclient.New(srv.URL), telemetryclient.New(telemetrySrv.URL), broker, disp, HPCConfig{Infrastructure: "infra-1"}, logging.NewDefault("test"))
	wrapper.Run(context.Background(), job)

	a, err := disp.GetAssignment(context.Background(), job.ClusterUUID, job.AssignmentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.AssignmentDeployed, a.Status)

	kr, err := disp.GetKernelRequest(context.Background(), job.Request.RequestUUID)
	require.NoError(t, err)
	require.Equal(t, domain.KernelDeployed, kr.Status)

	require.NotEmpty(t, received)
}

func TestHPCWrapper_Run_StageInFailureMarksAssignmentFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	disp := testDispatcher(t)
	job := seedKernelJob(t, disp)
	broker := brokerclient.NewMemoryClient()

	gateway := gatewayclient.New(srv.URL)
	wrapper := NewHPCWrapper(gateway, telemetryclient.New("http://127.0.0.1:1"), broker, disp, HPCConfig{Infrastructure: "infra-1"}, logging.NewDefault("test"))
	wrapper.Run(context.Background(), job)

	a, err := disp.GetAssignment(context.Background(), job.ClusterUUID, job.AssignmentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.AssignmentFailed, a.Status)

	bundle, err := disp.GetBundle(context.Background(), job.BundleUUID)
	require.NoError(t, err)
	require.Equal(t, domain.BundleHPCDataToGatewayFailed, bundle.Status)
}

func TestHPCWrapper_Run_NoArgumentsSkipsStageInAndSucceeds(t *testing.T) {
	srv := alwaysCompletedGateway(t)
	defer srv.Close()

	disp := testDispatcher(t)
	ctx := context.Background()

	kr, err := disp.SubmitKernelRequest(ctx, domain.KernelRequest{KernelName: "vaccel-noop"})
	require.NoError(t, err)
	bundle, err := disp.CreateBundle(ctx, domain.Bundle{Description: map[string]any{}})
	require.NoError(t, err)
	a, err := disp.CreateAssignment(ctx, domain.Assignment{ClusterUUID: "cluster-1", Kind: "Kernel", ParentUUID: kr.RequestUUID, BundleUUIDs: []string{bundle.BundleUUID}})
	require.NoError(t, err)
	job := Job{Request: kr, ClusterUUID: "cluster-1", AssignmentUUID: a.AssignmentUUID, BundleUUID: bundle.BundleUUID}

	broker := brokerclient.NewMemoryClient()
	wrapper := NewHPCWrapper(gatewayclient.New(srv.URL), telemetryclient.New("http://127.0.0.1:1"), broker, disp, HPCConfig{Infrastructure: "infra-1"}, logging.NewDefault("test"))
	wrapper.Run(ctx, job)

	got, err := disp.GetAssignment(ctx, "cluster-1", a.AssignmentUUID)
	require.NoError(t, err)
	require.Equal(t, domain.AssignmentDeployed, got.Status)
}

func TestFaaSWrapper_Run_SuccessParsesVAccelMetricsAndFinishesKernel(t *testing.T) {
	body := "banner\nLoad vAccel libraries\nload_vaccel_libs_ms: 5 ms\nload_model_libs_ms: 3 ms\nread_input_from_backend_ms: 2 ms\nparse_model_ms: 1 ms\nparse_input_ms: 1 ms\nsetup_vaccel_args_ms: 1 ms\nrun_kernel_ms: 42 ms\noutput_ms: 1 ms\npush_output_to_backend_ms: 1 ms\ntotal_ms: 57 ms\n"
	faasSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer faasSrv.Close()

	disp := testDispatcher(t)
	ctx := context.Background()
	kr, err := disp.SubmitKernelRequest(ctx, domain.KernelRequest{
		KernelName:      "vaccel-matmul",
		DataDescription: map[string]any{"faas_endpoint": faasSrv.URL, "mode": "sync"},
	})
	require.NoError(t, err)

	telemetrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer telemetrySrv.Close()

	broker := brokerclient.NewMemoryClient()
	wrapper := NewFaaSWrapper(telemetryclient.New(telemetrySrv.URL), broker, disp, logging.NewDefault("test"))
	job := Job{Request: kr, ClusterUUID: "cluster-1", AssignmentUUID: "a-1", BundleUUID: "b-1"}
	wrapper.Run(ctx, job)

	got, err := disp.GetKernelRequest(ctx, kr.RequestUUID)
	require.NoError(t, err)
	require.Equal(t, domain.KernelFinished, got.Status)
}

func TestFaaSWrapper_Run_FailureResetsResultsAndFailsKernel(t *testing.T) {
	faasSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer faasSrv.Close()

	disp := testDispatcher(t)
	ctx := context.Background()
	kr, err := disp.SubmitKernelRequest(ctx, domain.KernelRequest{
		KernelName:      "vaccel-matmul",
		DataDescription: map[string]any{"faas_endpoint": faasSrv.URL},
	})
	require.NoError(t, err)

	broker := brokerclient.NewMemoryClient()
	var mu sync.Mutex
	var received []byte
	_, err = broker.Subscribe(ctx, kr.RequestUUID, func(ctx context.Context, body []byte) error {
		mu.Lock()
		received = body
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	wrapper := NewFaaSWrapper(telemetryclient.New("http://127.0.0.1:1"), broker, disp, logging.NewDefault("test"))
	wrapper.Run(ctx, Job{Request: kr, ClusterUUID: "cluster-1", AssignmentUUID: "a-1", BundleUUID: "b-1"})

	got, err := disp.GetKernelRequest(ctx, kr.RequestUUID)
	require.NoError(t, err)
	require.Equal(t, domain.KernelFailed, got.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, string(received), `"data":null`)
}

func TestParseVAccelMetrics_NoBannerYieldsEmptyMap(t *testing.T) {
	require.Empty(t, parseVAccelMetrics("no metrics here"))
}

func TestParseVAccelMetrics_ParsesFixedOrderCounters(t *testing.T) {
	body := "Load vAccel libraries\nload_vaccel_libs_ms: 10 ms\nload_model_libs_ms: 20 ms\n"
	got := parseVAccelMetrics(body)
	require.Equal(t, int64(10), got["load_vaccel_libs_ms"])
	require.Equal(t, int64(20), got["load_model_libs_ms"])
}

func TestResultsEnvelopes_BuildsDurableAndPerRequestQueues(t *testing.T) {
	envs := resultsEnvelopes("req-1", []byte(`{}`))
	require.Len(t, envs, 2)
	require.Equal(t, "kernels_results_req-1", envs[0].Queue)
	require.Equal(t, "req-1", envs[1].Queue)
	require.True(t, envs[0].Durable)
	require.True(t, envs[1].Durable)
}
