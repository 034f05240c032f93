// Package apifacade exposes the orchestrator's HTTP surface: the system of
// record for Deployment/Kernel/StoragePolicy submission, Driver log
// ingestion, and the dashboard/Grafana read views.
package apifacade

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/dispatcher"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/logging"
)

// Handler wires the chi router onto the Dispatcher.
type Handler struct {
	disp *dispatcher.Dispatcher
	log  *logging.Logger
}

func NewHandler(disp *dispatcher.Dispatcher, log *logging.Logger) http.Handler {
	h := &Handler{disp: disp, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/orchestrator", func(r chi.Router) {
		r.Route("/clusters", func(r chi.Router) {
			r.Get("/", h.listClusters)
			r.Post("/", h.registerCluster)
			r.Put("/", h.registerCluster)
			r.Get("/health/{cluster_uuid}", h.heartbeatCluster)
			r.Get("/{cluster_uuid}", h.getCluster)
		})

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", h.listDeployments)
			r.Post("/", h.submitDeployment)
			r.Get("/logs/{uuid}", h.deploymentLogs)
			r.Get("/services/{uuid}", h.deploymentServices)
			r.Get("/{uuid}", h.getDeployment)
		})

		r.Post("/kernels", h.submitKernel)
		r.Post("/faas", h.submitFaaS)
		r.Get("/kernels/{uuid}", h.getKernelLogs)
		r.Get("/faas/{uuid}", h.getKernelLogs)

		r.Route("/storage_policies", func(r chi.Router) {
			r.Get("/", h.listStoragePolicies)
			r.Post("/", h.submitStoragePolicy)
			r.Put("/", h.submitStoragePolicy)
			r.Get("/{uuid}", h.getStoragePolicy)
		})

		r.Get("/assignments/{cluster_uuid}/assignment/{assignment_uuid}", h.getAssignment)
		r.Get("/bundles/{bundle_uuid}", h.getBundle)

		r.Post("/logs", h.postLogs)
		r.Post("/metric_logs", h.postMetricLogs)
		r.Put("/monitoring", h.putMonitoring)
		r.Post("/ede_notification", h.edeNotification)

		r.Get("/grafana/storage_policies", h.grafanaStoragePolicies)
		r.Get("/grafana/storage_policies_logs", h.grafanaStoragePolicyLogs)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log *logging.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- Clusters ---

func (h *Handler) registerCluster(w http.ResponseWriter, r *http.Request) {
	var c domain.Cluster
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, h.log, apperrors.Validation(err.Error()))
		return
	}
	if err := h.disp.RegisterCluster(r.Context(), c); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) getCluster(w http.ResponseWriter, r *http.Request) {
	c, err := h.disp.GetCluster(r.Context(), chi.URLParam(r, "cluster_uuid"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) listClusters(w http.ResponseWriter, r *http.Request) {
	active := r.URL.Query().Get("active") == "true"
	clusters, err := h.disp.GetClusters(r.Context(), active, 2*time.Minute)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (h *Handler) heartbeatCluster(w http.ResponseWriter, r *http.Request) {
	clusterUUID := chi.URLParam(r, "cluster_uuid")
	if err := h.disp.Heartbeat(r.Context(), clusterUUID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cluster_uuid": clusterUUID})
}

// --- Deployments ---

func (h *Handler) submitDeployment(w http.ResponseWriter, r *http.Request) {
	var dep domain.Deployment
	if err := json.NewDecoder(r.Body).Decode(&dep); err != nil {
		writeError(w, h.log, apperrors.Validation(err.Error()))
		return
	}
	out, err := h.disp.SubmitDeployment(r.Context(), dep)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) getDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := h.disp.GetDeployment(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (h *Handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := h.disp.ListDeployments(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

func (h *Handler) deploymentLogs(w http.ResponseWriter, r *http.Request) {
	dep, err := h.disp.GetDeployment(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, dep.Logs)
}

func (h *Handler) deploymentServices(w http.ResponseWriter, r *http.Request) {
	mon, err := h.disp.GetMonitoring(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, mon)
}

// --- Kernels / FaaS ---

func (h *Handler) submitKernel(w http.ResponseWriter, r *http.Request) {
	h.submitKernelRequest(w, r, domain.KernelKindKernel)
}

func (h *Handler) submitFaaS(w http.ResponseWriter, r *http.Request) {
	h.submitKernelRequest(w, r, domain.KernelKindFaaS)
}

func (h *Handler) submitKernelRequest(w http.ResponseWriter, r *http.Request, kind domain.KernelKind) {
	var kr domain.KernelRequest
	if err := json.NewDecoder(r.Body).Decode(&kr); err != nil {
		writeError(w, h.log, apperrors.Validation(err.Error()))
		return
	}
	kr.Kind = kind
	out, err := h.disp.SubmitKernelRequest(r.Context(), kr)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) getKernelLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.disp.GetKernelLogs(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// --- Storage policies ---

func (h *Handler) submitStoragePolicy(w http.ResponseWriter, r *http.Request) {
	var sp domain.StoragePolicy
	if err := json.NewDecoder(r.Body).Decode(&sp); err != nil {
		writeError(w, h.log, apperrors.Validation(err.Error()))
		return
	}
	out, err := h.disp.SubmitStoragePolicy(r.Context(), sp)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) getStoragePolicy(w http.ResponseWriter, r *http.Request) {
	sp, err := h.disp.GetStoragePolicy(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (h *Handler) listStoragePolicies(w http.ResponseWriter, r *http.Request) {
	sps, err := h.disp.ListStoragePolicies(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sps)
}

// --- Assignments / Bundles ---

func (h *Handler) getAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := h.disp.GetAssignment(r.Context(), chi.URLParam(r, "cluster_uuid"), chi.URLParam(r, "assignment_uuid"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) getBundle(w http.ResponseWriter, r *http.Request) {
	b, err := h.disp.GetBundle(r.Context(), chi.URLParam(r, "bundle_uuid"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Driver-originated writes ---

func (h *Handler) postLogs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Logs []dispatcher.EntityLogEntry `json:"logs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.log, apperrors.Validation(err.Error()))
		return
	}
	for _, entry := range body.Logs {
		if err := h.disp.AddEntityLog(r.Context(), entry); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": len(body.Logs)})
}

func (h *Handler) postMetricLogs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Logs []map[string]any `json:"logs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.log, apperrors.Validation(err.Error()))
		return
	}
	if err := h.disp.ForwardMetricLogs(r.Context(), body.Logs); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": len(body.Logs)})
}

func (h *Handler) putMonitoring(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeploymentUUID string                    `json:"deployment_uuid"`
		Cluster        domain.ClusterMonitoring  `json:"cluster"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.log, apperrors.Validation(err.Error()))
		return
	}
	if err := h.disp.PutAssignmentMonitoringData(r.Context(), body.DeploymentUUID, body.Cluster); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deployment_uuid": body.DeploymentUUID})
}

func (h *Handler) edeNotification(w http.ResponseWriter, r *http.Request) {
	var evt dispatcher.AnomalyEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, h.log, apperrors.Validation(err.Error()))
		return
	}
	redeployed, err := h.disp.HandleNotificationEvent(r.Context(), evt)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"redeployed": redeployed})
}

// --- Grafana / dashboard views ---

func (h *Handler) grafanaStoragePolicies(w http.ResponseWriter, r *http.Request) {
	sps, err := h.disp.ListStoragePolicies(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sps)
}

func (h *Handler) grafanaStoragePolicyLogs(w http.ResponseWriter, r *http.Request) {
	sps, err := h.disp.ListStoragePolicies(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	type row struct {
		PolicyUUID string            `json:"policy_uuid"`
		Logs       []domain.LogEntry `json:"logs"`
	}
	out := make([]row, 0, len(sps))
	for _, sp := range sps {
		out = append(out, row{PolicyUUID: sp.PolicyUUID, Logs: sp.Logs})
	}
	writeJSON(w, http.StatusOK, out)
}
