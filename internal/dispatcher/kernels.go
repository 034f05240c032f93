package dispatcher

import (
	"context"

	"github.com/google/uuid"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
)

// SubmitKernelRequest creates a one-shot Kernel or FaaS invocation in
// SUBMITTED state.
func (d *Dispatcher) SubmitKernelRequest(ctx context.Context, kr domain.KernelRequest) (domain.KernelRequest, error) {
	if kr.KernelName == "" {
		return domain.KernelRequest{}, apperrors.Validation("kernel_name is required")
	}
	kr.RequestUUID = uuid.NewString()
	kr.Status = domain.KernelSubmitted
	kr.UpdatedBy = domain.WriterAPI
	kr.CreatedAt = now()
	kr.UpdatedAt = kr.CreatedAt
	kr.Logs = append(kr.Logs, domain.LogEntry{Timestamp: kr.CreatedAt.Unix(), Event: "submitted"})

	if err := d.putJSON(ctx, kvstore.KernelKey(kr.RequestUUID), kr, domain.WriterAPI); err != nil {
		return domain.KernelRequest{}, err
	}
	return kr, nil
}

func (d *Dispatcher) GetKernelRequest(ctx context.Context, requestUUID string) (domain.KernelRequest, error) {
	var kr domain.KernelRequest
	err := d.getJSON(ctx, kvstore.KernelKey(requestUUID), &kr)
	return kr, err
}

func (d *Dispatcher) ListKernelRequests(ctx context.Context) ([]domain.KernelRequest, error) {
	raw, err := d.store.List(ctx, kvstore.KernelsPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]domain.KernelRequest, 0, len(raw))
	for _, v := range raw {
		var kr domain.KernelRequest
		if err := unmarshalJSON(v, &kr); err != nil {
			continue
		}
		out = append(out, kr)
	}
	return out, nil
}

func (d *Dispatcher) UpdateKernelRequestStatus(ctx context.Context, requestUUID string, next domain.KernelStatus, updatedBy domain.Writer, event string) error {
	kr, err := d.GetKernelRequest(ctx, requestUUID)
	if err != nil {
		return err
	}
	kr.Status = next
	kr.UpdatedBy = updatedBy
	kr.UpdatedAt = now()
	kr.Logs = append(kr.Logs, domain.LogEntry{Timestamp: kr.UpdatedAt.Unix(), Event: event})

	return d.putJSON(ctx, kvstore.KernelKey(requestUUID), kr, updatedBy)
}

// AssignKernelRequest records the bundle/assignment the Manager
// materialized for a one-shot kernel invocation and flips it to ASSIGNED
// in one write.
func (d *Dispatcher) AssignKernelRequest(ctx context.Context, requestUUID, assignmentUUID, bundleUUID, event string) error {
	kr, err := d.GetKernelRequest(ctx, requestUUID)
	if err != nil {
		return err
	}
	kr.AssignmentUUID = assignmentUUID
	kr.BundleUUID = bundleUUID
	kr.Status = domain.KernelAssigned
	kr.UpdatedBy = domain.WriterManager
	kr.UpdatedAt = now()
	kr.Logs = append(kr.Logs, domain.LogEntry{Timestamp: kr.UpdatedAt.Unix(), Event: event})

	return d.putJSON(ctx, kvstore.KernelKey(requestUUID), kr, domain.WriterManager)
}

// GetKernelLogs returns the request's own log history: the real log list,
// not an empty placeholder.
func (d *Dispatcher) GetKernelLogs(ctx context.Context, requestUUID string) ([]domain.LogEntry, error) {
	kr, err := d.GetKernelRequest(ctx, requestUUID)
	if err != nil {
		return nil, err
	}
	return kr.Logs, nil
}
