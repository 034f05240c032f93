package dispatcher

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
)

// CreateAssignment materializes one cluster's share of a Deployment or
// Kernel placement. Its bundle list is fixed at creation; the Manager
// writes the bundles an assignment references before the assignment, so a Driver
// hydrating from a crash always sees a complete bundle set once the
// assignment itself is visible.
func (d *Dispatcher) CreateAssignment(ctx context.Context, a domain.Assignment) (domain.Assignment, error) {
	if a.ClusterUUID == "" {
		return domain.Assignment{}, apperrors.Validation("assignment requires a cluster_uuid")
	}
	a.AssignmentUUID = uuid.NewString()
	a.Status = domain.AssignmentCreated
	a.UpdatedBy = domain.WriterManager
	a.CreatedAt = now()
	a.UpdatedAt = a.CreatedAt

	key := kvstore.AssignmentKey(a.ClusterUUID, a.AssignmentUUID)
	if err := d.putJSON(ctx, key, a, domain.WriterManager); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

func (d *Dispatcher) GetAssignment(ctx context.Context, clusterUUID, assignmentUUID string) (domain.Assignment, error) {
	var a domain.Assignment
	err := d.getJSON(ctx, kvstore.AssignmentKey(clusterUUID, assignmentUUID), &a)
	return a, err
}

// ListClusterAssignments returns every assignment targeted at clusterUUID,
// the exact set a Driver watches and hydrates from on startup.
func (d *Dispatcher) ListClusterAssignments(ctx context.Context, clusterUUID string) ([]domain.Assignment, error) {
	raw, err := d.store.List(ctx, kvstore.ClusterAssignmentsPrefix(clusterUUID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Assignment, 0, len(raw))
	for _, v := range raw {
		var a domain.Assignment
		if err := unmarshalJSON(v, &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// findAssignment scans every cluster's assignments for assignmentUUID.
// Deployments index assignments by bare UUID, not by (cluster, UUID), so a
// reverse lookup costs an O(total assignments) scan; acceptable at this
// system's expected cardinality and simpler than maintaining a second
// index.
func (d *Dispatcher) findAssignment(ctx context.Context, assignmentUUID string) (domain.Assignment, error) {
	raw, err := d.store.List(ctx, kvstore.AssignmentsPrefix())
	if err != nil {
		return domain.Assignment{}, err
	}
	for key, v := range raw {
		if !strings.HasSuffix(key, "/assignment/"+assignmentUUID) {
			continue
		}
		var a domain.Assignment
		if err := unmarshalJSON(v, &a); err != nil {
			return domain.Assignment{}, err
		}
		return a, nil
	}
	return domain.Assignment{}, apperrors.NotFound("assignment", assignmentUUID)
}

// UpdateAssignmentStatus is called by a Driver as it materializes and
// later tears down backend resources for an assignment.
func (d *Dispatcher) UpdateAssignmentStatus(ctx context.Context, clusterUUID, assignmentUUID string, next domain.AssignmentStatus, event string) error {
	a, err := d.GetAssignment(ctx, clusterUUID, assignmentUUID)
	if err != nil {
		return err
	}
	a.Status = next
	a.UpdatedBy = domain.WriterDriver
	a.UpdatedAt = now()
	a.Logs = append(a.Logs, domain.LogEntry{Timestamp: a.UpdatedAt.Unix(), Event: event})

	return d.putJSON(ctx, kvstore.AssignmentKey(clusterUUID, assignmentUUID), a, domain.WriterDriver)
}

// --- Bundles ---

func (d *Dispatcher) CreateBundle(ctx context.Context, b domain.Bundle) (domain.Bundle, error) {
	b.BundleUUID = uuid.NewString()
	b.Status = domain.BundleCreated
	b.UpdatedBy = domain.WriterManager
	b.CreatedAt = now()
	b.UpdatedAt = b.CreatedAt

	if err := d.putJSON(ctx, kvstore.BundleKey(b.BundleUUID), b, domain.WriterManager); err != nil {
		return domain.Bundle{}, err
	}
	return b, nil
}

func (d *Dispatcher) GetBundle(ctx context.Context, bundleUUID string) (domain.Bundle, error) {
	var b domain.Bundle
	err := d.getJSON(ctx, kvstore.BundleKey(bundleUUID), &b)
	return b, err
}

func (d *Dispatcher) UpdateBundleStatus(ctx context.Context, bundleUUID string, next domain.BundleStatus, updatedBy domain.Writer, event string) error {
	b, err := d.GetBundle(ctx, bundleUUID)
	if err != nil {
		return err
	}
	b.Status = next
	b.UpdatedBy = updatedBy
	b.UpdatedAt = now()
	b.Logs = append(b.Logs, domain.LogEntry{Timestamp: b.UpdatedAt.Unix(), Event: event})

	return d.putJSON(ctx, kvstore.BundleKey(bundleUUID), b, updatedBy)
}
