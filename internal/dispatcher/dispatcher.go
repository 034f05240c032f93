// Package dispatcher implements the system of record: all reads and writes
// against the coordination KV store pass through here, so write-order and
// write-discrimination invariants (updated_by, cascade delete, status
// transitions) are enforced in exactly one place regardless of which HTTP
// handler, Manager reaction or Driver callback triggered them.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/logging"
)

// AnomalyNotifier is the set of calls the Dispatcher makes against the
// central telemetry handler: notifying it of a deployment's worker-node
// occupancy, forwarding driver metric logs, dropping a deployment's
// record on cascade delete, and reporting a FaaS kernel's lifecycle as a
// counter delta. It is resolved as concrete HTTP calls against
// internal/telemetryclient.
type AnomalyNotifier interface {
	NotifyAnomalyDetector(ctx context.Context, deploymentUUID string, workerNodes []string) error
	PostMetricLogs(ctx context.Context, logs []map[string]any) error
	DropDeployment(ctx context.Context, deploymentUUID string) error
	PutKernelDeploymentCounter(ctx context.Context, clusterUUID, kernelMode string, counterDiff int) error
}

// Dispatcher is the single writer/reader gateway onto the Store.
type Dispatcher struct {
	store         kvstore.Store
	notifier      AnomalyNotifier
	log           *logging.Logger
	shapThreshold float64
}

func New(store kvstore.Store, notifier AnomalyNotifier, log *logging.Logger, shapThreshold float64) *Dispatcher {
	return &Dispatcher{store: store, notifier: notifier, log: log, shapThreshold: shapThreshold}
}

func now() time.Time { return time.Now().UTC() }

func (d *Dispatcher) getJSON(ctx context.Context, key string, dest interface{}) error {
	raw, err := d.store.Get(ctx, key)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return apperrors.NotFound("entity", key)
		}
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (d *Dispatcher) putJSON(ctx context.Context, key string, value interface{}, updatedBy domain.Writer) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal %s: %w", key, err)
	}
	return d.store.Put(ctx, key, data, string(updatedBy))
}

// --- Cluster registry ---

// RegisterCluster upserts a cluster's static description. Clusters register
// themselves once at Driver startup.
func (d *Dispatcher) RegisterCluster(ctx context.Context, c domain.Cluster) error {
	return d.putJSON(ctx, kvstore.ClusterKey(c.ClusterUUID), c, domain.WriterDriver)
}

func (d *Dispatcher) GetCluster(ctx context.Context, clusterUUID string) (domain.Cluster, error) {
	var c domain.Cluster
	err := d.getJSON(ctx, kvstore.ClusterKey(clusterUUID), &c)
	return c, err
}

// Heartbeat refreshes a cluster's health lease. A cluster is considered
// active if its health key was refreshed within staleAfter of now.
func (d *Dispatcher) Heartbeat(ctx context.Context, clusterUUID string) error {
	return kvstore.Lease(ctx, d.store, kvstore.ClusterHealthKey(clusterUUID), string(domain.WriterDriver), now())
}

// GetClusters lists registered clusters, optionally filtering to those
// whose heartbeat is fresher than staleAfter.
func (d *Dispatcher) GetClusters(ctx context.Context, activeOnly bool, staleAfter time.Duration) ([]domain.Cluster, error) {
	raw, err := d.store.List(ctx, kvstore.ClustersPrefix())
	if err != nil {
		return nil, err
	}

	var health map[string][]byte
	if activeOnly {
		health, err = d.store.List(ctx, kvstore.ClusterHealthPrefix())
		if err != nil {
			return nil, err
		}
	}

	out := make([]domain.Cluster, 0, len(raw))
	for key, v := range raw {
		var c domain.Cluster
		if err := json.Unmarshal(v, &c); err != nil {
			d.log.WithError(err).WithField("key", key).Error("skipping malformed cluster record")
			continue
		}
		if activeOnly {
			hv, ok := health[kvstore.ClusterHealthKey(c.ClusterUUID)]
			if !ok {
				continue
			}
			last, err := parseHeartbeat(hv)
			if err != nil || now().Sub(last) > staleAfter {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func parseHeartbeat(v []byte) (time.Time, error) {
	var sec int64
	if _, err := fmt.Sscanf(string(v), "%d", &sec); err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}
