package kvstore

import (
	"fmt"
	"strconv"
	"time"
)

// Key layout. Callers should go through these helpers rather than
// formatting keys inline so a layout change is a one-file edit.
const (
	clustersPrefix       = "/clusters/cluster/"
	clusterHealthPrefix  = "/health/clusters/"
	deploymentsPrefix    = "/deployments/deployment/"
	assignmentsPrefix    = "/assignments/"
	bundlesPrefix        = "/bundles/bundle/"
	kernelsPrefix        = "/kernels/kernel/"
	storagePoliciesPrefix = "/storage_policies/policy/"
	monitoringPrefix     = "/monitoring/"
	telemetryEntitiesKey = "/telemetry_entities"
)

func ClusterKey(clusterUUID string) string { return clustersPrefix + clusterUUID }
func ClustersPrefix() string               { return clustersPrefix }

func ClusterHealthKey(clusterUUID string) string { return clusterHealthPrefix + clusterUUID }
func ClusterHealthPrefix() string                { return clusterHealthPrefix }

func DeploymentKey(deploymentUUID string) string { return deploymentsPrefix + deploymentUUID }
func DeploymentsPrefix() string                  { return deploymentsPrefix }

// AssignmentKey addresses one assignment under its cluster: exactly one
// cluster_uuid identifies the assignment.
func AssignmentKey(clusterUUID, assignmentUUID string) string {
	return fmt.Sprintf("%s%s/assignment/%s", assignmentsPrefix, clusterUUID, assignmentUUID)
}

// ClusterAssignmentsPrefix is the prefix a Driver watches for its cluster.
func ClusterAssignmentsPrefix(clusterUUID string) string {
	return fmt.Sprintf("%s%s/", assignmentsPrefix, clusterUUID)
}

func AssignmentsPrefix() string { return assignmentsPrefix }

func BundleKey(bundleUUID string) string { return bundlesPrefix + bundleUUID }
func BundlesPrefix() string              { return bundlesPrefix }

func KernelKey(requestUUID string) string { return kernelsPrefix + requestUUID }
func KernelsPrefix() string               { return kernelsPrefix }

func StoragePolicyKey(policyUUID string) string { return storagePoliciesPrefix + policyUUID }
func StoragePoliciesPrefix() string             { return storagePoliciesPrefix }

func MonitoringKey(deploymentUUID string) string { return monitoringPrefix + deploymentUUID }
func MonitoringPrefix() string                   { return monitoringPrefix }

func TelemetryEntitiesKey() string { return telemetryEntitiesKey }

func formatUnixSeconds(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func parseUnixSeconds(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}
