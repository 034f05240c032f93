// Package execwrapper runs the per-job execution pipeline a cluster Driver
// hands off once a Bundle/Assignment pair is ready: stage data in, submit
// to the HPC gateway or invoke a FaaS endpoint, wait for completion, stage
// results out, and report the outcome back through the Dispatcher and the
// central telemetry handler.
package execwrapper

import (
	"context"
	"time"

	"github.com/serrano-project/orchestrator/internal/brokerclient"
	"github.com/serrano-project/orchestrator/internal/domain"
)

// Job is everything one ExecutionWrapper run needs: the KernelRequest being
// executed plus the cluster/assignment/bundle it was placed into by the
// Manager.
type Job struct {
	Request        domain.KernelRequest
	ClusterUUID    string
	AssignmentUUID string
	BundleUUID     string
}

// dataDescriptionString reads a required string field out of a
// KernelRequest's free-form data_description map, the same loosely-typed
// document the API accepted at submission time.
func dataDescriptionString(dd map[string]any, key string) (string, bool) {
	v, ok := dd[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func dataDescriptionFloat(dd map[string]any, key string) float64 {
	v, ok := dd[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func dataDescriptionStrings(dd map[string]any, key string) []string {
	v, ok := dd[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// resultsEnvelopes builds the pair of broker messages the original HPC and
// FaaS wrappers both publish once a request's outcome is known: one on a
// per-request results queue, one on a durable queue matching the
// request_uuid itself, both carrying the same body.
func resultsEnvelopes(requestUUID string, body []byte) []brokerclient.Envelope {
	return []brokerclient.Envelope{
		{Queue: "kernels_results_" + requestUUID, Durable: true, Body: body},
		{Queue: requestUUID, Durable: true, Body: body},
	}
}

func publishResults(ctx context.Context, broker brokerclient.Client, requestUUID string, body []byte) {
	for _, env := range resultsEnvelopes(requestUUID, body) {
		_ = broker.Publish(ctx, env)
	}
}

// pollInterval is how often a wrapper re-checks an async gateway transfer
// or job's status.
const pollInterval = time.Second
