package manager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/rotclient"
)

// handleKernelSubmitted runs the FaaS flow's first step: submit an
// OnDemandKernel placement request.
func (s *Service) handleKernelSubmitted(ctx context.Context, ev kvstore.Event) error {
	var kr domain.KernelRequest
	if err := json.Unmarshal(ev.Value, &kr); err != nil {
		return err
	}
	if kr.Status != domain.KernelSubmitted {
		return nil
	}

	clusters, err := s.disp.GetClusters(ctx, true, s.cfg.ActiveClusterWindow)
	if err != nil {
		return err
	}
	if len(clusters) == 0 {
		s.log.WithField("request_uuid", kr.RequestUUID).Warn("no active clusters, dropping kernel request")
		return nil
	}
	var activeClusterUUIDs []string
	for _, c := range clusters {
		activeClusterUUIDs = append(activeClusterUUIDs, c.ClusterUUID)
	}

	if err := s.disp.UpdateKernelRequestStatus(ctx, kr.RequestUUID, domain.KernelPending, domain.WriterManager, "request ROT scheduling"); err != nil {
		return err
	}

	req := rotclient.SchedulingRequest{
		Kind:                 string(kr.Kind),
		Plugin:               rotclient.PluginOnDemandKernel,
		KernelName:           kr.KernelName,
		RequestUUID:          kr.RequestUUID,
		ActiveClusters:       activeClusterUUIDs,
		DataDescription:      kr.DataDescription,
		DeploymentObjectives: []map[string]any{kr.DeploymentObjectives},
	}

	submission, err := s.rot.Submit(ctx, req)
	if err != nil {
		return s.disp.UpdateKernelRequestStatus(ctx, kr.RequestUUID, domain.KernelFailed, domain.WriterManager, "rot submission failed: "+err.Error())
	}

	return s.corr.Set(ctx, submission.ExecutionUUID, pendingRequest{
		Kind:        pendingKernel,
		RequestUUID: kr.RequestUUID,
	}, correlationTTL)
}

// onKernelResult runs the FaaS flow's second step: materialize one Bundle
// and Assignment for the chosen cluster, then flip the Kernel to ASSIGNED.
func (s *Service) onKernelResult(ctx context.Context, pending pendingRequest, res rotclient.ExecutionResult) error {
	if res.Kind != rotclient.EventExecutionCompleted {
		return s.disp.UpdateKernelRequestStatus(ctx, pending.RequestUUID, domain.KernelFailed, domain.WriterManager, "rot execution "+string(res.Kind))
	}

	kr, err := s.disp.GetKernelRequest(ctx, pending.RequestUUID)
	if err != nil {
		return err
	}

	bundle, err := s.disp.CreateBundle(ctx, domain.Bundle{
		Description: map[string]any{
			"kernel_name":      kr.KernelName,
			"kind":             string(kr.Kind),
			"data_description": kr.DataDescription,
			"request_uuid":     kr.RequestUUID,
		},
	})
	if err != nil {
		return err
	}

	assignment, err := s.disp.CreateAssignment(ctx, domain.Assignment{
		ClusterUUID: res.ClusterUUID,
		Kind:        string(kr.Kind),
		ParentUUID:  kr.RequestUUID,
		BundleUUIDs: []string{bundle.BundleUUID},
	})
	if err != nil {
		return err
	}

	return s.disp.AssignKernelRequest(ctx, pending.RequestUUID, assignment.AssignmentUUID, bundle.BundleUUID,
		fmt.Sprintf("assigned to cluster %s via assignment %s", res.ClusterUUID, assignment.AssignmentUUID))
}
