package manager

import (
	"context"
	"encoding/json"

	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/rotclient"
	"github.com/serrano-project/orchestrator/internal/securestorageclient"
)

// handleStoragePolicySubmitted runs the StoragePolicy flow's first step:
// submit the policy parameters to the ROT's StoragePolicy plugin.
func (s *Service) handleStoragePolicySubmitted(ctx context.Context, ev kvstore.Event) error {
	var sp domain.StoragePolicy
	if err := json.Unmarshal(ev.Value, &sp); err != nil {
		return err
	}
	if sp.Status != domain.StoragePolicySubmitted {
		return nil
	}

	if err := s.disp.UpdateStoragePolicyStatus(ctx, sp.PolicyUUID, domain.StoragePolicyPending, domain.WriterManager, "request ROT decision"); err != nil {
		return err
	}

	req := rotclient.SchedulingRequest{
		Kind:             "StoragePolicy",
		Plugin:           rotclient.PluginStoragePolicy,
		PolicyParameters: sp.PolicyParameters,
	}
	submission, err := s.rot.Submit(ctx, req)
	if err != nil {
		return s.disp.UpdateStoragePolicyStatus(ctx, sp.PolicyUUID, domain.StoragePolicyFailed, domain.WriterManager, "rot submission failed: "+err.Error())
	}

	return s.corr.Set(ctx, submission.ExecutionUUID, pendingRequest{
		Kind:       pendingStoragePolicy,
		PolicyUUID: sp.PolicyUUID,
	}, correlationTTL)
}

// onStoragePolicyResult runs the StoragePolicy flow's second step: realize
// the ROT's decision against the secure-storage gateway.
func (s *Service) onStoragePolicyResult(ctx context.Context, pending pendingRequest, res rotclient.ExecutionResult) error {
	if res.Kind != rotclient.EventExecutionCompleted {
		return s.disp.UpdateStoragePolicyStatus(ctx, pending.PolicyUUID, domain.StoragePolicyFailed, domain.WriterManager, "rot execution "+string(res.Kind))
	}

	sp, err := s.disp.GetStoragePolicy(ctx, pending.PolicyUUID)
	if err != nil {
		return err
	}

	req := securestorageclient.PolicyRequest{Name: sp.Name, Description: sp.Description}
	if backends, ok := res.Decision["backends"].([]interface{}); ok {
		for _, b := range backends {
			if s, ok := b.(string); ok {
				req.Backends = append(req.Backends, s)
			}
		}
	}
	if edge, ok := res.Decision["edge_devices"].([]interface{}); ok {
		for _, e := range edge {
			if s, ok := e.(string); ok {
				req.EdgeDevices = append(req.EdgeDevices, s)
			}
		}
	}

	if err := s.storage.CreateOrUpdate(ctx, sp.CCPolicyID, req); err != nil {
		return s.disp.UpdateStoragePolicyStatus(ctx, pending.PolicyUUID, domain.StoragePolicyFailed, domain.WriterManager, "gateway rejected policy: "+err.Error())
	}

	if sp.CCPolicyID == 0 {
		id, err := s.storage.PolicyIDByName(ctx, sp.Name)
		if err != nil {
			return s.disp.UpdateStoragePolicyStatus(ctx, pending.PolicyUUID, domain.StoragePolicyFailed, domain.WriterManager, "failed to resolve cc_policy_id: "+err.Error())
		}
		if err := s.disp.SetStoragePolicyDecision(ctx, pending.PolicyUUID, res.Decision, id); err != nil {
			return err
		}
	}

	return s.disp.UpdateStoragePolicyStatus(ctx, pending.PolicyUUID, domain.StoragePolicyCreated, domain.WriterManager, "storage policy created")
}
