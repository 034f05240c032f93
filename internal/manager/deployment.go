package manager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
	"github.com/serrano-project/orchestrator/internal/rotclient"
)

// handleDeploymentSubmitted runs the Deployment flow's first three steps:
// gate on active clusters, flip to PENDING, extract the application
// description and submit a SimpleMatch request.
func (s *Service) handleDeploymentSubmitted(ctx context.Context, ev kvstore.Event) error {
	var dep domain.Deployment
	if err := json.Unmarshal(ev.Value, &dep); err != nil {
		return err
	}
	if dep.Status != domain.DeploymentSubmitted {
		return nil
	}

	clusters, err := s.disp.GetClusters(ctx, true, s.cfg.ActiveClusterWindow)
	if err != nil {
		return err
	}
	if len(clusters) == 0 {
		s.log.WithField("deployment_uuid", dep.DeploymentUUID).Warn("no active clusters, dropping request pending operator re-put")
		return nil
	}

	docs, err := parseDeploymentDescription(dep.DeploymentDescription)
	if err != nil {
		return s.disp.UpdateDeploymentStatus(ctx, dep.DeploymentUUID, domain.DeploymentFailed, domain.WriterManager, "invalid deployment_description: "+err.Error())
	}

	if err := s.disp.UpdateDeploymentStatus(ctx, dep.DeploymentUUID, domain.DeploymentPending, domain.WriterManager, "request ROT scheduling"); err != nil {
		return err
	}

	var activeClusterUUIDs []string
	for _, c := range clusters {
		activeClusterUUIDs = append(activeClusterUUIDs, c.ClusterUUID)
	}

	objectives := make([]map[string]any, 0, len(dep.DeploymentObjectives))
	for _, o := range dep.DeploymentObjectives {
		objectives = append(objectives, map[string]any(o))
	}

	req := rotclient.SchedulingRequest{
		Kind:                   "Deployment",
		Plugin:                 rotclient.PluginSimpleMatch,
		ApplicationDescription: applicationDocs(docs),
		DeploymentObjectives:   objectives,
		ActiveClusters:         activeClusterUUIDs,
	}

	submission, err := s.rot.Submit(ctx, req)
	if err != nil {
		return s.disp.UpdateDeploymentStatus(ctx, dep.DeploymentUUID, domain.DeploymentFailed, domain.WriterManager, "rot submission failed: "+err.Error())
	}

	if err := s.disp.UpdateDeploymentStatus(ctx, dep.DeploymentUUID, domain.DeploymentScheduled, domain.WriterManager, "submitted to rot"); err != nil {
		return err
	}

	return s.corr.Set(ctx, submission.ExecutionUUID, pendingRequest{
		Kind:           pendingDeployment,
		DeploymentUUID: dep.DeploymentUUID,
		Docs:           docs,
	}, correlationTTL)
}

// onDeploymentResult materializes one Bundle and Assignment per
// cluster/group, writing Monitoring first, then each cluster's Bundles
// before its Assignment, and the Deployment's assignment list last, so a
// Driver never observes an Assignment whose Bundles don't exist yet.
func (s *Service) onDeploymentResult(ctx context.Context, pending pendingRequest, res rotclient.ExecutionResult) error {
	if res.Kind != rotclient.EventExecutionCompleted {
		return s.disp.UpdateDeploymentStatus(ctx, pending.DeploymentUUID, domain.DeploymentFailed, domain.WriterManager, "rot execution "+string(res.Kind))
	}

	docsByName := make(map[string]yamlDoc, len(pending.Docs))
	for _, d := range pending.Docs {
		docsByName[d.Name] = d
	}

	scheduledClusters := make([]string, 0, len(res.Assignments))
	for _, assign := range res.Assignments {
		scheduledClusters = append(scheduledClusters, assign.ClusterUUID)
	}
	if err := s.disp.ScheduleMonitoring(ctx, pending.DeploymentUUID, scheduledClusters); err != nil {
		return err
	}

	var assignmentUUIDs []string
	for _, assign := range res.Assignments {
		var clusterDocs []yamlDoc
		for _, name := range assign.Deployments {
			doc, ok := docsByName[name]
			if !ok {
				continue
			}
			injectDeploymentMetadata(&doc, assign.ClusterUUID, pending.DeploymentUUID)
			if instr, ok := res.Instructions[doc.Name]; ok {
				if err := applyInstructions(&doc, instr); err != nil {
					return err
				}
			}
			clusterDocs = append(clusterDocs, doc)
		}

		groups := groupByGroupID(clusterDocs)
		var bundleUUIDs []string
		var k8sParams []domain.K8sParam
		for groupID, groupDocs := range groups {
			description := make(map[string]any, len(groupDocs))
			for _, d := range groupDocs {
				description[d.Name] = d.Tree
			}
			bundle, err := s.disp.CreateBundle(ctx, domain.Bundle{GroupID: groupID, Description: description})
			if err != nil {
				return err
			}
			bundleUUIDs = append(bundleUUIDs, bundle.BundleUUID)
			k8sParams = append(k8sParams, domain.K8sParam{Kind: "Bundle", Name: groupID})
		}

		assignment, err := s.disp.CreateAssignment(ctx, domain.Assignment{
			ClusterUUID: assign.ClusterUUID,
			Kind:        "Deployment",
			ParentUUID:  pending.DeploymentUUID,
			BundleUUIDs: bundleUUIDs,
		})
		if err != nil {
			return err
		}
		assignmentUUIDs = append(assignmentUUIDs, assignment.AssignmentUUID)

		if err := s.disp.PutAssignmentMonitoringData(ctx, pending.DeploymentUUID, domain.ClusterMonitoring{
			ClusterUUID:    assign.ClusterUUID,
			AssignmentUUID: assignment.AssignmentUUID,
			K8sParams:      k8sParams,
		}); err != nil {
			return err
		}
	}

	return s.disp.AssignDeployment(ctx, pending.DeploymentUUID, assignmentUUIDs,
		fmt.Sprintf("assigned to %d cluster(s)", len(assignmentUUIDs)))
}
