package dispatcher

import (
	"context"

	"github.com/google/uuid"

	"github.com/serrano-project/orchestrator/internal/apperrors"
	"github.com/serrano-project/orchestrator/internal/domain"
	"github.com/serrano-project/orchestrator/internal/kvstore"
)

func (d *Dispatcher) SubmitStoragePolicy(ctx context.Context, sp domain.StoragePolicy) (domain.StoragePolicy, error) {
	if sp.Name == "" {
		return domain.StoragePolicy{}, apperrors.Validation("storage policy name is required")
	}
	sp.PolicyUUID = uuid.NewString()
	sp.Status = domain.StoragePolicySubmitted
	sp.UpdatedBy = domain.WriterAPI
	sp.CreatedAt = now()
	sp.UpdatedAt = sp.CreatedAt

	if err := d.putJSON(ctx, kvstore.StoragePolicyKey(sp.PolicyUUID), sp, domain.WriterAPI); err != nil {
		return domain.StoragePolicy{}, err
	}
	return sp, nil
}

func (d *Dispatcher) GetStoragePolicy(ctx context.Context, policyUUID string) (domain.StoragePolicy, error) {
	var sp domain.StoragePolicy
	err := d.getJSON(ctx, kvstore.StoragePolicyKey(policyUUID), &sp)
	return sp, err
}

func (d *Dispatcher) ListStoragePolicies(ctx context.Context) ([]domain.StoragePolicy, error) {
	raw, err := d.store.List(ctx, kvstore.StoragePoliciesPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]domain.StoragePolicy, 0, len(raw))
	for _, v := range raw {
		var sp domain.StoragePolicy
		if err := unmarshalJSON(v, &sp); err != nil {
			continue
		}
		out = append(out, sp)
	}
	return out, nil
}

// SetStoragePolicyDecision records the ROT's decision and the gateway-
// assigned cc_policy_id. The id is assigned once by the gateway and never
// changes after that, so a later call with a different value is ignored.
func (d *Dispatcher) SetStoragePolicyDecision(ctx context.Context, policyUUID string, decision map[string]any, ccPolicyID int64) error {
	sp, err := d.GetStoragePolicy(ctx, policyUUID)
	if err != nil {
		return err
	}
	sp.Decision = decision
	if sp.CCPolicyID == 0 {
		sp.CCPolicyID = ccPolicyID
	}
	sp.UpdatedBy = domain.WriterManager
	sp.UpdatedAt = now()

	return d.putJSON(ctx, kvstore.StoragePolicyKey(policyUUID), sp, domain.WriterManager)
}

func (d *Dispatcher) UpdateStoragePolicyStatus(ctx context.Context, policyUUID string, next domain.StoragePolicyStatus, updatedBy domain.Writer, event string) error {
	sp, err := d.GetStoragePolicy(ctx, policyUUID)
	if err != nil {
		return err
	}
	sp.Status = next
	sp.UpdatedBy = updatedBy
	sp.UpdatedAt = now()
	sp.Logs = append(sp.Logs, domain.LogEntry{Timestamp: sp.UpdatedAt.Unix(), Event: event})

	return d.putJSON(ctx, kvstore.StoragePolicyKey(policyUUID), sp, updatedBy)
}
