package manager

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/serrano-project/orchestrator/internal/rotclient"
)

// yamlDoc is one document out of a deployment_description multi-document
// YAML stream, decoded into a generic tree so any Kubernetes doc kind can
// be carried without a struct per kind.
type yamlDoc struct {
	Kind    string                 `json:"kind"`
	Name    string                 `json:"name"`
	GroupID string                 `json:"group_id,omitempty"`
	Tree    map[string]interface{} `json:"tree"`
}

// parseDeploymentDescription splits a multi-document YAML stream into
// yamlDocs, reading kind/name/group_id out of the conventional
// metadata.name / metadata.labels.group_id fields.
func parseDeploymentDescription(raw string) ([]yamlDoc, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(raw)))
	var docs []yamlDoc
	for {
		var tree map[string]interface{}
		if err := dec.Decode(&tree); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("manager: decode deployment description: %w", err)
		}
		if tree == nil {
			continue
		}
		doc := yamlDoc{Tree: tree}
		if k, ok := tree["kind"].(string); ok {
			doc.Kind = k
		}
		if meta, ok := tree["metadata"].(map[string]interface{}); ok {
			if n, ok := meta["name"].(string); ok {
				doc.Name = n
			}
			if labels, ok := meta["labels"].(map[string]interface{}); ok {
				if g, ok := labels["group_id"].(string); ok {
					doc.GroupID = g
				}
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// applicationDocs extracts the {kind, name, replicas} summary the ROT
// expects for every Deployment-kind document.
func applicationDocs(docs []yamlDoc) []rotclient.ApplicationDoc {
	var out []rotclient.ApplicationDoc
	for _, d := range docs {
		if d.Kind != "Deployment" {
			continue
		}
		replicas := 1
		if spec, ok := d.Tree["spec"].(map[string]interface{}); ok {
			if r, ok := spec["replicas"].(int); ok {
				replicas = r
			}
		}
		out = append(out, rotclient.ApplicationDoc{Kind: d.Kind, Name: d.Name, Replicas: replicas})
	}
	return out
}

// injectDeploymentMetadata stamps the cluster/deployment identifiers onto
// every container env and onto the pod's own labels.
func injectDeploymentMetadata(doc *yamlDoc, clusterUUID, deploymentUUID string) {
	spec, _ := doc.Tree["spec"].(map[string]interface{})
	if spec == nil {
		return
	}
	template, _ := spec["template"].(map[string]interface{})
	if template == nil {
		return
	}

	meta, _ := template["metadata"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
		template["metadata"] = meta
	}
	labels, _ := meta["labels"].(map[string]interface{})
	if labels == nil {
		labels = make(map[string]interface{})
		meta["labels"] = labels
	}
	labels["serrano_deployment_uuid"] = deploymentUUID
	if doc.GroupID != "" {
		labels["group_id"] = doc.GroupID
	}

	podSpec, _ := template["spec"].(map[string]interface{})
	if podSpec == nil {
		return
	}
	containers, _ := podSpec["containers"].([]interface{})
	for _, c := range containers {
		container, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		env, _ := container["env"].([]interface{})
		env = append(env,
			map[string]interface{}{"name": "DEPLOYED_SERRANO_CLUSTER_UUID", "value": clusterUUID},
			map[string]interface{}{"name": "SERRANO_DEPLOYMENT_UUID", "value": deploymentUUID},
		)
		container["env"] = env
	}
}

// applyInstructions mutates doc.Tree in place per the ROT response's
// per-document scheduling instructions.
func applyInstructions(doc *yamlDoc, instructions []rotclient.Instruction) error {
	for _, instr := range instructions {
		if err := applyInstruction(doc.Tree, instr.YAMLElement, instr.Value); err != nil {
			return fmt.Errorf("manager: apply instruction %s: %w", instr.YAMLElement, err)
		}
	}
	return nil
}

// groupByGroupID partitions docs assigned to one cluster into Bundles, one
// per group_id.
func groupByGroupID(docs []yamlDoc) map[string][]yamlDoc {
	groups := make(map[string][]yamlDoc)
	for _, d := range docs {
		key := d.GroupID
		if key == "" {
			key = d.Name
		}
		groups[key] = append(groups[key], d)
	}
	return groups
}
