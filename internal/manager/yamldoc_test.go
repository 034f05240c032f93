package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serrano-project/orchestrator/internal/rotclient"
)

const multiDocYAML = `
kind: ConfigMap
metadata:
  name: wordpress-config
  labels:
    group_id: web
data:
  key: value
---
kind: Deployment
metadata:
  name: wordpress
  labels:
    group_id: web
spec:
  replicas: 3
  template:
    metadata: {}
    spec:
      containers:
        - name: wordpress
          env: []
`

func TestParseDeploymentDescription_SplitsMultiDocumentStream(t *testing.T) {
	docs, err := parseDeploymentDescription(multiDocYAML)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "ConfigMap", docs[0].Kind)
	assert.Equal(t, "wordpress-config", docs[0].Name)
	assert.Equal(t, "web", docs[0].GroupID)
	assert.Equal(t, "Deployment", docs[1].Kind)
	assert.Equal(t, "wordpress", docs[1].Name)
}

func TestParseDeploymentDescription_InvalidYAMLErrors(t *testing.T) {
	_, err := parseDeploymentDescription("not: [valid yaml")
	assert.Error(t, err)
}

func TestParseDeploymentDescription_SkipsEmptyDocuments(t *testing.T) {
	docs, err := parseDeploymentDescription("---\n---\nkind: ConfigMap\nmetadata:\n  name: only\n")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "only", docs[0].Name)
}

func TestApplicationDocs_OnlyIncludesDeploymentKindAndReadsReplicas(t *testing.T) {
	docs, err := parseDeploymentDescription(multiDocYAML)
	require.NoError(t, err)

	out := applicationDocs(docs)
	require.Len(t, out, 1)
	assert.Equal(t, rotclient.ApplicationDoc{Kind: "Deployment", Name: "wordpress", Replicas: 3}, out[0])
}

func TestApplicationDocs_DefaultsReplicasToOneWhenUnspecified(t *testing.T) {
	docs, err := parseDeploymentDescription(`
kind: Deployment
metadata:
  name: singleton
spec: {}
`)
	require.NoError(t, err)

	out := applicationDocs(docs)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Replicas)
}

func TestInjectDeploymentMetadata_StampsLabelsAndContainerEnv(t *testing.T) {
	docs, err := parseDeploymentDescription(multiDocYAML)
	require.NoError(t, err)
	doc := docs[1]

	injectDeploymentMetadata(&doc, "cluster-1", "dep-1")

	spec := doc.Tree["spec"].(map[string]interface{})
	template := spec["template"].(map[string]interface{})
	meta := template["metadata"].(map[string]interface{})
	labels := meta["labels"].(map[string]interface{})
	assert.Equal(t, "dep-1", labels["serrano_deployment_uuid"])
	assert.Equal(t, "web", labels["group_id"])

	podSpec := template["spec"].(map[string]interface{})
	containers := podSpec["containers"].([]interface{})
	container := containers[0].(map[string]interface{})
	env := container["env"].([]interface{})
	require.Len(t, env, 2)
}

func TestInjectDeploymentMetadata_NoSpecIsANoOp(t *testing.T) {
	doc := yamlDoc{Tree: map[string]interface{}{"kind": "ConfigMap"}}
	injectDeploymentMetadata(&doc, "cluster-1", "dep-1")
	assert.NotContains(t, doc.Tree, "spec")
}

func TestGroupByGroupID_GroupsDocsSharingAGroupID(t *testing.T) {
	docs, err := parseDeploymentDescription(multiDocYAML)
	require.NoError(t, err)

	groups := groupByGroupID(docs)
	require.Len(t, groups, 1)
	assert.Len(t, groups["web"], 2)
}

func TestGroupByGroupID_FallsBackToNameWhenGroupIDIsEmpty(t *testing.T) {
	docs := []yamlDoc{{Name: "solo", GroupID: ""}}
	groups := groupByGroupID(docs)
	require.Len(t, groups, 1)
	assert.Len(t, groups["solo"], 1)
}

func TestApplyInstructions_SetsValueAtYAMLElementPath(t *testing.T) {
	doc := yamlDoc{Tree: map[string]interface{}{
		"spec": map[string]interface{}{"replicas": 1},
	}}

	err := applyInstructions(&doc, []rotclient.Instruction{
		{YAMLElement: "spec.replicas", Value: 5},
	})
	require.NoError(t, err)

	spec := doc.Tree["spec"].(map[string]interface{})
	assert.EqualValues(t, 5, spec["replicas"])
}
