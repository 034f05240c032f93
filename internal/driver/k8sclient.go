package driver

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// K8sConfig addresses one cluster's API server. Authentication is a
// service-account bearer token against a possibly self-signed server; a
// minimal typed REST client covers that without pulling in the full k8s.io
// client library (see DESIGN.md's dropped-dependency note).
type K8sConfig struct {
	Host               string
	Token              string
	Namespace          string
	InsecureSkipVerify bool
}

// k8sRESTClient is a thin, typed REST client against the subset of the
// Kubernetes API the Driver needs: ConfigMaps, PersistentVolumes,
// PersistentVolumeClaims, Deployments, Nodes and Pods.
type k8sRESTClient struct {
	cfg  K8sConfig
	http *http.Client
}

func newK8sRESTClient(cfg K8sConfig) *k8sRESTClient {
	return &k8sRESTClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
			},
		},
	}
}

func (c *k8sRESTClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Host+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, buf.Bytes(), nil
}

func (c *k8sRESTClient) list(ctx context.Context, path, nameSelector string) ([]map[string]any, error) {
	q := ""
	if nameSelector != "" {
		q = "?fieldSelector=" + url.QueryEscape("metadata.name="+nameSelector)
	}
	status, body, err := c.do(ctx, http.MethodGet, path+q, nil)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("k8s: GET %s returned %d", path, status)
	}
	var list struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// applyResource replaces resource name if it already exists under path, or
// creates it otherwise, so re-applying the same bundle after a crash is
// idempotent regardless of doc kind.
func (c *k8sRESTClient) applyResource(ctx context.Context, collectionPath string, doc map[string]any, name string) (map[string]any, error) {
	existing, err := c.list(ctx, collectionPath, name)
	if err != nil {
		return nil, err
	}

	var status int
	var body []byte
	if len(existing) > 0 {
		status, body, err = c.do(ctx, http.MethodPut, collectionPath+"/"+name, doc)
	} else {
		status, body, err = c.do(ctx, http.MethodPost, collectionPath, doc)
	}
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("k8s: apply %s returned %d", collectionPath, status)
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *k8sRESTClient) namespacedPath(resource string) string {
	return fmt.Sprintf("/api/v1/namespaces/%s/%s", c.cfg.Namespace, resource)
}

func (c *k8sRESTClient) applyConfigMap(ctx context.Context, doc map[string]any, name string) error {
	_, err := c.applyResource(ctx, c.namespacedPath("configmaps"), doc, name)
	return err
}

func (c *k8sRESTClient) applyPersistentVolume(ctx context.Context, doc map[string]any, name string) error {
	_, err := c.applyResource(ctx, "/api/v1/persistentvolumes", doc, name)
	return err
}

func (c *k8sRESTClient) applyPersistentVolumeClaim(ctx context.Context, doc map[string]any, name string) error {
	existing, err := c.list(ctx, c.namespacedPath("persistentvolumeclaims"), name)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	status, _, err := c.do(ctx, http.MethodPost, c.namespacedPath("persistentvolumeclaims"), doc)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("k8s: create persistentvolumeclaim returned %d", status)
	}
	return nil
}

func (c *k8sRESTClient) appsPath(resource string) string {
	return fmt.Sprintf("/apis/apps/v1/namespaces/%s/%s", c.cfg.Namespace, resource)
}

// applyDeployment creates or replaces a Deployment doc and returns the
// server-assigned metadata.uid.
func (c *k8sRESTClient) applyDeployment(ctx context.Context, doc map[string]any, name string) (string, error) {
	result, err := c.applyResource(ctx, c.appsPath("deployments"), doc, name)
	if err != nil {
		return "", err
	}
	meta, _ := result["metadata"].(map[string]any)
	uid, _ := meta["uid"].(string)
	return uid, nil
}

func (c *k8sRESTClient) deleteDeployment(ctx context.Context, name string) error {
	path := c.appsPath("deployments") + "/" + name +
		"?propagationPolicy=Foreground&gracePeriodSeconds=5"
	status, _, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusNotFound {
		return fmt.Errorf("k8s: delete deployment %s returned %d", name, status)
	}
	return nil
}

func (c *k8sRESTClient) listNodes(ctx context.Context) ([]map[string]any, error) {
	return c.list(ctx, "/api/v1/nodes", "")
}

// podNodeByLabel returns the node the first matching pod landed on, or
// "" if no pod matches yet (a Deployment's pods may not be scheduled the
// instant ApplyDeployment returns).
func (c *k8sRESTClient) podNodeByLabel(ctx context.Context, labelSelector string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.namespacedPath("pods")+"?labelSelector="+url.QueryEscape(labelSelector), nil)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("k8s: list pods returned %d", status)
	}
	var list struct {
		Items []struct {
			Spec struct {
				NodeName string `json:"nodeName"`
			} `json:"spec"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return "", err
	}
	for _, item := range list.Items {
		if item.Spec.NodeName != "" {
			return item.Spec.NodeName, nil
		}
	}
	return "", nil
}
