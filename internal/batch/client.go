package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/rs/zerolog"
)

const (
	apiVersion    = "2023-05-01.17.0"
	batchScope    = "https://batch.core.windows.net//.default"
	odataJSON     = "application/json; odata=minimalmetadata"
	moduleName    = "batchgateway"
	moduleVersion = "v1.0.0"
)

// Client talks to the Azure Batch data plane REST API.
type Client struct {
	endpoint string
	pipeline runtime.Pipeline
	logger   zerolog.Logger
}

// Option customizes the pipeline used by Client.
type Option func(*policy.ClientOptions)

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(t policy.Transporter) Option {
	return func(o *policy.ClientOptions) {
		o.Transport = t
	}
}

// NewClient builds a Batch client for endpoint (with or without scheme).
// Requests are not retried by the pipeline; callers own their polling and retry policy.
func NewClient(endpoint string, cred azcore.TokenCredential, logger zerolog.Logger, options ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("batch endpoint required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse batch endpoint: %w", err)
	}
	opts := &policy.ClientOptions{
		Retry: policy.RetryOptions{MaxRetries: -1},
	}
	for _, opt := range options {
		opt(opts)
	}
	pl := runtime.NewPipeline(moduleName, moduleVersion, runtime.PipelineOptions{
		PerRetry: []policy.Policy{runtime.NewBearerTokenPolicy(cred, []string{batchScope}, nil)},
	}, opts)
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		pipeline: pl,
		logger:   logger,
	}, nil
}

type poolInfo struct {
	PoolID string `json:"poolId"`
}

type addJobBody struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	PoolInfo    poolInfo `json:"poolInfo"`
}

func (c *Client) AddJob(ctx context.Context, job JobSpec) error {
	body := addJobBody{ID: job.ID, DisplayName: job.DisplayName, PoolInfo: poolInfo{PoolID: job.PoolID}}
	_, err := c.do(ctx, http.MethodPost, "/jobs", nil, body, nil, http.StatusCreated)
	return err
}

type autoUser struct {
	Scope          string `json:"scope"`
	ElevationLevel string `json:"elevationLevel"`
}

type userIdentity struct {
	AutoUser autoUser `json:"autoUser"`
}

type containerSettings struct {
	ContainerRunOptions string `json:"containerRunOptions,omitempty"`
	ImageName           string `json:"imageName"`
}

type addTaskBody struct {
	ID                string             `json:"id"`
	DisplayName       string             `json:"displayName,omitempty"`
	CommandLine       string             `json:"commandLine"`
	ContainerSettings *containerSettings `json:"containerSettings,omitempty"`
	UserIdentity      *userIdentity      `json:"userIdentity,omitempty"`
}

func (c *Client) AddTask(ctx context.Context, jobID string, task TaskSpec) error {
	body := addTaskBody{
		ID:          task.ID,
		DisplayName: task.DisplayName,
		CommandLine: task.CommandLine,
	}
	if task.Image != "" {
		body.ContainerSettings = &containerSettings{ImageName: task.Image}
		if task.Ports.HostPort > 0 {
			body.ContainerSettings.ContainerRunOptions = fmt.Sprintf("-p %d:%d", task.Ports.HostPort, task.Ports.ContainerPort)
		}
	}
	if task.ElevatedAutoUser {
		body.UserIdentity = &userIdentity{AutoUser: autoUser{Scope: "pool", ElevationLevel: "admin"}}
	}
	_, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/tasks", nil, body, nil, http.StatusCreated)
	return err
}

type patchJobBody struct {
	OnAllTasksComplete string   `json:"onAllTasksComplete"`
	PoolInfo           poolInfo `json:"poolInfo"`
}

func (c *Client) SetAutoTerminate(ctx context.Context, jobID, poolID string) error {
	body := patchJobBody{OnAllTasksComplete: "terminatejob", PoolInfo: poolInfo{PoolID: poolID}}
	_, err := c.do(ctx, http.MethodPatch, "/jobs/"+url.PathEscape(jobID), nil, body, nil, http.StatusOK)
	return err
}

func (c *Client) GetTask(ctx context.Context, jobID, taskID string) (Task, error) {
	var task Task
	path := "/jobs/" + url.PathEscape(jobID) + "/tasks/" + url.PathEscape(taskID)
	_, err := c.do(ctx, http.MethodGet, path, nil, nil, &task, http.StatusOK)
	return task, err
}

func (c *Client) GetNode(ctx context.Context, poolID, nodeID string) (Node, error) {
	var node Node
	path := "/pools/" + url.PathEscape(poolID) + "/nodes/" + url.PathEscape(nodeID)
	_, err := c.do(ctx, http.MethodGet, path, nil, nil, &node, http.StatusOK)
	return node, err
}

type fileList struct {
	Value []File `json:"value"`
}

func (c *Client) ListTaskFiles(ctx context.Context, jobID, taskID, prefix string) ([]File, error) {
	query := url.Values{}
	query.Set("recursive", "true")
	if prefix != "" {
		query.Set("$filter", fmt.Sprintf("startswith(name, '%s')", strings.ReplaceAll(prefix, "'", "''")))
	}
	var out fileList
	path := "/jobs/" + url.PathEscape(jobID) + "/tasks/" + url.PathEscape(taskID) + "/files"
	_, err := c.do(ctx, http.MethodGet, path, query, nil, &out, http.StatusOK)
	return out.Value, err
}

func (c *Client) TerminateTask(ctx context.Context, jobID, taskID string) error {
	path := "/jobs/" + url.PathEscape(jobID) + "/tasks/" + url.PathEscape(taskID) + "/terminate"
	_, err := c.do(ctx, http.MethodPost, path, nil, nil, nil, http.StatusNoContent, http.StatusAccepted, http.StatusOK)
	return err
}

func (c *Client) TerminateJob(ctx context.Context, jobID string) error {
	path := "/jobs/" + url.PathEscape(jobID) + "/terminate"
	_, err := c.do(ctx, http.MethodPost, path, nil, nil, nil, http.StatusAccepted, http.StatusNoContent, http.StatusOK)
	return err
}

type poolList struct {
	Value []Pool `json:"value"`
}

func (c *Client) ListPools(ctx context.Context) ([]Pool, error) {
	var out poolList
	_, err := c.do(ctx, http.MethodGet, "/pools", nil, nil, &out, http.StatusOK)
	return out.Value, err
}

func (c *Client) GetPool(ctx context.Context, poolID string) (Pool, error) {
	var pool Pool
	_, err := c.do(ctx, http.MethodGet, "/pools/"+url.PathEscape(poolID), nil, nil, &pool, http.StatusOK)
	return pool, err
}

type resizeBody struct {
	TargetDedicatedNodes int `json:"targetDedicatedNodes"`
}

func (c *Client) ResizePool(ctx context.Context, poolID string, targetDedicated int) error {
	if targetDedicated < 0 {
		return fmt.Errorf("invalid target size %d", targetDedicated)
	}
	path := "/pools/" + url.PathEscape(poolID) + "/resize"
	_, err := c.do(ctx, http.MethodPost, path, nil, resizeBody{TargetDedicatedNodes: targetDedicated}, nil, http.StatusAccepted)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, ok ...int) (*http.Response, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", apiVersion)
	req, err := runtime.NewRequest(ctx, method, c.endpoint+path)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Raw().URL.RawQuery = query.Encode()
	req.Raw().Header.Set("Accept", "application/json")
	if body != nil {
		if err := runtime.MarshalAsJSON(req, body); err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		req.Raw().Header.Set("Content-Type", odataJSON)
	}
	resp, err := c.pipeline.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if !runtime.HasStatusCode(resp, ok...) {
		respErr := runtime.NewResponseError(resp)
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("batch request rejected")
		if resp.StatusCode == http.StatusNotFound {
			return resp, fmt.Errorf("%s %s: %w: %w", method, path, ErrNotFound, respErr)
		}
		return resp, fmt.Errorf("%s %s: %w", method, path, respErr)
	}
	if out == nil {
		runtime.Drain(resp)
		return resp, nil
	}
	if err := runtime.UnmarshalAsJSON(resp, out); err != nil {
		return resp, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp, nil
}

// StatusCode extracts the HTTP status of a rejected Batch call, or 0.
func StatusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
