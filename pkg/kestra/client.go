// Package kestra wraps the workflow engine's REST API. The broadcast core
// consumes only two things from it: triggering a run and opening the
// engine's native follow stream; the remaining calls are passthroughs for
// operators driving scans.
package kestra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEngineUnavailable indicates the engine could not be reached or
	// answered with an unexpected status.
	ErrEngineUnavailable = errors.New("workflow engine unavailable")

	// ErrExecutionNotFound indicates the engine does not know the execution.
	ErrExecutionNotFound = errors.New("execution not found")
)

const defaultTimeout = 30 * time.Second

type Client struct {
	baseURL    string
	namespace  string
	flowID     string
	webhookKey string
	httpClient *http.Client
	logger     *slog.Logger
}

type Config struct {
	BaseURL    string
	Namespace  string
	FlowID     string
	WebhookKey string
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		namespace:  cfg.Namespace,
		flowID:     cfg.FlowID,
		webhookKey: cfg.WebhookKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.With("module", "kestra_client"),
	}
}

// TriggerResult is the engine's acknowledgment of a started run.
type TriggerResult struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
	Namespace   string `json:"namespace"`
	FlowID      string `json:"flow_id"`
}

// Trigger starts the scan pipeline for a repository via the flow's webhook
// trigger and returns the execution id the engine assigned.
func (c *Client) Trigger(ctx context.Context, repositoryURL, branch string) (*TriggerResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/executions/webhook/%s/%s/%s",
		c.baseURL, c.namespace, c.flowID, c.webhookKey)

	// The webhook trigger takes flow inputs as query parameters.
	query := url.Values{}
	query.Set("repository_url", repositoryURL)
	query.Set("branch", branch)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
	}
	defer closeBody(resp.Body, c.logger)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: trigger returned status %d", ErrEngineUnavailable, resp.StatusCode)
	}

	var body struct {
		ID string `json:"id"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode trigger response: %w", err)
	}

	return &TriggerResult{
		ExecutionID: body.ID,
		State:       "CREATED",
		Namespace:   c.namespace,
		FlowID:      c.flowID,
	}, nil
}

// ExecutionStatus is the engine's authoritative view of a run, used as the
// polling fallback when no progress events ever arrive.
type ExecutionStatus struct {
	ExecutionID string         `json:"execution_id"`
	State       string         `json:"state"`
	StartDate   string         `json:"start_date,omitempty"`
	EndDate     string         `json:"end_date,omitempty"`
	TaskCount   int            `json:"task_count"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}

func (c *Client) ExecutionStatus(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	var body struct {
		State struct {
			Current   string `json:"current"`
			StartDate string `json:"startDate"`
			EndDate   string `json:"endDate"`
		} `json:"state"`
		TaskRunList []struct {
			TaskID  string         `json:"taskId"`
			Outputs map[string]any `json:"outputs"`
		} `json:"taskRunList"`
	}

	err := c.getJSON(ctx, fmt.Sprintf("%s/api/v1/executions/%s", c.baseURL, url.PathEscape(executionID)), &body)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]any)

	for _, task := range body.TaskRunList {
		if len(task.Outputs) > 0 {
			outputs[task.TaskID] = task.Outputs
		}
	}

	state := body.State.Current
	if state == "" {
		state = "UNKNOWN"
	}

	return &ExecutionStatus{
		ExecutionID: executionID,
		State:       state,
		StartDate:   body.State.StartDate,
		EndDate:     body.State.EndDate,
		TaskCount:   len(body.TaskRunList),
		Outputs:     outputs,
	}, nil
}

// LogLine is one engine-side log entry for an execution.
type LogLine struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id"`
}

func (c *Client) ExecutionLogs(ctx context.Context, executionID string, limit int) ([]LogLine, error) {
	endpoint := fmt.Sprintf("%s/api/v1/logs/%s?minLevel=INFO&size=%s",
		c.baseURL, url.PathEscape(executionID), strconv.Itoa(limit))

	var body []struct {
		Timestamp string `json:"timestamp"`
		Level     string `json:"level"`
		Message   string `json:"message"`
		TaskID    string `json:"taskId"`
	}

	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return nil, err
	}

	lines := make([]LogLine, len(body))
	for i, entry := range body {
		lines[i] = LogLine{
			Timestamp: entry.Timestamp,
			Level:     entry.Level,
			Message:   entry.Message,
			TaskID:    entry.TaskID,
		}
	}

	return lines, nil
}

// Kill stops a running execution. The engine rejects kills of completed
// executions; that surfaces as ErrEngineUnavailable with the status code.
func (c *Client) Kill(ctx context.Context, executionID string) error {
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s/kill", c.baseURL, url.PathEscape(executionID))

	return c.do(ctx, http.MethodDelete, endpoint, nil)
}

// Replay starts a new execution with the same inputs as a previous one and
// returns the new execution id.
func (c *Client) Replay(ctx context.Context, executionID string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s/replay", c.baseURL, url.PathEscape(executionID))

	var body struct {
		ID string `json:"id"`
	}

	if err := c.do(ctx, http.MethodPost, endpoint, &body); err != nil {
		return "", err
	}

	return body.ID, nil
}

// Restart resumes a FAILED execution from its failed task, preserving
// outputs of completed tasks, and returns the new execution id.
func (c *Client) Restart(ctx context.Context, executionID string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s/restart", c.baseURL, url.PathEscape(executionID))

	var body struct {
		ID string `json:"id"`
	}

	if err := c.do(ctx, http.MethodPost, endpoint, &body); err != nil {
		return "", err
	}

	return body.ID, nil
}

// OutputFile is one artifact produced by a task, addressable for download
// via its storage URI.
type OutputFile struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	URI    string `json:"uri"`
}

// OutputFiles lists the artifacts an execution produced. The engine exposes
// them as storage URIs inside each task run's outputs.
func (c *Client) OutputFiles(ctx context.Context, executionID string) ([]OutputFile, error) {
	var body struct {
		TaskRunList []struct {
			TaskID  string         `json:"taskId"`
			Outputs map[string]any `json:"outputs"`
		} `json:"taskRunList"`
	}

	err := c.getJSON(ctx, fmt.Sprintf("%s/api/v1/executions/%s", c.baseURL, url.PathEscape(executionID)), &body)
	if err != nil {
		return nil, err
	}

	files := []OutputFile{}

	for _, task := range body.TaskRunList {
		for name, value := range task.Outputs {
			uri, ok := value.(string)
			if !ok || !strings.HasPrefix(uri, "kestra://") {
				continue
			}

			files = append(files, OutputFile{TaskID: task.TaskID, Name: name, URI: uri})
		}
	}

	return files, nil
}

// DownloadFile streams one output file by its storage URI. The caller owns
// the returned body and must close it.
func (c *Client) DownloadFile(ctx context.Context, executionID, path string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s/file?path=%s",
		c.baseURL, url.PathEscape(executionID), url.QueryEscape(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		closeBody(resp.Body, c.logger)

		return nil, ErrExecutionNotFound
	}

	if resp.StatusCode != http.StatusOK {
		closeBody(resp.Body, c.logger)

		return nil, fmt.Errorf("%w: file returned status %d", ErrEngineUnavailable, resp.StatusCode)
	}

	return resp.Body, nil
}

// Metric is one timing or counter value the engine recorded for a task.
type Metric struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Value  float64           `json:"value"`
	TaskID string            `json:"task_id,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Metrics returns per-task timing and counter data for an execution.
func (c *Client) Metrics(ctx context.Context, executionID string) ([]Metric, error) {
	var body struct {
		Results []struct {
			Name   string            `json:"name"`
			Type   string            `json:"type"`
			Value  float64           `json:"value"`
			TaskID string            `json:"taskId"`
			Tags   map[string]string `json:"tags"`
		} `json:"results"`
	}

	err := c.getJSON(ctx, fmt.Sprintf("%s/api/v1/executions/%s/metrics", c.baseURL, url.PathEscape(executionID)), &body)
	if err != nil {
		return nil, err
	}

	metrics := make([]Metric, 0, len(body.Results))

	for _, result := range body.Results {
		metrics = append(metrics, Metric{
			Name:   result.Name,
			Type:   result.Type,
			Value:  result.Value,
			TaskID: result.TaskID,
			Tags:   result.Tags,
		})
	}

	return metrics, nil
}

// Follow opens the engine's native execution-follow stream. The caller owns
// the returned body and must close it; each line is one self-contained
// event document.
func (c *Client) Follow(ctx context.Context, executionID string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s/follow", c.baseURL, url.PathEscape(executionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "text/event-stream")

	// Follow connections outlive the default request timeout; cancellation
	// comes from the caller's context instead.
	client := &http.Client{Transport: c.httpClient.Transport}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		closeBody(resp.Body, c.logger)

		return nil, ErrExecutionNotFound
	}

	if resp.StatusCode != http.StatusOK {
		closeBody(resp.Body, c.logger)

		return nil, fmt.Errorf("%w: follow returned status %d", ErrEngineUnavailable, resp.StatusCode)
	}

	return resp.Body, nil
}

// Health reports whether the engine is reachable. A 401 still counts as
// online: the engine is up but requires auth for the flows listing.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/flows", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
	}
	defer closeBody(resp.Body, c.logger)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("%w: flows returned status %d", ErrEngineUnavailable, resp.StatusCode)
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
	}
	defer closeBody(resp.Body, c.logger)

	if resp.StatusCode == http.StatusNotFound {
		return ErrExecutionNotFound
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %s %s returned status %d", ErrEngineUnavailable, method, endpoint, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}

	return nil
}

func closeBody(body io.ReadCloser, logger *slog.Logger) {
	if err := body.Close(); err != nil {
		logger.Debug("Failed to close response body", "error", err)
	}
}
