package kestra_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redloop/redloop/pkg/kestra"
	"github.com/redloop/redloop/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *kestra.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return kestra.NewClient(kestra.Config{
		BaseURL:    server.URL,
		Namespace:  "redloop.security",
		FlowID:     "redloop_orchestrator_v1",
		WebhookKey: "redloop_secret",
	}, log.WithModule("test"))
}

func TestClient_Trigger(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/executions/webhook/redloop.security/redloop_orchestrator_v1/redloop_secret", r.URL.Path)
		assert.Equal(t, "https://github.com/example/repo", r.URL.Query().Get("repository_url"))
		assert.Equal(t, "main", r.URL.Query().Get("branch"))

		fmt.Fprint(w, `{"id": "exec-123"}`)
	}))

	result, err := client.Trigger(context.Background(), "https://github.com/example/repo", "main")
	require.NoError(t, err)
	assert.Equal(t, "exec-123", result.ExecutionID)
	assert.Equal(t, "CREATED", result.State)
	assert.Equal(t, "redloop.security", result.Namespace)
}

func TestClient_TriggerEngineDown(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Trigger(context.Background(), "https://github.com/example/repo", "main")
	require.ErrorIs(t, err, kestra.ErrEngineUnavailable)
}

func TestClient_ExecutionStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions/exec-123", r.URL.Path)

		fmt.Fprint(w, `{
			"state": {"current": "RUNNING", "startDate": "2025-01-01T00:00:00Z"},
			"taskRunList": [
				{"taskId": "clone_repository", "outputs": {"path": "/tmp/repo"}},
				{"taskId": "adversary_scan", "outputs": {}}
			]
		}`)
	}))

	status, err := client.ExecutionStatus(context.Background(), "exec-123")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, 2, status.TaskCount)
	assert.Contains(t, status.Outputs, "clone_repository")
	assert.NotContains(t, status.Outputs, "adversary_scan")
}

func TestClient_ExecutionStatusNotFound(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.ExecutionStatus(context.Background(), "missing")
	require.ErrorIs(t, err, kestra.ErrExecutionNotFound)
}

func TestClient_ExecutionLogs(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/logs/exec-123", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("size"))

		fmt.Fprint(w, `[{"timestamp":"2025-01-01T00:00:00Z","level":"INFO","message":"cloning","taskId":"clone_repository"}]`)
	}))

	lines, err := client.ExecutionLogs(context.Background(), "exec-123", 25)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "clone_repository", lines[0].TaskID)
	assert.Equal(t, "INFO", lines[0].Level)
}

func TestClient_KillReplayRestart(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/executions/exec-123/kill":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/executions/exec-123/replay":
			fmt.Fprint(w, `{"id": "exec-replay"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/executions/exec-123/restart":
			fmt.Fprint(w, `{"id": "exec-restart"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	ctx := context.Background()

	require.NoError(t, client.Kill(ctx, "exec-123"))

	replayID, err := client.Replay(ctx, "exec-123")
	require.NoError(t, err)
	assert.Equal(t, "exec-replay", replayID)

	restartID, err := client.Restart(ctx, "exec-123")
	require.NoError(t, err)
	assert.Equal(t, "exec-restart", restartID)
}

func TestClient_Follow(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions/exec-123/follow", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		fmt.Fprint(w, "{\"state\":{\"current\":\"RUNNING\"}}\n")
	}))

	body, err := client.Follow(context.Background(), "exec-123")
	require.NoError(t, err)

	defer func() { _ = body.Close() }()

	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(content), "RUNNING")
}

func TestClient_FollowNonSuccess(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.Follow(context.Background(), "exec-123")
	require.ErrorIs(t, err, kestra.ErrEngineUnavailable)
}

func TestClient_Health(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{"online", http.StatusOK, false},
		{"online with auth required", http.StatusUnauthorized, false},
		{"engine error", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))

			err := client.Health(context.Background())
			if tt.wantErr {
				require.ErrorIs(t, err, kestra.ErrEngineUnavailable)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestClient_OutputFiles(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions/exec-123", r.URL.Path)

		fmt.Fprint(w, `{
			"taskRunList": [
				{"taskId": "semgrep_scan", "outputs": {"report": "kestra:///redloop/report.json", "count": 12}},
				{"taskId": "clone_repository", "outputs": {"commit": "abc123"}}
			]
		}`)
	}))

	files, err := client.OutputFiles(context.Background(), "exec-123")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "semgrep_scan", files[0].TaskID)
	assert.Equal(t, "report", files[0].Name)
	assert.Equal(t, "kestra:///redloop/report.json", files[0].URI)
}

func TestClient_DownloadFile(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions/exec-123/file", r.URL.Path)
		assert.Equal(t, "kestra:///redloop/report.json", r.URL.Query().Get("path"))

		fmt.Fprint(w, `{"findings": []}`)
	}))

	body, err := client.DownloadFile(context.Background(), "exec-123", "kestra:///redloop/report.json")
	require.NoError(t, err)

	defer func() {
		require.NoError(t, body.Close())
	}()

	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"findings": []}`, string(content))
}

func TestClient_Metrics(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions/exec-123/metrics", r.URL.Path)

		fmt.Fprint(w, `{
			"results": [
				{"name": "duration", "type": "timer", "value": 4.2, "taskId": "semgrep_scan"}
			]
		}`)
	}))

	metrics, err := client.Metrics(context.Background(), "exec-123")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "duration", metrics[0].Name)
	assert.Equal(t, "timer", metrics[0].Type)
	assert.Equal(t, "semgrep_scan", metrics[0].TaskID)
	assert.InEpsilon(t, 4.2, metrics[0].Value, 0.001)
}
