package batch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken struct{}

func (staticToken) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "test-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Auth   string
	Body   map[string]any
}

type batchStub struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (s *batchStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  map[string]string{},
		Auth:   r.Header.Get("Authorization"),
	}
	for k := range r.URL.Query() {
		rec.Query[k] = r.URL.Query().Get(k)
	}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}
	s.mu.Lock()
	s.requests = append(s.requests, rec)
	s.mu.Unlock()
	s.handler(w, r)
}

func (s *batchStub) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newStubClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *batchStub) {
	t.Helper()
	stub := &batchStub{handler: handler}
	srv := httptest.NewTLSServer(stub)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, staticToken{}, zerolog.Nop(), WithTransport(srv.Client()))
	require.NoError(t, err)
	return client, stub
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient("  ", staticToken{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestClient_AddJobAndTask(t *testing.T) {
	client, stub := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	ctx := context.Background()

	require.NoError(t, client.AddJob(ctx, JobSpec{ID: "trame-1", DisplayName: "trame (a:b)", PoolID: "trame-pool"}))
	req := stub.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/jobs", req.Path)
	assert.Equal(t, apiVersion, req.Query["api-version"])
	assert.Equal(t, "Bearer test-token", req.Auth)
	assert.Equal(t, "trame-1", req.Body["id"])
	assert.Equal(t, map[string]any{"poolId": "trame-pool"}, req.Body["poolInfo"])

	require.NoError(t, client.AddTask(ctx, "trame-1", TaskSpec{
		ID:               "task-0",
		Image:            "registry.example/trame/trame-paraview:latest",
		Ports:            PortMapping{HostPort: 8123, ContainerPort: 8080},
		CommandLine:      "/bin/true",
		ElevatedAutoUser: true,
	}))
	req = stub.last()
	assert.Equal(t, "/jobs/trame-1/tasks", req.Path)
	settings := req.Body["containerSettings"].(map[string]any)
	assert.Equal(t, "-p 8123:8080", settings["containerRunOptions"])
	assert.Equal(t, "registry.example/trame/trame-paraview:latest", settings["imageName"])
	identity := req.Body["userIdentity"].(map[string]any)["autoUser"].(map[string]any)
	assert.Equal(t, "admin", identity["elevationLevel"])
	assert.Equal(t, "pool", identity["scope"])
}

func TestClient_GetTaskDecodesNodeInfo(t *testing.T) {
	client, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"task-0","state":"running","nodeInfo":{"poolId":"trame-pool","nodeId":"tvm-1"}}`)
	})
	task, err := client.GetTask(context.Background(), "job", "task-0")
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, task.State)
	assert.True(t, task.Assigned())
	assert.Equal(t, "tvm-1", task.NodeInfo.NodeID)
}

func TestClient_ListTaskFilesSendsFilter(t *testing.T) {
	client, stub := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"value":[{"name":"wd/server-ready.txt","isDirectory":false}]}`)
	})
	files, err := client.ListTaskFiles(context.Background(), "job", "task-0", "wd/server-ready.txt")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "wd/server-ready.txt", files[0].Name)

	req := stub.last()
	assert.Equal(t, "/jobs/job/tasks/task-0/files", req.Path)
	assert.Equal(t, "true", req.Query["recursive"])
	assert.Equal(t, "startswith(name, 'wd/server-ready.txt')", req.Query["$filter"])
}

func TestClient_NotFoundIsWrapped(t *testing.T) {
	client, _ := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":"TaskNotFound","message":{"value":"missing"}}`)
	})
	_, err := client.GetTask(context.Background(), "job", "task-0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestClient_TerminateAndResize(t *testing.T) {
	client, stub := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	ctx := context.Background()

	require.NoError(t, client.TerminateTask(ctx, "job", "task-0"))
	assert.Equal(t, "/jobs/job/tasks/task-0/terminate", stub.last().Path)

	require.NoError(t, client.TerminateJob(ctx, "job"))
	assert.Equal(t, "/jobs/job/terminate", stub.last().Path)

	require.NoError(t, client.ResizePool(ctx, "trame-pool", 3))
	req := stub.last()
	assert.Equal(t, "/pools/trame-pool/resize", req.Path)
	assert.Equal(t, float64(3), req.Body["targetDedicatedNodes"])

	assert.Error(t, client.ResizePool(ctx, "trame-pool", -1))
}
