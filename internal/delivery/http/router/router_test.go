package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/download-manager/internal/adapter/memory"
	"github.com/user/download-manager/internal/adapter/yamlfile"
	"github.com/user/download-manager/internal/delivery/http/handler"
	"github.com/user/download-manager/internal/delivery/http/response"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/testutil"
	"github.com/user/download-manager/internal/usecase"
	"github.com/user/download-manager/pkg/metrics"
	"go.uber.org/zap"
)

type apiHarness struct {
	server  *httptest.Server
	manager *usecase.Manager
}

func newAPI(t *testing.T, checks ...handler.HealthCheck) *apiHarness {
	t.Helper()
	skips, err := yamlfile.LoadSkipList(afero.NewMemMapFs(), "/download_manager.yaml")
	require.NoError(t, err)

	file := &testutil.StubExecutor{Name: "file", Priority: 50, Listable: true, Prefix: "https://"}
	registry := testutil.NewRegistry(t, file, &testutil.StubExecutor{Name: "internal", Priority: 10, Prefix: "https://internal."})
	manager := usecase.NewManager(usecase.Config{}, testutil.NewTestRepo(t), skips, memory.NewDomainLocks(), registry, zap.NewNop())

	reg := prometheus.NewRegistry()
	h := handler.NewHandler(manager, 5*time.Second, zap.NewNop(), checks...)
	server := httptest.NewServer(New(h, metrics.New(reg), reg, zap.NewNop()))
	t.Cleanup(func() {
		server.Close()
		manager.Stop(context.Background())
	})
	return &apiHarness{server: server, manager: manager}
}

func (a *apiHarness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	api := newAPI(t,
		handler.HealthCheck{Name: "database", Check: func(context.Context) error { return nil }},
	)
	resp := api.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[response.Health](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "healthy", health.Components["database"])

	degraded := newAPI(t,
		handler.HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("refused") }},
	)
	resp = degraded.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", decode[response.Health](t, resp).Components["redis"])
}

func TestScheduleAndGet(t *testing.T) {
	api := newAPI(t)

	resp := api.do(t, http.MethodPost, "/api/downloads", map[string]any{"url": "https://example.com/a.zip"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[entity.Download](t, resp)
	assert.Equal(t, "file", created.ExecutorName)
	assert.Equal(t, entity.StatusNew, created.Status)

	resp = api.do(t, http.MethodGet, "/api/downloads/"+itoa(created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.URL, decode[entity.Download](t, resp).URL)

	resp = api.do(t, http.MethodGet, "/api/downloads/9999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = api.do(t, http.MethodGet, "/api/downloads/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleErrors(t *testing.T) {
	api := newAPI(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"invalid url", map[string]any{"url": "not a url"}, http.StatusBadRequest},
		{"unknown executor", map[string]any{"url": "https://example.com/a", "executor": "torrent"}, http.StatusBadRequest},
		{"no executor", map[string]any{"url": "ftp://example.com/a"}, http.StatusUnprocessableEntity},
		{"bad frequency", map[string]any{"url": "https://example.com/a", "frequency": -5}, http.StatusBadRequest},
		{"mixed batch", map[string]any{"url": "https://example.com/a", "urls": []string{"https://example.com/b"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.do(t, http.MethodPost, "/api/downloads", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	require.NoError(t, api.manager.SkipURLs("https://example.com/skipped"))
	resp := api.do(t, http.MethodPost, "/api/downloads", map[string]any{"url": "https://example.com/skipped"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = api.do(t, http.MethodPost, "/api/downloads", map[string]any{"url": "https://example.com/skipped", "reset_attempts": true})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestListDownloads(t *testing.T) {
	api := newAPI(t)

	resp := api.do(t, http.MethodPost, "/api/downloads", map[string]any{
		"urls": []string{"https://example.com/1", "https://example.com/2"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 2, decode[response.Downloads](t, resp).Count)

	resp = api.do(t, http.MethodPost, "/api/downloads", map[string]any{"url": "https://example.com/feed.xml", "frequency": 3600})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	feed := decode[entity.Download](t, resp)
	assert.Equal(t, time.Hour, feed.Frequency)

	resp = api.do(t, http.MethodGet, "/api/downloads/"+itoa(feed.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3600, decode[map[string]any](t, resp)["frequency"], "frequency is sent back in seconds")

	resp = api.do(t, http.MethodGet, "/api/downloads?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[response.Downloads](t, resp).Count)

	resp = api.do(t, http.MethodGet, "/api/downloads?kind=recurring", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recurring := decode[response.Downloads](t, resp)
	require.Equal(t, 1, recurring.Count)
	assert.Equal(t, "https://example.com/feed.xml", recurring.Downloads[0].URL)

	resp = api.do(t, http.MethodGet, "/api/downloads?kind=weekly", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = api.do(t, http.MethodGet, "/api/downloads?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadActions(t *testing.T) {
	api := newAPI(t)
	ctx := context.Background()

	d, err := api.manager.ScheduleOne(ctx, "https://example.com/a.zip", usecase.ScheduleOptions{})
	require.NoError(t, err)
	id := itoa(d.ID)

	resp := api.do(t, http.MethodPost, "/api/downloads/"+id+"/kill", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/downloads/"+id+"/renew", map[string]any{"reset_attempts": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, entity.StatusNew, decode[entity.Download](t, resp).Status)

	resp = api.do(t, http.MethodPost, "/api/downloads/"+id+"/renew", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.do(t, http.MethodDelete, "/api/downloads/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = api.do(t, http.MethodDelete, "/api/downloads/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/downloads/clear_completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, decode[response.Deleted](t, resp).Deleted)
	resp = api.do(t, http.MethodPost, "/api/downloads/clear_failed", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExecutors(t *testing.T) {
	api := newAPI(t)
	resp := api.do(t, http.MethodGet, "/api/executors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	executors := decode[response.Executors](t, resp).Executors
	require.Len(t, executors, 1)
	assert.Equal(t, "file", executors[0].Name)
}

func TestManagerLifecycle(t *testing.T) {
	api := newAPI(t)

	resp := api.do(t, http.MethodPost, "/api/manager/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[usecase.ManagerStatus](t, resp).Running)

	resp = api.do(t, http.MethodPost, "/api/manager/kill", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[usecase.ManagerStatus](t, resp)
	assert.False(t, status.Running)
	assert.True(t, status.Disabled)

	resp = api.do(t, http.MethodPost, "/api/manager/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = api.do(t, http.MethodPost, "/api/manager/enable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[usecase.ManagerStatus](t, resp).Running)

	resp = api.do(t, http.MethodPost, "/api/manager/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[usecase.ManagerStatus](t, resp).Running)

	resp = api.do(t, http.MethodPost, "/api/manager/reboot", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/manager", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSkipList(t *testing.T) {
	api := newAPI(t)

	resp := api.do(t, http.MethodPost, "/api/skip", map[string]any{"urls": []string{"https://b.example/2", "https://a.example/1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"https://a.example/1", "https://b.example/2"}, decode[response.SkipList](t, resp).URLs)

	resp = api.do(t, http.MethodDelete, "/api/skip", map[string]any{"urls": []string{"https://a.example/1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"https://b.example/2"}, decode[response.SkipList](t, resp).URLs)

	resp = api.do(t, http.MethodPost, "/api/skip", map[string]any{"urls": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpointUsesRoutePatterns(t *testing.T) {
	api := newAPI(t)
	api.do(t, http.MethodGet, "/api/downloads/42", nil)

	resp := api.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `path="/api/downloads/{id}"`)
	assert.NotContains(t, string(body), `path="/api/downloads/42"`)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
