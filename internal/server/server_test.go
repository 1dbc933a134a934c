package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/searchscope/search-gateway/internal/audit"
	"github.com/searchscope/search-gateway/internal/auth"
	"github.com/searchscope/search-gateway/internal/backend"
	"github.com/searchscope/search-gateway/internal/config"
	"github.com/searchscope/search-gateway/internal/dispatch"
	"github.com/searchscope/search-gateway/internal/health"
	"github.com/searchscope/search-gateway/internal/limiter"
	"github.com/searchscope/search-gateway/internal/protocol"
	"github.com/searchscope/search-gateway/internal/registry"
	"github.com/searchscope/search-gateway/internal/tools"
)

// fakeCluster plays the backend for the full HTTP stack.
type fakeCluster struct {
	indices []backend.IndexSummary
	color   string
	infoErr error
}

func (f *fakeCluster) Info(ctx context.Context) (backend.Info, error) {
	if f.infoErr != nil {
		return backend.Info{}, f.infoErr
	}
	return backend.Info{ClusterName: "docs-cluster", Version: "2.11.0"}, nil
}

func (f *fakeCluster) ListIndices(context.Context) ([]backend.IndexSummary, error) {
	return f.indices, nil
}

func (f *fakeCluster) IndexStats(_ context.Context, index string) (backend.IndexStats, error) {
	return backend.IndexStats{Index: index, DocsCount: 42}, nil
}

func (f *fakeCluster) ClusterHealth(context.Context) (backend.ClusterHealth, error) {
	return backend.ClusterHealth{ClusterName: "docs-cluster", Status: f.color}, nil
}

func newTestServer(t *testing.T, fc *fakeCluster) *httptest.Server {
	t.Helper()

	cfg := config.Config{
		Server: config.ServerConfig{
			Host:       "127.0.0.1",
			Port:       0,
			Path:       "/ossserver/mcp",
			HealthPath: "/ossserver/health",
		},
		OpenSearch: config.OpenSearchConfig{DefaultIndex: "documents", MaxResults: 100},
	}

	reg := registry.New()
	if err := tools.Register(reg, fc, cfg.OpenSearch); err != nil {
		t.Fatalf("register tools: %v", err)
	}

	authn, err := auth.New(config.AuthConfig{Enabled: false})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	reporter, err := health.NewReporter(fc, "search-gateway", "test-instance", time.Second, 0)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}

	promReg := prometheus.NewRegistry()
	srv := New(Options{
		Config:     cfg,
		Dispatcher: dispatch.New(reg, nil, 0),
		Health:     reporter,
		Auth:       authn,
		Limiter:    limiter.New(limiter.Config{Enabled: false}),
		Audit:      audit.New(false, io.Discard),
		Metrics:    NewMetrics(promReg),
		Gatherer:   promReg,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func invoke(t *testing.T, ts *httptest.Server, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/ossserver/mcp", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeResponse(t *testing.T, data []byte) protocol.Response {
	t.Helper()
	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode response %s: %v", data, err)
	}
	return resp
}

func TestToolsListOverHTTP(t *testing.T) {
	ts := newTestServer(t, &fakeCluster{color: "green"})

	httpResp, data := invoke(t, ts, `{"id":"1","method":"tools/list","params":{}}`, nil)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", httpResp.StatusCode, data)
	}
	resp := decodeResponse(t, data)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if string(resp.ID) != `"1"` {
		t.Fatalf("id not echoed: %s", resp.ID)
	}
	if !strings.Contains(string(data), `"list_indices"`) {
		t.Fatalf("list_indices descriptor missing: %s", data)
	}
}

func TestListIndicesOverHTTP(t *testing.T) {
	fc := &fakeCluster{
		color:   "green",
		indices: []backend.IndexSummary{{Index: "documents", DocsCount: "120", Health: "green", Status: "open"}},
	}
	ts := newTestServer(t, fc)

	httpResp, data := invoke(t, ts, `{"id":"2","method":"list_indices","params":{}}`, nil)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", httpResp.StatusCode, data)
	}
	resp := decodeResponse(t, data)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if !strings.Contains(string(data), `"documents"`) {
		t.Fatalf("expected documents index in result: %s", data)
	}
}

func TestUnknownToolOverHTTP(t *testing.T) {
	ts := newTestServer(t, &fakeCluster{color: "green"})

	httpResp, data := invoke(t, ts, `{"id":"3","method":"unknown_tool","params":{}}`, nil)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("in-band errors must keep HTTP 200, got %d", httpResp.StatusCode)
	}
	resp := decodeResponse(t, data)
	if resp.Error == nil || resp.Error.Kind != protocol.KindMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %s", data)
	}
	if string(resp.ID) != `"3"` {
		t.Fatalf("id not echoed: %s", resp.ID)
	}
}

func TestMalformedBodyRejectedAtTransport(t *testing.T) {
	ts := newTestServer(t, &fakeCluster{color: "green"})

	httpResp, data := invoke(t, ts, `{"id":"4","method":`, nil)
	if httpResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d: %s", httpResp.StatusCode, data)
	}

	httpResp, data = invoke(t, ts, `{"id":"5","params":{}}`, nil)
	if httpResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing method, got %d: %s", httpResp.StatusCode, data)
	}
}

func TestEventStreamNegotiation(t *testing.T) {
	ts := newTestServer(t, &fakeCluster{color: "green"})

	httpResp, data := invoke(t, ts, `{"id":"6","method":"tools/list","params":{}}`,
		map[string]string{"Accept": "text/event-stream"})
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", httpResp.StatusCode, data)
	}
	if ct := httpResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event-stream content type, got %s", ct)
	}
	body := string(data)
	if !strings.HasPrefix(body, "event: message\ndata: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("unexpected SSE framing: %q", body)
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(body, "event: message\ndata: "), "\n\n")
	resp := decodeResponse(t, []byte(payload))
	if resp.Error != nil {
		t.Fatalf("unexpected error in stream: %+v", resp.Error)
	}
}

func TestHealthEndpointHealthy(t *testing.T) {
	ts := newTestServer(t, &fakeCluster{color: "green"})

	httpResp, err := ts.Client().Get(ts.URL + "/ossserver/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", httpResp.StatusCode)
	}

	var snap health.Snapshot
	if err := json.NewDecoder(httpResp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Status != "healthy" || snap.Backend.ClusterName != "docs-cluster" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHealthEndpointBackendDown(t *testing.T) {
	ts := newTestServer(t, &fakeCluster{infoErr: context.DeadlineExceeded})

	httpResp, err := ts.Client().Get(ts.URL + "/ossserver/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", httpResp.StatusCode)
	}
}

func TestMetricsExportedOnServedRegistry(t *testing.T) {
	ts := newTestServer(t, &fakeCluster{color: "green"})

	// Handle one request so the request counter has a sample to export.
	if httpResp, data := invoke(t, ts, `{"id":"m1","method":"tools/list","params":{}}`, nil); httpResp.StatusCode != http.StatusOK {
		t.Fatalf("invoke status %d: %s", httpResp.StatusCode, data)
	}

	httpResp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	exposition := string(body)
	if !strings.Contains(exposition, `gateway_requests_total{kind="ok",method="tools/list"} 1`) {
		t.Fatalf("request counter missing from /metrics exposition:\n%s", exposition)
	}
	if !strings.Contains(exposition, "gateway_request_duration_seconds") {
		t.Fatalf("duration histogram missing from /metrics exposition:\n%s", exposition)
	}
}
