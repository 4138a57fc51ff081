package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/sandcastle/internal/config"
	"github.com/michaelbrown/sandcastle/internal/sandbox"
	"github.com/michaelbrown/sandcastle/internal/storage"
	"github.com/michaelbrown/sandcastle/internal/storage/sqlite"
)

// fakeEngine answers every request with a fixed result and error.
type fakeEngine struct {
	result *sandbox.ExecutionResult
	err    error
	status sandbox.Status
	got    []sandbox.ExecutionRequest
}

func (f *fakeEngine) Exec(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.got = append(f.got, req)
	return f.result, f.err
}

func (f *fakeEngine) Status() sandbox.Status { return f.status }

func newManager(t *testing.T) *sandbox.Manager {
	t.Helper()
	policy := sandbox.DefaultPolicy()
	policy.ReadyPollInterval = time.Millisecond
	policy.ReadyPollAttempts = 2000
	defaults, err := sandbox.LoadDefaultFiles("")
	require.NoError(t, err)
	m := sandbox.NewManager(sandbox.NewBootstrapper(policy, defaults, nil), policy)
	require.NoError(t, m.Create(context.Background()))
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func newTestServer(t *testing.T, engine Engine, store storage.Store) *httptest.Server {
	t.Helper()
	srv := New(config.ServerConfig{MaxBodyBytes: 1 << 20}, engine, store, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postExecute(t *testing.T, ts *httptest.Server, body string) (int, sandbox.ExecutionResult) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/execute", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var result sandbox.ExecutionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return resp.StatusCode, result
}

func TestExecuteEndToEnd(t *testing.T) {
	ts := newTestServer(t, newManager(t), nil)

	input := base64.StdEncoding.EncodeToString([]byte("a,b\n1,2\n"))
	code, result := postExecute(t, ts, `{
		"code": "print(\"hello\")\nf = open(\"out.txt\", \"w\")\nf.write(\"x\")\nf.close()\n6 * 7",
		"files": [{"filename": "data.csv", "b64_data": "`+input+`"}]
	}`)

	require.Equal(t, http.StatusOK, code)
	assert.True(t, result.Success)
	require.NotNil(t, result.FinalExpression)
	assert.Equal(t, "42", *result.FinalExpression)
	assert.Equal(t, "hello\n", result.StdOut)
	require.Len(t, result.OutputFiles, 1)
	assert.Equal(t, "out.txt", result.OutputFiles[0].Filename)
	assert.Equal(t, []byte("x"), result.OutputFiles[0].Data)
}

func TestExecuteUserErrorIsOK(t *testing.T) {
	ts := newTestServer(t, newManager(t), nil)

	code, result := postExecute(t, ts, `{"code": "1 / 0"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, "ZeroDivisionError", result.Error.Type)
}

func TestExecuteStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &sandbox.Error{Kind: sandbox.KindRequestValidation, Err: sandbox.ErrEmptyCode}, http.StatusBadRequest},
		{"not ready", &sandbox.Error{Kind: sandbox.KindEnvironmentNotReady, Err: sandbox.ErrEnvironmentNotReady}, http.StatusServiceUnavailable},
		{"bootstrap", &sandbox.Error{Kind: sandbox.KindBootstrap, Err: sandbox.ErrEnvironmentFailed}, http.StatusInternalServerError},
		{"marshalling", &sandbox.Error{Kind: sandbox.KindMarshalling, Err: sandbox.ErrUnsafeFilename}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{result: sandbox.FailureResult(tt.err, 0), err: tt.err}
			ts := newTestServer(t, engine, nil)

			code, result := postExecute(t, ts, `{"code": "x"}`)
			assert.Equal(t, tt.want, code)
			assert.False(t, result.Success)
			require.NotNil(t, result.Error)
			assert.Equal(t, sandbox.KindOf(tt.err).String(), result.Error.Type)
		})
	}
}

func TestExecuteRejectsBadBody(t *testing.T) {
	engine := &fakeEngine{}
	ts := newTestServer(t, engine, nil)

	code, result := postExecute(t, ts, `{"code": `)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, result.Success)
	assert.Equal(t, "RequestValidationError", result.Error.Type)
	assert.Empty(t, engine.got, "engine must not see undecodable requests")
}

func TestExecuteBodyLimit(t *testing.T) {
	engine := &fakeEngine{}
	srv := New(config.ServerConfig{MaxBodyBytes: 16}, engine, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	code, result := postExecute(t, ts, `{"code": "`+strings.Repeat("x", 64)+`"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, result.Error.Message, "too large")
}

func TestExecuteNilResult(t *testing.T) {
	err := &sandbox.Error{Kind: sandbox.KindInternal, Err: sandbox.ErrEnvironmentSpent}
	ts := newTestServer(t, &fakeEngine{err: err}, nil)

	code, result := postExecute(t, ts, `{"code": "x"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "InternalError", result.Error.Type)
	assert.NotNil(t, result.OutputFiles)
}

func TestHealth(t *testing.T) {
	engine := &fakeEngine{status: sandbox.Status{State: sandbox.StateReady, EnvironmentID: "env-1", Executions: 3}}
	ts := newTestServer(t, engine, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ready", body.State)
	assert.Equal(t, "env-1", body.EnvironmentID)
	assert.Equal(t, uint64(3), body.Executions)
}

func TestHealthFailed(t *testing.T) {
	engine := &fakeEngine{status: sandbox.Status{State: sandbox.StateFailed, LastError: "boom"}}
	ts := newTestServer(t, engine, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "failed", body.Status)
	assert.Equal(t, "boom", body.LastError)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocket(t *testing.T) {
	ts := newTestServer(t, newManager(t), nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// state must not carry over between messages
	require.NoError(t, conn.WriteJSON(map[string]string{"code": "x = 5\nx"}))
	var first sandbox.ExecutionResult
	require.NoError(t, conn.ReadJSON(&first))
	require.True(t, first.Success)
	assert.Equal(t, "5", *first.FinalExpression)

	require.NoError(t, conn.WriteJSON(map[string]string{"code": "x"}))
	var second sandbox.ExecutionResult
	require.NoError(t, conn.ReadJSON(&second))
	assert.False(t, second.Success)
	assert.Equal(t, "NameError", second.Error.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var third sandbox.ExecutionResult
	require.NoError(t, conn.ReadJSON(&third))
	assert.Equal(t, "RequestValidationError", third.Error.Type)
}

func TestJournalDisabled(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{}, nil)

	resp, err := http.Get(ts.URL + "/api/executions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJournalEndpoints(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordExecution(ctx, sandbox.ExecutionRecord{ID: "aaa-1", StartedAt: start, Success: true}))
	require.NoError(t, store.RecordExecution(ctx, sandbox.ExecutionRecord{
		ID: "bbb-2", StartedAt: start.Add(time.Second), ErrorType: "NameError", ErrorMessage: "name 'x' is not defined",
	}))

	ts := newTestServer(t, &fakeEngine{}, store)

	get := func(path string, v any) int {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if v != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
		return resp.StatusCode
	}

	var all []storage.Execution
	require.Equal(t, http.StatusOK, get("/api/executions", &all))
	require.Len(t, all, 2)
	assert.Equal(t, "bbb-2", all[0].ID)

	var failed []storage.Execution
	require.Equal(t, http.StatusOK, get("/api/executions?status=failed", &failed))
	require.Len(t, failed, 1)
	assert.Equal(t, "NameError", failed[0].ErrorType)

	var paged []storage.Execution
	require.Equal(t, http.StatusOK, get("/api/executions?limit=1&offset=1", &paged))
	require.Len(t, paged, 1)
	assert.Equal(t, "aaa-1", paged[0].ID)

	assert.Equal(t, http.StatusBadRequest, get("/api/executions?status=pending", nil))

	var one storage.Execution
	require.Equal(t, http.StatusOK, get("/api/executions/bbb", &one))
	assert.Equal(t, "bbb-2", one.ID)
	assert.Equal(t, http.StatusNotFound, get("/api/executions/zzz", nil))

	var stats storage.Stats
	require.Equal(t, http.StatusOK, get("/api/stats", &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByErrorType["NameError"])
}

func TestStartShutdown(t *testing.T) {
	srv := New(config.ServerConfig{}, &fakeEngine{}, nil, zerolog.Nop())
	assert.NoError(t, srv.Shutdown(context.Background()), "shutdown before start is a no-op")
}
