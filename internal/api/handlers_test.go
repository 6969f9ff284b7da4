package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/hivemind/internal/agent/manager"
	"github.com/hivemind/hivemind/internal/agent/supervisor"
	"github.com/hivemind/hivemind/internal/bus"
	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/guardrails"
	"github.com/hivemind/hivemind/internal/sanitizer"
	"github.com/hivemind/hivemind/internal/secrets"
	"github.com/hivemind/hivemind/internal/sysinfo"
	"github.com/hivemind/hivemind/internal/workflow"
)

const testChild = `printf '{"type":"system","subtype":"init","session_id":"sess-api"}\n{"type":"result","usage":{"input_tokens":2,"output_tokens":3}}\n'; cat > /dev/null`

type testServer struct {
	router     *gin.Engine
	manager    *manager.Manager
	bus        *bus.Bus
	workflows  *workflow.Service
	guardrails *guardrails.Registry
	probe      *sysinfo.MemoryProbe
	probeDir   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	probeDir := t.TempDir()
	probe := &sysinfo.MemoryProbe{
		CurrentPath: filepath.Join(probeDir, "memory.current"),
		MaxPath:     filepath.Join(probeDir, "memory.max"),
		StatusPath:  filepath.Join(probeDir, "status"),
		MeminfoPath: filepath.Join(probeDir, "meminfo"),
	}

	gr := guardrails.NewRegistry()
	b := bus.New(t.TempDir(), log)
	m := manager.New(manager.Options{
		Guardrails:    gr,
		Sanitizer:     sanitizer.New(log),
		Bus:           b,
		Memory:        probe,
		Logger:        log,
		Command:       []string{"/bin/sh", "-c", testChild, "sh"},
		WorkspaceBase: t.TempDir(),
		Env:           os.Environ(),
	})
	t.Cleanup(func() { m.DestroyAll(context.Background()) })

	wf := workflow.NewService(1, nil, log)
	sec := secrets.NewStore(log)

	var depCache sysinfo.DepCache
	depCache.Init(filepath.Join(t.TempDir(), "persistent"))

	h := NewHandlers(m, b, wf, gr, sec, probe, &depCache, log)
	return &testServer{
		router:     NewRouter(h, nil, log),
		manager:    m,
		bus:        b,
		workflows:  wf,
		guardrails: gr,
		probe:      probe,
		probeDir:   probeDir,
	}
}

func (ts *testServer) pressureMemory(t *testing.T) {
	t.Helper()
	require.NoError(t, os.WriteFile(ts.probe.CurrentPath, []byte("950\n"), 0o644))
	require.NoError(t, os.WriteFile(ts.probe.MaxPath, []byte("1000\n"), 0o644))
}

func (ts *testServer) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) createAgent(t *testing.T, prompt string) string {
	t.Helper()
	agent, _, err := ts.manager.Create(context.Background(), manager.CreateSpec{Prompt: prompt})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a, ok := ts.manager.Get(agent.ID); ok && a.Status == supervisor.StatusIdle {
			return agent.ID
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("agent never settled idle")
	return ""
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "depCache")
	assert.Contains(t, body, "memory")
}

func TestCreateAgentStreamsAndCloses(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/agents", map[string]interface{}{
		"prompt": "Analyze security vulnerabilities in auth module",
	}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Agent-Id"))
	assert.Regexp(t, `^analyze-security-vulnerabilities-[0-9a-f]{6}$`, w.Header().Get("X-Agent-Name"))

	body := w.Body.String()
	assert.Contains(t, body, "event: system")
	assert.Contains(t, body, "event: result")
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, "data: ")
}

func TestCreateAgentValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/agents", map[string]interface{}{
		"prompt": "anything",
		"model":  "not-a-model",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMemoryPressureReturns503(t *testing.T) {
	ts := newTestServer(t)
	ts.pressureMemory(t)

	w := ts.do(http.MethodPost, "/api/agents", map[string]interface{}{"prompt": "denied"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["retryable"])
}

func TestGetAgentAndNotFound(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAgent(t, "fetch me")

	w := ts.do(http.MethodGet, "/api/agents/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var agent manager.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	assert.Equal(t, id, agent.ID)
	assert.Equal(t, "sess-api", agent.SessionID)

	w = ts.do(http.MethodGet, "/api/agents/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsReplayDoesNotCloseOnDone(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAgent(t, "replay me")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/agents/"+id+"/events?after=-1", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	start := time.Now()
	ts.router.ServeHTTP(w, req)

	// the log already holds a done event, yet the stream only ended when
	// the client context did
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	body := w.Body.String()
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, "event: system")
	assert.Contains(t, body, "id: 0")
}

func TestEventsStreamClosesOnDestroy(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAgent(t, "short lived")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/agents/"+id+"/events?after=-1", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.router.ServeHTTP(w, req)
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, ts.manager.Destroy(context.Background(), id))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream stayed open after the agent was destroyed")
	}
	assert.Contains(t, w.Body.String(), "event: destroyed")
}

func TestAgentLogsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAgent(t, "log producer")

	w := ts.do(http.MethodGet, "/api/agents/"+id+"/logs?types=result&tail=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)

	w = ts.do(http.MethodGet, "/api/agents/"+id+"/logs?format=text", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "system")

	w = ts.do(http.MethodGet, "/api/agents/"+id+"/raw-events", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.EqualValues(t, 3, summary["count"])

	w = ts.do(http.MethodGet, "/api/agents/"+id+"/usage", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage supervisor.Usage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, int64(2), usage.TokensIn)
}

func TestAgentServiceActorForbidden(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAgent(t, "protected agent")
	agentHeaders := map[string]string{"X-Actor-Sub": AgentServiceSubject}

	for _, ep := range []struct {
		method, path string
	}{
		{http.MethodPost, "/api/agents/" + id + "/pause"},
		{http.MethodPost, "/api/agents/" + id + "/resume"},
		{http.MethodDelete, "/api/agents/" + id},
		{http.MethodPost, "/api/workflows"},
		{http.MethodPut, "/api/guardrails"},
		{http.MethodPut, "/api/secrets"},
	} {
		w := ts.do(ep.method, ep.path, map[string]interface{}{"name": "x"}, agentHeaders)
		assert.Equal(t, http.StatusForbidden, w.Code, "%s %s", ep.method, ep.path)
	}

	// agents can still read and post bus messages
	w := ts.do(http.MethodGet, "/api/agents", nil, agentHeaders)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPauseResumeLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAgent(t, "pause target")

	w := ts.do(http.MethodPost, "/api/agents/"+id+"/pause", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// double pause is an illegal state
	w = ts.do(http.MethodPost, "/api/agents/"+id+"/pause", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/api/agents/"+id+"/resume", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodPost, "/api/agents/missing/pause", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessagesEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/messages", map[string]interface{}{
		"from": "a1", "to": "a2", "type": "task", "content": "review the diff",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var posted bus.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &posted))
	require.NotEmpty(t, posted.ID)

	w = ts.do(http.MethodGet, "/api/messages?agentId=a2&role=worker", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []bus.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)

	w = ts.do(http.MethodPost, "/api/messages/"+posted.ID+"/read", map[string]interface{}{"agentId": "a2"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodPost, "/api/messages/read-all", map[string]interface{}{"agentId": "a2"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodDelete, "/api/messages/"+posted.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(http.MethodDelete, "/api/messages/"+posted.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// missing from/content is a validation error
	w = ts.do(http.MethodPost, "/api/messages", map[string]interface{}{"from": "a1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGuardrailsEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/guardrails", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "limits")
	assert.Contains(t, body, "bounds")

	w = ts.do(http.MethodPut, "/api/guardrails", map[string]interface{}{
		"option": guardrails.OptMaxAgents, "value": 5,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, ts.guardrails.Limits().MaxAgents)

	w = ts.do(http.MethodPut, "/api/guardrails", map[string]interface{}{
		"option": guardrails.OptMaxAgents, "value": 100000,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/workflows", map[string]interface{}{"name": "release"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wf workflow.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wf))

	// the fixture cap is 1, the second start hits it
	w = ts.do(http.MethodPost, "/api/workflows", map[string]interface{}{"name": "too many"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = ts.do(http.MethodPost, "/api/workflows/"+wf.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/api/workflows", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []workflow.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, workflow.StatusCancelled, list[0].Status)
}

func TestSecretsEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPut, "/api/secrets", map[string]interface{}{
		"name": "DEPLOY_TOKEN", "value": "super-secret-value",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/api/secrets", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"DEPLOY_TOKEN"}, body["names"])
	assert.NotContains(t, w.Body.String(), "super-secret-value")

	w = ts.do(http.MethodDelete, "/api/secrets/DEPLOY_TOKEN", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPatchAgent(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAgent(t, "patch target")

	w := ts.do(http.MethodPatch, "/api/agents/"+id, map[string]interface{}{
		"role": "reviewer", "currentTask": "review PR 42",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var agent manager.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	assert.Equal(t, "reviewer", agent.Role)
	assert.Equal(t, "review PR 42", agent.CurrentTask)
}

func TestDestroyAgentEndpoint(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createAgent(t, "short lived")

	w := ts.do(http.MethodDelete, "/api/agents/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodDelete, "/api/agents/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
