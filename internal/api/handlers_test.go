package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/batch"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/config"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/events"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/execstate"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/invoker"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/itemstore"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/processor"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/queue"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/registry"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/validator"
	"github.com/flexinfer/mentatlab/services/graph-engine/pkg/types"
)

const chainGraph = `{
  "nodes": {
    "hello": {"type": "string", "inputs": {"value": "hello"}},
    "shout": {"type": "upper"}
  },
  "edges": [
    {"source": {"node_id": "hello", "field": "value"}, "destination": {"node_id": "shout", "field": "text"}}
  ]
}`

type testServer struct {
	*httptest.Server
	inv    *invoker.Invoker
	states itemstore.Store[*execstate.State]
}

func newTestServer(t *testing.T, start bool) *testServer {
	t.Helper()

	reg := registry.New()
	require.NoError(t, nodes.RegisterBuiltins(reg))

	bus := events.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })
	emitter := events.NewEmitter(bus, nil)

	states := itemstore.NewMemoryStore[*execstate.State](itemstore.TableGraphExecutions)
	inv := invoker.New(&invoker.Services{
		Graphs:    itemstore.NewMemoryStore[*graph.Graph](itemstore.TableGraphs),
		States:    states,
		Queue:     q,
		Processor: processor.New(q, states, reg, &processor.Config{Workers: 2, Emitter: emitter}),
		Registry:  reg,
		Emitter:   emitter,
	})
	t.Cleanup(inv.Stop)
	if start {
		require.NoError(t, inv.Start(context.Background()))
	}

	mgr := batch.NewManager(itemstore.NewMemoryStore[*batch.BatchProcess](itemstore.TableBatchProcess), inv, nil)
	v, err := validator.New()
	require.NoError(t, err)

	cfg := &config.Config{ItemStore: "memory", Queue: "memory", CORSOrigins: []string{"http://localhost:3000"}}
	h := NewHandlers(inv, mgr, bus, v, cfg, nil)
	srv := httptest.NewServer(NewServer(h).Router())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, inv: inv, states: states}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (s *testServer) waitComplete(t *testing.T, id string) *execstate.State {
	t.Helper()
	var state *execstate.State
	require.Eventually(t, func() bool {
		var err error
		state, err = s.states.Get(context.Background(), id)
		require.NoError(t, err)
		return state.Bind(s.inv.Services().Registry).IsComplete()
	}, 5*time.Second, 10*time.Millisecond)
	return state
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)

	resp, body := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = s.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestCreateSessionAndInvokeAll(t *testing.T) {
	s := newTestServer(t, true)

	resp, body := s.do(t, http.MethodPost, "/api/v1/sessions", `{"graph": `+chainGraph+`, "invoke_all": true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	session := body["session"].(map[string]any)
	id := session["id"].(string)
	assert.NotEmpty(t, body["instance_id"])
	assert.Equal(t, "/api/v1/sessions/"+id+"/events", body["sse_url"])

	state := s.waitComplete(t, id)
	assert.False(t, state.HasError())
	assert.Len(t, state.ExecutedHistory, 2)

	resp, body = s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"?view=summary", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(types.SessionStatusComplete), body["status"])
	assert.EqualValues(t, 2, body["executed"])

	resp, body = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/invoke", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ErrCodeConflict, body["error"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
}

func TestInvokeSingleStep(t *testing.T) {
	s := newTestServer(t, true)

	resp, body := s.do(t, http.MethodPost, "/api/v1/sessions", `{"graph": `+chainGraph+`}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["session"].(map[string]any)["id"].(string)

	resp, body = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/invoke", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, id, body["session_id"])
	assert.Equal(t, false, body["invoke_all"])

	require.Eventually(t, func() bool {
		st, err := s.states.Get(context.Background(), id)
		require.NoError(t, err)
		return len(st.ExecutedHistory) == 1
	}, 5*time.Second, 10*time.Millisecond)

	st, err := s.states.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, st.Bind(s.inv.Services().Registry).IsComplete())
}

func TestCreateSession_Invalid(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		name string
		body string
		want int
		code string
	}{
		{"malformed json", `{"graph": `, http.StatusBadRequest, ErrCodeBadRequest},
		{"schema violation", `{"graph": {"nodes": {"a": {"inputs": {}}}}}`, http.StatusUnprocessableEntity, ErrCodeValidationFailed},
		{"unknown kind", `{"graph": {"nodes": {"a": {"type": "nope"}}}}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing required input", `{"graph": {"nodes": {"a": {"type": "upper"}}}}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown graph id", `{"graph_id": "missing"}`, http.StatusNotFound, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, "/api/v1/sessions", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, body)
			assert.Equal(t, tt.code, body["error"])
		})
	}

	ids, err := s.states.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSessionNotFound(t *testing.T) {
	s := newTestServer(t, false)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/sessions/missing"},
		{http.MethodDelete, "/api/v1/sessions/missing"},
		{http.MethodPost, "/api/v1/sessions/missing/invoke"},
		{http.MethodPost, "/api/v1/sessions/missing/cancel"},
		{http.MethodGet, "/api/v1/sessions/missing/events"},
	} {
		resp, _ := s.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestCancelAndDeleteSession(t *testing.T) {
	s := newTestServer(t, false)

	resp, body := s.do(t, http.MethodPost, "/api/v1/sessions", `{"graph": `+chainGraph+`}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["session"].(map[string]any)["id"].(string)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/invoke", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, body)

	resp, _ = s.do(t, http.MethodDelete, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGraphLibrary(t *testing.T) {
	s := newTestServer(t, true)

	resp, body := s.do(t, http.MethodPost, "/api/v1/graphs", chainGraph)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	gid := body["id"].(string)

	resp, body = s.do(t, http.MethodGet, "/api/v1/graphs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{gid}, body["graphs"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/graphs/"+gid, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["nodes"], "shout")

	resp, body = s.do(t, http.MethodPost, "/api/v1/sessions", `{"graph_id": "`+gid+`", "invoke_all": true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	state := s.waitComplete(t, body["session"].(map[string]any)["id"].(string))
	assert.Len(t, state.ExecutedHistory, 2)

	resp, _ = s.do(t, http.MethodDelete, "/api/v1/graphs/"+gid, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, http.MethodDelete, "/api/v1/graphs/"+gid, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatches(t *testing.T) {
	s := newTestServer(t, true)

	template := `{
  "nodes": {
    "left": {"type": "string"},
    "right": {"type": "string"},
    "join": {"type": "concat", "inputs": {"separator": "-"}}
  },
  "edges": [
    {"source": {"node_id": "left", "field": "value"}, "destination": {"node_id": "join", "field": "a"}},
    {"source": {"node_id": "right", "field": "value"}, "destination": {"node_id": "join", "field": "b"}}
  ]
}`
	req := `{"graph": ` + template + `, "batch": {"data": [
  [{"node_id": "left", "field_name": "value", "items": ["a", "b"]}],
  [{"node_id": "right", "field_name": "value", "items": ["x", "y"]}]
]}}`

	resp, body := s.do(t, http.MethodPost, "/api/v1/batches", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	bid := body["batch_id"].(string)
	sessionIDs := body["session_ids"].([]any)
	require.Len(t, sessionIDs, 4)

	resp, body = s.do(t, http.MethodPost, "/api/v1/batches/"+bid+"/run", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.EqualValues(t, 4, body["enqueued"])

	var joined []any
	for _, id := range sessionIDs {
		state := s.waitComplete(t, id.(string))
		joined = append(joined, state.Results["join"]["value"])
	}
	assert.Equal(t, []any{"a-x", "a-y", "b-x", "b-y"}, joined)

	resp, body = s.do(t, http.MethodGet, "/api/v1/batches/"+bid, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, bid, body["batch_id"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/batches/"+bid+"/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/api/v1/batches/"+bid+"/run", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/api/v1/batches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
}

func TestBatches_Invalid(t *testing.T) {
	s := newTestServer(t, false)

	resp, body := s.do(t, http.MethodPost, "/api/v1/batches", `{"graph": {"nodes": {}}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, body)

	resp, body = s.do(t, http.MethodPost, "/api/v1/batches", `{"graph": {"nodes": {"a": {"type": "string"}}},
  "batch": {"data": [[{"node_id": "ghost", "field_name": "value", "items": [1]}]]}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
}

func TestProcessorEndpoints(t *testing.T) {
	s := newTestServer(t, true)

	resp, body := s.do(t, http.MethodGet, "/api/v1/processor/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_started"])
	assert.Equal(t, false, body["is_paused"])

	resp, body = s.do(t, http.MethodPost, "/api/v1/processor/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_paused"])

	resp, body = s.do(t, http.MethodPost, "/api/v1/processor/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_paused"])
}

func TestKinds(t *testing.T) {
	s := newTestServer(t, false)

	resp, body := s.do(t, http.MethodGet, "/api/v1/kinds", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body["count"], float64(5))

	resp, body = s.do(t, http.MethodGet, "/api/v1/kinds/upper", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upper", body["name"])
	inputs := body["inputs"].([]any)
	assert.Equal(t, true, inputs[0].(map[string]any)["required"])

	resp, _ = s.do(t, http.MethodGet, "/api/v1/kinds/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, false)

	req, err := http.NewRequest(http.MethodOptions, s.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStreamEvents(t *testing.T) {
	s := newTestServer(t, true)

	resp, body := s.do(t, http.MethodPost, "/api/v1/sessions", `{"graph": `+chainGraph+`, "invoke_all": true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["session"].(map[string]any)["id"].(string)
	s.waitComplete(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/api/v1/sessions/"+id+"/events", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	var eventTypes []string
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		if line, ok := bytes.CutPrefix(scanner.Bytes(), []byte("event: ")); ok {
			eventTypes = append(eventTypes, string(line))
		}
	}

	require.NotEmpty(t, eventTypes)
	assert.Equal(t, string(types.EventTypeHello), eventTypes[0])
	assert.Equal(t, string(types.EventTypeStreamEnd), eventTypes[len(eventTypes)-1])
	assert.Contains(t, eventTypes, string(types.EventTypeInvocationComplete))
	assert.Contains(t, eventTypes, string(types.EventTypeSessionComplete))
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/v1/sessions/{id}/events",
		normalizePath("/api/v1/sessions/0b9a8f2e-6d0c-4c43-9a3e-1c6f4f1a2b3c/events"))
	assert.Equal(t, "/api/v1/batches/{id}", normalizePath("/api/v1/batches/42"))
}
