package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/batch"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/config"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/events"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/invoker"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/itemstore"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/registry"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/validator"
	"github.com/flexinfer/mentatlab/services/graph-engine/pkg/types"
)

// maxBodyBytes bounds submitted graph and batch documents.
const maxBodyBytes = 8 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	invoker   *invoker.Invoker
	batches   *batch.Manager
	history   events.History
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance. history may be nil, in
// which case the event stream endpoint is unavailable.
func NewHandlers(inv *invoker.Invoker, batches *batch.Manager, history events.History, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{
		invoker:   inv,
		batches:   batches,
		history:   history,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

func (h *Handlers) svc() *invoker.Services { return h.invoker.Services() }

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the stores and the queue.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	svc := h.svc()

	if _, err := svc.States.List(ctx, &itemstore.ListOptions{Limit: 1}); err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "item store unhealthy", err)
		return
	}
	queueSize, err := svc.Queue.Len(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "queue unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"item_store": h.config.ItemStore,
		"queue":      h.config.Queue,
		"queue_size": queueSize,
	})
}

// --- Sessions ---

// CreateSessionRequest is the request body for creating a session. Exactly
// one of Graph and GraphID should be set; neither starts an empty session.
type CreateSessionRequest struct {
	Graph     json.RawMessage `json:"graph,omitempty"`
	GraphID   string          `json:"graph_id,omitempty"`
	Invoke    bool            `json:"invoke,omitempty"`
	InvokeAll bool            `json:"invoke_all,omitempty"`
}

// CreateSessionResponse is returned after creating a session.
type CreateSessionResponse struct {
	Session    types.SessionSummary `json:"session"`
	InstanceID string               `json:"instance_id,omitempty"`
	SSEURL     string               `json:"sse_url"`
}

// CreateSession handles POST /api/v1/sessions
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSessionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	var g *graph.Graph
	switch {
	case len(req.Graph) > 0 && req.GraphID != "":
		h.respondError(w, r, http.StatusBadRequest, "graph and graph_id are mutually exclusive", nil)
		return
	case len(req.Graph) > 0:
		var ok bool
		if g, ok = h.decodeGraph(w, r, req.Graph); !ok {
			return
		}
	case req.GraphID != "":
		stored, err := h.svc().Graphs.Get(ctx, req.GraphID)
		if err != nil {
			h.respondFailure(w, r, "failed to load graph", err)
			return
		}
		g = stored.Bind(h.svc().Registry)
	}

	state, err := h.invoker.CreateExecutionState(ctx, g)
	if err != nil {
		h.respondFailure(w, r, "failed to create session", err)
		return
	}

	resp := CreateSessionResponse{SSEURL: "/api/v1/sessions/" + state.ID + "/events"}
	if req.Invoke || req.InvokeAll {
		id, err := h.invoker.Invoke(ctx, state, req.InvokeAll)
		if err != nil && !errors.Is(err, invoker.ErrNoWork) {
			h.respondFailure(w, r, "failed to invoke session", err)
			return
		}
		resp.InstanceID = id
	}
	resp.Session = h.invoker.Summary(ctx, state)

	h.respondJSON(w, http.StatusCreated, resp)
}

// ListSessions handles GET /api/v1/sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	svc := h.svc()

	ids, err := svc.States.List(ctx, listOptions(r))
	if err != nil {
		h.respondFailure(w, r, "failed to list sessions", err)
		return
	}

	sessions := make([]types.SessionSummary, 0, len(ids))
	for _, id := range ids {
		state, err := svc.States.Get(ctx, id)
		if errors.Is(err, itemstore.ErrNotFound) {
			continue
		}
		if err != nil {
			h.respondFailure(w, r, "failed to load session", err)
			return
		}
		sessions = append(sessions, h.invoker.Summary(ctx, state))
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := h.svc().States.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.respondFailure(w, r, "failed to get session", err)
		return
	}
	if r.URL.Query().Get("view") == "summary" {
		h.respondJSON(w, http.StatusOK, h.invoker.Summary(ctx, state))
		return
	}
	h.respondJSON(w, http.StatusOK, state)
}

// DeleteSession handles DELETE /api/v1/sessions/{id}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if _, err := h.svc().States.Get(ctx, id); err != nil {
		h.respondFailure(w, r, "failed to get session", err)
		return
	}
	if err := h.invoker.Cancel(ctx, id); err != nil {
		h.respondFailure(w, r, "failed to cancel session", err)
		return
	}
	if err := h.svc().States.Delete(ctx, id); err != nil {
		h.respondFailure(w, r, "failed to delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InvokeSession handles POST /api/v1/sessions/{id}/invoke?all=true
func (h *Handlers) InvokeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	instanceID, err := h.invoker.InvokeSession(r.Context(), id, all)
	if err != nil {
		h.respondFailure(w, r, "failed to invoke session", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, types.InvokeResponse{
		SessionID:  id,
		InstanceID: instanceID,
		InvokeAll:  all,
	})
}

// CancelSession handles POST /api/v1/sessions/{id}/cancel
func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if _, err := h.svc().States.Get(ctx, id); err != nil {
		h.respondFailure(w, r, "failed to get session", err)
		return
	}
	if err := h.invoker.Cancel(ctx, id); err != nil {
		h.respondFailure(w, r, "failed to cancel session", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     "canceled",
	})
}

// --- Graph library ---

// CreateGraph handles POST /api/v1/graphs. The body is a graph document.
func (h *Handlers) CreateGraph(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	g, ok := h.decodeGraph(w, r, body)
	if !ok {
		return
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if err := h.svc().Graphs.Set(r.Context(), g.ID, g); err != nil {
		h.respondFailure(w, r, "failed to store graph", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"id": g.ID})
}

// ListGraphs handles GET /api/v1/graphs
func (h *Handlers) ListGraphs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc().Graphs.List(r.Context(), listOptions(r))
	if err != nil {
		h.respondFailure(w, r, "failed to list graphs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"graphs": ids, "count": len(ids)})
}

// GetGraph handles GET /api/v1/graphs/{id}
func (h *Handlers) GetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc().Graphs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondFailure(w, r, "failed to get graph", err)
		return
	}
	h.respondJSON(w, http.StatusOK, g)
}

// DeleteGraph handles DELETE /api/v1/graphs/{id}
func (h *Handlers) DeleteGraph(w http.ResponseWriter, r *http.Request) {
	if err := h.svc().Graphs.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondFailure(w, r, "failed to delete graph", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Processor ---

// ProcessorStatus handles GET /api/v1/processor/status
func (h *Handlers) ProcessorStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.svc().Processor.Status(r.Context()))
}

// PauseProcessor handles POST /api/v1/processor/pause
func (h *Handlers) PauseProcessor(w http.ResponseWriter, r *http.Request) {
	h.svc().Processor.Pause()
	h.respondJSON(w, http.StatusOK, h.svc().Processor.Status(r.Context()))
}

// ResumeProcessor handles POST /api/v1/processor/resume
func (h *Handlers) ResumeProcessor(w http.ResponseWriter, r *http.Request) {
	h.svc().Processor.Resume()
	h.respondJSON(w, http.StatusOK, h.svc().Processor.Status(r.Context()))
}

// --- Kinds ---

// ListKinds handles GET /api/v1/kinds?tags=a,b
func (h *Handlers) ListKinds(w http.ResponseWriter, r *http.Request) {
	opts := &registry.ListOptions{}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		opts.Tags = strings.Split(tags, ",")
	}

	kinds := h.svc().Registry.List(opts)
	out := make([]types.KindDescriptor, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, describeKind(k))
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"kinds": out, "count": len(out)})
}

// GetKind handles GET /api/v1/kinds/{name}
func (h *Handlers) GetKind(w http.ResponseWriter, r *http.Request) {
	k, err := h.svc().Registry.Get(mux.Vars(r)["name"])
	if err != nil {
		h.respondFailure(w, r, "failed to get kind", err)
		return
	}
	h.respondJSON(w, http.StatusOK, describeKind(k))
}

func describeKind(k *registry.Kind) types.KindDescriptor {
	return types.KindDescriptor{
		Name:        k.Name,
		Description: k.Description,
		Tags:        k.Tags,
		Inputs:      describeFields(k.Inputs),
		Outputs:     describeFields(k.Outputs),
	}
}

func describeFields(fields []graph.Field) []types.FieldDescriptor {
	out := make([]types.FieldDescriptor, 0, len(fields))
	for _, f := range fields {
		out = append(out, types.FieldDescriptor{
			Name:        f.Name,
			Type:        string(f.Type),
			Description: f.Description,
			Required:    f.Required,
			Iterate:     f.Iterate,
		})
	}
	return out
}

// --- Helpers ---

func listOptions(r *http.Request) *itemstore.ListOptions {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return &itemstore.ListOptions{Limit: limit, Offset: offset}
}

func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return nil, false
	}
	return body, true
}

func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := h.readBody(w, r)
	if !ok {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// decodeGraph validates a graph document against the schema, decodes it and
// checks its structure against the registry.
func (h *Handlers) decodeGraph(w http.ResponseWriter, r *http.Request, data []byte) (*graph.Graph, bool) {
	if h.validator != nil {
		if result := h.validator.ValidateGraphJSON(data); !result.Valid {
			h.respondInvalid(w, r, "graph validation failed", result)
			return nil, false
		}
	}

	g := &graph.Graph{}
	if err := json.Unmarshal(data, g); err != nil {
		h.respondFailure(w, r, "invalid graph", err)
		return nil, false
	}
	g.Bind(h.svc().Registry)
	if err := g.Validate(); err != nil {
		h.respondFailure(w, r, "invalid graph", err)
		return nil, false
	}
	return g, true
}

// respondJSON writes a JSON response.
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// respondError writes an error response with the given status.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]any
	if err != nil {
		details = map[string]any{"cause": err.Error()}
		if status >= http.StatusInternalServerError {
			h.logger.Error(message,
				slog.Any("error", err),
				slog.String("request_id", GetRequestID(r.Context(), r)),
			)
		}
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

// respondFailure writes an error response with the status mapped from err.
func (h *Handlers) respondFailure(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.respondError(w, r, statusFor(err), message, err)
}

func (h *Handlers) respondInvalid(w http.ResponseWriter, r *http.Request, message string, result *validator.ValidationResult) {
	writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeValidationFailed, message, map[string]any{
		"errors": result.Errors,
	})
}
