package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/batch"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
)

// CreateBatchRequest is the request body for POST /api/v1/batches.
type CreateBatchRequest struct {
	Graph *graph.Graph `json:"graph"`
	Batch batch.Batch  `json:"batch"`

	// Run invokes every created session to completion.
	Run bool `json:"run,omitempty"`
}

// BatchResponse describes a batch process.
type BatchResponse struct {
	BatchID    string   `json:"batch_id"`
	SessionIDs []string `json:"session_ids"`
	Canceled   bool     `json:"canceled,omitempty"`
	Enqueued   *int     `json:"enqueued,omitempty"`
}

// CreateBatch handles POST /api/v1/batches
func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if h.validator != nil {
		if result := h.validator.ValidateBatchJSON(body); !result.Valid {
			h.respondInvalid(w, r, "batch validation failed", result)
			return
		}
	}

	var req CreateBatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Graph == nil {
		h.respondError(w, r, http.StatusBadRequest, "graph is required", nil)
		return
	}
	req.Graph.Bind(h.svc().Registry)
	if err := req.Graph.Validate(); err != nil {
		h.respondFailure(w, r, "invalid graph", err)
		return
	}

	proc, err := h.batches.CreateBatchProcess(ctx, &req.Batch, req.Graph)
	if err != nil {
		h.respondFailure(w, r, "failed to create batch", err)
		return
	}

	resp := BatchResponse{BatchID: proc.BatchID, SessionIDs: proc.SessionIDs}
	if req.Run {
		n, err := h.batches.Run(ctx, proc.BatchID)
		if err != nil {
			h.respondFailure(w, r, "failed to run batch", err)
			return
		}
		resp.Enqueued = &n
	}
	h.respondJSON(w, http.StatusCreated, resp)
}

// ListBatches handles GET /api/v1/batches
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	ids, err := h.batches.List(r.Context(), listOptions(r))
	if err != nil {
		h.respondFailure(w, r, "failed to list batches", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"batches": ids, "count": len(ids)})
}

// GetBatch handles GET /api/v1/batches/{id}
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	proc, err := h.batches.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondFailure(w, r, "failed to get batch", err)
		return
	}
	h.respondJSON(w, http.StatusOK, proc)
}

// RunBatch handles POST /api/v1/batches/{id}/run
func (h *Handlers) RunBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	n, err := h.batches.Run(ctx, id)
	if err != nil {
		h.respondFailure(w, r, "failed to run batch", err)
		return
	}
	proc, err := h.batches.Get(ctx, id)
	if err != nil {
		h.respondFailure(w, r, "failed to get batch", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, BatchResponse{
		BatchID:    proc.BatchID,
		SessionIDs: proc.SessionIDs,
		Enqueued:   &n,
	})
}

// CancelBatch handles POST /api/v1/batches/{id}/cancel
func (h *Handlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.batches.Cancel(r.Context(), id); err != nil {
		h.respondFailure(w, r, "failed to cancel batch", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"batch_id": id,
		"status":   "canceled",
	})
}
