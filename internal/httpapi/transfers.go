package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"money-transfer/internal/domain"
	"money-transfer/internal/logging"
	"money-transfer/internal/saga"
)

type TransferHandlers struct {
	engine *saga.Engine
	log    *zap.Logger
}

func NewTransferHandlers(engine *saga.Engine, log *zap.Logger) *TransferHandlers {
	return &TransferHandlers{engine: engine, log: logging.OrNop(log)}
}

// POST /v1/transfers
//
// The transfer runs in the background; the response carries its state at
// submission. A missing reference_id is generated.
func (h *TransferHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, domain.CodeValidation, "invalid json")
		return
	}
	if strings.TrimSpace(req.ReferenceID) == "" {
		req.ReferenceID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	st, err := h.engine.Submit(ctx, req)
	if err != nil {
		fail(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// GET /v1/transfers/{ref}
func (h *TransferHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	st, err := h.engine.State(ctx, r.PathValue("ref"))
	if err != nil {
		fail(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /v1/transfers/{ref}/approve
func (h *TransferHandlers) Approve(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")

	var req domain.ApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, domain.CodeValidation, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.engine.Approve(ctx, ref, req.Manager); err != nil {
		fail(w, h.log, err)
		return
	}
	st, err := h.engine.State(ctx, ref)
	if err != nil {
		fail(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}
