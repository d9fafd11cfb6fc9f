package canon

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/brandowl/internal/audit"
	"github.com/wisbric/brandowl/internal/httpserver"
	"github.com/wisbric/brandowl/pkg/tenant"
)

// Handler serves the canon management endpoints.
type Handler struct {
	store   *Store
	deriver *Deriver
	auditor *audit.Writer
	logger  *slog.Logger
}

// NewHandler creates the canon HTTP handler.
func NewHandler(store *Store, deriver *Deriver, auditor *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, deriver: deriver, auditor: auditor, logger: logger}
}

// Routes returns the canon router. deriveLimit guards the derivation
// endpoint, which spends provider budget.
func (h *Handler) Routes(deriveLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(deriveLimit).Post("/derive", h.handleDerive)
	r.Get("/{projectID}", h.handleGet)
	r.Put("/{projectID}", h.handlePut)
	return r
}

type deriveRequest struct {
	ProjectID   string   `json:"project_id" validate:"required,max=64"`
	EvidenceIDs []string `json:"evidence_ids" validate:"required,min=1,max=50,dive,uuid"`
}

func (h *Handler) handleDerive(w http.ResponseWriter, r *http.Request) {
	var req deriveRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := tenant.FromContext(r.Context())

	derived, err := h.store.GetOrDerive(r.Context(), id.OrgID, req.ProjectID, func(ctx context.Context) (Canon, error) {
		return h.deriver.FromEvidence(ctx, id.OrgID, req.ProjectID, req.EvidenceIDs)
	})
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	h.auditor.LogFromRequest(r, "canon.derive", "canon", req.ProjectID, nil)
	httpserver.Respond(w, http.StatusOK, derived)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	id := tenant.FromContext(r.Context())

	c, ok, err := h.store.Get(r.Context(), id.OrgID, projectID)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}
	if !ok {
		httpserver.RespondError(w, r, http.StatusNotFound, "not_found", "no canon stored for project "+projectID)
		return
	}
	httpserver.Respond(w, http.StatusOK, c)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	id := tenant.FromContext(r.Context())

	var c Canon
	if err := httpserver.Decode(r, &c); err != nil {
		httpserver.RespondError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.store.Put(r.Context(), id.OrgID, projectID, c); err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	h.auditor.LogFromRequest(r, "canon.put", "canon", projectID, nil)
	httpserver.Respond(w, http.StatusOK, c)
}
