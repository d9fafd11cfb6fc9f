// Package critique scores stored assets against the project's brand canon
// using the provider critic task.
package critique

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/internal/audit"
	"github.com/wisbric/brandowl/internal/httpserver"
	"github.com/wisbric/brandowl/pkg/canon"
	"github.com/wisbric/brandowl/pkg/provider"
	"github.com/wisbric/brandowl/pkg/tenant"
	"github.com/wisbric/brandowl/pkg/trace"
)

const criticSystemPrompt = `You are a brand QA auditor. Compare asset against Brand Canon.
Output ONLY valid JSON matching this exact schema:
{
  "score": 0.0 to 1.0 (number),
  "violations": ["array of violation strings"],
  "repair_suggestions": ["array of suggestion strings"]
}
No additional text, markdown, or explanation. ONLY the JSON object.`

// Response is the critique result contract.
type Response struct {
	Score             float64  `json:"score"`
	Violations        []string `json:"violations"`
	RepairSuggestions []string `json:"repair_suggestions"`
}

// Handler serves the critique endpoint.
type Handler struct {
	provider *provider.Client
	canons   *canon.Store
	sink     *trace.Sink
	auditor  *audit.Writer
	logger   *slog.Logger
}

// NewHandler creates the critique HTTP handler.
func NewHandler(p *provider.Client, canons *canon.Store, sink *trace.Sink, auditor *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{provider: p, canons: canons, sink: sink, auditor: auditor, logger: logger}
}

// Routes returns the critique router.
func (h *Handler) Routes(limit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(limit).Post("/", h.handleCritique)
	return r
}

type request struct {
	ProjectID string   `json:"project_id" validate:"required,max=64"`
	AssetIDs  []string `json:"asset_ids" validate:"required,min=1,max=20,dive,min=1"`
}

func (h *Handler) handleCritique(w http.ResponseWriter, r *http.Request) {
	var req request
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := tenant.FromContext(r.Context())

	projectCanon, ok, err := h.canons.Get(r.Context(), id.OrgID, req.ProjectID)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}
	if !ok {
		projectCanon = canon.Default()
	}

	userPrompt, err := json.Marshal(map[string]any{
		"project_id": req.ProjectID,
		"asset_ids":  req.AssetIDs,
		"canon":      projectCanon,
	})
	if err != nil {
		httpserver.RespondAppError(w, r, apperr.Wrap(apperr.KindInternal, err, "encoding critique context"))
		return
	}

	t := trace.New("critique")
	res, err := h.provider.Chat(trace.WithTrace(r.Context(), t), provider.TaskCritic, []provider.Message{
		{Role: "system", Content: criticSystemPrompt},
		{Role: "user", Content: string(userPrompt)},
	})
	h.sink.Ship(t)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	var out Response
	if err := provider.DecodeStrictJSON(res.Content, &out); err != nil {
		httpserver.RespondAppError(w, r, apperr.E(apperr.KindValidation, "critic returned output violating the critique contract"))
		return
	}

	h.auditor.LogFromRequest(r, "critique", "project", req.ProjectID, nil)
	httpserver.Respond(w, http.StatusOK, out)
}
