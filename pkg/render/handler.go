package render

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/internal/audit"
	"github.com/wisbric/brandowl/internal/httpserver"
	"github.com/wisbric/brandowl/pkg/queue"
	"github.com/wisbric/brandowl/pkg/tenant"
	"github.com/wisbric/brandowl/pkg/trace"
)

// JobPayload is the envelope appended to the render stream for async jobs.
type JobPayload struct {
	OrgID   string  `json:"org_id"`
	Request Request `json:"request"`
}

// Handler serves the render endpoints.
type Handler struct {
	pipeline *Pipeline
	queue    *queue.Queue
	auditor  *audit.Writer
	logger   *slog.Logger
}

// NewHandler creates the render HTTP handler.
func NewHandler(pipeline *Pipeline, q *queue.Queue, auditor *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{pipeline: pipeline, queue: q, auditor: auditor, logger: logger}
}

// Routes returns the render router. Rate-limit middleware is applied by the
// caller per endpoint.
func (h *Handler) Routes(syncLimit, asyncLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(syncLimit).Post("/", h.handleRender)
	r.With(asyncLimit).Post("/async", h.handleRenderAsync)
	r.Get("/jobs/{jobID}", h.handleJobStatus)
	r.Delete("/jobs/{jobID}", h.handleJobCancel)
	return r
}

func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := tenant.FromContext(r.Context())

	t := trace.New("render")
	result, err := h.pipeline.Run(r.Context(), t, id.OrgID, &req, ModeFinal)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	detail, _ := json.Marshal(map[string]any{"cost_usd": result.Audit.CostUSD, "assets": len(result.Assets)})
	h.auditor.LogFromRequest(r, "render.sync", "render", req.ProjectID, detail)
	httpserver.Respond(w, http.StatusOK, result)
}

type asyncResponse struct {
	Cached       bool            `json:"cached"`
	JobID        string          `json:"job_id,omitempty"`
	ContentHash  string          `json:"content_hash"`
	URL          string          `json:"url,omitempty"`
	WebsocketURL string          `json:"websocket_url,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

func (h *Handler) handleRenderAsync(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := tenant.FromContext(r.Context())

	// Reject invalid requests before they reach the queue; workers should
	// only ever see payloads that already passed the request contract.
	if err := req.Sanitize(nil); err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	payload, err := json.Marshal(JobPayload{OrgID: id.OrgID, Request: req})
	if err != nil {
		httpserver.RespondAppError(w, r, apperr.Wrap(apperr.KindInternal, err, "encoding job payload"))
		return
	}

	enq, err := h.queue.Enqueue(r.Context(), payload)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	resp := asyncResponse{
		Cached:      enq.Cached,
		JobID:       enq.JobID,
		ContentHash: enq.ContentHash,
	}
	if enq.Cached {
		resp.Result = enq.CachedResult
	} else {
		resp.URL = fmt.Sprintf("/render/jobs/%s", enq.JobID)
		resp.WebsocketURL = fmt.Sprintf("/ws/jobs/%s", enq.JobID)
	}

	detail, _ := json.Marshal(map[string]any{"cached": enq.Cached, "content_hash": enq.ContentHash})
	h.auditor.LogFromRequest(r, "render.async", "job", enq.JobID, detail)
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	status, err := h.queue.Status(r.Context(), jobID)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	resp := map[string]any{
		"job_id": jobID,
		"status": status["status"],
	}
	for key, field := range map[string]string{
		"progress":    "progress",
		"preview_url": "preview_url",
		"url":         "url",
		"error":       "error",
		"updated_at":  "updated_at",
		"result":      "result",
	} {
		if v, ok := status[field]; ok && v != "" {
			if field == "result" {
				resp[key] = json.RawMessage(v)
			} else {
				resp[key] = v
			}
		}
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := h.queue.Cancel(r.Context(), jobID); err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	h.auditor.LogFromRequest(r, "render.cancel", "job", jobID, nil)
	httpserver.Respond(w, http.StatusOK, map[string]string{"job_id": jobID, "status": queue.StateCancelled})
}
