package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/internal/audit"
	"github.com/wisbric/brandowl/internal/httpserver"
	"github.com/wisbric/brandowl/pkg/scan"
	"github.com/wisbric/brandowl/pkg/storage"
	"github.com/wisbric/brandowl/pkg/tenant"
	"github.com/wisbric/brandowl/pkg/trace"
)

const idempotencyTTL = 24 * time.Hour

// Handler serves the ingest and upload endpoints.
type Handler struct {
	pipeline       *Pipeline
	auditor        *audit.Writer
	logger         *slog.Logger
	sink           *trace.Sink
	maxUploadBytes int64
}

// NewHandler creates the ingest HTTP handler.
func NewHandler(pipeline *Pipeline, auditor *audit.Writer, sink *trace.Sink, logger *slog.Logger, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &Handler{pipeline: pipeline, auditor: auditor, sink: sink, logger: logger, maxUploadBytes: maxUploadBytes}
}

// Routes returns the ingest router. Limits are applied by the caller.
func (h *Handler) Routes(ingestLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(ingestLimit).Post("/", h.handleIngest)
	r.With(ingestLimit).Post("/file", h.handleIngestFile)
	return r
}

// UploadRoutes returns the upload router.
func (h *Handler) UploadRoutes(uploadLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(uploadLimit).Post("/", h.handleUpload)
	return r
}

// Request is the ingest request body.
type Request struct {
	ProjectID string   `json:"project_id" validate:"required,max=64"`
	Assets    []string `json:"assets" validate:"required,min=1,max=20,dive,min=1"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id := tenant.FromContext(r.Context())

	// Idempotent replay: same key + project + body returns the cached
	// response without re-running the pipeline.
	idemKey := h.idempotencyKey(r, &req)
	if idemKey != "" {
		if cached, err := h.pipeline.cache.Get(r.Context(), idemKey); err == nil {
			w.Header().Set("X-Idempotent-Replay", "true")
			httpserver.Respond(w, http.StatusOK, json.RawMessage(cached))
			return
		}
	}

	t := trace.New("ingest")
	result, err := h.pipeline.Run(trace.WithTrace(r.Context(), t), t, id.OrgID, req.ProjectID, req.Assets)
	h.sink.Ship(t)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	if idemKey != "" {
		if encoded, err := json.Marshal(result); err == nil {
			if err := h.pipeline.cache.Set(r.Context(), idemKey, encoded, idempotencyTTL); err != nil {
				h.logger.Warn("storing idempotency record", "error", err)
			}
		}
	}

	detail, _ := json.Marshal(map[string]any{"processed": result.Processed})
	h.auditor.LogFromRequest(r, "ingest", "project", req.ProjectID, detail)
	httpserver.Respond(w, http.StatusOK, result)
}

// handleIngestFile accepts a multipart file, quarantines it, and runs the
// ingest pipeline over the quarantine key.
func (h *Handler) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	id := tenant.FromContext(r.Context())

	projectID, filename, content, err := h.readMultipart(r)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	key := storage.QuarantineKey(id.OrgID, projectID, filename)
	if err := h.pipeline.store.Put(r.Context(), key, content, "application/octet-stream"); err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	t := trace.New("ingest.file")
	result, err := h.pipeline.Run(trace.WithTrace(r.Context(), t), t, id.OrgID, projectID, []string{key})
	h.sink.Ship(t)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	detail, _ := json.Marshal(map[string]any{"filename": filename, "processed": result.Processed})
	h.auditor.LogFromRequest(r, "ingest.file", "project", projectID, detail)
	httpserver.Respond(w, http.StatusOK, result)
}

// handleUpload scans a multipart file and stores clean bytes in quarantine
// for later ingestion. Unsafe bytes are quarantined under the threats
// prefix and refused.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := tenant.FromContext(r.Context())

	projectID, filename, content, err := h.readMultipart(r)
	if err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	declaredMIME := r.Header.Get("X-Content-Declared-Type")
	scanRes := h.pipeline.scanner.Scan(content, declaredMIME, filename)
	if !scanRes.Safe {
		threatKey := scan.QuarantineThreatKey(scanRes.SHA256)
		if err := h.pipeline.store.Put(r.Context(), threatKey, content, "application/octet-stream"); err != nil {
			h.logger.Error("storing threat bytes", "key", threatKey, "error", err)
		}
		detail, _ := json.Marshal(map[string]any{"threats": scanRes.Threats})
		h.auditor.LogFromRequest(r, "upload.blocked", "upload", threatKey, detail)
		httpserver.RespondAppError(w, r,
			apperr.E(apperr.KindSecurityThreat, "file failed security scan").
				WithField("threats", scanRes.Threats).
				WithField("quarantine_ref", threatKey))
		return
	}

	key := storage.QuarantineKey(id.OrgID, projectID, filename)
	if err := h.pipeline.store.Put(r.Context(), key, scanRes.Content, scanRes.ActualMIME); err != nil {
		httpserver.RespondAppError(w, r, err)
		return
	}

	detail, _ := json.Marshal(map[string]any{"filename": filename, "mime": scanRes.ActualMIME})
	h.auditor.LogFromRequest(r, "upload", "upload", key, detail)
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"quarantine_key": key,
		"asset": map[string]any{
			"mime":         scanRes.ActualMIME,
			"sha256":       scanRes.SHA256,
			"exif_removed": scanRes.EXIFRemoved,
			"size":         len(scanRes.Content),
		},
	})
}

// readMultipart extracts project_id and the uploaded file from a multipart
// form, enforcing the size limit.
func (h *Handler) readMultipart(r *http.Request) (projectID, filename string, content []byte, err error) {
	r.Body = http.MaxBytesReader(nil, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		return "", "", nil, apperr.E(apperr.KindTooLarge, "multipart form exceeds the %d byte limit", h.maxUploadBytes)
	}

	projectID = r.FormValue("project_id")
	if projectID == "" {
		projectID = "default"
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", nil, apperr.E(apperr.KindValidation, "missing multipart field %q", "file")
	}
	defer file.Close()

	content, err = io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		return "", "", nil, apperr.Wrap(apperr.KindInternal, err, "reading uploaded file")
	}
	if int64(len(content)) > h.maxUploadBytes {
		return "", "", nil, apperr.E(apperr.KindTooLarge, "file exceeds the %d byte limit", h.maxUploadBytes)
	}
	return projectID, header.Filename, content, nil
}

// idempotencyKey derives the replay cache key from the Idempotency-Key
// header, project, and body hash.
func (h *Handler) idempotencyKey(r *http.Request, req *Request) string {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return ""
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(body)
	return fmt.Sprintf("idemp:ingest:%s:%s:%s", key, req.ProjectID, hex.EncodeToString(sum[:]))
}
