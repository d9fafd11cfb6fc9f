package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/brandowl/internal/httpserver"
	"github.com/wisbric/brandowl/pkg/tenant"
)

// Handler serves the org-scoped audit-log query endpoint.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates the audit query handler. pool may be nil, in which
// case the endpoint reports the trail as unavailable.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns the audit router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

type entryResponse struct {
	OrgID      string          `json:"org_id"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		httpserver.RespondError(w, r, http.StatusServiceUnavailable, "unavailable", "audit trail storage is not configured")
		return
	}

	id := tenant.FromContext(r.Context())

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	rows, err := h.pool.Query(r.Context(),
		`SELECT org_id, action, resource, resource_id, detail, request_id, created_at
		 FROM audit_log WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`,
		id.OrgID, limit,
	)
	if err != nil {
		h.logger.Error("querying audit log", "error", err)
		httpserver.RespondError(w, r, http.StatusInternalServerError, "internal_error", "querying audit log")
		return
	}
	defer rows.Close()

	entries := make([]entryResponse, 0, limit)
	for rows.Next() {
		var e entryResponse
		if err := rows.Scan(&e.OrgID, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &e.RequestID, &e.CreatedAt); err != nil {
			h.logger.Error("scanning audit row", "error", err)
			continue
		}
		entries = append(entries, e)
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
