package render

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wisbric/brandowl/pkg/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the router's CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler streams job status updates over a websocket, terminating when
// the job reaches a terminal state.
type WSHandler struct {
	queue  *queue.Queue
	logger *slog.Logger
}

// NewWSHandler creates the job-progress websocket handler.
func NewWSHandler(q *queue.Queue, logger *slog.Logger) *WSHandler {
	return &WSHandler{queue: q, logger: logger}
}

// Routes returns the websocket router.
func (h *WSHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/jobs/{jobID}", h.handleJobStream)
	return r
}

func (h *WSHandler) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ctx := r.Context()

	// Subscribe before reading the current state so no transition is lost
	// between the two.
	sub := h.queue.Subscribe(ctx, jobID)
	defer sub.Close()

	current, err := h.queue.Status(ctx, jobID)
	if err != nil {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	writeState := func(state map[string]any) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(state); err != nil {
			return false
		}
		status, _ := state["status"].(string)
		return !queue.IsTerminal(status)
	}

	initial := map[string]any{"job_id": jobID}
	for k, v := range current {
		initial[k] = v
	}
	if !writeState(initial) {
		return
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var state map[string]any
			if err := json.Unmarshal([]byte(msg.Payload), &state); err != nil {
				continue
			}
			state["job_id"] = jobID
			if !writeState(state) {
				return
			}
		}
	}
}
