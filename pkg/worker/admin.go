package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/brandowl/internal/httpserver"
)

// The API and worker processes are separate; the pool publishes its stats
// to Redis and listens for scale commands on a control topic, and the admin
// endpoints speak to those.
const (
	statsKey     = "workers:stats"
	controlTopic = "workers:control"
	statsTTL     = 2 * time.Minute
)

type controlCommand struct {
	Action string `json:"action"`
	Target int    `json:"target,omitempty"`
	ID     string `json:"id,omitempty"`
}

// publishStats writes the pool roll-up for the admin API.
func (p *Pool) publishStats(ctx context.Context, rdb *redis.Client) {
	data, err := json.Marshal(p.Stats())
	if err != nil {
		return
	}
	if err := rdb.Set(ctx, statsKey, data, statsTTL).Err(); err != nil {
		p.logger.Warn("publishing worker stats", "error", err)
	}
}

// ListenControl subscribes to the control topic and applies scale/stop/
// restart commands until the context is cancelled.
func (p *Pool) ListenControl(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, controlTopic)
	defer sub.Close()

	ch := sub.Channel()
	ticker := time.NewTicker(autoscaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx, rdb)
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var cmd controlCommand
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				p.logger.Warn("invalid worker control command", "payload", msg.Payload)
				continue
			}
			p.apply(ctx, rdb, cmd)
		}
	}
}

func (p *Pool) apply(ctx context.Context, rdb *redis.Client, cmd controlCommand) {
	var err error
	switch cmd.Action {
	case "scale":
		_, err = p.ScaleTo(cmd.Target)
	case "stop":
		err = p.Stop(cmd.ID)
	case "restart":
		err = p.Restart(cmd.ID)
	default:
		p.logger.Warn("unknown worker control action", "action", cmd.Action)
		return
	}
	if err != nil {
		p.logger.Warn("applying worker control command", "action", cmd.Action, "error", err)
	}
	p.publishStats(ctx, rdb)
}

// AdminHandler serves the worker admin endpoints from the API process.
type AdminHandler struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewAdminHandler creates the worker admin handler.
func NewAdminHandler(rdb *redis.Client, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{rdb: rdb, logger: logger}
}

// Routes returns the worker admin router.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleStats)
	r.Post("/scale", h.handleScale)
	return r
}

func (h *AdminHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	data, err := h.rdb.Get(r.Context(), statsKey).Bytes()
	if err != nil {
		httpserver.Respond(w, http.StatusOK, map[string]any{
			"available": false,
			"message":   "no worker stats published; is the worker process running?",
		})
		return
	}
	var stats Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		httpserver.RespondError(w, r, http.StatusInternalServerError, "internal_error", "decoding worker stats")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"available": true, "stats": stats})
}

type scaleRequest struct {
	Target int `json:"target" validate:"gte=0,lte=64"`
}

func (h *AdminHandler) handleScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	cmd, _ := json.Marshal(controlCommand{Action: "scale", Target: req.Target})
	if err := h.rdb.Publish(r.Context(), controlTopic, cmd).Err(); err != nil {
		httpserver.RespondError(w, r, http.StatusInternalServerError, "internal_error", "publishing scale command")
		return
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]any{"requested_target": req.Target})
}
