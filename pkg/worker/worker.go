// Package worker runs the managed pool of render-queue consumers with
// queue-depth autoscaling.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/pkg/queue"
	"github.com/wisbric/brandowl/pkg/render"
	"github.com/wisbric/brandowl/pkg/trace"
)

// worker is one consumer loop. Stop is cooperative: the current job
// finishes before the loop exits.
type worker struct {
	id       string
	pool     *Pool
	cancel   context.CancelFunc
	done     chan struct{}
}

// run consumes jobs until the context is cancelled. Per-job failures never
// kill the worker; they are counted and reported.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	w.pool.logger.Info("worker started", "worker_id", w.id)

	reclaimTick := time.NewTicker(time.Minute)
	defer reclaimTick.Stop()

	for {
		select {
		case <-ctx.Done():
			w.pool.logger.Info("worker stopped", "worker_id", w.id)
			return
		default:
		}

		msg, err := w.pool.queue.Read(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.pool.logger.Error("worker read failed", "worker_id", w.id, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		if msg == nil {
			// Idle: opportunistically pick up deliveries another worker
			// abandoned.
			select {
			case <-reclaimTick.C:
				if reclaimed, err := w.pool.queue.Reclaim(ctx, w.id); err == nil && reclaimed != nil {
					msg = reclaimed
				}
			default:
			}
			if msg == nil {
				continue
			}
		}

		// The job runs on a context that ignores the stop signal, so a
		// stop lets the current job finish.
		w.process(context.WithoutCancel(ctx), msg)
	}
}

// process drives one job: running → preview → preview_ready → final →
// completed, caching the result and acking the delivery. Any failure moves
// the job to failed, records it on the dead-letter stream, and ACKs so the
// happy path never redelivers.
func (w *worker) process(ctx context.Context, msg *queue.Message) {
	log := w.pool.logger.With("worker_id", w.id, "job_id", msg.JobID)

	var payload render.JobPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		w.fail(ctx, msg, apperr.Wrap(apperr.KindValidation, err, "decoding job payload"))
		return
	}

	// A cancellation raced the pickup; drop the delivery without working.
	if status, err := w.pool.queue.Status(ctx, msg.JobID); err == nil && queue.IsTerminal(status["status"]) {
		_ = w.pool.queue.Ack(ctx, msg.StreamID)
		return
	}

	if err := w.pool.queue.SetState(ctx, msg.JobID, queue.StateRunning, nil); err != nil {
		if apperr.Is(err, apperr.KindJobTerminal) {
			// Cancelled between pickup and transition.
			_ = w.pool.queue.Ack(ctx, msg.StreamID)
			return
		}
		log.Warn("setting running state", "error", err)
	}

	t := trace.New("render.job")

	// Preview: one small image so the client sees progress quickly.
	previewReq := payload.Request
	previewReq.Outputs.Count = 1
	previewReq.Outputs.Dimensions = render.PreviewDimensions
	previewRes, err := w.pool.pipeline.Run(ctx, t, payload.OrgID, &previewReq, render.ModePreview)
	if err != nil {
		w.fail(ctx, msg, err)
		return
	}
	previewURL := ""
	if len(previewRes.Assets) > 0 {
		previewURL = previewRes.Assets[0].URL
	}
	if err := w.pool.queue.SetState(ctx, msg.JobID, queue.StatePreviewReady, map[string]any{
		"preview_url": previewURL,
		"progress":    "50",
	}); err != nil {
		log.Warn("setting preview_ready state", "error", err)
	}

	// Final render at the requested size and count.
	finalRes, err := w.pool.pipeline.Run(ctx, t, payload.OrgID, &payload.Request, render.ModeFinal)
	if err != nil {
		w.fail(ctx, msg, err)
		return
	}

	resultJSON, err := json.Marshal(finalRes)
	if err != nil {
		w.fail(ctx, msg, apperr.Wrap(apperr.KindInternal, err, "encoding result"))
		return
	}

	if err := w.pool.queue.CacheResult(ctx, msg.ContentHash, resultJSON); err != nil {
		log.Warn("caching render result", "error", err)
	}
	if err := w.pool.queue.SetState(ctx, msg.JobID, queue.StateCompleted, map[string]any{
		"result":   string(resultJSON),
		"url":      firstAssetURL(finalRes),
		"progress": "100",
	}); err != nil {
		log.Warn("setting completed state", "error", err)
	}
	if err := w.pool.queue.Ack(ctx, msg.StreamID); err != nil {
		log.Warn("acking message", "error", err)
	}

	w.pool.recordProcessed(w.id)
	log.Info("job completed", "cost_usd", t.TotalCostUSD())
}

// fail moves the job to failed with its typed error, dead-letters the
// delivery, and ACKs it.
func (w *worker) fail(ctx context.Context, msg *queue.Message, jobErr error) {
	kind := apperr.KindOf(jobErr).String()
	w.pool.logger.Error("job failed", "worker_id", w.id, "job_id", msg.JobID, "kind", kind, "error", jobErr)

	if err := w.pool.queue.SetState(ctx, msg.JobID, queue.StateFailed, map[string]any{
		"error": fmt.Sprintf("%s: %v", kind, jobErr),
	}); err != nil {
		w.pool.logger.Warn("setting failed state", "job_id", msg.JobID, "error", err)
	}
	w.pool.queue.DeadLetter(ctx, msg, kind, jobErr.Error())
	if err := w.pool.queue.Ack(ctx, msg.StreamID); err != nil {
		w.pool.logger.Warn("acking failed message", "job_id", msg.JobID, "error", err)
	}

	w.pool.recordFailed(w.id)
}

func firstAssetURL(res *render.Result) string {
	if len(res.Assets) > 0 {
		return res.Assets[0].URL
	}
	return ""
}
