// Package queue implements the async render job queue over Redis streams:
// content-hash deduplication, consumer-group delivery, per-job state with
// pub/sub progress, result caching, and a dead-letter stream.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/internal/telemetry"
)

// Job states. Within one job observed states are a prefix of
// queued → running → preview_ready → completed|failed|cancelled.
const (
	StateQueued       = "queued"
	StateRunning      = "running"
	StatePreviewReady = "preview_ready"
	StateCompleted    = "completed"
	StateFailed       = "failed"
	StateCancelled    = "cancelled"
)

// stateRank orders states for monotonicity enforcement.
var stateRank = map[string]int{
	StateQueued:       0,
	StateRunning:      1,
	StatePreviewReady: 2,
	StateCompleted:    3,
	StateFailed:       3,
	StateCancelled:    3,
}

// IsTerminal reports whether a state is final.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

const (
	// StreamName is the append-only render job stream.
	StreamName = "q:render"
	// DeadStreamName receives failed jobs with reason codes.
	DeadStreamName = "q:render:dead"
	// ConsumerGroup is the shared worker consumer group.
	ConsumerGroup = "sgd-workers"

	streamMaxLen     = 10000
	deadStreamMaxLen = 1000
	// jobStateTTL bounds how long job state and progress remain readable.
	jobStateTTL = 24 * time.Hour
	// reclaimMinIdle is how long a delivery may sit unacked before another
	// worker may claim it.
	reclaimMinIdle = 5 * time.Minute

	blockTimeout = 2 * time.Second
)

// EnqueueResult is the outcome of an enqueue call.
type EnqueueResult struct {
	Cached       bool            `json:"cached"`
	JobID        string          `json:"job_id,omitempty"`
	ContentHash  string          `json:"content_hash"`
	CachedResult json.RawMessage `json:"cached_result,omitempty"`
}

// Message is one delivered job.
type Message struct {
	StreamID    string
	JobID       string
	ContentHash string
	Payload     json.RawMessage
}

// Queue is the render job queue. Safe for concurrent use.
type Queue struct {
	rdb            *redis.Client
	logger         *slog.Logger
	renderCacheTTL time.Duration
}

// New creates a queue. renderCacheTTL bounds how long completed results are
// served from the content-hash cache (house default 30 days).
func New(rdb *redis.Client, logger *slog.Logger, renderCacheTTL time.Duration) *Queue {
	if renderCacheTTL <= 0 {
		renderCacheTTL = 30 * 24 * time.Hour
	}
	return &Queue{rdb: rdb, logger: logger, renderCacheTTL: renderCacheTTL}
}

// ContentHash computes the deterministic SHA-256 of the canonical JSON
// serialization of payload (object keys sorted).
func ContentHash(payload json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("payload is not valid JSON: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func resultKey(contentHash string) string { return "render:" + contentHash }
func jobKey(jobID string) string          { return "job:" + jobID }
func jobTopic(jobID string) string        { return "job:" + jobID }

// Enqueue deduplicates by content hash and appends a new job to the stream
// on a miss. A cached result is returned immediately without creating a job.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (EnqueueResult, error) {
	hash, err := ContentHash(payload)
	if err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.KindValidation, err, "hashing payload")
	}

	cached, err := q.rdb.Get(ctx, resultKey(hash)).Bytes()
	if err == nil {
		return EnqueueResult{Cached: true, ContentHash: hash, CachedResult: cached}, nil
	}
	if err != redis.Nil {
		q.logger.Warn("render result cache lookup failed", "error", err)
	}

	jobID := uuid.New().String()
	now := time.Now().UTC()

	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":       jobID,
			"payload":      string(payload),
			"content_hash": hash,
			"created_at":   now.Format(time.RFC3339Nano),
		},
	}).Err(); err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.KindInternal, err, "appending job to stream")
	}

	if err := q.setState(ctx, jobID, StateQueued, map[string]any{
		"content_hash": hash,
		"created_at":   now.Format(time.RFC3339Nano),
	}, false); err != nil {
		return EnqueueResult{}, err
	}

	q.updateDepthGauge(ctx)
	return EnqueueResult{Cached: false, JobID: jobID, ContentHash: hash}, nil
}

// SetState transitions a job and publishes the update to its topic. A
// transition to an earlier state, or to a different state of equal rank, is
// rejected, keeping the observed sequence monotonic; setting the current
// state again is accepted. Terminal states are final.
func (q *Queue) SetState(ctx context.Context, jobID, state string, data map[string]any) error {
	return q.setState(ctx, jobID, state, data, true)
}

func (q *Queue) setState(ctx context.Context, jobID, state string, data map[string]any, enforce bool) error {
	if enforce {
		current, err := q.rdb.HGet(ctx, jobKey(jobID), "status").Result()
		if err != nil && err != redis.Nil {
			return apperr.Wrap(apperr.KindInternal, err, "reading job state")
		}
		if err == nil {
			if IsTerminal(current) {
				return apperr.E(apperr.KindJobTerminal, "job %s is already %s", jobID, current)
			}
			if stateRank[state] <= stateRank[current] && state != current {
				return apperr.E(apperr.KindJobTerminal, "job %s cannot move from %s to %s", jobID, current, state)
			}
		}
	}

	update := map[string]any{
		"status":     state,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range data {
		update[k] = v
	}

	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, jobKey(jobID), update)
	pipe.Expire(ctx, jobKey(jobID), jobStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "storing job state")
	}

	// Subscribers receive at-least-once; they must be idempotent on
	// repeated states.
	event, err := json.Marshal(update)
	if err == nil {
		if err := q.rdb.Publish(ctx, jobTopic(jobID), event).Err(); err != nil {
			q.logger.Warn("publishing job update", "job_id", jobID, "error", err)
		}
	}

	if IsTerminal(state) {
		telemetry.JobsTotal.WithLabelValues(state).Inc()
	}
	return nil
}

// Status returns the job's state record.
func (q *Queue) Status(ctx context.Context, jobID string) (map[string]string, error) {
	data, err := q.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "reading job state")
	}
	if len(data) == 0 {
		return nil, apperr.E(apperr.KindJobNotFound, "unknown job %s", jobID)
	}
	return data, nil
}

// Cancel marks a job cancelled. Terminal jobs are rejected.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	status, err := q.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if IsTerminal(status["status"]) {
		return apperr.E(apperr.KindJobTerminal, "job %s is already %s", jobID, status["status"])
	}
	return q.SetState(ctx, jobID, StateCancelled, nil)
}

// Subscribe returns a pub/sub subscription to the job's progress topic.
// The caller owns the subscription and must close it.
func (q *Queue) Subscribe(ctx context.Context, jobID string) *redis.PubSub {
	return q.rdb.Subscribe(ctx, jobTopic(jobID))
}

// EnsureGroup creates the consumer group, tolerating an existing one.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, StreamName, ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// Read blocks up to two seconds for the next job assigned to consumer.
// A nil message means the wait timed out.
func (q *Queue) Read(ctx context.Context, consumer string) (*Message, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{StreamName, ">"},
		Count:    1,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return messageFrom(msg), nil
		}
	}
	return nil, nil
}

// Reclaim hands one delivery that sat unacked past the idle threshold to
// consumer. A nil message means nothing is eligible.
func (q *Queue) Reclaim(ctx context.Context, consumer string) (*Message, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamName,
		Group:    ConsumerGroup,
		Consumer: consumer,
		MinIdle:  reclaimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaiming stale deliveries: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return messageFrom(msgs[0]), nil
}

// Ack acknowledges a processed delivery.
func (q *Queue) Ack(ctx context.Context, streamID string) error {
	if err := q.rdb.XAck(ctx, StreamName, ConsumerGroup, streamID).Err(); err != nil {
		return fmt.Errorf("acking message %s: %w", streamID, err)
	}
	q.updateDepthGauge(ctx)
	return nil
}

// DeadLetter records a failed job on the dead-letter stream. Failed jobs
// are ACKed on the main stream and preserved here with a reason code;
// nothing is silently dropped.
func (q *Queue) DeadLetter(ctx context.Context, msg *Message, kind, reason string) {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadStreamName,
		MaxLen: deadStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":       msg.JobID,
			"content_hash": msg.ContentHash,
			"kind":         kind,
			"reason":       reason,
			"failed_at":    time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		q.logger.Error("appending to dead-letter stream", "job_id", msg.JobID, "error", err)
	}
}

// CacheResult stores a completed render under its content hash.
func (q *Queue) CacheResult(ctx context.Context, contentHash string, result json.RawMessage) error {
	if err := q.rdb.Set(ctx, resultKey(contentHash), []byte(result), q.renderCacheTTL).Err(); err != nil {
		return fmt.Errorf("caching render result: %w", err)
	}
	return nil
}

// Depth returns the current stream length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, StreamName).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}

func (q *Queue) updateDepthGauge(ctx context.Context) {
	if n, err := q.Depth(ctx); err == nil {
		telemetry.QueueDepth.Set(float64(n))
	}
}

func messageFrom(msg redis.XMessage) *Message {
	out := &Message{StreamID: msg.ID}
	if v, ok := msg.Values["job_id"].(string); ok {
		out.JobID = v
	}
	if v, ok := msg.Values["content_hash"].(string); ok {
		out.ContentHash = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		out.Payload = json.RawMessage(v)
	}
	return out
}
