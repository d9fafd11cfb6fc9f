package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/brandowl/internal/telemetry"
	"github.com/wisbric/brandowl/pkg/queue"
	"github.com/wisbric/brandowl/pkg/render"
)

// Worker states reported by stats.
const (
	WorkerRunning = "running"
	WorkerStopped = "stopped"
)

// autoscaleInterval is how often the pool re-evaluates queue depth.
const autoscaleInterval = 15 * time.Second

// WorkerStats describes one worker for health reporting.
type WorkerStats struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	Processed int       `json:"processed_jobs"`
	Failed    int       `json:"failed_jobs"`
}

// Stats is the pool roll-up.
type Stats struct {
	MaxWorkers     int           `json:"max_workers"`
	Running        int           `json:"running_workers"`
	Stopped        int           `json:"stopped_workers"`
	TotalProcessed int           `json:"total_processed_jobs"`
	TotalFailed    int           `json:"total_failed_jobs"`
	Workers        []WorkerStats `json:"workers"`
}

type workerInfo struct {
	worker    *worker
	state     string
	startedAt time.Time
	stoppedAt time.Time
	processed int
	failed    int
}

// Pool owns the set of render workers. All operations are safe for
// concurrent use.
type Pool struct {
	queue      *queue.Queue
	pipeline   *render.Pipeline
	logger     *slog.Logger
	maxWorkers int

	mu      sync.Mutex
	workers map[string]*workerInfo
	baseCtx context.Context
}

// NewPool creates a worker pool bounded at maxWorkers.
func NewPool(q *queue.Queue, pipeline *render.Pipeline, logger *slog.Logger, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	return &Pool{
		queue:      q,
		pipeline:   pipeline,
		logger:     logger,
		maxWorkers: maxWorkers,
		workers:    map[string]*workerInfo{},
	}
}

// Run starts the pool with one worker and the autoscale loop, blocking
// until the context is cancelled. All workers are drained on exit.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("preparing consumer group: %w", err)
	}

	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	if _, err := p.Start(""); err != nil {
		return err
	}

	ticker := time.NewTicker(autoscaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker pool shutting down")
			p.stopAll()
			return nil
		case <-ticker.C:
			depth, err := p.queue.Depth(ctx)
			if err != nil {
				p.logger.Warn("reading queue depth for autoscale", "error", err)
				continue
			}
			telemetry.QueueDepth.Set(float64(depth))
			if _, err := p.Autoscale(depth); err != nil {
				p.logger.Warn("autoscaling", "error", err)
			}
		}
	}
}

// Start launches a new worker. An empty id generates one.
func (p *Pool) Start(id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.baseCtx == nil {
		return "", fmt.Errorf("pool is not running")
	}
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}
	if info, exists := p.workers[id]; exists && info.state == WorkerRunning {
		return "", fmt.Errorf("worker %s already running", id)
	}
	if p.runningLocked() >= p.maxWorkers {
		return "", fmt.Errorf("maximum workers (%d) already running", p.maxWorkers)
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	w := &worker{id: id, pool: p, cancel: cancel, done: make(chan struct{})}
	p.workers[id] = &workerInfo{worker: w, state: WorkerRunning, startedAt: time.Now()}
	go w.run(ctx)

	telemetry.WorkersRunning.Set(float64(p.runningLocked()))
	return id, nil
}

// Stop requests a cooperative stop and waits for the worker to finish its
// current job.
func (p *Pool) Stop(id string) error {
	p.mu.Lock()
	info, ok := p.workers[id]
	if !ok || info.state != WorkerRunning {
		p.mu.Unlock()
		return fmt.Errorf("no running worker %s", id)
	}
	w := info.worker
	p.mu.Unlock()

	w.cancel()
	<-w.done

	p.mu.Lock()
	info.state = WorkerStopped
	info.stoppedAt = time.Now()
	telemetry.WorkersRunning.Set(float64(p.runningLocked()))
	p.mu.Unlock()
	return nil
}

// Restart stops and relaunches a worker under the same id.
func (p *Pool) Restart(id string) error {
	if err := p.Stop(id); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
	_, err := p.Start(id)
	return err
}

// ScaleTo adjusts the running worker count, clamped to [0, maxWorkers].
func (p *Pool) ScaleTo(target int) (Stats, error) {
	if target < 0 {
		target = 0
	}
	if target > p.maxWorkers {
		target = p.maxWorkers
	}

	for p.Running() < target {
		if _, err := p.Start(""); err != nil {
			return p.Stats(), err
		}
	}
	for p.Running() > target {
		id := p.anyRunning()
		if id == "" {
			break
		}
		if err := p.Stop(id); err != nil {
			return p.Stats(), err
		}
	}
	return p.Stats(), nil
}

// targetWorkers maps queue depth to the worker count: 0–5 jobs one worker,
// 6–15 two, 16+ three (bounded by max).
func targetWorkers(queueDepth int64, max int) int {
	var target int
	switch {
	case queueDepth <= 5:
		target = 1
	case queueDepth <= 15:
		target = 2
	default:
		target = 3
	}
	if target > max {
		target = max
	}
	return target
}

// Autoscale applies the depth→target table.
func (p *Pool) Autoscale(queueDepth int64) (Stats, error) {
	return p.ScaleTo(targetWorkers(queueDepth, p.maxWorkers))
}

// Running returns the running worker count.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

// Stats returns the pool roll-up.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{MaxWorkers: p.maxWorkers}
	for id, info := range p.workers {
		st.Workers = append(st.Workers, WorkerStats{
			ID:        id,
			State:     info.state,
			StartedAt: info.startedAt,
			StoppedAt: info.stoppedAt,
			Processed: info.processed,
			Failed:    info.failed,
		})
		st.TotalProcessed += info.processed
		st.TotalFailed += info.failed
		if info.state == WorkerRunning {
			st.Running++
		} else {
			st.Stopped++
		}
	}
	return st
}

func (p *Pool) runningLocked() int {
	n := 0
	for _, info := range p.workers {
		if info.state == WorkerRunning {
			n++
		}
	}
	return n
}

func (p *Pool) anyRunning() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, info := range p.workers {
		if info.state == WorkerRunning {
			return id
		}
	}
	return ""
}

func (p *Pool) stopAll() {
	p.mu.Lock()
	var running []*workerInfo
	for _, info := range p.workers {
		if info.state == WorkerRunning {
			running = append(running, info)
		}
	}
	p.mu.Unlock()

	for _, info := range running {
		info.worker.cancel()
		<-info.worker.done
	}

	p.mu.Lock()
	now := time.Now()
	for _, info := range running {
		info.state = WorkerStopped
		info.stoppedAt = now
	}
	telemetry.WorkersRunning.Set(0)
	p.mu.Unlock()
}

func (p *Pool) recordProcessed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.workers[id]; ok {
		info.processed++
	}
}

func (p *Pool) recordFailed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.workers[id]; ok {
		info.failed++
	}
}
