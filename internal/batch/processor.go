// Package batch executes bulk workflow invocations asynchronously. Jobs are
// persisted in the shared store and queued on a list; a single background
// worker claims queued jobs and runs each item, recording per-item results so
// one item's failure never aborts the rest. A job naming a workflow that does
// not exist fails as a whole immediately.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aorbit/agent-gateway/internal/kv"
	"github.com/aorbit/agent-gateway/internal/workflow"
)

const (
	jobKeyFmt = "batch:job:%s"
	queueKey  = "batch:queue"

	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"

	ItemSuccess = "success"
	ItemError   = "error"
)

// ErrJobNotFound is returned when no job exists under an id.
var ErrJobNotFound = errors.New("batch job not found")

// ItemResult records the outcome of one input item.
type ItemResult struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Job is a persisted batch of workflow invocations.
type Job struct {
	ID          string           `json:"id"`
	Workflow    string           `json:"workflow"`
	Items       []map[string]any `json:"items"`
	Status      string           `json:"status"`
	Results     []ItemResult     `json:"results,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Processor owns the batch queue. Submissions may come from any worker;
// exactly one Processor per deployment should run Start.
type Processor struct {
	store    kv.Store
	registry *workflow.Registry
	interval time.Duration
	stopChan chan struct{}
	now      func() time.Time
}

// NewProcessor returns a Processor polling the queue at interval
// (default one second).
func NewProcessor(store kv.Store, registry *workflow.Registry, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Processor{
		store:    store,
		registry: registry,
		interval: interval,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Submit persists a new pending job and enqueues it.
func (p *Processor) Submit(ctx context.Context, workflowName string, items []map[string]any) (*Job, error) {
	if workflowName == "" {
		return nil, errors.New("workflow name is required")
	}
	if len(items) == 0 {
		return nil, errors.New("at least one item is required")
	}

	job := &Job{
		ID:        uuid.New().String(),
		Workflow:  workflowName,
		Items:     items,
		Status:    StatusPending,
		CreatedAt: p.now().UTC(),
	}
	if err := p.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := p.store.LPush(ctx, queueKey, job.ID); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return job, nil
}

// GetJob loads a job by id.
func (p *Processor) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := p.store.Get(ctx, fmt.Sprintf(jobKeyFmt, id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Start runs the worker loop until ctx is cancelled or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("batch processor started", "poll_interval", p.interval)

	for {
		select {
		case <-ticker.C:
			p.ProcessPending(ctx)
		case <-p.stopChan:
			slog.Info("batch processor stopped")
			return
		case <-ctx.Done():
			slog.Info("batch processor context cancelled")
			return
		}
	}
}

// Stop signals the worker loop to exit.
func (p *Processor) Stop() {
	close(p.stopChan)
}

// ProcessPending drains the queue, running every job currently enqueued.
func (p *Processor) ProcessPending(ctx context.Context) {
	for {
		id, err := p.store.RPop(ctx, queueKey)
		if err != nil {
			if !errors.Is(err, kv.ErrNotFound) {
				slog.Error("batch queue read failed", "error", err)
			}
			return
		}
		p.runJob(ctx, id)
	}
}

func (p *Processor) runJob(ctx context.Context, id string) {
	job, err := p.GetJob(ctx, id)
	if err != nil {
		slog.Error("batch job vanished from store", "job_id", id, "error", err)
		return
	}

	// A duplicated queue entry must not rerun a finished job.
	if job.Status == StatusCompleted || job.Status == StatusFailed {
		slog.Warn("batch job already finished, skipping", "job_id", id, "status", job.Status)
		return
	}

	job.Status = StatusProcessing
	if err := p.saveJob(ctx, job); err != nil {
		slog.Error("batch job update failed", "job_id", id, "error", err)
		return
	}

	target, err := p.registry.Get(job.Workflow)
	if err != nil {
		job.Status = StatusFailed
		job.Error = fmt.Sprintf("workflow %q not found", job.Workflow)
		p.finishJob(ctx, job)
		return
	}

	job.Results = make([]ItemResult, 0, len(job.Items))
	for i, item := range job.Items {
		output, err := invokeItem(ctx, target, item)
		if err != nil {
			slog.Warn("batch item failed", "job_id", id, "item", i, "error", err)
			job.Results = append(job.Results, ItemResult{Status: ItemError, Error: err.Error()})
		} else {
			job.Results = append(job.Results, ItemResult{Status: ItemSuccess, Output: output})
		}
		// Persist incrementally so progress survives a worker crash.
		if err := p.saveJob(ctx, job); err != nil {
			slog.Error("batch job update failed", "job_id", id, "error", err)
		}
	}

	job.Status = StatusCompleted
	p.finishJob(ctx, job)
}

// invokeItem isolates one item's execution; a panicking workflow is recorded
// as that item's error.
func invokeItem(ctx context.Context, target workflow.Workflow, item map[string]any) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return target.Invoke(ctx, item)
}

func (p *Processor) finishJob(ctx context.Context, job *Job) {
	done := p.now().UTC()
	job.CompletedAt = &done
	if err := p.saveJob(ctx, job); err != nil {
		slog.Error("batch job update failed", "job_id", job.ID, "error", err)
	}
}

func (p *Processor) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := p.store.Set(ctx, fmt.Sprintf(jobKeyFmt, job.ID), string(data), 0); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}
