// Package queue is a small database-backed job queue used for work that
// must not run inside a webhook request, such as diff generation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentcoord/internal/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoHandler is recorded on jobs nobody registered a handler for.
var ErrNoHandler = errors.New("no handler registered")

// Queue manages the jobs table.
type Queue struct {
	db *gorm.DB
}

// NewQueue creates a new queue instance
func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue stores a pending job. args is encoded as JSON.
func (q *Queue) Enqueue(ctx context.Context, name string, args any) (*models.Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job args: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New().String(),
		Name:      name,
		Args:      datatypes.JSON(raw),
		Status:    models.JobPending,
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// GetJob returns a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := q.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, fmt.Errorf("job not found: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (q *Queue) ListJobs(ctx context.Context, limit, offset int, status string) ([]models.Job, int64, error) {
	var jobs []models.Job
	var total int64

	query := q.db.WithContext(ctx).Model(&models.Job{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, total, nil
}

// Stats counts jobs by status.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := q.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := map[string]int64{
		models.JobPending:   0,
		models.JobRunning:   0,
		models.JobCompleted: 0,
		models.JobFailed:    0,
	}
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}

// claimNext moves the oldest due pending job to running. Concurrent
// workers skip rows another worker has locked.
func (q *Queue) claimNext(ctx context.Context) (*models.Job, error) {
	var claimed *models.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND run_at <= ?", models.JobPending, time.Now().UTC()).
			Order("run_at ASC").
			Limit(1).
			Find(&job)
		if res.Error != nil {
			return fmt.Errorf("failed to select job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(&job).Updates(map[string]interface{}{
			"status":     models.JobRunning,
			"attempts":   job.Attempts + 1,
			"started_at": now,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		job.Status = models.JobRunning
		job.Attempts++
		job.StartedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) finish(ctx context.Context, job *models.Job, result string, runErr error) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":      models.JobCompleted,
		"result":      result,
		"error":       "",
		"finished_at": now,
		"updated_at":  now,
	}
	if runErr != nil {
		updates["status"] = models.JobFailed
		updates["error"] = runErr.Error()
	}
	if err := q.db.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to record job result: %w", err)
	}
	return nil
}

// Handler runs one job and returns a result stored on the job row.
type Handler func(ctx context.Context, job *models.Job) (string, error)

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	PollInterval time.Duration
	// Upper bound on a single handler run
	Timeout time.Duration
}

// Worker polls the queue and dispatches jobs to registered handlers.
type Worker struct {
	queue    *Queue
	handlers map[string]Handler
	config   WorkerConfig
	log      *slog.Logger
}

// NewWorker creates a worker. Handlers must be registered before Run.
func NewWorker(q *Queue, config WorkerConfig, log *slog.Logger) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Worker{
		queue:    q,
		handlers: make(map[string]Handler),
		config:   config,
		log:      log,
	}
}

// Register binds a job name to its handler.
func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Run processes jobs until ctx is done. An empty queue waits one poll
// interval; a processed job polls again immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("job worker started", "poll_interval", w.config.PollInterval)
	for {
		worked, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("job processing failed", "error", err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("job worker stopped")
			return nil
		case <-time.After(w.config.PollInterval):
		}
	}
}

// ProcessNext runs at most one job. It reports whether a job was taken.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.claimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	result, runErr := w.run(ctx, job)
	if runErr != nil {
		w.log.Warn("job failed", "job_id", job.ID, "name", job.Name, "error", runErr)
	} else {
		w.log.Info("job completed", "job_id", job.ID, "name", job.Name)
	}
	// Record the outcome even if ctx was canceled mid-run.
	return true, w.queue.finish(context.WithoutCancel(ctx), job, result, runErr)
}

func (w *Worker) run(ctx context.Context, job *models.Job) (result string, err error) {
	h, ok := w.handlers[job.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, job.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	result, err = h(ctx, job)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("job timed out after %s: %w", w.config.Timeout, err)
	}
	return result, err
}
