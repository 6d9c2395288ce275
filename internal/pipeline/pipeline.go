// Package pipeline validates and applies pipeline stage changes on tasks.
//
// Two kinds of writes exist. Advance is the agent-driven path and must
// follow the legal-transition table. Apply is the outcome-policy path
// used when a completion report decides where the task goes next; it may
// jump across the table but can never move a task out of completed.
// Both append to the pipeline log in the same write as the stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentcoord/internal/metrics"
	"agentcoord/internal/models"
	"agentcoord/internal/store"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrIllegalTransition wraps every rejected edge.
	ErrIllegalTransition = errors.New("illegal pipeline transition")
	// ErrPromptRequired means the target stage needs a compiled prompt.
	ErrPromptRequired = errors.New("compiled prompt required")
	// ErrUnknownStage means the stage name is not part of the pipeline.
	ErrUnknownStage = errors.New("unknown pipeline stage")
	// ErrCompleted means the task already completed its pipeline.
	ErrCompleted = errors.New("pipeline already completed")
)

// TransitionError names both ends of a rejected edge.
type TransitionError struct {
	From models.PipelineStage
	To   models.PipelineStage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move pipeline from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

var transitions = map[models.PipelineStage][]models.PipelineStage{
	models.StageUnstarted:    {models.StageTriaged},
	models.StageTriaged:      {models.StageContextReady, models.StageFailed},
	models.StageContextReady: {models.StageRouted, models.StageFailed},
	models.StageRouted:       {models.StageExecuting, models.StageFailed},
	models.StageExecuting:    {models.StageVerifying, models.StageCompleted, models.StageFailed},
	models.StageVerifying:    {models.StageCompleted, models.StageFailed},
	models.StageFailed:       {models.StageTriaged},
	models.StageCompleted:    {},
}

type edge struct {
	from, to models.PipelineStage
}

// Edges that only make sense once a prompt has been compiled.
var promptRequired = map[edge]bool{
	{models.StageRouted, models.StageExecuting}:    true,
	{models.StageExecuting, models.StageVerifying}: true,
	{models.StageExecuting, models.StageCompleted}: true,
}

// Next returns the stages reachable from s in one agent-driven step.
func Next(s models.PipelineStage) []models.PipelineStage {
	out := make([]models.PipelineStage, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether from -> to is in the table. Staying on
// the same stage is always allowed.
func CanTransition(from, to models.PipelineStage) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate checks moving task to the given stage along the table,
// including the compiled prompt precondition.
func Validate(task *models.Task, to models.PipelineStage) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, to)
	}
	from := task.PipelineStage
	if from == "" {
		from = models.StageUnstarted
	}
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	if promptRequired[edge{from, to}] && !task.HasCompiledPrompt() {
		return fmt.Errorf("%w: %s -> %s", ErrPromptRequired, from, to)
	}
	return nil
}

// Step describes one stage change. Set holds additional task columns
// written atomically with the stage and log entry; the caller must have
// already applied the same values to the in-memory task.
type Step struct {
	To       models.PipelineStage
	Metadata map[string]any
	Set      map[string]interface{}
}

// Machine persists stage changes.
type Machine struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// NewMachine creates a pipeline state machine.
func NewMachine(db *gorm.DB, log *slog.Logger) *Machine {
	return &Machine{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Advance validates and applies an agent-driven stage change under the
// task row lock.
func (m *Machine) Advance(ctx context.Context, taskID string, step Step) (*models.Task, error) {
	var out *models.Task
	err := store.WithLockedTask(ctx, m.db, taskID, func(tx *gorm.DB, task *models.Task) error {
		if err := m.AdvanceTx(tx, task, step); err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdvanceTx is Advance for callers already holding the row lock.
// A same-stage step writes nothing beyond step.Set.
func (m *Machine) AdvanceTx(tx *gorm.DB, task *models.Task, step Step) error {
	if err := Validate(task, step.To); err != nil {
		return err
	}
	if task.PipelineStage == step.To {
		if len(step.Set) == 0 {
			return nil
		}
		if err := tx.Model(task).Updates(step.Set).Error; err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		return nil
	}
	return m.write(tx, task, step)
}

// ApplyTx writes an outcome-policy stage change. It skips the edge table
// but refuses to leave completed. Unlike AdvanceTx it always logs, so a
// repeated requeue into the same stage still leaves a trace.
func (m *Machine) ApplyTx(tx *gorm.DB, task *models.Task, step Step) error {
	if !step.To.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, step.To)
	}
	if task.PipelineStage == models.StageCompleted && step.To != models.StageCompleted {
		return fmt.Errorf("%w: cannot move to %s", ErrCompleted, step.To)
	}
	return m.write(tx, task, step)
}

func (m *Machine) write(tx *gorm.DB, task *models.Task, step Step) error {
	from := task.PipelineStage
	now := m.now()

	meta := make(map[string]any, len(step.Metadata)+1)
	for k, v := range step.Metadata {
		meta[k] = v
	}
	meta["from"] = string(from)

	entries := make(datatypes.JSONSlice[models.PipelineLogEntry], 0, len(task.PipelineLog)+1)
	entries = append(entries, task.PipelineLog...)
	entries = append(entries, models.PipelineLogEntry{
		Stage:    step.To,
		At:       now,
		Metadata: meta,
	})

	updates := map[string]interface{}{
		"pipeline_stage": step.To,
		"pipeline_log":   entries,
		"updated_at":     now,
	}
	for k, v := range step.Set {
		updates[k] = v
	}
	if err := tx.Model(task).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to write pipeline stage: %w", err)
	}

	task.PipelineStage = step.To
	task.PipelineLog = entries
	task.UpdatedAt = now

	metrics.PipelineTransitions.WithLabelValues(string(step.To)).Inc()
	m.log.Info("pipeline stage changed",
		"task_id", task.ID,
		"from", from,
		"to", step.To)
	return nil
}
