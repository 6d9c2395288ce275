// Package runs records task outcome reports idempotently. The caller
// supplied run id is the idempotency key: a replayed report returns the
// run number assigned the first time and changes nothing else.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentcoord/internal/lease"
	"agentcoord/internal/metrics"
	"agentcoord/internal/models"
	"agentcoord/internal/store"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRunBelongsToOtherTask means the run id was already recorded against
// a different task.
var ErrRunBelongsToOtherTask = errors.New("run id already recorded for another task")

// Outcome is one completion report.
type Outcome struct {
	RunID             string
	EndedAt           time.Time
	NeedsFollowUp     bool
	RecommendedAction models.RecommendedAction
	Summary           string
	Achieved          []string
	Evidence          []string
	Remaining         []string
	NextPrompt        string
	ModelUsed         string
	Raw               []byte
}

// Result describes what RecordOutcome did.
type Result struct {
	RunNumber  int
	Idempotent bool

	// Set only when a new run was recorded.
	Run            *models.TaskRun
	Task           *models.Task
	LeasesReleased int64
}

// Followup runs inside the recording transaction, after the run and task
// counters are written, while the task row lock is still held. It runs
// in a savepoint: an error rolls back the followup's own writes, is
// logged, and never undoes the recorded run.
type Followup func(tx *gorm.DB, task *models.Task, run *models.TaskRun) error

// Recorder persists completion reports.
type Recorder struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

func NewRecorder(db *gorm.DB, log *slog.Logger) *Recorder {
	return &Recorder{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// RecordOutcome stores the report as the task's next run, releases its
// leases and updates the task counters, all under the task row lock.
// followup may be nil.
func (r *Recorder) RecordOutcome(ctx context.Context, taskID string, o Outcome, followup Followup) (*Result, error) {
	// Cheap replay check before taking the lock.
	res, err := r.existing(r.db.WithContext(ctx), taskID, o.RunID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		r.report(taskID, o, res)
		return res, nil
	}

	var result *Result
	err = store.WithLockedTask(ctx, r.db, taskID, func(tx *gorm.DB, task *models.Task) error {
		// A concurrent report may have won between the check and the lock.
		res, err := r.existing(tx, taskID, o.RunID)
		if err != nil {
			return err
		}
		if res != nil {
			result = res
			return nil
		}

		now := r.now()
		endedAt := o.EndedAt
		if endedAt.IsZero() {
			endedAt = now
		}

		run := &models.TaskRun{
			RunID:             o.RunID,
			TaskID:            taskID,
			RunNumber:         task.RunCount + 1,
			EndedAt:           endedAt.UTC(),
			NeedsFollowUp:     o.NeedsFollowUp,
			RecommendedAction: o.RecommendedAction,
			Summary:           o.Summary,
			Achieved:          datatypes.JSONSlice[string](o.Achieved),
			Evidence:          datatypes.JSONSlice[string](o.Evidence),
			Remaining:         datatypes.JSONSlice[string](o.Remaining),
			NextPrompt:        o.NextPrompt,
			ModelUsed:         o.ModelUsed,
			CreatedAt:         now,
		}
		if len(o.Raw) > 0 {
			run.RawPayload = datatypes.JSON(o.Raw)
		}

		ins := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			DoNothing: true,
		}).Create(run)
		if ins.Error != nil {
			return fmt.Errorf("failed to insert run: %w", ins.Error)
		}
		if ins.RowsAffected == 0 {
			// The unique index caught a duplicate the checks missed.
			res, err := r.existing(tx, taskID, o.RunID)
			if err != nil {
				return err
			}
			if res == nil {
				return fmt.Errorf("run %s vanished after duplicate insert", o.RunID)
			}
			result = res
			return nil
		}

		released, err := lease.ReleaseAllTx(tx, taskID, now)
		if err != nil {
			return err
		}

		status := models.StatusInReview
		if o.RecommendedAction == models.ActionRequeueSameTask {
			status = models.StatusUpNext
		}
		runID := o.RunID
		updates := map[string]interface{}{
			"run_count":               run.RunNumber,
			"last_run_id":             runID,
			"last_outcome_at":         now,
			"last_recommended_action": string(o.RecommendedAction),
			"status":                  status,
			"updated_at":              now,
		}
		if err := tx.Model(task).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update task counters: %w", err)
		}
		task.RunCount = run.RunNumber
		task.LastRunID = &runID
		task.LastOutcomeAt = &now
		task.LastRecommendedAction = string(o.RecommendedAction)
		task.Status = status

		if followup != nil {
			ferr := tx.Transaction(func(sp *gorm.DB) error {
				return followup(sp, task, run)
			})
			if ferr != nil {
				r.log.Error("outcome followup failed",
					"task_id", taskID,
					"run_id", o.RunID,
					"error", ferr)
				// The savepoint is gone; read back what actually persisted.
				if err := tx.First(task, "id = ?", taskID).Error; err != nil {
					return fmt.Errorf("failed to reload task: %w", err)
				}
			}
		}

		result = &Result{
			RunNumber:      run.RunNumber,
			Run:            run,
			Task:           task,
			LeasesReleased: released,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.report(taskID, o, result)
	return result, nil
}

func (r *Recorder) report(taskID string, o Outcome, result *Result) {
	if result.Idempotent {
		metrics.Outcomes.WithLabelValues("idempotent").Inc()
		r.log.Info("duplicate outcome ignored", "task_id", taskID, "run_id", o.RunID, "run_number", result.RunNumber)
	} else {
		metrics.Outcomes.WithLabelValues("recorded").Inc()
		r.log.Info("outcome recorded",
			"task_id", taskID,
			"run_id", o.RunID,
			"run_number", result.RunNumber,
			"action", o.RecommendedAction,
			"leases_released", result.LeasesReleased)
	}
}

// Runs returns the task's run history in run order.
func (r *Recorder) Runs(ctx context.Context, taskID string) ([]models.TaskRun, error) {
	var out []models.TaskRun
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("run_number").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}
	return out, nil
}

// existing returns an idempotent result when runID is already recorded.
func (r *Recorder) existing(db *gorm.DB, taskID, runID string) (*Result, error) {
	var run models.TaskRun
	err := db.Where("run_id = ?", runID).Limit(1).Find(&run).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up run: %w", err)
	}
	if run.ID == 0 {
		return nil, nil
	}
	if run.TaskID != taskID {
		return nil, fmt.Errorf("%w: %s", ErrRunBelongsToOtherTask, runID)
	}
	return &Result{RunNumber: run.RunNumber, Idempotent: true}, nil
}
