// Package store holds the transactional primitives shared by the
// coordination components. The task row is the single serialization
// point: anything that mutates a task together with its leases or runs
// does so while holding the row lock taken by LockTask.
package store

import (
	"context"
	"errors"
	"fmt"

	"agentcoord/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTaskNotFound is returned when the task row does not exist.
var ErrTaskNotFound = errors.New("task not found")

// LockTask loads the task and holds SELECT ... FOR UPDATE on its row for
// the rest of tx.
func LockTask(tx *gorm.DB, taskID string) (*models.Task, error) {
	var task models.Task
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&task, "id = ?", taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to lock task: %w", err)
	}
	return &task, nil
}

// GetTask loads a task without locking it.
func GetTask(ctx context.Context, db *gorm.DB, taskID string) (*models.Task, error) {
	var task models.Task
	if err := db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

// WithLockedTask runs fn in a transaction holding the task row lock.
func WithLockedTask(ctx context.Context, db *gorm.DB, taskID string, fn func(tx *gorm.DB, task *models.Task) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := LockTask(tx, taskID)
		if err != nil {
			return err
		}
		return fn(tx, task)
	})
}
