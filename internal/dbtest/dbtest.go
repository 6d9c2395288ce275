// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"
	"time"

	"agentcoord/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated database backed by a file in t.TempDir().
// The pool holds a single connection so concurrent callers serialize
// on the database the way row locks serialize them on Postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := models.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// CreateTask inserts a task with sensible defaults; mutate customizes it first.
func CreateTask(t testing.TB, db *gorm.DB, mutate func(*models.Task)) *models.Task {
	t.Helper()

	now := time.Now().UTC()
	task := &models.Task{
		ID:            uuid.New().String(),
		BoardID:       "board-1",
		UserID:        "user-1",
		Title:         "Implement feature",
		Status:        models.StatusInProgress,
		PipelineStage: models.StageUnstarted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if mutate != nil {
		mutate(task)
	}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

// ReloadTask reads the task back from the database.
func ReloadTask(t testing.TB, db *gorm.DB, id string) *models.Task {
	t.Helper()

	var task models.Task
	if err := db.First(&task, "id = ?", id).Error; err != nil {
		t.Fatalf("failed to reload task %s: %v", id, err)
	}
	return &task
}
