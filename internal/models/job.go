package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job statuses
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a fire-and-forget background unit dispatched by the queue worker.
type Job struct {
	ID         string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name       string         `gorm:"not null;type:varchar(255);index" json:"name"`
	Args       datatypes.JSON `json:"args"`
	Status     string         `gorm:"not null;type:varchar(50);default:'pending';index" json:"status"`
	Attempts   int            `gorm:"default:0" json:"attempts"`
	Result     string         `gorm:"type:text" json:"result"`
	Error      string         `gorm:"type:text" json:"error"`
	RunAt      time.Time      `gorm:"not null;index" json:"run_at"`
	StartedAt  *time.Time     `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}
