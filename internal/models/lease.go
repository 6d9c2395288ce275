package models

import "time"

// RunnerLease is an exclusive, time-bounded claim on a task by one worker.
// The partial unique index keeps at most one unreleased lease per task.
type RunnerLease struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	LeaseToken      string     `gorm:"uniqueIndex;not null;type:varchar(36)" json:"lease_token"`
	TaskID          string     `gorm:"not null;type:varchar(36);index;uniqueIndex:idx_runner_leases_open,where:released_at IS NULL" json:"task_id"`
	AgentName       string     `gorm:"type:varchar(255)" json:"agent_name"`
	Source          string     `gorm:"type:varchar(100)" json:"source"`
	StartedAt       time.Time  `gorm:"not null" json:"started_at"`
	LastHeartbeatAt time.Time  `gorm:"not null" json:"last_heartbeat_at"`
	ExpiresAt       time.Time  `gorm:"not null;index" json:"expires_at"`
	ReleasedAt      *time.Time `json:"released_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (RunnerLease) TableName() string {
	return "runner_leases"
}

// ActiveAt reports whether the lease still holds the task at instant now.
func (l *RunnerLease) ActiveAt(now time.Time) bool {
	return l.ReleasedAt == nil && l.ExpiresAt.After(now)
}
