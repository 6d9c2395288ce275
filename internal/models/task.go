package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskStatus is the coarse kanban column a task sits in.
type TaskStatus string

const (
	StatusInbox      TaskStatus = "inbox"
	StatusUpNext     TaskStatus = "up_next"
	StatusInProgress TaskStatus = "in_progress"
	StatusInReview   TaskStatus = "in_review"
	StatusDone       TaskStatus = "done"
	StatusArchived   TaskStatus = "archived"
)

// PipelineStage is the task's position in the execution pipeline.
type PipelineStage string

const (
	StageUnstarted    PipelineStage = "unstarted"
	StageTriaged      PipelineStage = "triaged"
	StageContextReady PipelineStage = "context_ready"
	StageRouted       PipelineStage = "routed"
	StageExecuting    PipelineStage = "executing"
	StageVerifying    PipelineStage = "verifying"
	StageCompleted    PipelineStage = "completed"
	StageFailed       PipelineStage = "failed"
)

// Stages lists every pipeline stage in pipeline order.
var Stages = []PipelineStage{
	StageUnstarted,
	StageTriaged,
	StageContextReady,
	StageRouted,
	StageExecuting,
	StageVerifying,
	StageCompleted,
	StageFailed,
}

// Valid reports whether s is one of the known stages.
func (s PipelineStage) Valid() bool {
	for _, stage := range Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// PipelineLogEntry records one stage change.
type PipelineLogEntry struct {
	Stage    PipelineStage  `json:"stage"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Task struct {
	ID              string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BoardID         string        `gorm:"type:varchar(36);index" json:"board_id"`
	UserID          string        `gorm:"type:varchar(36);index" json:"user_id"`
	Title           string        `gorm:"not null;type:varchar(500)" json:"title"`
	Description     string        `gorm:"type:text" json:"description"`
	Status          TaskStatus    `gorm:"not null;type:varchar(50);default:'inbox';index" json:"status"`
	PipelineEnabled bool          `gorm:"default:false" json:"pipeline_enabled"`
	PipelineStage   PipelineStage `gorm:"not null;type:varchar(50);default:'unstarted'" json:"pipeline_stage"`
	RoutedModel     string        `gorm:"type:varchar(100)" json:"routed_model"`
	CompiledPrompt  string        `gorm:"type:text" json:"compiled_prompt"`

	PipelineLog datatypes.JSONSlice[PipelineLogEntry] `json:"pipeline_log"`

	// Agent session the task is bound to; used by agent_complete lookups
	AgentSessionID  string     `gorm:"type:varchar(255);index" json:"agent_session_id"`
	AgentSessionKey string     `gorm:"type:varchar(255);index" json:"agent_session_key"`
	ClaimedAt       *time.Time `json:"claimed_at"`
	ClaimedBy       string     `gorm:"type:varchar(255)" json:"claimed_by"`

	RunCount              int        `gorm:"not null;default:0" json:"run_count"`
	LastRunID             *string    `gorm:"type:varchar(36)" json:"last_run_id"`
	LastOutcomeAt         *time.Time `json:"last_outcome_at"`
	LastRecommendedAction string     `gorm:"type:varchar(50)" json:"last_recommended_action"`
	RetryCount            int        `gorm:"not null;default:0" json:"retry_count"`
	ConsecutiveErrors     int        `gorm:"not null;default:0" json:"consecutive_errors"`

	OutputFiles datatypes.JSONSlice[string] `json:"output_files"`

	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Runs []TaskRun `gorm:"foreignKey:TaskID" json:"runs,omitempty"`
}

func (Task) TableName() string {
	return "tasks"
}

// HasCompiledPrompt reports whether a non-blank prompt has been compiled
func (t *Task) HasCompiledPrompt() bool {
	return strings.TrimSpace(t.CompiledPrompt) != ""
}

// PipelineActive reports whether the orchestration engine owns the task.
func (t *Task) PipelineActive() bool {
	return t.PipelineEnabled
}
