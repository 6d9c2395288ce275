package models

import (
	"time"

	"gorm.io/datatypes"
)

// RecommendedAction is what the agent asks the coordinator to do next.
type RecommendedAction string

const (
	ActionInReview          RecommendedAction = "in_review"
	ActionRequeueSameTask   RecommendedAction = "requeue_same_task"
	ActionSplitIntoSubtasks RecommendedAction = "split_into_subtasks"
	ActionPromptUser        RecommendedAction = "prompt_user"
)

// Valid reports whether a is part of the outcome contract.
func (a RecommendedAction) Valid() bool {
	switch a {
	case ActionInReview, ActionRequeueSameTask, ActionSplitIntoSubtasks, ActionPromptUser:
		return true
	}
	return false
}

// TaskRun is the append-only record of one completion report.
type TaskRun struct {
	ID                uint                        `gorm:"primaryKey" json:"-"`
	RunID             string                      `gorm:"uniqueIndex;not null;type:varchar(36)" json:"run_id"`
	TaskID            string                      `gorm:"not null;type:varchar(36);uniqueIndex:idx_task_runs_task_number" json:"task_id"`
	RunNumber         int                         `gorm:"not null;uniqueIndex:idx_task_runs_task_number" json:"run_number"`
	EndedAt           time.Time                   `gorm:"not null" json:"ended_at"`
	NeedsFollowUp     bool                        `gorm:"default:false" json:"needs_follow_up"`
	RecommendedAction RecommendedAction           `gorm:"not null;type:varchar(50)" json:"recommended_action"`
	Summary           string                      `gorm:"type:text" json:"summary"`
	Achieved          datatypes.JSONSlice[string] `json:"achieved"`
	Evidence          datatypes.JSONSlice[string] `json:"evidence"`
	Remaining         datatypes.JSONSlice[string] `json:"remaining"`
	NextPrompt        string                      `gorm:"type:text" json:"next_prompt"`
	ModelUsed         string                      `gorm:"type:varchar(100)" json:"model_used"`
	RawPayload        datatypes.JSON              `json:"raw_payload"`
	CreatedAt         time.Time                   `gorm:"not null" json:"created_at"`
}

func (TaskRun) TableName() string {
	return "task_runs"
}
