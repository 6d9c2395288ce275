package models

import (
	"time"
)

type User struct {
	ID       string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Username string `gorm:"uniqueIndex;not null;type:varchar(255)" json:"username"`
	// Preferred models in fallback order, e.g. "sonnet, codex > gemini"
	ModelFallbackChain string    `gorm:"type:varchar(500)" json:"model_fallback_chain"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
