package models

import "time"

// ModelLimit records whether a model is throttled for a user and until when.
type ModelLimit struct {
	ID           uint       `gorm:"primaryKey" json:"-"`
	UserID       string     `gorm:"not null;type:varchar(36);uniqueIndex:idx_model_limits_user_model" json:"user_id"`
	ModelName    string     `gorm:"not null;type:varchar(100);uniqueIndex:idx_model_limits_user_model" json:"model_name"`
	Limited      bool       `gorm:"default:false;index" json:"limited"`
	ResetsAt     *time.Time `json:"resets_at"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	LastErrorAt  *time.Time `json:"last_error_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (ModelLimit) TableName() string {
	return "model_limits"
}

// ActiveAt reports whether the limit still applies at instant now.
func (m *ModelLimit) ActiveAt(now time.Time) bool {
	if !m.Limited {
		return false
	}
	return m.ResetsAt == nil || m.ResetsAt.After(now)
}
