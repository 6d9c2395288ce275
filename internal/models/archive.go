package models

import "time"

// TranscriptArchive points at an archived agent session log.
type TranscriptArchive struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TaskID     string    `gorm:"not null;type:varchar(36);index" json:"task_id"`
	SourcePath string    `gorm:"type:varchar(1000)" json:"source_path"`
	Path       string    `gorm:"not null;type:varchar(1000)" json:"path"` // Storage path
	Size       int64     `gorm:"not null" json:"size"`
	Hash       string    `gorm:"type:varchar(64)" json:"hash"` // SHA256 hash
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (TranscriptArchive) TableName() string {
	return "transcript_archives"
}
