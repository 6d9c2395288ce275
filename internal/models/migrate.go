package models

import (
	"gorm.io/gorm"
)

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Task{},
		&RunnerLease{},
		&TaskRun{},
		&ModelLimit{},
		&Job{},
		&TranscriptArchive{},
	)
}
