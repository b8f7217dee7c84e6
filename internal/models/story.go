package models

import (
	"time"

	"gorm.io/gorm"
)

// Story is a pre-authored narrative the player steps into. The engine only
// reads these rows; authoring is handled elsewhere.
type Story struct {
	ID          string         `gorm:"primaryKey;size:64" json:"id"`
	Title       string         `gorm:"size:255" json:"title"`
	Author      string         `gorm:"size:255" json:"author"`
	Premise     string         `gorm:"type:text" json:"premise"`
	Setting     string         `gorm:"type:text" json:"setting"`
	OpeningHint string         `gorm:"type:text" json:"opening_hint"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Character is the player character for a session, optionally customized
// before play begins.
type Character struct {
	ID         string         `gorm:"primaryKey;size:64" json:"id"`
	StoryID    string         `gorm:"index;size:64" json:"story_id"`
	UserID     string         `gorm:"index;size:64" json:"user_id"`
	Name       string         `gorm:"size:128" json:"name"`
	Persona    string         `gorm:"type:text" json:"persona"`
	Background string         `gorm:"type:text" json:"background"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}
