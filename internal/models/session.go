package models

import (
	"time"

	"gorm.io/gorm"
)

// Session status values. The lifecycle is a single state machine; transitions
// are enforced by the engine, the row only records the current state.
const (
	SessionAwaitingCharacter = "awaiting_character"
	SessionAwaitingFirstTurn = "awaiting_first_turn"
	SessionActive            = "active"
	SessionCompleted         = "completed"
)

// Creativity levels controlling how strictly narration follows the source story.
const (
	CreativityFaithful = "faithful"
	CreativityBalanced = "balanced"
	CreativityCreative = "creative"
)

// ValidCreativity reports whether level is one of the three known settings.
func ValidCreativity(level string) bool {
	switch level {
	case CreativityFaithful, CreativityBalanced, CreativityCreative:
		return true
	}
	return false
}

// Session is one playthrough: one user, one story, one character. The merged
// aggregate state is held as a JSON blob in StateJSON; the persistence layer
// overwrites it whole (last-write-wins), any merging happens in the engine
// before the save.
type Session struct {
	ID                string         `gorm:"primaryKey;size:64" json:"id"`
	UserID            string         `gorm:"index;size:64" json:"user_id"`
	StoryID           string         `gorm:"index;size:64" json:"story_id"`
	CharacterID       string         `gorm:"size:64" json:"character_id"`
	CreativityLevel   string         `gorm:"size:16" json:"creativity_level"`
	Status            string         `gorm:"size:32;index" json:"status"`
	StateJSON         string         `gorm:"type:text" json:"-"`
	CompletionSummary string         `gorm:"type:text" json:"completion_summary,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
}

// Active reports whether the session still accepts turns.
func (s *Session) Active() bool {
	return s.Status != SessionCompleted
}
