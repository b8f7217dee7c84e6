package models

import "time"

// Turn speakers.
const (
	SpeakerUser     = "user"
	SpeakerNarrator = "narrator"
	SpeakerSystem   = "system"
)

// Turn is one transcript entry. Rows are append-only and immutable once
// persisted; reload order is creation order.
type Turn struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	SessionID    string    `gorm:"index;size:64" json:"session_id"`
	Speaker      string    `gorm:"size:16" json:"speaker"`
	Content      string    `gorm:"type:text" json:"content"`
	MetadataJSON string    `gorm:"type:text" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
