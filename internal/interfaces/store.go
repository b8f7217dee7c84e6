package interfaces

import (
	"context"
	"errors"

	"storyloom/server/internal/models"
	"storyloom/server/internal/state"
)

// ErrSessionNotFound is returned by LoadSession for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the durable persistence boundary. Saves are last-write-wins
// at session-row granularity: the store never merges on the durable side, the
// engine merges first and hands over the finished aggregate.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session, aggregate state.Aggregate) error

	// LoadSession returns the session row, its aggregate state and the full
	// ordered transcript.
	LoadSession(ctx context.Context, sessionID string) (*models.Session, state.Aggregate, []models.Turn, error)

	// SaveSession overwrites the session row (status, creativity, summary,
	// aggregate blob) and appends the given new turns.
	SaveSession(ctx context.Context, session *models.Session, aggregate state.Aggregate, newTurns []models.Turn) error

	GetStory(ctx context.Context, storyID string) (*models.Story, error)
	GetCharacter(ctx context.Context, characterID string) (*models.Character, error)

	// RecordUsage appends one accounting row per collaborator call. The
	// engine's correctness never depends on these rows.
	RecordUsage(ctx context.Context, record *models.UsageRecord) error
}

// DraftCache is the short-lived staging area for not-yet-submitted user
// input. It holds only unsent keystrokes and is never authoritative story
// state.
type DraftCache interface {
	Stage(ctx context.Context, sessionID, draft string) error
	// Recover returns the staged draft, or "" when none exists.
	Recover(ctx context.Context, sessionID string) (string, error)
	Clear(ctx context.Context, sessionID string) error
}

// MemoryIndex is the optional semantic recall index over memory events.
// Failures are soft: callers treat an error as an empty recall.
type MemoryIndex interface {
	Index(ctx context.Context, sessionID string, events []state.MemoryEvent) error
	Recall(ctx context.Context, sessionID, query string, limit int) ([]state.MemoryEvent, error)
}
