package interfaces

import (
	"context"

	"storyloom/server/internal/models"
	"storyloom/server/internal/state"
)

// TurnRequest carries everything the language-model collaborator needs for
// one call: story and character metadata, the ordered transcript, the current
// aggregate, and optionally a single new user utterance.
type TurnRequest struct {
	Story      *models.Story
	Character  *models.Character
	Turns      []models.Turn
	Creativity string
	Aggregate  state.Aggregate

	// UserText is empty for the opening scene.
	UserText string

	// RecalledMemories are semantically similar past events injected into
	// the prompt context. May be empty; never required for correctness.
	RecalledMemories []state.MemoryEvent
}

// Collaborator is the language-model boundary. Calls are opaque, possibly
// slow, possibly failing; the engine retries nothing here and recovers with
// fallback turns instead.
type Collaborator interface {
	// OpeningScene generates the first narrator turn from story and
	// character context alone.
	OpeningScene(ctx context.Context, req TurnRequest) (state.Delta, error)

	// NextTurn continues the story from the full transcript plus the new
	// user utterance.
	NextTurn(ctx context.Context, req TurnRequest) (state.Delta, error)

	// Summary produces a closing summary for a completed session.
	Summary(ctx context.Context, req TurnRequest) (string, state.UsageReport, error)
}
