package engine

import (
	"storyloom/server/internal/models"
	"storyloom/server/internal/state"
)

// SessionView is the engine's single authoritative in-memory copy of one
// session: row, merged aggregate and transcript. The orchestrator is its only
// writer; presentation code renders from it. After a failed durable write the
// view remains the source of truth until the next successful save.
type SessionView struct {
	Session   *models.Session
	Aggregate state.Aggregate
	Turns     []models.Turn

	// SuggestedActions are ephemeral: they belong to the latest turn only
	// and are never persisted.
	SuggestedActions []string

	// RecoveredDraft is unsent input found in the draft cache at load time.
	RecoveredDraft string

	// SavePending reports that the last durable write failed and unsaved
	// changes are being carried forward in memory.
	SavePending bool

	// pendingTurns are turns not yet acknowledged by the store. The next
	// successful save flushes them together with any new turns.
	pendingTurns []models.Turn
}

// Utilization returns the consumed fraction of the context window.
func (v *SessionView) Utilization(ceiling int) float64 {
	return state.Utilization(v.Aggregate, ceiling)
}

// TurnResult is what one submit (or bootstrap) hands back to the caller.
type TurnResult struct {
	UserTurn     *models.Turn
	NarratorTurn *models.Turn

	SuggestedActions  []string
	ContextTokensUsed int
	Utilization       float64
	SavePending       bool

	// Failed is set when the collaborator call failed. The aggregate and
	// transcript are untouched, FallbackNarration carries the apology shown
	// in place of narration, and RestoredInput returns the user's text for
	// resubmission.
	Failed            bool
	FallbackNarration string
	RestoredInput     string
}

// EndResult reports the outcome of ending a session.
type EndResult struct {
	Summary         string
	AlreadyComplete bool
}
