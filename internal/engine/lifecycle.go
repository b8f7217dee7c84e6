package engine

import (
	"errors"
	"fmt"

	"storyloom/server/internal/models"
)

// ErrInvalidTransition is returned when a session is asked to move to a
// lifecycle state it cannot reach from its current one.
var ErrInvalidTransition = errors.New("invalid session transition")

// The session lifecycle is a single state machine:
//
//	awaiting_character -> awaiting_first_turn -> active -> completed
//
// A session created with a character starts at awaiting_first_turn directly.
// Completed is terminal; the aggregate is frozen there.
var transitions = map[string]string{
	models.SessionAwaitingCharacter: models.SessionAwaitingFirstTurn,
	models.SessionAwaitingFirstTurn: models.SessionActive,
	models.SessionActive:            models.SessionCompleted,
}

func transition(session *models.Session, to string) error {
	if next, ok := transitions[session.Status]; ok && next == to {
		session.Status = to
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, to)
}
