package state

import "time"

// Importance levels for memory events.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

// Valid reports whether the importance is one of the known levels.
func (i Importance) Valid() bool {
	switch i {
	case ImportanceLow, ImportanceMedium, ImportanceHigh:
		return true
	}
	return false
}

// WorldState holds the scene attributes for a session. Each field is
// independently defaultable; empty means "not established yet".
type WorldState struct {
	CurrentLocation   string   `json:"current_location,omitempty"`
	TimeOfDay         string   `json:"time_of_day,omitempty"`
	MoodAtmosphere    string   `json:"mood_atmosphere,omitempty"`
	PresentCharacters []string `json:"present_characters,omitempty"`
}

// MemoryEvent is one remembered story fact. The list of events only grows
// within a session; ids are unique.
type MemoryEvent struct {
	ID                 string     `json:"id"`
	Description        string     `json:"description"`
	Importance         Importance `json:"importance"`
	CharactersInvolved []string   `json:"characters_involved,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	Timestamp          time.Time  `json:"timestamp"`
}

// Relationship tracks the player character's standing with one named
// character. One entry per character name; updates overwrite in place.
type Relationship struct {
	RelationshipType string    `json:"relationship_type,omitempty"`
	TrustLevel       int       `json:"trust_level"`
	Notes            string    `json:"notes,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Aggregate is the merged, persisted snapshot for one session: world facts,
// remembered events, character relationships and consumed context tokens.
type Aggregate struct {
	ContextTokensUsed int                     `json:"context_tokens_used"`
	World             WorldState              `json:"world_state"`
	MemoryEvents      []MemoryEvent           `json:"memory_events"`
	Relationships     map[string]Relationship `json:"relationships"`
}

// NewAggregate returns an empty aggregate for a freshly created session.
func NewAggregate() Aggregate {
	return Aggregate{
		MemoryEvents:  []MemoryEvent{},
		Relationships: map[string]Relationship{},
	}
}

// Clone returns a structurally independent copy of the aggregate. Merge
// operates on copies so a failed turn can never leave partial results behind.
func (a Aggregate) Clone() Aggregate {
	out := a
	out.World.PresentCharacters = append([]string(nil), a.World.PresentCharacters...)
	out.MemoryEvents = make([]MemoryEvent, len(a.MemoryEvents))
	for i, ev := range a.MemoryEvents {
		ev.CharactersInvolved = append([]string(nil), ev.CharactersInvolved...)
		ev.Tags = append([]string(nil), ev.Tags...)
		out.MemoryEvents[i] = ev
	}
	out.Relationships = make(map[string]Relationship, len(a.Relationships))
	for name, rel := range a.Relationships {
		out.Relationships[name] = rel
	}
	return out
}

// HasMemoryEvent reports whether an event with the given id already exists.
func (a Aggregate) HasMemoryEvent(id string) bool {
	for _, ev := range a.MemoryEvents {
		if ev.ID == id {
			return true
		}
	}
	return false
}
