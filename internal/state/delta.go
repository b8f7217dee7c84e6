package state

import "time"

// WorldPatch is a partial world-state update. Only non-nil fields overwrite
// the current value; absent fields leave the scene untouched.
type WorldPatch struct {
	CurrentLocation   *string  `json:"current_location,omitempty"`
	TimeOfDay         *string  `json:"time_of_day,omitempty"`
	MoodAtmosphere    *string  `json:"mood_atmosphere,omitempty"`
	PresentCharacters []string `json:"present_characters,omitempty"`
}

// RelationshipUpdate is a partial per-character relationship change. Nil
// fields keep the existing value.
type RelationshipUpdate struct {
	CharacterName    string  `json:"character_name"`
	RelationshipType *string `json:"relationship_type,omitempty"`
	TrustLevel       *int    `json:"trust_level,omitempty"`
	Notes            *string `json:"notes,omitempty"`
}

// UsageReport is the accounting attached to one collaborator call.
type UsageReport struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Latency          time.Duration `json:"latency"`
	Model            string        `json:"model"`
	CostUSD          float64       `json:"cost_usd"`
}

// Delta is the structured envelope of one collaborator response. It is
// transient: only the result of merging it into an Aggregate is persisted.
// SuggestedActions are surfaced to the UI for the current turn only.
type Delta struct {
	Narration           string               `json:"narration"`
	WorldPatch          *WorldPatch          `json:"world_patch,omitempty"`
	MemoryEvents        []MemoryEvent        `json:"memory_events,omitempty"`
	RelationshipUpdates []RelationshipUpdate `json:"relationship_updates,omitempty"`
	SuggestedActions    []string             `json:"suggested_actions,omitempty"`
	Usage               UsageReport          `json:"usage"`
}
