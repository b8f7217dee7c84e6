package narrator

import (
	"encoding/json"
	"strings"
	"time"

	"storyloom/server/internal/state"
)

// wireDelta is the loose shape the model is asked to produce. Every field is
// optional; missing or malformed pieces are defaulted, never rejected, so a
// partially valid response cannot abort a turn.
type wireDelta struct {
	Narration           string                   `json:"narration"`
	WorldPatch          *state.WorldPatch        `json:"world_patch"`
	MemoryEvents        []wireMemoryEvent        `json:"memory_events"`
	RelationshipUpdates []wireRelationshipUpdate `json:"relationship_updates"`
	SuggestedActions    []string                 `json:"suggested_actions"`
}

type wireMemoryEvent struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description"`
	Importance         string   `json:"importance"`
	CharactersInvolved []string `json:"characters_involved"`
	Tags               []string `json:"tags"`
}

type wireRelationshipUpdate struct {
	CharacterName    string  `json:"character_name"`
	RelationshipType *string `json:"relationship_type"`
	TrustLevel       *int    `json:"trust_level"`
	Notes            *string `json:"notes"`
}

// ParseDelta converts the raw model output into a well-typed delta. If no
// JSON envelope can be extracted the whole text becomes the narration; the
// turn still completes.
func ParseDelta(raw string, usage state.UsageReport) state.Delta {
	delta := state.Delta{Usage: usage}

	body, ok := extractJSONObject(raw)
	if !ok {
		delta.Narration = strings.TrimSpace(raw)
		return delta
	}

	var wire wireDelta
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		delta.Narration = strings.TrimSpace(raw)
		return delta
	}

	delta.Narration = strings.TrimSpace(wire.Narration)
	if delta.Narration == "" {
		delta.Narration = strings.TrimSpace(raw)
	}
	delta.WorldPatch = wire.WorldPatch
	delta.SuggestedActions = wire.SuggestedActions

	for _, ev := range wire.MemoryEvents {
		if strings.TrimSpace(ev.Description) == "" {
			continue
		}
		delta.MemoryEvents = append(delta.MemoryEvents, state.MemoryEvent{
			ID:                 ev.ID,
			Description:        strings.TrimSpace(ev.Description),
			Importance:         normalizeImportance(ev.Importance),
			CharactersInvolved: ev.CharactersInvolved,
			Tags:               ev.Tags,
			Timestamp:          time.Time{}, // stamped at merge time
		})
	}

	for _, upd := range wire.RelationshipUpdates {
		if strings.TrimSpace(upd.CharacterName) == "" {
			continue
		}
		delta.RelationshipUpdates = append(delta.RelationshipUpdates, state.RelationshipUpdate{
			CharacterName:    strings.TrimSpace(upd.CharacterName),
			RelationshipType: upd.RelationshipType,
			TrustLevel:       upd.TrustLevel,
			Notes:            upd.Notes,
		})
	}

	return delta
}

// normalizeImportance maps whatever the model wrote onto a known level.
// Unknown values become medium at merge time.
func normalizeImportance(raw string) state.Importance {
	return state.Importance(strings.ToLower(strings.TrimSpace(raw)))
}

// extractJSONObject finds the outermost JSON object in the model output,
// tolerating markdown code fences and prose around it.
func extractJSONObject(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}
