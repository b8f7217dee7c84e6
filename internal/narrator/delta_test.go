package narrator

import (
	"testing"

	"storyloom/server/internal/state"
)

func TestParseDeltaFullEnvelope(t *testing.T) {
	raw := "```json\n" + `{
		"narration": "The door creaks open.",
		"world_patch": {"current_location": "the cellar"},
		"memory_events": [{"description": "opened the cellar door", "importance": "HIGH"}],
		"relationship_updates": [{"character_name": "Mr. Darcy", "trust_level": 25}],
		"suggested_actions": ["go down", "call out", "close the door"]
	}` + "\n```"

	usage := state.UsageReport{TotalTokens: 120, Model: "test-model"}
	delta := ParseDelta(raw, usage)

	if delta.Narration != "The door creaks open." {
		t.Fatalf("unexpected narration: %q", delta.Narration)
	}
	if delta.WorldPatch == nil || delta.WorldPatch.CurrentLocation == nil || *delta.WorldPatch.CurrentLocation != "the cellar" {
		t.Fatalf("world patch not parsed: %+v", delta.WorldPatch)
	}
	if len(delta.MemoryEvents) != 1 {
		t.Fatalf("expected 1 memory event, got %d", len(delta.MemoryEvents))
	}
	if delta.MemoryEvents[0].Importance != state.ImportanceHigh {
		t.Fatalf("importance should be normalized, got %q", delta.MemoryEvents[0].Importance)
	}
	if len(delta.RelationshipUpdates) != 1 || delta.RelationshipUpdates[0].CharacterName != "Mr. Darcy" {
		t.Fatalf("relationship update not parsed: %+v", delta.RelationshipUpdates)
	}
	if len(delta.SuggestedActions) != 3 {
		t.Fatalf("expected 3 suggested actions, got %d", len(delta.SuggestedActions))
	}
	if delta.Usage.TotalTokens != 120 {
		t.Fatalf("usage should pass through, got %+v", delta.Usage)
	}
}

func TestParseDeltaPlainTextBecomesNarration(t *testing.T) {
	raw := "You step into the hall. Candles flicker along the walls."
	delta := ParseDelta(raw, state.UsageReport{})
	if delta.Narration != raw {
		t.Fatalf("plain text should become narration, got %q", delta.Narration)
	}
	if delta.WorldPatch != nil || len(delta.MemoryEvents) != 0 {
		t.Fatalf("plain text should produce no structured fields: %+v", delta)
	}
}

func TestParseDeltaMalformedJSONFallsBack(t *testing.T) {
	raw := `{"narration": "unterminated`
	delta := ParseDelta(raw, state.UsageReport{})
	if delta.Narration != raw {
		t.Fatalf("malformed JSON should fall back to raw text, got %q", delta.Narration)
	}
}

func TestParseDeltaDropsUnusableEntries(t *testing.T) {
	raw := `{
		"narration": "Something stirs.",
		"memory_events": [{"description": "   "}, {"description": "a shadow moved"}],
		"relationship_updates": [{"trust_level": 50}, {"character_name": "  Elizabeth  ", "trust_level": 60}]
	}`
	delta := ParseDelta(raw, state.UsageReport{})
	if len(delta.MemoryEvents) != 1 || delta.MemoryEvents[0].Description != "a shadow moved" {
		t.Fatalf("blank memory descriptions should be dropped: %+v", delta.MemoryEvents)
	}
	if len(delta.RelationshipUpdates) != 1 || delta.RelationshipUpdates[0].CharacterName != "Elizabeth" {
		t.Fatalf("unnamed relationship updates should be dropped: %+v", delta.RelationshipUpdates)
	}
}

func TestTemperatureForCreativity(t *testing.T) {
	tests := []struct {
		level string
		want  float32
	}{
		{level: "faithful", want: 0.3},
		{level: "balanced", want: 0.7},
		{level: "creative", want: 1.0},
		{level: "", want: 0.7},
	}
	for _, tt := range tests {
		if got := temperatureFor(tt.level); got != tt.want {
			t.Fatalf("temperature for %q: expected %f, got %f", tt.level, tt.want, got)
		}
	}
}
