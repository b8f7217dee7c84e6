package state

import "time"

// Trust levels are clamped to this range on every merge.
const (
	TrustMin = 0
	TrustMax = 100
)

// Merge folds a collaborator delta into the current aggregate and returns the
// new aggregate. The input aggregate is never mutated. Merge is total: any
// well-typed delta, including the zero Delta, yields a valid aggregate.
//
// Rules:
//   - world patch fields overwrite only when present in the patch
//   - memory events append; a missing id is filled from idgen, a duplicate id
//     is dropped rather than appended twice
//   - relationship updates shallow-overwrite per character name, trust level
//     clamped to [TrustMin, TrustMax], LastUpdated stamped with now
//
// The data originates from a non-deterministic generator, so invariant
// violations are corrected silently instead of raised as errors.
func Merge(current Aggregate, delta Delta, now time.Time, idgen func() string) Aggregate {
	next := current.Clone()

	if delta.WorldPatch != nil {
		applyWorldPatch(&next.World, delta.WorldPatch)
	}

	for _, ev := range delta.MemoryEvents {
		if ev.ID == "" {
			ev.ID = idgen()
		}
		if next.HasMemoryEvent(ev.ID) {
			continue
		}
		if !ev.Importance.Valid() {
			ev.Importance = ImportanceMedium
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		next.MemoryEvents = append(next.MemoryEvents, ev)
	}

	for _, upd := range delta.RelationshipUpdates {
		if upd.CharacterName == "" {
			continue
		}
		rel := next.Relationships[upd.CharacterName]
		if upd.RelationshipType != nil {
			rel.RelationshipType = *upd.RelationshipType
		}
		if upd.TrustLevel != nil {
			rel.TrustLevel = clampTrust(*upd.TrustLevel)
		}
		if upd.Notes != nil {
			rel.Notes = *upd.Notes
		}
		rel.LastUpdated = now
		next.Relationships[upd.CharacterName] = rel
	}

	return next
}

func applyWorldPatch(world *WorldState, patch *WorldPatch) {
	if patch.CurrentLocation != nil {
		world.CurrentLocation = *patch.CurrentLocation
	}
	if patch.TimeOfDay != nil {
		world.TimeOfDay = *patch.TimeOfDay
	}
	if patch.MoodAtmosphere != nil {
		world.MoodAtmosphere = *patch.MoodAtmosphere
	}
	if patch.PresentCharacters != nil {
		world.PresentCharacters = append([]string(nil), patch.PresentCharacters...)
	}
}

func clampTrust(level int) int {
	if level < TrustMin {
		return TrustMin
	}
	if level > TrustMax {
		return TrustMax
	}
	return level
}
