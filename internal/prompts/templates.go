package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"storyloom/server/internal/models"
	"storyloom/server/internal/state"
)

// TemplateEngine manages prompt templates
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template represents a prompt template with variables
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

// TurnContext holds variables for template rendering
type TurnContext struct {
	// Story context
	StoryTitle   string `json:"story_title"`
	StoryPremise string `json:"story_premise"`
	StorySetting string `json:"story_setting"`
	OpeningHint  string `json:"opening_hint"`

	// Character context
	CharacterName    string `json:"character_name"`
	CharacterPersona string `json:"character_persona"`

	// Session context
	Creativity    string `json:"creativity"`
	Transcript    string `json:"transcript"`
	WorldState    string `json:"world_state"`
	Memories      string `json:"memories"`
	Relationships string `json:"relationships"`
	UserAction    string `json:"user_action"`

	// Additional context
	Custom map[string]string `json:"custom"`
}

// NewTemplateEngine creates a new template engine
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		templates: make(map[string]*Template),
	}
}

// RegisterTemplate registers a new template
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.templates[tmpl.Name] = tmpl
	return nil
}

// GetTemplate retrieves a template by name
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

// Render renders a template with the given context
func (e *TemplateEngine) Render(templateName string, ctx *TurnContext) (string, error) {
	tmpl, err := e.GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	return e.renderTemplate(tmpl, ctx)
}

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// renderTemplate performs the actual template rendering
func (e *TemplateEngine) renderTemplate(tmpl *Template, ctx *TurnContext) (string, error) {
	result := varRegex.ReplaceAllStringFunc(tmpl.Content, func(match string) string {
		varName := varRegex.FindStringSubmatch(match)[1]
		value, ok := getVariableValue(ctx, varName)
		if ok {
			return value
		}
		return "" // Absent variables render empty, never leak placeholders
	})

	return strings.TrimSpace(result) + "\n", nil
}

// getVariableValue retrieves a variable value from context
func getVariableValue(ctx *TurnContext, varName string) (string, bool) {
	switch varName {
	case "story_title":
		return ctx.StoryTitle, true
	case "story_premise":
		return ctx.StoryPremise, true
	case "story_setting":
		return ctx.StorySetting, true
	case "opening_hint":
		return ctx.OpeningHint, true
	case "character_name":
		return ctx.CharacterName, true
	case "character_persona":
		return ctx.CharacterPersona, true
	case "creativity":
		return creativityInstruction(ctx.Creativity), true
	case "transcript":
		return ctx.Transcript, true
	case "world_state":
		return ctx.WorldState, true
	case "memories":
		return ctx.Memories, true
	case "relationships":
		return ctx.Relationships, true
	case "user_action":
		return ctx.UserAction, true
	default:
		if ctx.Custom != nil {
			if val, ok := ctx.Custom[varName]; ok {
				return val, true
			}
		}
		return "", false
	}
}

func creativityInstruction(level string) string {
	switch level {
	case models.CreativityFaithful:
		return "Stay strictly faithful to the source story. Do not invent characters, places or events that contradict it."
	case models.CreativityCreative:
		return "Treat the source story as a loose inspiration. You may invent new characters, places and plot lines freely."
	default:
		return "Follow the spirit of the source story, but you may embellish scenes and minor characters where it serves the narrative."
	}
}

// deltaSchema instructs the model to answer with the structured envelope the
// engine merges. Parsing is defensive; the schema is a request, not a contract.
const deltaSchema = `Respond with a single JSON object, no prose outside it:
{
  "narration": "the next story passage, written to the player in second person",
  "world_patch": {"current_location": "...", "time_of_day": "...", "mood_atmosphere": "...", "present_characters": ["..."]},
  "memory_events": [{"description": "...", "importance": "low|medium|high", "characters_involved": ["..."], "tags": ["..."]}],
  "relationship_updates": [{"character_name": "...", "relationship_type": "...", "trust_level": 0, "notes": "..."}],
  "suggested_actions": ["...", "...", "..."]
}
Include world_patch fields only when they changed this turn. Omit empty lists.`

// InitializeDefaultTemplates initializes the default narration templates
func (e *TemplateEngine) InitializeDefaultTemplates() error {
	templates := []*Template{
		{
			Name:        "story_opening",
			Description: "Opening scene for a brand-new session",
			Content: `You are the narrator of an interactive fiction playthrough of "{{story_title}}".

## Story premise
{{story_premise}}

## Setting
{{story_setting}}

## Player character
{{character_name}}: {{character_persona}}

## Creativity
{{creativity}}

## Opening hint from the author
{{opening_hint}}

Write the opening scene. Introduce the player character in the world, establish
the location, time of day and atmosphere, and end at a moment that invites the
player to act. 150-300 words of narration.

` + deltaSchema,
			Variables: []string{"story_title", "story_premise", "story_setting", "character_name", "character_persona", "creativity", "opening_hint"},
		},
		{
			Name:        "story_turn",
			Description: "Main template for continuing the story after a player action",
			Content: `You are the narrator of an interactive fiction playthrough of "{{story_title}}".

## Story premise
{{story_premise}}

## Player character
{{character_name}}: {{character_persona}}

## Creativity
{{creativity}}

## Current scene
{{world_state}}

## Relationships
{{relationships}}

## Remembered events
{{memories}}

## Transcript so far
{{transcript}}

## The player now does
{{user_action}}

Continue the story. React to the player's action in a way consistent with the
scene, the relationships and the remembered events. 100-300 words of narration.

` + deltaSchema,
			Variables: []string{"story_title", "story_premise", "character_name", "character_persona", "creativity", "world_state", "relationships", "memories", "transcript", "user_action"},
		},
		{
			Name:        "session_summary",
			Description: "Closing summary when the player ends the story",
			Content: `The player has finished an interactive fiction playthrough of "{{story_title}}"
playing {{character_name}}.

## Remembered events
{{memories}}

## Transcript
{{transcript}}

Write a closing summary of this playthrough in 100-200 words, addressed to the
player, recounting what their character did and how the story ended for them.
Respond with the summary text only.`,
			Variables: []string{"story_title", "character_name", "memories", "transcript"},
		},
	}

	for _, tmpl := range templates {
		if err := e.RegisterTemplate(tmpl); err != nil {
			return fmt.Errorf("failed to register template %s: %w", tmpl.Name, err)
		}
	}

	return nil
}

// BuildTurnContext assembles the rendering context for one collaborator call.
func BuildTurnContext(story *models.Story, character *models.Character, creativity string, turns []models.Turn, agg state.Aggregate, recalled []state.MemoryEvent, userText string) *TurnContext {
	ctx := &TurnContext{
		Creativity:    creativity,
		Transcript:    TranscriptDigest(turns),
		WorldState:    WorldDigest(agg.World),
		Memories:      MemoryDigest(agg.MemoryEvents, recalled),
		Relationships: RelationshipDigest(agg.Relationships),
		UserAction:    userText,
	}
	if story != nil {
		ctx.StoryTitle = story.Title
		ctx.StoryPremise = story.Premise
		ctx.StorySetting = story.Setting
		ctx.OpeningHint = story.OpeningHint
	}
	if character != nil {
		ctx.CharacterName = character.Name
		ctx.CharacterPersona = character.Persona
	}
	return ctx
}

// TranscriptDigest renders the ordered turn history as speaker-tagged lines.
func TranscriptDigest(turns []models.Turn) string {
	if len(turns) == 0 {
		return "(the story has not begun)"
	}
	var b strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", turn.Speaker, turn.Content)
	}
	return b.String()
}

// WorldDigest renders the current scene attributes, skipping unestablished ones.
func WorldDigest(world state.WorldState) string {
	var lines []string
	if world.CurrentLocation != "" {
		lines = append(lines, "Location: "+world.CurrentLocation)
	}
	if world.TimeOfDay != "" {
		lines = append(lines, "Time of day: "+world.TimeOfDay)
	}
	if world.MoodAtmosphere != "" {
		lines = append(lines, "Atmosphere: "+world.MoodAtmosphere)
	}
	if len(world.PresentCharacters) > 0 {
		lines = append(lines, "Present: "+strings.Join(world.PresentCharacters, ", "))
	}
	if len(lines) == 0 {
		return "(not established yet)"
	}
	return strings.Join(lines, "\n")
}

// MemoryDigest renders remembered events, listing semantically recalled ones
// first so they survive any downstream truncation by the model.
func MemoryDigest(events []state.MemoryEvent, recalled []state.MemoryEvent) string {
	seen := make(map[string]bool, len(recalled))
	var b strings.Builder
	for _, ev := range recalled {
		seen[ev.ID] = true
		fmt.Fprintf(&b, "- (%s) %s\n", ev.Importance, ev.Description)
	}
	for _, ev := range events {
		if seen[ev.ID] {
			continue
		}
		fmt.Fprintf(&b, "- (%s) %s\n", ev.Importance, ev.Description)
	}
	if b.Len() == 0 {
		return "(nothing yet)"
	}
	return b.String()
}

// RelationshipDigest renders relationships in a stable, readable form.
func RelationshipDigest(relationships map[string]state.Relationship) string {
	if len(relationships) == 0 {
		return "(no established relationships)"
	}
	names := make([]string, 0, len(relationships))
	for name := range relationships {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		rel := relationships[name]
		fmt.Fprintf(&b, "- %s: %s, trust %d/100", name, orUnknown(rel.RelationshipType), rel.TrustLevel)
		if rel.Notes != "" {
			fmt.Fprintf(&b, " (%s)", rel.Notes)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
