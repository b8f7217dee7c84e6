package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"storyloom/server/internal/config"
	"storyloom/server/internal/id"
	"storyloom/server/internal/interfaces"
	"storyloom/server/internal/models"
	"storyloom/server/internal/state"
)

var (
	ErrEmptyInput       = errors.New("user input is empty")
	ErrTurnInFlight     = errors.New("a turn is already in flight for this session")
	ErrSessionCompleted = errors.New("session is already complete")
	ErrSessionNotActive = errors.New("session is not active")
	ErrInvalidLevel     = errors.New("unknown creativity level")
)

// Fallback narration used when the collaborator cannot be reached. The
// opening fallback keeps a new session from being left without a single turn;
// the retry fallback is ephemeral and never persisted.
const (
	fallbackOpening = "The story stirs, waiting to begin. The narrator clears their throat, " +
		"but the words do not come just yet. Say something, and the tale will find its footing."
	fallbackRetry = "The narrator falters mid-sentence and the scene holds its breath. " +
		"Your words were kept safe; give it a moment and try again."
)

// Orchestrator drives the turn cycle and the session lifecycle: submit turn,
// call the collaborator, merge the delta, persist, render. One instance
// serves all sessions; each session gets its own re-entrancy guard so no two
// deltas can merge out of order against the same aggregate.
type Orchestrator struct {
	store        interfaces.SessionStore
	collaborator interfaces.Collaborator
	drafts       interfaces.DraftCache
	memories     interfaces.MemoryIndex

	ceiling     int
	recallLimit int

	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	guards map[string]*atomic.Bool
}

// New creates an orchestrator. drafts and memories may be nil; the engine
// then runs without draft recovery or semantic recall.
func New(store interfaces.SessionStore, collaborator interfaces.Collaborator, drafts interfaces.DraftCache, memories interfaces.MemoryIndex, cfg config.EngineConfig) *Orchestrator {
	ceiling := cfg.ContextCeiling
	if ceiling <= 0 {
		ceiling = state.DefaultContextCeiling
	}
	recallLimit := cfg.RecallLimit
	if recallLimit <= 0 {
		recallLimit = 8
	}
	return &Orchestrator{
		store:        store,
		collaborator: collaborator,
		drafts:       drafts,
		memories:     memories,
		ceiling:      ceiling,
		recallLimit:  recallLimit,
		now:          time.Now,
		newID:        id.New,
		guards:       make(map[string]*atomic.Bool),
	}
}

// CreateSessionInput is everything needed to begin a playthrough. A session
// may start without a character; it then waits in awaiting_character until
// one is attached.
type CreateSessionInput struct {
	UserID      string
	StoryID     string
	CharacterID string
	Creativity  string
}

// CreateSession inserts a new session row and returns its view.
func (o *Orchestrator) CreateSession(ctx context.Context, input CreateSessionInput) (*SessionView, error) {
	if input.UserID == "" || input.StoryID == "" {
		return nil, fmt.Errorf("user id and story id are required")
	}
	creativity := input.Creativity
	if creativity == "" {
		creativity = models.CreativityBalanced
	}
	if !models.ValidCreativity(creativity) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLevel, input.Creativity)
	}

	status := models.SessionAwaitingFirstTurn
	if input.CharacterID == "" {
		status = models.SessionAwaitingCharacter
	}

	session := &models.Session{
		ID:              o.newID(),
		UserID:          input.UserID,
		StoryID:         input.StoryID,
		CharacterID:     input.CharacterID,
		CreativityLevel: creativity,
		Status:          status,
	}
	aggregate := state.NewAggregate()
	if err := o.store.CreateSession(ctx, session, aggregate); err != nil {
		return nil, err
	}

	return &SessionView{Session: session, Aggregate: aggregate, Turns: []models.Turn{}}, nil
}

// AttachCharacter binds a character created after the session row and moves
// the session to awaiting_first_turn.
func (o *Orchestrator) AttachCharacter(ctx context.Context, view *SessionView, characterID string) error {
	if characterID == "" {
		return fmt.Errorf("character id is required")
	}
	if err := transition(view.Session, models.SessionAwaitingFirstTurn); err != nil {
		return err
	}
	view.Session.CharacterID = characterID
	o.saveView(ctx, view, nil)
	return nil
}

// LoadSession reconstructs the view from durable storage and checks the
// draft cache once for unsent input.
func (o *Orchestrator) LoadSession(ctx context.Context, sessionID string) (*SessionView, error) {
	session, aggregate, turns, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	view := &SessionView{Session: session, Aggregate: aggregate, Turns: turns}

	if o.drafts != nil {
		draft, err := o.drafts.Recover(ctx, sessionID)
		if err != nil {
			log.Printf("[Orchestrator] draft recovery failed for %s: %v", sessionID, err)
		} else {
			view.RecoveredDraft = draft
		}
	}
	return view, nil
}

// Bootstrap synthesizes the opening narrator turn for a session whose
// transcript is empty. It is the session's only self-initiated write. On
// collaborator failure a fixed fallback turn is inserted so the session is
// never left without at least one turn.
func (o *Orchestrator) Bootstrap(ctx context.Context, view *SessionView) (*TurnResult, error) {
	sessionID := view.Session.ID
	if view.Session.Status == models.SessionCompleted {
		return nil, ErrSessionCompleted
	}
	if view.Session.Status != models.SessionAwaitingFirstTurn {
		return nil, fmt.Errorf("%w: cannot bootstrap from %s", ErrInvalidTransition, view.Session.Status)
	}
	if !o.acquire(sessionID) {
		return nil, ErrTurnInFlight
	}
	defer o.release(sessionID)

	// Checked once, here: a non-empty transcript means bootstrap already
	// happened and the status transition was lost to a failed save.
	if len(view.Turns) > 0 {
		view.Session.Status = models.SessionActive
		o.saveView(ctx, view, nil)
		return &TurnResult{ContextTokensUsed: view.Aggregate.ContextTokensUsed, Utilization: view.Utilization(o.ceiling), SavePending: view.SavePending}, nil
	}

	story, character := o.loadStoryContext(ctx, view.Session)
	req := interfaces.TurnRequest{
		Story:      story,
		Character:  character,
		Creativity: view.Session.CreativityLevel,
		Aggregate:  view.Aggregate,
	}

	narration := fallbackOpening
	delta, err := o.collaborator.OpeningScene(ctx, req)
	if err != nil {
		log.Printf("[Orchestrator] opening scene failed for %s: %v", sessionID, err)
		delta = state.Delta{}
	} else {
		narration = delta.Narration
		view.Aggregate = state.RecordUsage(state.Merge(view.Aggregate, delta, o.now(), o.newID), delta.Usage.TotalTokens)
		o.recordUsage(ctx, sessionID, delta.Usage)
	}

	opening := o.newTurn(sessionID, models.SpeakerNarrator, narration)
	view.Turns = append(view.Turns, opening)
	if terr := transition(view.Session, models.SessionActive); terr != nil {
		return nil, terr
	}
	o.saveView(ctx, view, []models.Turn{opening})
	o.indexMemories(sessionID, delta.MemoryEvents)
	view.SuggestedActions = delta.SuggestedActions

	return &TurnResult{
		NarratorTurn:      &view.Turns[len(view.Turns)-1],
		SuggestedActions:  delta.SuggestedActions,
		ContextTokensUsed: view.Aggregate.ContextTokensUsed,
		Utilization:       view.Utilization(o.ceiling),
		SavePending:       view.SavePending,
		Failed:            err != nil,
	}, nil
}

// SubmitTurn runs one full turn cycle. While it is in flight no second turn
// may start for the same session. There is no cancellation: once submitted it
// runs to success or to failure-with-fallback; partial results are never
// applied.
func (o *Orchestrator) SubmitTurn(ctx context.Context, view *SessionView, userText string) (*TurnResult, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, ErrEmptyInput
	}
	switch view.Session.Status {
	case models.SessionActive:
	case models.SessionCompleted:
		return nil, ErrSessionCompleted
	default:
		return nil, fmt.Errorf("%w: status %s", ErrSessionNotActive, view.Session.Status)
	}

	sessionID := view.Session.ID
	if !o.acquire(sessionID) {
		return nil, ErrTurnInFlight
	}
	defer o.release(sessionID)

	// Optimistic echo for immediate feedback; discarded if the collaborator
	// fails, flagged (not dropped) if only the durable write fails.
	history := view.Turns
	userTurn := o.newTurn(sessionID, models.SpeakerUser, userText)
	view.Turns = append(view.Turns, userTurn)

	story, character := o.loadStoryContext(ctx, view.Session)
	req := interfaces.TurnRequest{
		Story:            story,
		Character:        character,
		Turns:            history,
		Creativity:       view.Session.CreativityLevel,
		Aggregate:        view.Aggregate,
		UserText:         userText,
		RecalledMemories: o.recallMemories(ctx, sessionID, userText),
	}

	delta, err := o.collaborator.NextTurn(ctx, req)
	if err != nil {
		log.Printf("[Orchestrator] turn failed for %s: %v", sessionID, err)
		// Discard the optimistic turn and put the input back for retry.
		view.Turns = view.Turns[:len(view.Turns)-1]
		o.stageDraftSoft(ctx, sessionID, userText)
		return &TurnResult{
			Failed:            true,
			FallbackNarration: fallbackRetry,
			RestoredInput:     userText,
			ContextTokensUsed: view.Aggregate.ContextTokensUsed,
			Utilization:       view.Utilization(o.ceiling),
			SavePending:       view.SavePending,
		}, nil
	}

	view.Aggregate = state.RecordUsage(state.Merge(view.Aggregate, delta, o.now(), o.newID), delta.Usage.TotalTokens)
	narratorTurn := o.newTurn(sessionID, models.SpeakerNarrator, delta.Narration)
	view.Turns = append(view.Turns, narratorTurn)
	view.SuggestedActions = delta.SuggestedActions

	o.saveView(ctx, view, []models.Turn{userTurn, narratorTurn})
	o.recordUsage(ctx, sessionID, delta.Usage)
	o.indexMemories(sessionID, delta.MemoryEvents)

	if o.drafts != nil {
		if derr := o.drafts.Clear(ctx, sessionID); derr != nil {
			log.Printf("[Orchestrator] draft clear failed for %s: %v", sessionID, derr)
		}
	}

	return &TurnResult{
		UserTurn:          &view.Turns[len(view.Turns)-2],
		NarratorTurn:      &view.Turns[len(view.Turns)-1],
		SuggestedActions:  delta.SuggestedActions,
		ContextTokensUsed: view.Aggregate.ContextTokensUsed,
		Utilization:       view.Utilization(o.ceiling),
		SavePending:       view.SavePending,
	}, nil
}

// EndSession requests a closing summary, marks the session completed and
// freezes the aggregate. Idempotent: ending an already-completed session
// reports already-complete and changes nothing.
func (o *Orchestrator) EndSession(ctx context.Context, view *SessionView) (*EndResult, error) {
	if view.Session.Status == models.SessionCompleted {
		return &EndResult{Summary: view.Session.CompletionSummary, AlreadyComplete: true}, nil
	}
	if view.Session.Status != models.SessionActive {
		return nil, fmt.Errorf("%w: status %s", ErrSessionNotActive, view.Session.Status)
	}
	sessionID := view.Session.ID
	if !o.acquire(sessionID) {
		return nil, ErrTurnInFlight
	}
	defer o.release(sessionID)

	story, character := o.loadStoryContext(ctx, view.Session)
	req := interfaces.TurnRequest{
		Story:      story,
		Character:  character,
		Turns:      view.Turns,
		Creativity: view.Session.CreativityLevel,
		Aggregate:  view.Aggregate,
	}

	summary, usage, err := o.collaborator.Summary(ctx, req)
	if err != nil {
		log.Printf("[Orchestrator] summary failed for %s: %v", sessionID, err)
		summary = "The story has come to a close. The chronicle of this playthrough could not be written down, but it was lived all the same."
	} else {
		view.Aggregate = state.RecordUsage(view.Aggregate, usage.TotalTokens)
		o.recordUsage(ctx, sessionID, usage)
	}

	if terr := transition(view.Session, models.SessionCompleted); terr != nil {
		return nil, terr
	}
	completedAt := o.now()
	view.Session.CompletedAt = &completedAt
	view.Session.CompletionSummary = summary
	view.SuggestedActions = nil
	o.saveView(ctx, view, nil)

	return &EndResult{Summary: summary}, nil
}

// SetCreativityLevel updates only the creativity field; it takes effect on
// the next turn and touches nothing else in the aggregate.
func (o *Orchestrator) SetCreativityLevel(ctx context.Context, view *SessionView, level string) error {
	if !models.ValidCreativity(level) {
		return fmt.Errorf("%w: %s", ErrInvalidLevel, level)
	}
	if view.Session.Status == models.SessionCompleted {
		return ErrSessionCompleted
	}
	view.Session.CreativityLevel = level
	o.saveView(ctx, view, nil)
	return nil
}

// StageDraft stores unsent input for crash recovery. Fire-and-forget from the
// caller's perspective; a failure is logged, never surfaced.
func (o *Orchestrator) StageDraft(ctx context.Context, sessionID, draft string) {
	o.stageDraftSoft(ctx, sessionID, draft)
}

// saveView persists the session row, aggregate and new turns. A failed write
// is reported through view.SavePending; the in-memory view stays the source
// of truth and the unsaved turns ride along with the next successful save.
func (o *Orchestrator) saveView(ctx context.Context, view *SessionView, newTurns []models.Turn) {
	toSave := append(view.pendingTurns, newTurns...)
	if err := o.store.SaveSession(ctx, view.Session, view.Aggregate, toSave); err != nil {
		log.Printf("[Orchestrator] save failed for %s (%d turns pending): %v", view.Session.ID, len(toSave), err)
		view.pendingTurns = toSave
		view.SavePending = true
		return
	}
	view.pendingTurns = nil
	view.SavePending = false
}

func (o *Orchestrator) loadStoryContext(ctx context.Context, session *models.Session) (*models.Story, *models.Character) {
	story, err := o.store.GetStory(ctx, session.StoryID)
	if err != nil {
		log.Printf("[Orchestrator] story %s unavailable: %v", session.StoryID, err)
	}
	var character *models.Character
	if session.CharacterID != "" {
		character, err = o.store.GetCharacter(ctx, session.CharacterID)
		if err != nil {
			log.Printf("[Orchestrator] character %s unavailable: %v", session.CharacterID, err)
		}
	}
	return story, character
}

func (o *Orchestrator) recallMemories(ctx context.Context, sessionID, query string) []state.MemoryEvent {
	if o.memories == nil {
		return nil
	}
	recalled, err := o.memories.Recall(ctx, sessionID, query, o.recallLimit)
	if err != nil {
		log.Printf("[Orchestrator] memory recall failed for %s: %v", sessionID, err)
		return nil
	}
	return recalled
}

// indexMemories pushes new events into the vector index in the background;
// recall quality degrades on failure, correctness never depends on it.
func (o *Orchestrator) indexMemories(sessionID string, events []state.MemoryEvent) {
	if o.memories == nil || len(events) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.memories.Index(ctx, sessionID, events); err != nil {
			log.Printf("[Orchestrator] memory indexing failed for %s: %v", sessionID, err)
		}
	}()
}

func (o *Orchestrator) recordUsage(ctx context.Context, sessionID string, usage state.UsageReport) {
	if usage.TotalTokens == 0 && usage.Model == "" {
		return
	}
	record := &models.UsageRecord{
		ID:               o.newID(),
		SessionID:        sessionID,
		Model:            usage.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		LatencyMS:        usage.Latency.Milliseconds(),
		CostUSD:          usage.CostUSD,
	}
	if err := o.store.RecordUsage(ctx, record); err != nil {
		log.Printf("[Orchestrator] usage record failed for %s: %v", sessionID, err)
	}
}

func (o *Orchestrator) stageDraftSoft(ctx context.Context, sessionID, draft string) {
	if o.drafts == nil {
		return
	}
	if err := o.drafts.Stage(ctx, sessionID, draft); err != nil {
		log.Printf("[Orchestrator] draft stage failed for %s: %v", sessionID, err)
	}
}

func (o *Orchestrator) newTurn(sessionID, speaker, content string) models.Turn {
	return models.Turn{
		ID:        o.newID(),
		SessionID: sessionID,
		Speaker:   speaker,
		Content:   content,
		CreatedAt: o.now(),
	}
}

func (o *Orchestrator) acquire(sessionID string) bool {
	return o.sessionGuard(sessionID).CompareAndSwap(false, true)
}

func (o *Orchestrator) release(sessionID string) {
	o.sessionGuard(sessionID).Store(false)
}

func (o *Orchestrator) sessionGuard(sessionID string) *atomic.Bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	guard, ok := o.guards[sessionID]
	if !ok {
		guard = atomic.NewBool(false)
		o.guards[sessionID] = guard
	}
	return guard
}
