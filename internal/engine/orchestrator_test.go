package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"storyloom/server/internal/config"
	"storyloom/server/internal/interfaces"
	"storyloom/server/internal/models"
	"storyloom/server/internal/state"
)

type fakeStore struct {
	sessions   map[string]*models.Session
	aggregates map[string]state.Aggregate
	turns      map[string][]models.Turn
	stories    map[string]*models.Story
	characters map[string]*models.Character
	usage      []*models.UsageRecord

	failingSaves int
	saveCalls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:   map[string]*models.Session{},
		aggregates: map[string]state.Aggregate{},
		turns:      map[string][]models.Turn{},
		stories: map[string]*models.Story{
			"story-1": {ID: "story-1", Title: "Pride and Prejudice", Premise: "a comedy of manners"},
		},
		characters: map[string]*models.Character{
			"char-1": {ID: "char-1", StoryID: "story-1", Name: "Elizabeth Bennet"},
		},
	}
}

func (s *fakeStore) CreateSession(_ context.Context, session *models.Session, aggregate state.Aggregate) error {
	copied := *session
	s.sessions[session.ID] = &copied
	s.aggregates[session.ID] = aggregate.Clone()
	return nil
}

func (s *fakeStore) LoadSession(_ context.Context, sessionID string) (*models.Session, state.Aggregate, []models.Turn, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, state.Aggregate{}, nil, interfaces.ErrSessionNotFound
	}
	copied := *session
	return &copied, s.aggregates[sessionID].Clone(), append([]models.Turn(nil), s.turns[sessionID]...), nil
}

func (s *fakeStore) SaveSession(_ context.Context, session *models.Session, aggregate state.Aggregate, newTurns []models.Turn) error {
	s.saveCalls++
	if s.failingSaves > 0 {
		s.failingSaves--
		return errors.New("durable store unavailable")
	}
	copied := *session
	s.sessions[session.ID] = &copied
	s.aggregates[session.ID] = aggregate.Clone()
	s.turns[session.ID] = append(s.turns[session.ID], newTurns...)
	return nil
}

func (s *fakeStore) GetStory(_ context.Context, storyID string) (*models.Story, error) {
	story, ok := s.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story %s not found", storyID)
	}
	return story, nil
}

func (s *fakeStore) GetCharacter(_ context.Context, characterID string) (*models.Character, error) {
	character, ok := s.characters[characterID]
	if !ok {
		return nil, fmt.Errorf("character %s not found", characterID)
	}
	return character, nil
}

func (s *fakeStore) RecordUsage(_ context.Context, record *models.UsageRecord) error {
	s.usage = append(s.usage, record)
	return nil
}

type fakeCollaborator struct {
	openingDelta state.Delta
	openingErr   error
	turnDelta    state.Delta
	turnErr      error
	summary      string
	summaryUsage state.UsageReport
	summaryErr   error

	lastRequest interfaces.TurnRequest
}

func (c *fakeCollaborator) OpeningScene(_ context.Context, req interfaces.TurnRequest) (state.Delta, error) {
	c.lastRequest = req
	return c.openingDelta, c.openingErr
}

func (c *fakeCollaborator) NextTurn(_ context.Context, req interfaces.TurnRequest) (state.Delta, error) {
	c.lastRequest = req
	return c.turnDelta, c.turnErr
}

func (c *fakeCollaborator) Summary(_ context.Context, req interfaces.TurnRequest) (string, state.UsageReport, error) {
	c.lastRequest = req
	return c.summary, c.summaryUsage, c.summaryErr
}

type fakeDrafts struct {
	staged  map[string]string
	cleared int
}

func newFakeDrafts() *fakeDrafts { return &fakeDrafts{staged: map[string]string{}} }

func (d *fakeDrafts) Stage(_ context.Context, sessionID, draft string) error {
	d.staged[sessionID] = draft
	return nil
}

func (d *fakeDrafts) Recover(_ context.Context, sessionID string) (string, error) {
	return d.staged[sessionID], nil
}

func (d *fakeDrafts) Clear(_ context.Context, sessionID string) error {
	delete(d.staged, sessionID)
	d.cleared++
	return nil
}

func newTestOrchestrator(store *fakeStore, collab *fakeCollaborator, drafts *fakeDrafts) *Orchestrator {
	var cache interfaces.DraftCache
	if drafts != nil {
		cache = drafts
	}
	o := New(store, collab, cache, nil, config.EngineConfig{ContextCeiling: 128000})
	o.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC) }
	n := 0
	o.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return o
}

func activeView(t *testing.T, o *Orchestrator, store *fakeStore) *SessionView {
	t.Helper()
	view, err := o.CreateSession(context.Background(), CreateSessionInput{
		UserID: "user-1", StoryID: "story-1", CharacterID: "char-1",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	view.Session.Status = models.SessionActive
	store.sessions[view.Session.ID].Status = models.SessionActive
	return view
}

func TestBootstrapProducesOpeningTurn(t *testing.T) {
	store := newFakeStore()
	collab := &fakeCollaborator{
		openingDelta: state.Delta{
			Narration:        "You arrive at Longbourn as evening falls.",
			SuggestedActions: []string{"greet your sisters", "retire upstairs"},
			Usage:            state.UsageReport{TotalTokens: 350, Model: "test-model"},
		},
	}
	o := newTestOrchestrator(store, collab, nil)

	view, err := o.CreateSession(context.Background(), CreateSessionInput{
		UserID: "user-1", StoryID: "story-1", CharacterID: "char-1",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if view.Session.Status != models.SessionAwaitingFirstTurn {
		t.Fatalf("expected awaiting_first_turn, got %s", view.Session.Status)
	}

	result, err := o.Bootstrap(context.Background(), view)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(view.Turns) != 1 {
		t.Fatalf("expected exactly one turn, got %d", len(view.Turns))
	}
	if view.Turns[0].Speaker != models.SpeakerNarrator {
		t.Fatalf("expected narrator speaker, got %s", view.Turns[0].Speaker)
	}
	if view.Aggregate.ContextTokensUsed != 350 {
		t.Fatalf("expected tokens to equal reported usage, got %d", view.Aggregate.ContextTokensUsed)
	}
	if view.Session.Status != models.SessionActive {
		t.Fatalf("expected active status, got %s", view.Session.Status)
	}
	if result.Failed {
		t.Fatalf("expected successful bootstrap")
	}
	if len(store.turns[view.Session.ID]) != 1 {
		t.Fatalf("expected one persisted turn, got %d", len(store.turns[view.Session.ID]))
	}
	if len(store.usage) != 1 || store.usage[0].TotalTokens != 350 {
		t.Fatalf("expected one usage record with 350 tokens, got %+v", store.usage)
	}
}

func TestBootstrapFallbackOnCollaboratorFailure(t *testing.T) {
	store := newFakeStore()
	collab := &fakeCollaborator{openingErr: errors.New("timeout")}
	o := newTestOrchestrator(store, collab, nil)

	view, err := o.CreateSession(context.Background(), CreateSessionInput{
		UserID: "user-1", StoryID: "story-1", CharacterID: "char-1",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	result, err := o.Bootstrap(context.Background(), view)
	if err != nil {
		t.Fatalf("bootstrap should not fail hard: %v", err)
	}
	if !result.Failed {
		t.Fatalf("expected failed flag on fallback bootstrap")
	}
	if len(view.Turns) != 1 || view.Turns[0].Content != fallbackOpening {
		t.Fatalf("expected fallback opening turn, got %+v", view.Turns)
	}
	if view.Aggregate.ContextTokensUsed != 0 {
		t.Fatalf("fallback must not consume tokens, got %d", view.Aggregate.ContextTokensUsed)
	}
	if view.Session.Status != models.SessionActive {
		t.Fatalf("session must still become active, got %s", view.Session.Status)
	}
}

func TestBootstrapRejectedWhenNotAwaitingFirstTurn(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &fakeCollaborator{}, nil)
	view := activeView(t, o, store)

	if _, err := o.Bootstrap(context.Background(), view); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestSubmitTurnSuccess(t *testing.T) {
	store := newFakeStore()
	drafts := newFakeDrafts()
	location := "the drawing room"
	collab := &fakeCollaborator{
		turnDelta: state.Delta{
			Narration:        "The door swings open onto the drawing room.",
			WorldPatch:       &state.WorldPatch{CurrentLocation: &location},
			SuggestedActions: []string{"enter", "knock first"},
			Usage:            state.UsageReport{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, Model: "test-model"},
		},
	}
	o := newTestOrchestrator(store, collab, drafts)
	view := activeView(t, o, store)
	view.Aggregate.ContextTokensUsed = 500
	drafts.staged[view.Session.ID] = "I open the do"

	result, err := o.SubmitTurn(context.Background(), view, "I open the door.")
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}

	if view.Aggregate.ContextTokensUsed != 620 {
		t.Fatalf("expected 620 tokens, got %d", view.Aggregate.ContextTokensUsed)
	}
	if len(view.Turns) != 2 {
		t.Fatalf("expected two new turns, got %d", len(view.Turns))
	}
	if view.Turns[0].Speaker != models.SpeakerUser || view.Turns[1].Speaker != models.SpeakerNarrator {
		t.Fatalf("expected user then narrator, got %s then %s", view.Turns[0].Speaker, view.Turns[1].Speaker)
	}
	if view.Turns[0].Content != "I open the door." {
		t.Fatalf("unexpected user turn content: %q", view.Turns[0].Content)
	}
	if view.Aggregate.World.CurrentLocation != "the drawing room" {
		t.Fatalf("world patch not merged: %q", view.Aggregate.World.CurrentLocation)
	}
	if result.UserTurn == nil || result.NarratorTurn == nil {
		t.Fatalf("result should carry both turns: %+v", result)
	}
	if len(store.turns[view.Session.ID]) != 2 {
		t.Fatalf("expected two persisted turns, got %d", len(store.turns[view.Session.ID]))
	}
	if _, ok := drafts.staged[view.Session.ID]; ok {
		t.Fatalf("draft should be cleared after successful submit")
	}
}

func TestSubmitTurnRejectsEmptyInput(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &fakeCollaborator{}, nil)
	view := activeView(t, o, store)

	for _, input := range []string{"", "   ", "\n\t"} {
		if _, err := o.SubmitTurn(context.Background(), view, input); !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("input %q: expected ErrEmptyInput, got %v", input, err)
		}
	}
}

func TestSubmitTurnFailureDoesNotCorruptState(t *testing.T) {
	store := newFakeStore()
	drafts := newFakeDrafts()
	collab := &fakeCollaborator{turnErr: errors.New("rate limited")}
	o := newTestOrchestrator(store, collab, drafts)
	view := activeView(t, o, store)
	view.Aggregate.ContextTokensUsed = 500
	view.Aggregate.Relationships["Mr. Darcy"] = state.Relationship{TrustLevel: 20}
	before := view.Aggregate.Clone()
	turnsBefore := len(view.Turns)

	result, err := o.SubmitTurn(context.Background(), view, "I open the door.")
	if err != nil {
		t.Fatalf("collaborator failure must not surface as an error: %v", err)
	}
	if !result.Failed {
		t.Fatalf("expected failed result")
	}
	if result.FallbackNarration != fallbackRetry {
		t.Fatalf("expected fallback narration, got %q", result.FallbackNarration)
	}
	if result.RestoredInput != "I open the door." {
		t.Fatalf("expected input restored for retry, got %q", result.RestoredInput)
	}
	if !reflect.DeepEqual(before, view.Aggregate) {
		t.Fatalf("aggregate changed after failed turn:\nbefore: %+v\nafter:  %+v", before, view.Aggregate)
	}
	if len(view.Turns) != turnsBefore {
		t.Fatalf("optimistic turn should be discarded, got %d turns", len(view.Turns))
	}
	if drafts.staged[view.Session.ID] != "I open the door." {
		t.Fatalf("input should be re-staged for recovery, got %q", drafts.staged[view.Session.ID])
	}
	if len(store.turns[view.Session.ID]) != 0 {
		t.Fatalf("nothing should be persisted on failure")
	}
}

func TestSubmitTurnReentrancyGuard(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &fakeCollaborator{}, nil)
	view := activeView(t, o, store)

	if !o.acquire(view.Session.ID) {
		t.Fatalf("guard should be free")
	}
	defer o.release(view.Session.ID)

	if _, err := o.SubmitTurn(context.Background(), view, "I open the door."); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
}

func TestSubmitTurnOnCompletedSession(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &fakeCollaborator{}, nil)
	view := activeView(t, o, store)
	view.Session.Status = models.SessionCompleted

	if _, err := o.SubmitTurn(context.Background(), view, "hello?"); !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("expected ErrSessionCompleted, got %v", err)
	}
}

func TestSaveFailureRetainsTurnsAndCarriesThemForward(t *testing.T) {
	store := newFakeStore()
	collab := &fakeCollaborator{
		turnDelta: state.Delta{
			Narration: "The hinges groan.",
			Usage:     state.UsageReport{TotalTokens: 50, Model: "test-model"},
		},
	}
	o := newTestOrchestrator(store, collab, nil)
	view := activeView(t, o, store)
	store.failingSaves = 1

	result, err := o.SubmitTurn(context.Background(), view, "I push the gate.")
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}
	if !result.SavePending {
		t.Fatalf("expected save-pending flag after failed write")
	}
	if len(view.Turns) != 2 {
		t.Fatalf("optimistic turns must be retained, got %d", len(view.Turns))
	}
	if len(store.turns[view.Session.ID]) != 0 {
		t.Fatalf("failed save must not persist turns")
	}

	// The next successful save flushes the accumulated turns.
	result, err = o.SubmitTurn(context.Background(), view, "I step inside.")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if result.SavePending {
		t.Fatalf("save should have succeeded the second time")
	}
	if got := len(store.turns[view.Session.ID]); got != 4 {
		t.Fatalf("expected 4 persisted turns after flush, got %d", got)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	store := newFakeStore()
	collab := &fakeCollaborator{
		summary:      "Elizabeth found her way to a happy ending.",
		summaryUsage: state.UsageReport{TotalTokens: 80, Model: "test-model"},
	}
	o := newTestOrchestrator(store, collab, nil)
	view := activeView(t, o, store)

	result, err := o.EndSession(context.Background(), view)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if result.AlreadyComplete {
		t.Fatalf("first end should not report already-complete")
	}
	if view.Session.Status != models.SessionCompleted {
		t.Fatalf("expected completed status, got %s", view.Session.Status)
	}
	if view.Session.CompletedAt == nil {
		t.Fatalf("expected completion timestamp")
	}
	if view.Session.CompletionSummary != collab.summary {
		t.Fatalf("unexpected summary: %q", view.Session.CompletionSummary)
	}

	collab.summary = "a different summary that must not be applied"
	second, err := o.EndSession(context.Background(), view)
	if err != nil {
		t.Fatalf("second end: %v", err)
	}
	if !second.AlreadyComplete {
		t.Fatalf("second end should report already-complete")
	}
	if view.Session.CompletionSummary != "Elizabeth found her way to a happy ending." {
		t.Fatalf("completion summary must not change on repeat end: %q", view.Session.CompletionSummary)
	}
}

func TestEndSessionFallsBackOnSummaryFailure(t *testing.T) {
	store := newFakeStore()
	collab := &fakeCollaborator{summaryErr: errors.New("timeout")}
	o := newTestOrchestrator(store, collab, nil)
	view := activeView(t, o, store)

	result, err := o.EndSession(context.Background(), view)
	if err != nil {
		t.Fatalf("end session must not fail hard: %v", err)
	}
	if result.AlreadyComplete {
		t.Fatalf("unexpected already-complete")
	}
	if result.Summary == "" {
		t.Fatalf("expected a fallback summary")
	}
	if view.Session.Status != models.SessionCompleted {
		t.Fatalf("session must still complete, got %s", view.Session.Status)
	}
}

func TestSetCreativityLevel(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &fakeCollaborator{}, nil)
	view := activeView(t, o, store)
	view.Aggregate.ContextTokensUsed = 321

	if err := o.SetCreativityLevel(context.Background(), view, models.CreativityCreative); err != nil {
		t.Fatalf("set creativity: %v", err)
	}
	if view.Session.CreativityLevel != models.CreativityCreative {
		t.Fatalf("level not applied: %s", view.Session.CreativityLevel)
	}
	if view.Aggregate.ContextTokensUsed != 321 {
		t.Fatalf("aggregate must not change on creativity update")
	}

	if err := o.SetCreativityLevel(context.Background(), view, "wild"); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}

	view.Session.Status = models.SessionCompleted
	if err := o.SetCreativityLevel(context.Background(), view, models.CreativityFaithful); !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("expected ErrSessionCompleted, got %v", err)
	}
}

func TestAttachCharacterCollapsesBootstrapFlows(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &fakeCollaborator{}, nil)

	view, err := o.CreateSession(context.Background(), CreateSessionInput{UserID: "user-1", StoryID: "story-1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if view.Session.Status != models.SessionAwaitingCharacter {
		t.Fatalf("expected awaiting_character, got %s", view.Session.Status)
	}

	if _, err := o.Bootstrap(context.Background(), view); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("bootstrap before character should be rejected, got %v", err)
	}

	if err := o.AttachCharacter(context.Background(), view, "char-1"); err != nil {
		t.Fatalf("attach character: %v", err)
	}
	if view.Session.Status != models.SessionAwaitingFirstTurn {
		t.Fatalf("expected awaiting_first_turn, got %s", view.Session.Status)
	}

	if err := o.AttachCharacter(context.Background(), view, "char-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second attach should be rejected, got %v", err)
	}
}

func TestLoadSessionRecoversDraft(t *testing.T) {
	store := newFakeStore()
	drafts := newFakeDrafts()
	o := newTestOrchestrator(store, &fakeCollaborator{}, drafts)
	view := activeView(t, o, store)
	o.saveView(context.Background(), view, nil)
	drafts.staged[view.Session.ID] = "I was about to say"

	loaded, err := o.LoadSession(context.Background(), view.Session.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if loaded.RecoveredDraft != "I was about to say" {
		t.Fatalf("expected recovered draft, got %q", loaded.RecoveredDraft)
	}
}

func TestLoadSessionNotFound(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store, &fakeCollaborator{}, nil)

	if _, err := o.LoadSession(context.Background(), "missing"); !errors.Is(err, interfaces.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
