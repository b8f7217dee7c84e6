package web

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"storyloom/server/internal/config"
	"storyloom/server/internal/engine"
	"storyloom/server/internal/interfaces"
	"storyloom/server/internal/models"
	"storyloom/server/internal/state"
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Handlers owns the HTTP surface. It keeps one live SessionView per session
// so every request for a session works against the same in-memory copy; the
// orchestrator's per-session guard serializes the turn cycle itself.
type Handlers struct {
	config       *config.Config
	hub          *TurnHub
	orchestrator *engine.Orchestrator

	mu    sync.Mutex
	views map[string]*engine.SessionView
}

func NewHandlers(cfg *config.Config, hub *TurnHub, orchestrator *engine.Orchestrator) *Handlers {
	return &Handlers{
		config:       cfg,
		hub:          hub,
		orchestrator: orchestrator,
		views:        make(map[string]*engine.SessionView),
	}
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "storyloom",
	})
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func NewRouter(cfg *config.Config, orchestrator *engine.Orchestrator, hub *TurnHub) *chi.Mux {
	r := chi.NewRouter()

	// Request logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("REQUEST: %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})

	// CORS middleware
	r.Use(corsMiddleware)

	handlers := NewHandlers(cfg, hub, orchestrator)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", handlers.CreateSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", handlers.GetSession)
				r.Post("/character", handlers.AttachCharacter)
				r.Post("/bootstrap", handlers.Bootstrap)
				r.Post("/turns", handlers.SubmitTurn)
				r.Post("/end", handlers.EndSession)
				r.Put("/creativity", handlers.SetCreativity)
				r.Put("/draft", handlers.StageDraft)
				r.Get("/stream", handlers.Stream)
			})
		})
	})

	return r
}

type createSessionRequest struct {
	UserID      string `json:"user_id"`
	StoryID     string `json:"story_id"`
	CharacterID string `json:"character_id,omitempty"`
	Creativity  string `json:"creativity,omitempty"`
}

type turnRequest struct {
	Text string `json:"text"`
}

type characterRequest struct {
	CharacterID string `json:"character_id"`
}

type creativityRequest struct {
	Level string `json:"level"`
}

type draftRequest struct {
	Draft string `json:"draft"`
}

type sessionResponse struct {
	Session           *models.Session               `json:"session"`
	World             state.WorldState              `json:"world"`
	Relationships     map[string]state.Relationship `json:"relationships"`
	MemoryEvents      []state.MemoryEvent           `json:"memory_events"`
	Turns             []models.Turn                 `json:"turns"`
	SuggestedActions  []string                      `json:"suggested_actions,omitempty"`
	ContextTokensUsed int                           `json:"context_tokens_used"`
	Utilization       float64                       `json:"utilization"`
	RecoveredDraft    string                        `json:"recovered_draft,omitempty"`
	SavePending       bool                          `json:"save_pending"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.StoryID == "" {
		writeError(w, http.StatusBadRequest, "user_id and story_id are required")
		return
	}

	view, err := h.orchestrator.CreateSession(r.Context(), engine.CreateSessionInput{
		UserID:      req.UserID,
		StoryID:     req.StoryID,
		CharacterID: req.CharacterID,
		Creativity:  req.Creativity,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	h.mu.Lock()
	h.views[view.Session.ID] = view
	h.mu.Unlock()

	writeJSON(w, http.StatusCreated, h.sessionResponse(view))
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.view(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionResponse(view))
}

func (h *Handlers) AttachCharacter(w http.ResponseWriter, r *http.Request) {
	var req characterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CharacterID == "" {
		writeError(w, http.StatusBadRequest, "character_id is required")
		return
	}
	view, err := h.view(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := h.orchestrator.AttachCharacter(r.Context(), view, req.CharacterID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionResponse(view))
}

func (h *Handlers) Bootstrap(w http.ResponseWriter, r *http.Request) {
	view, err := h.view(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	result, err := h.orchestrator.Bootstrap(r.Context(), view)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.broadcastTurn(view.Session.ID, result)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view, err := h.view(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	result, err := h.orchestrator.SubmitTurn(r.Context(), view, req.Text)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.broadcastTurn(view.Session.ID, result)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.view(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	result, err := h.orchestrator.EndSession(r.Context(), view)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if h.hub != nil && !result.AlreadyComplete {
		h.hub.Broadcast(TurnEvent{
			Type:      "session_ended",
			SessionID: view.Session.ID,
			Summary:   result.Summary,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) SetCreativity(w http.ResponseWriter, r *http.Request) {
	var req creativityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view, err := h.view(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := h.orchestrator.SetCreativityLevel(r.Context(), view, req.Level); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"creativity": req.Level})
}

func (h *Handlers) StageDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sessionID := chi.URLParam(r, "session_id")
	h.orchestrator.StageDraft(r.Context(), sessionID, req.Draft)
	w.WriteHeader(http.StatusNoContent)
}

// Stream upgrades to a WebSocket and subscribes the client to one session's
// turn events.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "hub not initialized")
		return
	}
	sessionID := chi.URLParam(r, "session_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:        generateClientID(),
		SessionID: sessionID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		Hub:       h.hub,
	}
	h.hub.register <- client

	welcome, _ := json.Marshal(map[string]interface{}{
		"type":       "connected",
		"id":         client.ID,
		"session_id": sessionID,
		"time":       time.Now().Unix(),
	})
	select {
	case client.Send <- welcome:
	default:
	}

	go client.readPump()
}

// view returns the live in-memory view for the request's session, loading it
// from durable storage on first touch.
func (h *Handlers) view(r *http.Request) (*engine.SessionView, error) {
	sessionID := chi.URLParam(r, "session_id")

	h.mu.Lock()
	view, ok := h.views[sessionID]
	h.mu.Unlock()
	if ok {
		return view, nil
	}

	view, err := h.orchestrator.LoadSession(r.Context(), sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	// Another request may have loaded it in the meantime; keep the first.
	if existing, ok := h.views[sessionID]; ok {
		view = existing
	} else {
		h.views[sessionID] = view
	}
	h.mu.Unlock()
	return view, nil
}

func (h *Handlers) sessionResponse(view *engine.SessionView) sessionResponse {
	ceiling := h.config.Engine.ContextCeiling
	return sessionResponse{
		Session:           view.Session,
		World:             view.Aggregate.World,
		Relationships:     view.Aggregate.Relationships,
		MemoryEvents:      view.Aggregate.MemoryEvents,
		Turns:             view.Turns,
		SuggestedActions:  view.SuggestedActions,
		ContextTokensUsed: view.Aggregate.ContextTokensUsed,
		Utilization:       view.Utilization(ceiling),
		RecoveredDraft:    view.RecoveredDraft,
		SavePending:       view.SavePending,
	}
}

func (h *Handlers) broadcastTurn(sessionID string, result *engine.TurnResult) {
	if h.hub == nil {
		return
	}
	narration := ""
	if result.NarratorTurn != nil {
		narration = result.NarratorTurn.Content
	}
	if result.Failed {
		narration = result.FallbackNarration
	}
	h.hub.Broadcast(TurnEvent{
		Type:              "turn",
		SessionID:         sessionID,
		Narration:         narration,
		SuggestedActions:  result.SuggestedActions,
		ContextTokensUsed: result.ContextTokensUsed,
		Utilization:       result.Utilization,
		SavePending:       result.SavePending,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrEmptyInput), errors.Is(err, engine.ErrInvalidLevel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrTurnInFlight),
		errors.Is(err, engine.ErrSessionCompleted),
		errors.Is(err, engine.ErrSessionNotActive),
		errors.Is(err, engine.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// generateClientID generates a unique client ID
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b)
}
