package rag

import (
	"context"
	"crypto/md5"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"storyloom/server/internal/config"
	"storyloom/server/internal/state"
)

const (
	defaultCollection    = "memory_events"
	defaultVectorSize    = 1536
	recallScoreThreshold = 0.55
	defaultRecallLimit   = 8
)

// MemoryIndex is a vector index over a session's memory events. The
// orchestrator uses it to recall events semantically related to the player's
// utterance before calling the collaborator. It is an accelerator, not a
// store of record: the aggregate state keeps the full event list.
type MemoryIndex struct {
	client     *qdrant.Client
	embedding  *EmbeddingService
	collection string
	vectorSize uint64
}

func NewMemoryIndex(cfg config.QdrantConfig, embedding *EmbeddingService) (*MemoryIndex, error) {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = defaultCollection
	}
	vectorSize := uint64(cfg.VectorSize)
	if vectorSize == 0 {
		vectorSize = defaultVectorSize
	}

	return &MemoryIndex{
		client:     client,
		embedding:  embedding,
		collection: collection,
		vectorSize: vectorSize,
	}, nil
}

// EnsureCollection creates the backing collection if it does not exist yet.
func (m *MemoryIndex) EnsureCollection(ctx context.Context) error {
	exists, err := m.client.CollectionExists(ctx, m.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = m.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: m.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     m.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Index embeds and upserts memory events. Upserts are idempotent: the point
// id is derived from the event id, so re-indexing the same event overwrites
// it instead of duplicating.
func (m *MemoryIndex) Index(ctx context.Context, sessionID string, events []state.MemoryEvent) error {
	points := make([]*qdrant.PointStruct, 0, len(events))
	for _, ev := range events {
		vector, err := m.embedding.Embed(ctx, ev.Description)
		if err != nil {
			return fmt.Errorf("failed to embed memory event %s: %w", ev.ID, err)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointUUID(ev.ID)),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"event_id":    ev.ID,
				"session_id":  sessionID,
				"description": ev.Description,
				"importance":  string(ev.Importance),
				"timestamp":   ev.Timestamp.Format(time.RFC3339),
			}),
		})
	}
	if len(points) == 0 {
		return nil
	}

	_, err := m.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: m.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert memory events: %w", err)
	}
	return nil
}

// Recall returns up to limit memory events of one session semantically
// similar to the query, most similar first.
func (m *MemoryIndex) Recall(ctx context.Context, sessionID, query string, limit int) ([]state.MemoryEvent, error) {
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	vector, err := m.embedding.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed recall query: %w", err)
	}

	lim := uint64(limit)
	threshold := float32(recallScoreThreshold)
	results, err := m.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: m.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &lim,
		ScoreThreshold: &threshold,
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("session_id", sessionID),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query memory events: %w", err)
	}

	events := make([]state.MemoryEvent, 0, len(results))
	for _, pt := range results {
		payload := pt.GetPayload()
		if payload == nil {
			continue
		}
		ev := state.MemoryEvent{
			ID:          payload["event_id"].GetStringValue(),
			Description: payload["description"].GetStringValue(),
			Importance:  state.Importance(payload["importance"].GetStringValue()),
		}
		if ev.Description == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, payload["timestamp"].GetStringValue()); err == nil {
			ev.Timestamp = ts
		}
		events = append(events, ev)
	}
	return events, nil
}

// pointUUID maps an engine id onto the UUID format qdrant requires for
// string point ids. Deterministic, so re-indexing an event overwrites its
// previous point.
func pointUUID(eventID string) string {
	sum := md5.Sum([]byte(eventID))
	return fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}
