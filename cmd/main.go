package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storyloom/server/internal/config"
	"storyloom/server/internal/engine"
	"storyloom/server/internal/interfaces"
	"storyloom/server/internal/narrator"
	"storyloom/server/internal/rag"
	"storyloom/server/internal/storage"
	"storyloom/server/internal/web"
)

func main() {
	// Load configuration
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Durable storage is mandatory; everything else degrades gracefully.
	mysqlStore, err := storage.NewMySQLStore(cfg.Database.MySQL)
	if err != nil {
		log.Fatalf("Failed to connect to MySQL: %v", err)
	}
	defer mysqlStore.Close()
	log.Println("MySQL connected successfully")

	var drafts interfaces.DraftCache
	redisStore, err := storage.NewRedisStore(cfg.Database.Redis, cfg.Engine)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis, draft recovery disabled: %v", err)
	} else {
		defer redisStore.Close()
		drafts = redisStore
		log.Println("Redis connected successfully")
	}

	narratorClient, err := narrator.NewClient(cfg.AI.Narrator)
	if err != nil {
		log.Fatalf("Failed to initialize narrator client: %v", err)
	}

	var memories interfaces.MemoryIndex
	embedding := rag.NewEmbeddingService(cfg.AI.Narrator, cfg.AI.Embedding)
	memoryIndex, err := rag.NewMemoryIndex(cfg.Database.Qdrant, embedding)
	if err != nil {
		log.Printf("Warning: Failed to connect to Qdrant, semantic recall disabled: %v", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := memoryIndex.EnsureCollection(ctx); err != nil {
			log.Printf("Warning: Failed to initialize Qdrant collection: %v", err)
		} else {
			memories = memoryIndex
			log.Println("Qdrant connected successfully")
		}
		cancel()
	}

	orchestrator := engine.New(mysqlStore, narratorClient, drafts, memories, cfg.Engine)

	hub := web.NewTurnHub()
	go hub.Run()

	r := web.NewRouter(cfg, orchestrator, hub)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in background
	go func() {
		log.Printf("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
