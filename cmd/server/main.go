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

	"github.com/nonomal/ourboard/internal/api"
	"github.com/nonomal/ourboard/internal/config"
	"github.com/nonomal/ourboard/internal/db"
	"github.com/nonomal/ourboard/internal/registry"
	"github.com/nonomal/ourboard/internal/repository"
	"github.com/nonomal/ourboard/internal/session"
	"github.com/nonomal/ourboard/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting OurBoard sync server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing first so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("ourboard", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Initialize repositories
	boardRepo := repository.NewBoardRepository(database.DB)
	historyRepo := repository.NewHistoryRepository(database.DB)

	// Board registry: the single authoritative in-memory image per board
	boardRegistry := registry.New(boardRepo, historyRepo, cfg.PresenceDebounce)

	// Session manager routes events between connections and board states.
	// Token verification and text replication are optional collaborators;
	// without them logins fail cleanly and no text resources are tracked.
	sessionManager := session.NewManager(boardRegistry, boardRepo, historyRepo, nil, nil, cfg.WSBaseURL)
	sessionManager.SetHistoryChunkSize(cfg.HistoryChunkSize)

	// Initialize handlers with dependency injection
	wsHandler := api.NewWebSocketHandler(sessionManager)
	handler := api.NewHandler(boardRepo, boardRegistry, wsHandler)

	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("   POST /api/v1/board       - Create board")
		log.Printf("   GET  /api/v1/board/:id   - Get board")
		log.Printf("   WS   /ws/board/:id       - Board sync socket")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Ends every session, which detaches boards and lets idle ones evict.
	sessionManager.Shutdown()

	log.Println("✓ Server shutdown complete")
}
