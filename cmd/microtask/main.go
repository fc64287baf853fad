// microtask server - the capture-to-plan control plane and its execution
// runtime behind an HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/blopit/microtask/pkg/api"
	"github.com/blopit/microtask/pkg/capture"
	"github.com/blopit/microtask/pkg/classify"
	"github.com/blopit/microtask/pkg/config"
	"github.com/blopit/microtask/pkg/database"
	"github.com/blopit/microtask/pkg/decompose"
	"github.com/blopit/microtask/pkg/events"
	"github.com/blopit/microtask/pkg/llm"
	"github.com/blopit/microtask/pkg/runtime"
	"github.com/blopit/microtask/pkg/split"
	"github.com/blopit/microtask/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	gin.SetMode(getEnv("GIN_MODE", "release"))

	log.Printf("Starting microtask")
	log.Printf("Config Directory: %s", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	dbClient, err := database.NewClient(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbClient.Close()
	log.Println("✓ Connected to PostgreSQL database")
	log.Println("✓ Database schema initialized")

	st := store.New(dbClient.Pool)

	bus := events.NewBus(dbClient.Pool)
	listener := events.NewListener(database.DSN(database.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
	}), bus, st)
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("Failed to start event listener: %v", err)
	}
	defer listener.Stop()

	llmClient := llm.NewFromConfig(cfg.LLM)
	heuristic := split.NewHeuristicSplitter()
	proxy := split.NewProxy(llmClient, heuristic, cfg.Split)
	classifier := classify.NewClassifier(classify.NewRegistry(classify.DefaultIntegrations()))
	decomposer := decompose.New(proxy, classifier, cfg.Split)
	pipeline := capture.New(st, bus, llmClient, decomposer, classifier, cfg.Runtime)

	// Tool handlers plug in here at startup; none ship by default — the
	// registry is the integration point for external collaborators.
	registry := runtime.NewHandlerRegistry()
	registry.Seal()
	rt := runtime.New(st, bus, registry, cfg.Runtime)
	rt.Start(ctx)
	defer rt.Stop()
	log.Println("✓ Services initialized")

	server := api.NewServer(pipeline, rt, st, func(ctx context.Context) error {
		_, err := database.Health(ctx, dbClient.Pool)
		return err
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Handler(),
	}
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
}
