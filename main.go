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

	"github.com/embercore/ember/internal/agent"
	"github.com/embercore/ember/internal/config"
	"github.com/embercore/ember/internal/hub"
	"github.com/embercore/ember/internal/policy"
	"github.com/embercore/ember/internal/provider"
	"github.com/embercore/ember/internal/store"
	"github.com/embercore/ember/internal/tools"
	transport "github.com/embercore/ember/internal/transport/http"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting emberd...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("LLM provider: %s (%s)", cfg.LLMProvider, cfg.LLMModel)

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	llm := provider.New(cfg)
	toolReg := tools.NewBuiltinRegistry()

	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	runs := agent.NewRegistry()
	runner := agent.NewRunner(cfg, llm, toolReg, db, policyEngine, runs)
	streamHub := hub.New(runner)

	server := transport.NewServer(cfg, db, llm, streamHub)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("Server started on port %d", cfg.HTTPPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down emberd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("emberd stopped")
}
