package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mirostanko/chatpipe/internal/chat"
	"github.com/mirostanko/chatpipe/internal/handlers"
	"github.com/mirostanko/chatpipe/internal/services"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "/chatpipe")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFile, err := os.Open(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		log.Fatal(fmt.Errorf("error decoding config file: %w", err))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	registry, catalog, err := cfg.buildProviders(logger)
	if err != nil {
		log.Fatal(err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfgPath, "store.db")
	}
	store, err := services.NewBoltStore(dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	orchestrator := chat.NewOrchestrator(chat.Config{
		Messages:       store,
		Sessions:       store,
		Catalog:        catalog,
		Registry:       registry,
		SystemPrompt:   cfg.SystemPrompt,
		TitlePrompt:    cfg.TitlePrompt,
		DefaultModelID: cfg.DefaultModel,
		Logger:         logger,
	})

	m := handlers.NewMain(orchestrator, store, store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/regenerate", m.HandleRegenerate)
	mux.HandleFunc("/chats/cancel", m.HandleCancel)
	mux.HandleFunc("/chats/title", m.HandleTitle)
	mux.HandleFunc("/sessions", m.HandleSessions)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown sse server: %v", err)
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		log.Println("Server starting on :" + cfg.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)

	case sig := <-shutdown:
		log.Printf("Start shutdown, signal: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("Forcing server close: %v", err)
			}
		}
	}
}
