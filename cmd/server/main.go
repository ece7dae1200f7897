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

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/clearline/voice-bridge/internal/config"
	"github.com/clearline/voice-bridge/internal/handler"
	"github.com/clearline/voice-bridge/pkg/logger"
)

// teardownTimeout bounds the provider cleanup calls made on shutdown.
const teardownTimeout = 15 * time.Second

// Server is the call bridge HTTP server.
type Server struct {
	config         *config.Config
	router         *mux.Router
	handlerManager *handler.HandlerManager
	httpServer     *http.Server
}

// NewServer builds the server and its full service graph.
func NewServer(cfg *config.Config) *Server {
	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		logger.Base().Error("Failed to initialize zap logger, falling back to std log")
	}

	router := mux.NewRouter()
	handlerManager := handler.NewHandlerManager(cfg)
	handlerManager.SetupRoutes(router)

	return &Server{
		config:         cfg,
		router:         router,
		handlerManager: handlerManager,
	}
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Base().Info("Starting server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown tears down every live call and provider resource, then stops
// the HTTP listener.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	logger.Base().Info("Shutting down, deallocating provider resources")
	s.handlerManager.Orchestrator().TeardownAll(ctx)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Base().Error("HTTP server shutdown failed", zap.Error(err))
		}
	}
	logger.Sync()
}

func main() {
	// Load .env for local development if present; deployed environments
	// set real environment variables instead.
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	server := NewServer(cfg)
	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.String("application_number", cfg.ApplicationNumber))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case sig := <-quit:
		logger.Base().Info("Received signal", zap.String("signal", sig.String()))
		server.Shutdown()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}
}
