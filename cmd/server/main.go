package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/real-rm/chatrelay"
	"github.com/real-rm/chatrelay/internal/config"
	"github.com/real-rm/chatrelay/internal/constants"
)

// loadConfiguration loads and validates the relay configuration
func loadConfiguration() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	// No else needed: early return pattern (guard clause)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// initializeLogger builds a production zap logger at the configured level
func initializeLogger(level string) (*zap.SugaredLogger, error) {
	parsedLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(parsedLevel)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	return logger.Sugar(), nil
}

// connectMongo establishes the MongoDB connection and verifies it with a ping
func connectMongo(cfg *config.Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Database.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// No else needed: early return pattern (guard clause)
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client, nil
}

// setupSignalHandler sets up signal handling for graceful shutdown
func setupSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// NewHTTPServer creates an HTTP server with production-safe timeout defaults.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
}

// runWithSignalChannel is a testable version of run that accepts a signal channel
func runWithSignalChannel(sigChan chan os.Signal) error {
	cfg, err := loadConfiguration()
	if err != nil {
		return err
	}

	logger, err := initializeLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	mongoClient, err := connectMongo(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = mongoClient.Disconnect(context.Background())
	}()

	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	// No else needed: early return pattern (guard clause)
	if err := chatrelay.Register(engine, cfg, logger, mongoClient); err != nil {
		return fmt.Errorf("failed to register relay service: %w", err)
	}

	server := NewHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port), engine)

	errChan := make(chan error, 1)
	go func() {
		logger.Infow("Server starting", "port", cfg.Server.Port)
		// No else needed: error handling with channel send (reported to main loop)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Infow("Shutting down gracefully", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Close WebSocket connections first so clients see a clean close frame,
	// then stop accepting HTTP traffic.
	// No else needed: optional operation (error logging)
	if err := chatrelay.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("Relay shutdown error", "error", err)
	}

	// No else needed: early return pattern (guard clause)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	logger.Infow("Server stopped")
	return nil
}

func main() {
	if err := runMain(); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}

// runMain is the testable main function
func runMain() error {
	sigChan := setupSignalHandler()
	return runWithSignalChannel(sigChan)
}
