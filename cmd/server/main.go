// Command server exposes consolidation, reference building and evaluation
// over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brunobiangulo/qualcode"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML or JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := qualcode.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = qualcode.LoadConfig(*configPath); err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()

	apiKey := os.Getenv("QUALCODE_API_KEY")
	corsOrigins := os.Getenv("QUALCODE_CORS_ORIGINS")

	engine, err := qualcode.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:         *addr,
		Handler:      newServer(engine, apiKey, corsOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // consolidation runs can take many minutes
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
