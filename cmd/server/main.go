package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ytbatch/backend"
	"ytbatch/internal/api"
)

func main() {
	// .env is optional; env vars win over file config either way.
	_ = godotenv.Load()

	config, err := backend.LoadConfigWithEnv()
	if err != nil {
		config = backend.GetDefaultConfig()
		config.LogLevel = "info"
	}

	backend.ConfigureLogger(backend.LogConfig{Level: config.LogLevel})
	log := backend.WithComponent("main")
	if err != nil {
		log.Warn().Err(err).Msg("could not load config, using defaults")
	}

	if err := os.MkdirAll(config.OutputDirectory, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", config.OutputDirectory).Msg("could not create output directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := backend.NewResolver()
	expander := backend.NewExpander(config)
	streams := backend.NewOrchestrator(config)
	jobs := backend.NewController(ctx, config, resolver.Resolve, expander.Expand)
	jobs.Start()

	server := api.NewServer(config, resolver, expander, streams, jobs)

	httpServer := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		cancel()
		jobs.Stop()
	}()

	status := backend.CheckWorker(ctx, config.WorkerPath)
	log.Info().
		Str("addr", config.ListenAddr).
		Str("worker", status.Status).
		Str("workerVersion", status.Version).
		Msg("server listening")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}
