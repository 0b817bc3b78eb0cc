package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"hark/internal/audio"
	"hark/internal/config"
	"hark/internal/domain"
	"hark/internal/event"
	httpserver "hark/internal/http"
	"hark/internal/http/handlers"
	"hark/internal/provider"
	"hark/internal/repository"
	"hark/internal/service"
	"hark/internal/storage"
	"hark/internal/worker"
)

func main() {
	initSchema := flag.Bool("init", false, "create or migrate the database schema, then exit")
	printStatus := flag.Bool("status", false, "print a queue status snapshot as JSON, then exit")
	role := flag.String("role", "all", "which halves to run: api, worker, or all")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "hark").Logger()

	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Warn().Err(err).Msg("loading .env files")
	}
	cfg := config.Load()

	switch {
	case *initSchema:
		if err := runInit(cfg, logger); err != nil {
			logger.Fatal().Err(err).Msg("schema init failed")
		}
		return
	case *printStatus:
		if err := runStatus(cfg); err != nil {
			logger.Fatal().Err(err).Msg("status query failed")
		}
		return
	}

	runAPI := *role == "api" || *role == "all"
	runWorker := (*role == "worker" || *role == "all") && cfg.WorkerEnabled
	if *role != "api" && *role != "worker" && *role != "all" {
		logger.Fatal().Str("role", *role).Msg("role must be api, worker, or all")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	blobs, err := openBlobs(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open blob storage")
	}

	registry := buildProviders(cfg)
	broadcaster := event.NewBroadcaster(logger)
	defer broadcaster.Close()

	relayCloser := startRelay(ctx, cfg, broadcaster, logger)
	defer relayCloser()

	svc := service.NewUploadService(service.UploadDependencies{
		Store:          store,
		Blobs:          blobs,
		Prober:         audio.NewProber(),
		Events:         broadcaster,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})

	var processor *worker.Processor
	processorDone := make(chan struct{})
	if runWorker {
		processor = worker.NewProcessor(worker.Config{
			PollInterval:   cfg.PollInterval,
			MaxRetries:     cfg.MaxRetries,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
		}, worker.Dependencies{
			Store:     store,
			Providers: registry,
			Blobs:     blobs,
			Events:    broadcaster,
			Hooks:     svc,
			Logger:    logger,
		})
		svc.AttachProcessor(processor)
		go func() {
			defer close(processorDone)
			if err := processor.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("processor exited")
			}
		}()
	} else {
		close(processorDone)
		logger.Info().Str("role", *role).Bool("workerEnabled", cfg.WorkerEnabled).Msg("processor not running in this process")
	}

	errChan := make(chan error, 1)
	var server *http.Server
	if runAPI {
		api := handlers.NewAPI(svc, registry, broadcaster, processor, handlers.APIConfig{
			MaxUploadBytes:  cfg.MaxUploadBytes,
			DefaultProvider: domain.ProviderKind(cfg.DefaultProvider),
			AutoSummarize:   cfg.AutoSummarizeDefault,
		})
		handler := httpserver.NewRouter(httpserver.RouterDependencies{
			API:            api,
			Logger:         logger,
			AuthToken:      cfg.AuthToken,
			CORSOrigins:    cfg.CORSAllowedOrigins,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
		})

		server = &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			// The write timeout would sever SSE streams; per-response
			// deadlines are cleared by the stream handler instead.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", server.Addr).Msg("api listening")
			errChan <- server.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	}
	stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}

	// An in-flight job gets the grace window to settle; past that it stays
	// processing in the ledger and the next start flags it as orphaned.
	select {
	case <-processorDone:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn().Dur("grace", cfg.ShutdownGrace).Msg("processor still busy, abandoning wait")
	}
}

func runInit(cfg config.Config, logger zerolog.Logger) error {
	if cfg.DatabaseURL != "" {
		if err := repository.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		logger.Info().Msg("postgres schema up to date")
		return nil
	}
	store, err := repository.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return err
	}
	logger.Info().Str("path", cfg.SQLitePath).Msg("sqlite schema up to date")
	return store.Close()
}

func runStatus(cfg config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.StatusSnapshot(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (repository.Store, error) {
	if cfg.DatabaseURL != "" {
		if err := repository.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("postgres ledger initialized")
		return store, nil
	}

	store, err := repository.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", cfg.SQLitePath).Msg("sqlite ledger initialized")
	return store, nil
}

func openBlobs(ctx context.Context, cfg config.Config, logger zerolog.Logger) (storage.Blobs, error) {
	switch cfg.StorageBackend {
	case "s3":
		blobs, err := storage.NewS3(ctx, storage.S3Config{
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			Endpoint:       cfg.S3Endpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3Endpoint != "",
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("s3 blob storage initialized")
		return blobs, nil
	case "disk", "":
		blobs, err := storage.NewDisk(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("dir", cfg.StorageDir).Msg("disk blob storage initialized")
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func buildProviders(cfg config.Config) *provider.Registry {
	local := provider.NewLocal(
		provider.NewWhisperClient(provider.WhisperConfig{
			BaseURL: cfg.WhisperURL,
			Timeout: cfg.WhisperTimeout,
		}),
		provider.NewOllamaClient(provider.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaModel,
			Timeout: cfg.OllamaTimeout,
		}),
	)
	remote := provider.NewRemote(
		provider.NewDeepgramClient(provider.DeepgramConfig{
			APIKey:  cfg.DeepgramAPIKey,
			BaseURL: cfg.DeepgramBaseURL,
			Model:   cfg.DeepgramModel,
			Timeout: cfg.DeepgramTimeout,
		}),
		provider.NewOpenAIClient(provider.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.OpenAITimeout,
		}),
	)
	return provider.NewRegistry(local, remote)
}

// startRelay bridges the event feed into a Redis stream when configured. The
// returned closer stops the bridge; it is a no-op when no relay runs.
func startRelay(ctx context.Context, cfg config.Config, broadcaster *event.Broadcaster, logger zerolog.Logger) func() {
	if cfg.RedisAddr == "" {
		return func() {}
	}

	relay, err := event.NewRelay(ctx, event.RelayConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Stream:   cfg.RedisStream,
		MaxLen:   cfg.RedisStreamCap,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("redis relay unavailable, events stay in-process")
		return func() {}
	}

	obs := broadcaster.Subscribe("redis-relay")
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Run(ctx, obs.Events())
	}()
	logger.Info().Str("stream", cfg.RedisStream).Msg("redis event relay started")

	return func() {
		broadcaster.Unsubscribe(obs)
		<-done
		_ = relay.Close()
	}
}
