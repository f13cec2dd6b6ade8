// Server entrypoint: wires the stores, the quota pool, the dual-engine
// transcription reconciler, the score calibrator and the job orchestrator,
// then serves the HTTP API until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spoken-eval-platform/internal/apigateway"
	"spoken-eval-platform/internal/asr"
	"spoken-eval-platform/internal/config"
	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
	"spoken-eval-platform/internal/objectstore"
	"spoken-eval-platform/internal/orchestrator"
	"spoken-eval-platform/internal/preprocess"
	"spoken-eval-platform/internal/quotapool"
	"spoken-eval-platform/internal/reconciler"
	"spoken-eval-platform/internal/scoring"
)

func main() {
	logging.Init()
	log := logging.New("server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules, err := config.LoadRuleTables(cfg.RuleTablePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RuleTablePath).Msg("failed to load rule tables")
	}

	var (
		jobs      datastore.JobStore
		results   datastore.ResultStore
		credStore datastore.CredentialStore
	)
	if cfg.DatabaseURL != "" {
		db, err := datastore.InitDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		jobs = datastore.NewPostgresJobStore(db)
		results = datastore.NewPostgresResultStore(db)
		credStore = datastore.NewPostgresCredentialStore(db)
		log.Info().Msg("using Postgres stores")
	} else {
		jobs = datastore.NewMemoryJobStore()
		results = datastore.NewMemoryResultStore()
		credStore = datastore.NewMemoryCredentialStore()
		log.Warn().Msg("DATABASE_URL not set, using in-memory stores; jobs will not survive a restart")
	}

	var storage objectstore.Storage
	if cfg.MinioEndpoint != "" {
		minioStorage, err := objectstore.NewMinioStorage(ctx, objectstore.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucketName,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize MinIO storage")
		}
		storage = minioStorage
		log.Info().Str("endpoint", cfg.MinioEndpoint).Str("bucket", cfg.MinioBucketName).Msg("using MinIO storage")
	} else {
		storage = objectstore.NewMemoryStorage()
		log.Warn().Msg("MINIO_ENDPOINT not set, using in-memory audio storage")
	}

	pool, err := quotapool.New(credStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential pool")
	}

	registry := asr.DefaultRegistry()
	engineA, err := registry.Get(cfg.SpeechProviderA)
	if err != nil {
		log.Fatal().Err(err).Msg("unknown speech provider for variant A")
	}
	engineB, err := registry.Get(cfg.SpeechProviderB)
	if err != nil {
		log.Fatal().Err(err).Msg("unknown speech provider for variant B")
	}

	lockDuration := time.Duration(cfg.CredentialLockSeconds) * time.Second
	recCfg := reconciler.DefaultConfig(rules)
	recCfg.LockDuration = lockDuration
	rec := reconciler.New(
		reconciler.EngineVariant{Engine: engineA, Provider: cfg.SpeechProviderA},
		reconciler.EngineVariant{Engine: engineB, Provider: cfg.SpeechProviderB},
		pool, recCfg,
	)

	calCfg := scoring.DefaultCalibratorConfig()
	calCfg.LockDuration = lockDuration
	calibrator := scoring.NewCalibrator(scoring.NewLLMScorer(), pool, calCfg)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.MaxRetries = cfg.MaxRetries
	orchCfg.MaxConcurrentJobs = cfg.MaxConcurrentJobs
	orchCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	orchCfg.WatchdogInterval = cfg.WatchdogInterval
	orchCfg.StageTimeout = cfg.StageTimeout
	orchCfg.LanguageHint = cfg.LanguageHint
	orch := orchestrator.New(jobs, results, storage,
		preprocess.NewTrimmer(preprocess.DefaultConfig()),
		rec, calibrator, orchestrator.NewNotifier(), orchCfg)
	orch.Start()

	if cfg.APIKey == "" {
		log.Warn().Msg("API_KEY not set, the HTTP API is unauthenticated")
	}
	router := apigateway.SetupRouter(apigateway.NewAPI(orch, pool), cfg.APIKey)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("orchestrator shutdown did not drain in time")
	}
	log.Info().Msg("server stopped")
}
