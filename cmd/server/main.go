package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/facedetect"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/signaling"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	candidateRepo := repository.NewCandidateRepository(pool)
	supervisorRepo := repository.NewSupervisorRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	liveRepo := repository.NewLiveSessionRepository(rdb, cfg.LiveSessionTTL)
	monitorRepo := repository.NewMonitorRepository(pool, rdb, log)

	// ─── Face Detection ────────────────────────────────────────────────
	var detector facedetect.Detector = facedetect.Noop{}
	if cfg.FaceDetectorURL != "" {
		detector = facedetect.NewClient(cfg.FaceDetectorURL, cfg.FaceMaxWidth, log)
	} else {
		log.Warn().Msg("FACE_DETECTOR_URL not set, face sampling disabled")
	}

	// ─── Session Runtime ───────────────────────────────────────────────
	mgr := session.NewManager(session.Deps{
		Store:     sessionRepo,
		Live:      liveRepo,
		Questions: questionRepo,
		Detector:  detector,
		Events:    monitorRepo,
	}, session.Config{
		FaceInterval:      cfg.FaceSampleInterval,
		DetachGrace:       cfg.DetachGrace,
		DevToolsHeuristic: cfg.DevToolsHeuristic,
		MultiTabDetection: cfg.MultiTabDetection,
	}, log)

	hub := signaling.NewRedisHub(rdb, cfg.SignalTTL)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb, candidateRepo, supervisorRepo)
	examService := service.NewExamService(examRepo, questionRepo, sessionRepo, rdb, log)
	sessionService := service.NewExamSessionService(examService, candidateRepo, sessionRepo, mgr, log)
	gradingService := service.NewGradingService(sessionRepo, questionRepo, monitorRepo, log)
	monitorService := service.NewMonitorService(examService, monitorRepo, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:       handler.NewAuthHandler(authService),
		Candidate:  handler.NewCandidateHandler(sessionService, examService),
		WS:         handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins),
		Signal:     handler.NewSignalHandler(hub, mgr, log, cfg.AllowedOrigins),
		Supervisor: handler.NewSupervisorHandler(gradingService, authService, mgr, log),
		Monitor:    handler.NewMonitorHandler(rdb, monitorService, log),
		System:     handler.NewSystemHandler(pool, rdb, mgr, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	autosaveWorker := worker.NewAutosaveWorker(sessionRepo, rdb, log)
	violationWorker := worker.NewViolationWorker(sessionRepo, rdb, log)
	deadlineWorker := worker.NewDeadlineWorker(mgr, cfg.DeadlineSweep, log)

	workers.Add(3)
	go func() { defer workers.Done(); autosaveWorker.Start(workerCtx) }()
	go func() { defer workers.Done(); violationWorker.Start(workerCtx) }()
	go func() { defer workers.Done(); deadlineWorker.Start(workerCtx) }()

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Open exams are cached before traffic arrives so the first wave of
	// candidates does not stampede PostgreSQL.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(ctx, authService, handlers, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests. Hijacked sockets are not tracked
	// by Shutdown; releasing the runtimes below closes them.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Release session runtimes. Sessions stay started and resume on the
	// next attach, on this or another instance.
	mgr.Shutdown()

	// 3. Stop background workers; they flush their batch before returning.
	workerCancel()
	workers.Wait()
	detector.Dispose()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
