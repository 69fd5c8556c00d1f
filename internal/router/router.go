package router

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth       *handler.AuthHandler
	Candidate  *handler.CandidateHandler
	WS         *handler.WSHandler
	Signal     *handler.SignalHandler
	Supervisor *handler.SupervisorHandler
	Monitor    *handler.MonitorHandler
	System     *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// Background helpers such as the rate limiter janitor stop with ctx.
func SetupRouter(
	ctx context.Context,
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// AllowedOrigins restricts browsers to the exam client; empty allows all.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestID())
	router.Use(middleware.Brotli(cfg.BrotliMinLength))

	router.GET("/health", handlers.System.Health)

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	authLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit, time.Minute)

	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/candidate/login", authLimiter.Middleware(), handlers.Auth.CandidateLogin)
		auth.POST("/supervisor/login", authLimiter.Middleware(), handlers.Auth.SupervisorLogin)

		auth.POST("/candidate/logout", middleware.RequireCandidateJWT(authService), handlers.Auth.CandidateLogout)
		auth.GET("/candidate/me",
			middleware.RequireCandidateJWT(authService),
			middleware.CheckSingleDeviceLogin(authService),
			handlers.Auth.CandidateProfile,
		)
		auth.GET("/supervisor/me", middleware.RequireSupervisorJWT(authService), handlers.Auth.SupervisorProfile)
	}

	// ─── 2. Candidate Group (JWT + Single Device) ──────────────────────
	candidateAPI := router.Group("/api/v1/candidate")
	candidateAPI.Use(
		middleware.RequireCandidateJWT(authService),
		middleware.CheckSingleDeviceLogin(authService),
		middleware.NoStore(),
	)
	{
		candidateAPI.GET("/lobby", handlers.Candidate.GetLobby)
		candidateAPI.POST("/exams/:exam_id/preflight", handlers.Candidate.Preflight)
		candidateAPI.POST("/exams/:exam_id/start", handlers.Candidate.StartExam)
		candidateAPI.GET("/sessions/:session_id/state", handlers.Candidate.GetState)
		candidateAPI.PUT("/sessions/:session_id/answers/:question_id", handlers.Candidate.SaveAnswer)
		candidateAPI.POST("/sessions/:session_id/finish", handlers.Candidate.FinishExam)
	}

	// ─── 3. Supervisor Group (JWT) ─────────────────────────────────────
	supervisorAPI := router.Group("/api/v1/supervisor")
	supervisorAPI.Use(
		middleware.RequireSupervisorJWT(authService),
		middleware.NoStore(),
	)
	{
		supervisorAPI.GET("/exams/:exam_id/sessions", handlers.Supervisor.ListSessions)
		supervisorAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
		supervisorAPI.GET("/sessions/:session_id/score", handlers.Supervisor.GetScore)
		supervisorAPI.PUT("/sessions/:session_id/essay-scores/:question_id", handlers.Supervisor.SetEssayScore)
		supervisorAPI.PUT("/sessions/:session_id/score-reduction", handlers.Supervisor.SetScoreReduction)
		supervisorAPI.POST("/sessions/:session_id/violations", handlers.Supervisor.ReportViolation)
		supervisorAPI.DELETE("/candidates/:candidate_id/login", handlers.Supervisor.ResetCandidateLogin)
		supervisorAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	// ─── 4. WebSocket Group (token in query) ───────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireAnyJWT(authService),
		middleware.CheckSingleDeviceLogin(authService),
	)
	{
		ws.GET("/candidate/sessions/:session_id/stream",
			middleware.RequireTokenType(service.TokenTypeCandidate),
			handlers.WS.CandidateStream,
		)
		ws.GET("/signal/exams/:exam_id/sessions/:session_id",
			middleware.RequireTokenType(service.TokenTypeCandidate, service.TokenTypeSupervisor),
			handlers.Signal.Relay,
		)
	}

	return router
}
