package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SupervisorHandler handles grading and proctoring actions of supervisors.
type SupervisorHandler struct {
	gradingService *service.GradingService
	authService    *service.AuthService
	mgr            *session.Manager
	log            zerolog.Logger
}

// NewSupervisorHandler creates a new SupervisorHandler.
func NewSupervisorHandler(
	gradingService *service.GradingService,
	authService *service.AuthService,
	mgr *session.Manager,
	log zerolog.Logger,
) *SupervisorHandler {
	return &SupervisorHandler{
		gradingService: gradingService,
		authService:    authService,
		mgr:            mgr,
		log:            log.With().Str("component", "supervisor_handler").Logger(),
	}
}

// ListSessions godoc
// GET /api/v1/supervisor/exams/:exam_id/sessions
// Returns every session of the exam with its score breakdown.
func (h *SupervisorHandler) ListSessions(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	sessions, err := h.gradingService.ListSessions(c.Request.Context(), examID)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": sessions})
}

// GetScore godoc
// GET /api/v1/supervisor/sessions/:session_id/score
func (h *SupervisorHandler) GetScore(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	score, err := h.gradingService.Score(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, score)
}

// SetEssayScore godoc
// PUT /api/v1/supervisor/sessions/:session_id/essay-scores/:question_id
// Grades one essay answer of a finished session and recomputes the score.
func (h *SupervisorHandler) SetEssayScore(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	questionID, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.EssayScoreRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	score, err := h.gradingService.SetEssayScore(c.Request.Context(), sessionID, questionID, *req.Score)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, score)
}

// SetScoreReduction godoc
// PUT /api/v1/supervisor/sessions/:session_id/score-reduction
// Values outside 0..100 are clamped.
func (h *SupervisorHandler) SetScoreReduction(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.ScoreReductionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	score, err := h.gradingService.SetReduction(c.Request.Context(), sessionID, *req.Reduction)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, score)
}

// ReportViolation godoc
// POST /api/v1/supervisor/sessions/:session_id/violations
// Records a violation observed by the supervisor, e.g. on the camera feed.
func (h *SupervisorHandler) ReportViolation(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.ReportViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.mgr.ReportViolation(c.Request.Context(), sessionID, req.Reason); err != nil {
		fail(c, err)
		return
	}

	h.log.Info().
		Int("supervisor_id", claims.UserID).
		Str("session_id", sessionID.String()).
		Str("reason", string(req.Reason)).
		Msg("Violation reported by supervisor")

	sess, err := h.mgr.Session(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"violation_count": sess.ViolationCount,
		"status":          sess.Status,
	})
}

// ResetCandidateLogin godoc
// DELETE /api/v1/supervisor/candidates/:candidate_id/login
// Lets a candidate sign in again, e.g. after switching devices.
func (h *SupervisorHandler) ResetCandidateLogin(c *gin.Context) {
	candidateID, err := strconv.Atoi(c.Param("candidate_id"))
	if err != nil || candidateID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.authService.ResetCandidateLogin(c.Request.Context(), candidateID); err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}
