package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// CandidateHandler handles the candidate side of an exam attempt.
type CandidateHandler struct {
	sessionService *service.ExamSessionService
	examService    *service.ExamService
}

// NewCandidateHandler creates a new CandidateHandler.
func NewCandidateHandler(
	sessionService *service.ExamSessionService,
	examService *service.ExamService,
) *CandidateHandler {
	return &CandidateHandler{
		sessionService: sessionService,
		examService:    examService,
	}
}

// GetLobby godoc
// GET /api/v1/candidate/lobby
// Returns the published exams with the candidate's own session, if any.
func (h *CandidateHandler) GetLobby(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	lobby, err := h.examService.GetLobby(c.Request.Context(), claims.UserID)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exams": lobby})
}

// Preflight godoc
// POST /api/v1/candidate/exams/:exam_id/preflight
// Checks fullscreen, camera and face-model availability before starting.
func (h *CandidateHandler) Preflight(c *gin.Context) {
	if _, err := uuid.Parse(c.Param("exam_id")); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.PreflightRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessionService.Preflight(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// StartExam godoc
// POST /api/v1/candidate/exams/:exam_id/start
// Creates the session and moves it to running. Starting again resumes the
// existing session.
func (h *CandidateHandler) StartExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	state, err := h.sessionService.Start(c.Request.Context(), examID, claims.UserID, req.Preflight)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, state)
}

// GetState godoc
// GET /api/v1/candidate/sessions/:session_id/state
// Returns the questions, saved answers and remaining time after a reload.
func (h *CandidateHandler) GetState(c *gin.Context) {
	claims, sessionID, ok := candidateSession(c)
	if !ok {
		return
	}

	state, err := h.sessionService.State(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// SaveAnswer godoc
// PUT /api/v1/candidate/sessions/:session_id/answers/:question_id
// REST fallback for the autosave action of the stream.
func (h *CandidateHandler) SaveAnswer(c *gin.Context) {
	claims, sessionID, ok := candidateSession(c)
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessionService.SaveAnswer(c.Request.Context(), sessionID, claims.UserID, c.Param("question_id"), req.Answer)
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// FinishExam godoc
// POST /api/v1/candidate/sessions/:session_id/finish
// Without force, unanswered questions keep the session running and are
// listed in missing. A session already finished returns its result with 409.
func (h *CandidateHandler) FinishExam(c *gin.Context) {
	claims, sessionID, ok := candidateSession(c)
	if !ok {
		return
	}

	var req model.FinishRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	out, err := h.sessionService.Finish(c.Request.Context(), sessionID, claims.UserID, req.Force)
	if errors.Is(err, session.ErrAlreadyFinalized) && out.Result != nil {
		response.Success(c, http.StatusConflict, out)
		return
	}
	if err != nil {
		fail(c, err)
		return
	}

	if out.Missing == nil {
		out.Missing = []int{}
	}
	response.Success(c, http.StatusOK, out)
}

// candidateSession reads the claims and the session_id path parameter.
// It writes the error response itself and reports false when either is bad.
func candidateSession(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, sessionID, true
}
