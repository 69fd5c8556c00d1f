package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/ledger"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// errorCode maps domain errors to an HTTP status and API error code.
func errorCode(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, service.ErrExamNotFound),
		errors.Is(err, service.ErrCandidateNotFound),
		errors.Is(err, service.ErrSupervisorNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, response.ErrInvalidCredentials
	case errors.Is(err, service.ErrSessionAlreadyActive):
		return http.StatusConflict, response.ErrSessionActive
	case errors.Is(err, service.ErrLoginInvalidated):
		return http.StatusUnauthorized, response.ErrSessionInvalidated
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, session.ErrAlreadyFinalized):
		return http.StatusConflict, response.ErrSessionFinalized
	case errors.Is(err, session.ErrNotRunning):
		return http.StatusConflict, response.ErrSessionNotActive
	case errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict, response.ErrConflict
	case errors.Is(err, session.ErrExamClosed):
		return http.StatusForbidden, response.ErrExamNotAvailable
	case errors.Is(err, session.ErrNoQuestions), errors.Is(err, service.ErrNoQuestions):
		return http.StatusUnprocessableEntity, response.ErrNoQuestions
	case errors.Is(err, session.ErrUnknownQuestion):
		return http.StatusBadRequest, response.ErrUnknownQuestion
	case errors.Is(err, session.ErrEmptyAnswer):
		return http.StatusBadRequest, response.ErrEmptyAnswer
	case errors.Is(err, ledger.ErrUnknownReason):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, service.ErrSessionNotTerminal):
		return http.StatusConflict, response.ErrSessionNotTerminal
	case errors.Is(err, service.ErrNotEssayQuestion):
		return http.StatusBadRequest, response.ErrNotEssayQuestion
	case errors.Is(err, service.ErrInvalidEssayScore):
		return http.StatusBadRequest, response.ErrInvalidScore
	}
	var capErr *session.CapabilityError
	if errors.As(err, &capErr) {
		return http.StatusPreconditionFailed, response.ErrCapability
	}
	return http.StatusInternalServerError, response.ErrInternal
}

// fail writes the error envelope for err. Capability errors list every
// issue in the fields map.
func fail(c *gin.Context, err error) {
	status, code := errorCode(err)
	var capErr *session.CapabilityError
	if errors.As(err, &capErr) {
		fields := make(map[string]string, len(capErr.Issues))
		for i, msg := range capErr.Messages() {
			fields[capErr.Issues[i]] = msg
		}
		response.FailWithFields(c, status, code, fields)
		return
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	response.Fail(c, status, code)
}

// errorMessage is the candidate-facing text for err on a socket.
func errorMessage(err error) string {
	_, code := errorCode(err)
	return response.GetMessage(code)
}
