package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/ledger"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{session.ErrNotFound, http.StatusNotFound, response.ErrNotFound},
		{service.ErrExamNotFound, http.StatusNotFound, response.ErrNotFound},
		{session.ErrForbidden, http.StatusForbidden, response.ErrForbidden},
		{session.ErrAlreadyFinalized, http.StatusConflict, response.ErrSessionFinalized},
		{session.ErrSessionExists, http.StatusConflict, response.ErrConflict},
		{session.ErrExamClosed, http.StatusForbidden, response.ErrExamNotAvailable},
		{service.ErrSessionAlreadyActive, http.StatusConflict, response.ErrSessionActive},
		{service.ErrInvalidCredentials, http.StatusUnauthorized, response.ErrInvalidCredentials},
		{service.ErrSessionNotTerminal, http.StatusConflict, response.ErrSessionNotTerminal},
		{fmt.Errorf("record: %w", ledger.ErrUnknownReason), http.StatusBadRequest, response.ErrValidation},
		{&session.CapabilityError{Issues: []string{session.IssueMediaUnavailable}}, http.StatusPreconditionFailed, response.ErrCapability},
		{errors.New("connection reset"), http.StatusInternalServerError, response.ErrInternal},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			status, code := errorCode(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestFailListsCapabilityIssues(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)

	fail(c, &session.CapabilityError{Issues: []string{
		session.IssueFullscreenUnsupported,
		session.IssueMediaUnavailable,
	}})

	require.Equal(t, http.StatusPreconditionFailed, w.Code)
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, response.ErrCapability, body.Error.Code)
	assert.Len(t, body.Error.Fields, 2)
	assert.Contains(t, body.Error.Fields, session.IssueMediaUnavailable)
}

func TestFailRecordsInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	fail(c, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Len(t, c.Errors, 1)
}
