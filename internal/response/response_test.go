package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCarriesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/ok", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{"status": "running"}) })
	r.GET("/fail", func(c *gin.Context) {
		FailWithFields(c, http.StatusBadRequest, ErrValidation, map[string]string{"value": "required"})
	})

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var ok Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ok))
	assert.Equal(t, "req-1", ok.Metadata.RequestID)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
	assert.Nil(t, ok.Error)

	req = httptest.NewRequest(http.MethodGet, "/fail", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 100))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var failed Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, failed.Metadata.RequestID, 36)
	require.NotNil(t, failed.Error)
	assert.Equal(t, ErrValidation, failed.Error.Code)
	assert.Equal(t, GetMessage(ErrValidation), failed.Error.Message)
	assert.Equal(t, "required", failed.Error.Fields["value"])
}

func TestGetMessageFallback(t *testing.T) {
	assert.Equal(t, "Terjadi kesalahan yang tidak terduga.", GetMessage("SOMETHING_ELSE"))
	for code := range messages {
		assert.NotEmpty(t, GetMessage(code))
	}
}
