package requestid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(capture *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping", func(c *gin.Context) {
		*capture = Value(c)
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	r := newRouter(&seen)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
}

func TestRequestIDEchoesInbound(t *testing.T) {
	var seen string
	r := newRouter(&seen)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "proxy-abc-123")
	r.ServeHTTP(w, req)

	assert.Equal(t, "proxy-abc-123", seen)
	assert.Equal(t, "proxy-abc-123", w.Header().Get("X-Request-ID"))
}

func TestRequestIDReplacesOversizedInbound(t *testing.T) {
	var seen string
	r := newRouter(&seen)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", maxInboundLen+1))
	r.ServeHTTP(w, req)

	require.NotEmpty(t, seen)
	assert.NotContains(t, seen, "xxx")
	_, err := uuid.Parse(w.Header().Get("X-Request-ID"))
	assert.NoError(t, err)
}
