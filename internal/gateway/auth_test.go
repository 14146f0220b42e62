package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mirageos/mirage/internal/common/config"
)

func authRouter(cfg config.AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", TokenAuth(cfg), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

func getStatus(r *gin.Engine, path string, header map[string]string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestTokenAuthSkippedWhenLocal(t *testing.T) {
	r := authRouter(config.AuthConfig{RemoteMode: false, Token: "secret"})
	assert.Equal(t, http.StatusOK, getStatus(r, "/ws", nil))
}

func TestTokenAuthQueryParam(t *testing.T) {
	r := authRouter(config.AuthConfig{RemoteMode: true, Token: "secret"})

	assert.Equal(t, http.StatusOK, getStatus(r, "/ws?token=secret", nil))
	assert.Equal(t, http.StatusUnauthorized, getStatus(r, "/ws?token=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, getStatus(r, "/ws", nil))
}

func TestTokenAuthBearerHeader(t *testing.T) {
	r := authRouter(config.AuthConfig{RemoteMode: true, Token: "secret"})

	assert.Equal(t, http.StatusOK,
		getStatus(r, "/ws", map[string]string{"Authorization": "Bearer secret"}))
	assert.Equal(t, http.StatusUnauthorized,
		getStatus(r, "/ws", map[string]string{"Authorization": "Bearer nope"}))
	// A header without the Bearer scheme is not a token.
	assert.Equal(t, http.StatusUnauthorized,
		getStatus(r, "/ws", map[string]string{"Authorization": "secret"}))
}
