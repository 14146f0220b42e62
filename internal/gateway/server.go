// Package gateway exposes the WebSocket endpoint and the small HTTP surface
// around it.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mirageos/mirage/internal/common/config"
	"github.com/mirageos/mirage/internal/common/httpmw"
	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/gateway/websocket"
	"github.com/mirageos/mirage/internal/session"
)

// NewRouter builds the HTTP router: /ws behind the token gate, /health open
// for load balancers.
func NewRouter(cfg *config.Config, hub *session.Hub, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "mirage",
			"sessions": hub.Stats(),
		})
	})

	wsHandler := websocket.NewHandler(hub, log)
	router.GET("/ws", TokenAuth(cfg.Auth), wsHandler.HandleConnection)

	return router
}
