package websocket

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/session"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The desktop shell connects from its own origin; the token gate is
		// the access control, not the origin.
		return true
	},
}

// Handler upgrades HTTP connections and binds them to live sessions.
type Handler struct {
	hub    *session.Hub
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *session.Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades to WebSocket and attaches the connection to its
// session. Clients pass session_id to pick a session and last_seq to resume:
// missed events are replayed, or a snapshot is sent when the replay window is
// gone. Without last_seq the full stream is replayed from the start.
func (h *Handler) HandleConnection(c *gin.Context) {
	sessionID := c.Query("session_id")

	var lastSeq int64
	if raw := c.Query("last_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid last_seq"})
			return
		}
		lastSeq = parsed
	}

	sess, err := h.hub.GetOrCreate(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to create session",
			zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("session_id", sessionID),
		zap.Int64("last_seq", lastSeq),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, sess, h.logger)

	go client.WritePump()
	sess.Attach(clientID, client, lastSeq)
	client.ReadPump(c.Request.Context())
}
