package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/session"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

var errClientClosed = errors.New("websocket client closed")

// Client represents a single WebSocket connection bound to a live session.
// It implements broadcast.Transport so the session can push events to it.
type Client struct {
	ID      string
	conn    *websocket.Conn
	session *session.LiveSession
	send    chan []byte
	once    sync.Once
	done    chan struct{}
	logger  *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, sess *session.LiveSession, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		session: sess,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// Send queues a server event for delivery. Events are dropped rather than
// blocking the session when the peer cannot keep up.
func (c *Client) Send(event *v1.ServerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("client send buffer full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.Int64("seq", event.Seq))
		return nil
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.session.Detach(c.ID)
		c.conn.Close()
	})
}

// ReadPump pumps inbound events from the connection into the session router.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var event v1.ClientEvent
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Warn("failed to parse client event", zap.Error(err))
			continue
		}

		c.session.Route(ctx, c.ID, &event)
	}
}

// WritePump pumps queued events to the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued events into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
