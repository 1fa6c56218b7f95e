package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/game/session"
)

// Client is one upgraded WebSocket connection.
type Client struct {
	id     session.ConnID
	conn   *websocket.Conn
	outbox *Outbox
	cfg    config.WebSocketConfig
	logger *zap.Logger

	kickOnce sync.Once
}

func newClient(id session.ConnID, conn *websocket.Conn, cfg config.WebSocketConfig, logger *zap.Logger) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		outbox: NewOutbox(string(id), cfg.SendBuffer),
		cfg:    cfg,
		logger: logger.With(zap.String("conn", string(id))),
	}
}

// ID returns the connection id assigned at upgrade.
func (c *Client) ID() session.ConnID { return c.id }

// kick closes the underlying connection, which unblocks both pumps.
func (c *Client) kick() {
	c.kickOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// readPump forwards inbound frames to sink until the connection fails or the sink stops.
func (c *Client) readPump(sink EventSink) {
	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if err := sink.Message(c.id, data); err != nil {
			c.logger.Debug("sink rejected message", zap.Error(err))
			return
		}
	}
}

// writePump drains the outbox and keeps the connection alive with pings.
// It is the only goroutine that writes data frames.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.kick()
	}()

	for {
		select {
		case frame, ok := <-c.outbox.Frames():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
