// Package websocket carries the game protocol over WebSocket connections.
//
// The Acceptor upgrades HTTP requests and feeds connection events to an EventSink;
// the Hub tracks open clients and delivers outbound messages to them.
package websocket

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/game/session"
	"github.com/cory-johannsen/duel/internal/protocol"
)

// ErrUnknownClient is returned by Send for a connection that is not open.
var ErrUnknownClient = errors.New("unknown client")

// Hub tracks open clients by connection id. It implements session.Sender.
// All methods are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[session.ConnID]*Client
	logger  *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[session.ConnID]*Client),
		logger:  logger,
	}
}

var _ session.Sender = (*Hub)(nil)

// Send encodes msg and queues it for the client. A client whose queue is full is
// disconnected; its read pump then reports the close.
func (h *Hub) Send(id session.ConnID, msg protocol.Message) error {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.outbox.Push(data); err != nil {
		if errors.Is(err, ErrOutboxFull) {
			h.logger.Warn("client not draining, disconnecting", zap.String("conn", string(id)))
			c.kick()
		}
		return err
	}
	return nil
}

// Count returns the number of open clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// remove forgets the client and reports whether it was present.
func (h *Hub) remove(id session.ConnID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[id]; !ok {
		return false
	}
	delete(h.clients, id)
	return true
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.kick()
	}
}
