package websocket

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/duel/internal/game/session"
	"github.com/cory-johannsen/duel/internal/protocol"
)

func detachedClient(id session.ConnID) *Client {
	return &Client{id: id, outbox: NewOutbox(string(id), 4)}
}

func TestHub_SendUnknownClient(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	err := h.Send("ghost", protocol.GameOver(protocol.WinnerDraw, ""))
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestHub_SendQueuesEncodedFrame(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	c := detachedClient("a")
	h.add(c)

	require.NoError(t, h.Send("a", protocol.GameOver(protocol.WinnerOpponentDisconnected, "")))

	var env protocol.Envelope
	require.NoError(t, sonic.Unmarshal(<-c.outbox.Frames(), &env))
	assert.Equal(t, protocol.TypeGameOver, env.Type)

	var p protocol.GameOverPayload
	require.NoError(t, sonic.Unmarshal(env.Payload, &p))
	assert.Equal(t, "Opponent disconnected", p.Winner)
}

func TestHub_SendAfterOutboxClosed(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	c := detachedClient("a")
	h.add(c)
	c.outbox.Close()

	err := h.Send("a", protocol.Diagnostic("late"))
	assert.ErrorIs(t, err, ErrOutboxClosed)
}

func TestHub_AddRemoveCount(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	h.add(detachedClient("a"))
	h.add(detachedClient("b"))
	assert.Equal(t, 2, h.Count())

	assert.True(t, h.remove("a"))
	assert.False(t, h.remove("a"))
	assert.Equal(t, 1, h.Count())
}
